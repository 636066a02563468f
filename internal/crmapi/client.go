package crmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/leadboard/internal/pipeline"
	"github.com/agentworkforce/leadboard/internal/session"
)

var (
	ErrNoSession     = errors.New("no active session")
	ErrBatchRejected = errors.New("batch rejected")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// BatchError reports a bulk call the backend answered but refused.
type BatchError struct {
	Action  string
	Message string
	Failed  []string
}

func (e *BatchError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bulk %s rejected: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("bulk %s rejected for %d leads", e.Action, len(e.Failed))
}

func (e *BatchError) Is(target error) bool {
	return target == ErrBatchRejected
}

type StageUpdate struct {
	Stage pipeline.Stage `json:"stage"`
	Notes string         `json:"notes,omitempty"`
}

type BulkResult struct {
	Success  *bool    `json:"success,omitempty"`
	Affected int      `json:"affected"`
	Failed   []string `json:"failed,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type HTTPClient struct {
	baseURL    string
	sessions   session.Source
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

func NewHTTPClient(baseURL string, sessions session.Source, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		sessions:   sessions,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *HTTPClient) LeadsByStage(ctx context.Context) (map[pipeline.Stage][]pipeline.Lead, error) {
	var out map[pipeline.Stage][]pipeline.Lead
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/leads/by-stage", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[pipeline.Stage][]pipeline.Lead{}
	}
	return out, nil
}

func (c *HTTPClient) UpdateLeadStage(ctx context.Context, leadID string, update StageUpdate) (pipeline.Lead, error) {
	var out pipeline.Lead
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/v1/leads/%s/stage", url.PathEscape(leadID)), update, &out)
	return out, err
}

func (c *HTTPClient) BulkMoveStage(ctx context.Context, leadIDs []string, stage pipeline.Stage) error {
	return c.doBulk(ctx, "stage", map[string]any{"lead_ids": leadIDs, "stage": stage})
}

func (c *HTTPClient) BulkAssign(ctx context.Context, leadIDs []string, userID string) error {
	return c.doBulk(ctx, "assign", map[string]any{"lead_ids": leadIDs, "assigned_to": userID})
}

func (c *HTTPClient) BulkTag(ctx context.Context, leadIDs []string, tags []string) error {
	return c.doBulk(ctx, "tags", map[string]any{"lead_ids": leadIDs, "tags": tags})
}

func (c *HTTPClient) BulkArchive(ctx context.Context, leadIDs []string) error {
	return c.doBulk(ctx, "archive", map[string]any{"lead_ids": leadIDs})
}

func (c *HTTPClient) BulkDelete(ctx context.Context, leadIDs []string) error {
	return c.doBulk(ctx, "delete", map[string]any{"lead_ids": leadIDs})
}

func (c *HTTPClient) ToggleFavorite(ctx context.Context, leadID string) (pipeline.Lead, error) {
	var out pipeline.Lead
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/leads/%s/favorite", url.PathEscape(leadID)), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateLead(ctx context.Context, lead pipeline.Lead) (pipeline.Lead, error) {
	var out pipeline.Lead
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/leads", lead, &out)
	return out, err
}

func (c *HTTPClient) UpdateLead(ctx context.Context, leadID string, fields map[string]any) (pipeline.Lead, error) {
	var out pipeline.Lead
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/v1/leads/%s", url.PathEscape(leadID)), fields, &out)
	return out, err
}

func (c *HTTPClient) DeleteLead(ctx context.Context, leadID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/leads/%s", url.PathEscape(leadID)), nil, nil)
}

func (c *HTTPClient) doBulk(ctx context.Context, action string, body map[string]any) error {
	var result BulkResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/leads/bulk/"+action, body, &result); err != nil {
		return err
	}
	if (result.Success != nil && !*result.Success) || len(result.Failed) > 0 {
		return &BatchError{Action: action, Message: result.Message, Failed: result.Failed}
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	current, err := c.currentSession()
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+current.Token)
		req.Header.Set("X-Organization-Id", current.OrganizationID)
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent(method) && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(method, resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Detail
		}
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
	}
}

// idempotent reports whether a request may be resent after a 5xx or a
// transport error.
func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// retryableStatus allows 429 for every method.
func retryableStatus(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599 && idempotent(method)
}

func (c *HTTPClient) currentSession() (*session.Session, error) {
	if c.sessions == nil {
		return nil, ErrNoSession
	}
	current, err := session.Current(c.sessions, c.now())
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if current == nil {
		return nil, ErrNoSession
	}
	return current, nil
}

func correlationID() string {
	return "lb_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
