package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/leadboard/internal/boardsync"
	"github.com/agentworkforce/leadboard/internal/crmapi"
	"github.com/agentworkforce/leadboard/internal/metrics"
	"github.com/agentworkforce/leadboard/internal/pipeline"
)

type ServerConfig struct {
	JWTSecret string
	// OrganizationID, when set, rejects tokens issued for another
	// organization.
	OrganizationID     string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	AllowedOrigins     []string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	RequestLogging     bool
	StreamBuffer       int
}

type Server struct {
	engine             *boardsync.Engine
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	router             chi.Router
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ctxKey int

const (
	claimsKey ctxKey = iota
	correlationKey
)

func NewServer(engine *boardsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *boardsync.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173"}
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:             engine,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id", "Retry-After"},
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/internal/crm-events", s.handleInternalCRMEvent)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authorize(scopeBoardRead))
			r.Get("/board", s.handleBoard)
			r.Get("/board/raw", s.handleBoardRaw)
			r.Get("/stream", s.handleStream)
			r.Get("/selection", s.handleSelection)
			r.Get("/connection", s.handleConnection)
			r.Get("/notices", s.handleNotices)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authorize(scopeBoardWrite))
			r.Put("/board/filter", s.handleSetFilter)
			r.Post("/board/reload", s.handleReload)

			r.Post("/drag/start", s.handleDragStart)
			r.Post("/drag/cancel", s.handleDragCancel)
			r.Post("/drag/drop", s.handleDrop)

			r.Post("/selection/toggle", s.handleSelectionToggle)
			r.Post("/selection/all", s.handleSelectAll)
			r.Delete("/selection", s.handleSelectionClear)

			r.Post("/bulk/stage", s.handleBulkStage)
			r.Post("/bulk/assign", s.handleBulkAssign)
			r.Post("/bulk/tag", s.handleBulkTag)
			r.Post("/bulk/archive", s.handleBulkArchive)
			r.Post("/bulk/delete", s.handleBulkDeleteRequest)
			r.Post("/bulk/delete/confirm", s.handleBulkDeleteConfirm)

			r.Post("/connection/reconnect", s.handleReconnect)
			r.Delete("/notices/{id}", s.handleDismissNotice)

			r.Post("/leads", s.handleCreateLead)
			r.Patch("/leads/{id}", s.handleUpdateLead)
			r.Delete("/leads/{id}", s.handleDeleteLead)
			r.Post("/leads/{id}/favorite", s.handleToggleFavorite)
		})
	})
	return r
}

// authorize checks the bearer token, assigns a correlation id and applies
// the per-user rate limit. Browsers cannot set headers on websocket
// upgrades, so the stream also accepts the token as access_token.
func (s *Server) authorize(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			if correlationID == "" {
				correlationID = "lb_" + uuid.NewString()
			}
			w.Header().Set("X-Correlation-Id", correlationID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if token := r.URL.Query().Get("access_token"); token != "" {
					authHeader = "Bearer " + token
				}
			}
			claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.cfg.OrganizationID, requiredScope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil {
				key := claims.OrganizationID + "|" + claims.UserID
				if !s.rateLimiter.allow(key, time.Now().UTC()) {
					retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, correlationKey, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.View())
}

func (s *Server) handleBoardRaw(w http.ResponseWriter, r *http.Request) {
	board := s.engine.Board()
	writeJSON(w, http.StatusOK, map[string]any{
		"board":   board.Snapshot(),
		"version": board.Version(),
	})
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var spec pipeline.FilterSpec
	if !s.decodeJSONBody(w, r, correlationID, &spec) {
		return
	}
	for _, stage := range spec.Stages {
		if !stage.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_stage", "unknown stage: "+string(stage), correlationID)
			return
		}
	}
	changed := s.engine.SetFilter(spec)
	writeJSON(w, http.StatusOK, map[string]any{
		"filter":          s.engine.Filter(),
		"changed":         changed,
		"selection_count": s.engine.Selection().Len(),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context(), "manual"); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleDragStart(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req struct {
		LeadID string `json:"lead_id"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.LeadID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "lead_id is required", correlationID)
		return
	}
	started, err := s.engine.Drag().DragStart(req.LeadID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *Server) handleDragCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.engine.Drag().CancelDrag()})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req struct {
		Stage pipeline.Stage `json:"stage"`
		Notes string         `json:"notes"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.engine.Drag().Drop(r.Context(), req.Stage, req.Notes)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selectionBody())
}

func (s *Server) handleSelectionToggle(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req struct {
		LeadID string `json:"lead_id"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if _, err := s.engine.ToggleSelection(req.LeadID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.selectionBody())
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	s.engine.SelectAllVisible()
	writeJSON(w, http.StatusOK, s.selectionBody())
}

func (s *Server) handleSelectionClear(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearSelection()
	writeJSON(w, http.StatusOK, s.selectionBody())
}

func (s *Server) selectionBody() map[string]any {
	selection := s.engine.Selection()
	return map[string]any{
		"ids":   selection.IDs(),
		"count": selection.Len(),
		"max":   selection.Max(),
	}
}

func (s *Server) handleBulkStage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage pipeline.Stage `json:"stage"`
	}
	if !s.decodeJSONBody(w, r, requestCorrelationID(r), &req) {
		return
	}
	s.writeBulk(w, r, func(ctx context.Context) (boardsync.BulkOutcome, error) {
		return s.engine.Bulk().MoveStage(ctx, req.Stage)
	})
}

func (s *Server) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !s.decodeJSONBody(w, r, requestCorrelationID(r), &req) {
		return
	}
	s.writeBulk(w, r, func(ctx context.Context) (boardsync.BulkOutcome, error) {
		return s.engine.Bulk().Assign(ctx, req.UserID)
	})
}

func (s *Server) handleBulkTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if !s.decodeJSONBody(w, r, requestCorrelationID(r), &req) {
		return
	}
	s.writeBulk(w, r, func(ctx context.Context) (boardsync.BulkOutcome, error) {
		return s.engine.Bulk().Tag(ctx, req.Tags)
	})
}

func (s *Server) handleBulkArchive(w http.ResponseWriter, r *http.Request) {
	s.writeBulk(w, r, s.engine.Bulk().Archive)
}

func (s *Server) handleBulkDeleteRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Bulk().RequestDelete())
}

func (s *Server) handleBulkDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeJSONBody(w, r, requestCorrelationID(r), &req) {
		return
	}
	s.writeBulk(w, r, func(ctx context.Context) (boardsync.BulkOutcome, error) {
		return s.engine.Bulk().ConfirmDelete(ctx, req.Token)
	})
}

func (s *Server) writeBulk(w http.ResponseWriter, r *http.Request, run func(context.Context) (boardsync.BulkOutcome, error)) {
	outcome, err := run(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":          outcome.Action,
		"count":           outcome.Count,
		"selection_count": s.engine.Selection().Len(),
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Connection())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	accepted := s.engine.Reconnect()
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"state":    s.engine.Connection().State,
	})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notices": s.engine.Notices().List()})
}

func (s *Server) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Notices().Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "notice not found", requestCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var lead pipeline.Lead
	if !s.decodeJSONBody(w, r, correlationID, &lead) {
		return
	}
	if strings.TrimSpace(lead.Name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required", correlationID)
		return
	}
	if lead.Stage == "" {
		lead.Stage = pipeline.StageLead
	}
	if !lead.Stage.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_stage", "unknown stage: "+string(lead.Stage), correlationID)
		return
	}
	created, err := s.engine.CreateLead(r.Context(), lead)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var fields map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no fields to update", correlationID)
		return
	}
	updated, err := s.engine.UpdateLead(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteLead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ToggleFavorite(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInternalCRMEvent accepts push messages the CRM delivers by signed
// webhook and applies them like realtime channel frames.
func (s *Server) handleInternalCRMEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Leadboard-Timestamp")
	signature := r.Header.Get("X-Leadboard-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	applied := s.engine.ApplyFrame(body)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"applied":       applied,
		"correlationId": correlationID,
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := requestCorrelationID(r)
	var httpErr *crmapi.HTTPError
	switch {
	case errors.Is(err, pipeline.ErrLeadNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, pipeline.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, "invalid_stage", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrNoDrag):
		writeError(w, http.StatusConflict, "no_drag", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrSelectionFull):
		writeError(w, http.StatusConflict, "selection_full", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrConfirmationInvalid):
		writeError(w, http.StatusConflict, "confirmation_invalid", err.Error(), correlationID)
	case errors.Is(err, crmapi.ErrNoSession):
		writeError(w, http.StatusServiceUnavailable, "no_session", err.Error(), correlationID)
	case errors.Is(err, crmapi.ErrBatchRejected):
		writeError(w, http.StatusBadGateway, "batch_rejected", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		status := http.StatusBadGateway
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			status = httpErr.StatusCode
		}
		writeError(w, status, "upstream_error", httpErr.Message, correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func requestCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey).(string); ok {
		return id
	}
	return getCorrelationID(r)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
