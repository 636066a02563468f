package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/leadboard/internal/metrics"
	"github.com/agentworkforce/leadboard/internal/pipeline"
)

const defaultConfirmationTTL = 2 * time.Minute

var ErrConfirmationInvalid = errors.New("delete confirmation invalid or expired")

type BulkBackend interface {
	BulkMoveStage(ctx context.Context, leadIDs []string, stage pipeline.Stage) error
	BulkAssign(ctx context.Context, leadIDs []string, userID string) error
	BulkTag(ctx context.Context, leadIDs []string, tags []string) error
	BulkArchive(ctx context.Context, leadIDs []string) error
	BulkDelete(ctx context.Context, leadIDs []string) error
}

// BulkOutcome reports how many selected leads an action was sent for. Zero
// with a nil error means the action was a no-op.
type BulkOutcome struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type DeleteConfirmation struct {
	Token     string    `json:"token"`
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingDelete struct {
	token     string
	ids       []string
	expiresAt time.Time
}

// BulkDispatcher sends one backend call per action for the whole selection.
// Success clears the selection and reloads the board; failure leaves the
// selection as it was so the action can be retried.
type BulkDispatcher struct {
	selection *pipeline.Selection
	backend   BulkBackend
	notices   *NoticeQueue
	reload    func(ctx context.Context, reason string) error
	ttl       time.Duration
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	pending *pendingDelete
}

func (b *BulkDispatcher) MoveStage(ctx context.Context, target pipeline.Stage) (BulkOutcome, error) {
	if strings.TrimSpace(string(target)) == "" {
		return BulkOutcome{Action: "stage"}, nil
	}
	stage, ok := pipeline.ParseStage(string(target))
	if !ok {
		return BulkOutcome{Action: "stage"}, fmt.Errorf("%w: %q", pipeline.ErrUnknownStage, target)
	}
	return b.run(ctx, "stage", b.selection.IDs(), func(ctx context.Context, ids []string) error {
		return b.backend.BulkMoveStage(ctx, ids, stage)
	})
}

func (b *BulkDispatcher) Assign(ctx context.Context, userID string) (BulkOutcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return BulkOutcome{Action: "assign"}, nil
	}
	return b.run(ctx, "assign", b.selection.IDs(), func(ctx context.Context, ids []string) error {
		return b.backend.BulkAssign(ctx, ids, userID)
	})
}

func (b *BulkDispatcher) Tag(ctx context.Context, tags []string) (BulkOutcome, error) {
	cleaned := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		cleaned = append(cleaned, tag)
	}
	if len(cleaned) == 0 {
		return BulkOutcome{Action: "tag"}, nil
	}
	return b.run(ctx, "tag", b.selection.IDs(), func(ctx context.Context, ids []string) error {
		return b.backend.BulkTag(ctx, ids, cleaned)
	})
}

func (b *BulkDispatcher) Archive(ctx context.Context) (BulkOutcome, error) {
	return b.run(ctx, "archive", b.selection.IDs(), b.backend.BulkArchive)
}

// RequestDelete is the first phase of a bulk delete. The returned token
// binds the current selection; ConfirmDelete refuses it if the selection
// changed or the token expired.
func (b *BulkDispatcher) RequestDelete() DeleteConfirmation {
	ids := b.selection.IDs()
	if len(ids) == 0 {
		return DeleteConfirmation{}
	}
	pending := &pendingDelete{
		token:     uuid.NewString(),
		ids:       ids,
		expiresAt: b.now().Add(b.ttl),
	}
	b.mu.Lock()
	b.pending = pending
	b.mu.Unlock()
	return DeleteConfirmation{Token: pending.token, Count: len(ids), ExpiresAt: pending.expiresAt}
}

func (b *BulkDispatcher) ConfirmDelete(ctx context.Context, token string) (BulkOutcome, error) {
	token = strings.TrimSpace(token)
	b.mu.Lock()
	pending := b.pending
	if pending == nil || token == "" || pending.token != token {
		b.mu.Unlock()
		return BulkOutcome{Action: "delete"}, ErrConfirmationInvalid
	}
	b.pending = nil
	b.mu.Unlock()

	if !b.now().Before(pending.expiresAt) || !sameMembers(pending.ids, b.selection.IDs()) {
		return BulkOutcome{Action: "delete"}, ErrConfirmationInvalid
	}
	return b.run(ctx, "delete", pending.ids, b.backend.BulkDelete)
}

func (b *BulkDispatcher) run(ctx context.Context, action string, ids []string, call func(context.Context, []string) error) (BulkOutcome, error) {
	outcome := BulkOutcome{Action: action}
	if len(ids) == 0 {
		return outcome, nil
	}
	err := call(ctx, ids)
	metrics.RecordBulkAction(action, err)
	if err != nil {
		b.logf("boardsync: bulk %s of %d leads failed: %v", action, len(ids), err)
		b.notices.Push(NoticeMutation, fmt.Sprintf("Bulk %s failed for %d leads: %v", action, len(ids), err))
		return outcome, err
	}
	outcome.Count = len(ids)
	b.selection.Clear()
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
	if err := b.reload(ctx, "bulk_"+action); err != nil {
		b.logf("boardsync: reload after bulk %s failed: %v", action, err)
	}
	return outcome, nil
}

func (b *BulkDispatcher) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
