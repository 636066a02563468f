package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/leadboard/internal/crmapi"
	"github.com/agentworkforce/leadboard/internal/metrics"
	"github.com/agentworkforce/leadboard/internal/pipeline"
	"github.com/agentworkforce/leadboard/internal/realtime"
	"github.com/agentworkforce/leadboard/internal/session"
)

const (
	defaultReloadDelay  = 1500 * time.Millisecond
	defaultPollInterval = 30 * time.Second
)

var (
	ErrSelectionFull = errors.New("selection is full")
	ErrInvalidInput  = errors.New("invalid input")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Backend is the CRM surface the engine drives. *crmapi.HTTPClient
// satisfies it.
type Backend interface {
	LeadSource
	StageUpdater
	BulkBackend
	ToggleFavorite(ctx context.Context, leadID string) (pipeline.Lead, error)
	CreateLead(ctx context.Context, lead pipeline.Lead) (pipeline.Lead, error)
	UpdateLead(ctx context.Context, leadID string, fields map[string]any) (pipeline.Lead, error)
	DeleteLead(ctx context.Context, leadID string) error
}

// Channel is the push-channel surface the engine consumes.
// *realtime.Manager satisfies it.
type Channel interface {
	Sender
	Subscribe(t realtime.EventType, h realtime.Handler) (cancel func())
	OnStateChange(fn func(from, to realtime.ConnectionState))
	OnPoll(fn func(ctx context.Context))
	State() realtime.ConnectionState
	ActiveUsers() []realtime.ActiveUser
	Reconnect() bool
	Run(ctx context.Context) error
}

type Options struct {
	Backend  Backend
	Sessions session.Source
	// Realtime may be nil, in which case the engine polls on its own.
	Realtime        Channel
	Logger          Logger
	MaxSelection    int
	ReloadDelay     time.Duration
	PollInterval    time.Duration
	ConfirmationTTL time.Duration
	NoticeCapacity  int
	Now             func() time.Time
}

type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadReady   LoadState = "ready"
	LoadError   LoadState = "error"
)

// LoadStatus describes the last board load. Attempts counts consecutive
// failures and resets on success.
type LoadStatus struct {
	State        LoadState  `json:"state"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	LastLoadedAt *time.Time `json:"last_loaded_at,omitempty"`
}

type View struct {
	Board   pipeline.BoardState `json:"board"`
	Filter  pipeline.FilterSpec `json:"filter"`
	Status  LoadStatus          `json:"status"`
	Version uint64              `json:"version"`
}

type ConnectionView struct {
	State       realtime.ConnectionState `json:"state"`
	ActiveUsers []realtime.ActiveUser    `json:"active_users"`
}

type UpdateKind string

const (
	UpdateBoard      UpdateKind = "board_changed"
	UpdateConnection UpdateKind = "connection_state"
	UpdateNotice     UpdateKind = "notice"
)

// Update is pushed to Watch listeners as the engine's state moves.
type Update struct {
	Kind       UpdateKind               `json:"type"`
	Version    uint64                   `json:"version,omitempty"`
	Connection realtime.ConnectionState `json:"connection_state,omitempty"`
	Notice     *Notice                  `json:"notice,omitempty"`
}

// Engine keeps the local board in step with the CRM. Realtime patches and
// optimistic moves mutate the board in place; anything that cannot be
// applied safely falls back to a full reload.
type Engine struct {
	board     *pipeline.Board
	selection *pipeline.Selection
	loader    *Loader
	notices   *NoticeQueue
	drag      *DragCoordinator
	bulk      *BulkDispatcher
	backend   Backend
	channel   Channel
	logger    Logger
	now       func() time.Time

	reloadDelay  time.Duration
	pollInterval time.Duration

	mu      sync.RWMutex
	filter  pipeline.FilterSpec
	status  LoadStatus
	runCtx  context.Context
	started bool

	// loadMu serializes loads; requested/covered coalesce callers queued
	// behind a load already in flight.
	loadMu    sync.Mutex
	reloadMu  sync.Mutex
	requested uint64
	covered   uint64
	lastErr   error
	scheduled bool

	watchMu   sync.RWMutex
	watchers  map[int]func(Update)
	nextWatch int
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	reloadDelay := opts.ReloadDelay
	if reloadDelay <= 0 {
		reloadDelay = defaultReloadDelay
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	ttl := opts.ConfirmationTTL
	if ttl <= 0 {
		ttl = defaultConfirmationTTL
	}

	board := pipeline.NewBoard(pipeline.BoardOptions{Logger: opts.Logger, Now: now})
	e := &Engine{
		board:        board,
		selection:    pipeline.NewSelection(opts.MaxSelection),
		loader:       NewLoader(opts.Backend, opts.Sessions, board, opts.Logger, now),
		notices:      NewNoticeQueue(opts.NoticeCapacity, now),
		backend:      opts.Backend,
		channel:      opts.Realtime,
		logger:       opts.Logger,
		now:          now,
		reloadDelay:  reloadDelay,
		pollInterval: pollInterval,
		status:       LoadStatus{State: LoadIdle},
		runCtx:       context.Background(),
		watchers:     map[int]func(Update){},
	}
	var sender Sender
	if opts.Realtime != nil {
		sender = opts.Realtime
	}
	e.drag = &DragCoordinator{
		board:    board,
		backend:  opts.Backend,
		sender:   sender,
		notices:  e.notices,
		schedule: e.scheduleReload,
		logger:   opts.Logger,
		now:      now,
	}
	e.bulk = &BulkDispatcher{
		selection: e.selection,
		backend:   opts.Backend,
		notices:   e.notices,
		reload:    e.Reload,
		ttl:       ttl,
		logger:    opts.Logger,
		now:       now,
	}

	board.Observe(func(change pipeline.BoardChange) {
		if change.Kind != pipeline.ChangeUpsert {
			e.selection.Prune(board.Has)
			e.drag.forget(board.Has)
		}
		e.publish(Update{Kind: UpdateBoard, Version: change.Version})
	})
	e.notices.setOnPush(func(n Notice) {
		e.publish(Update{Kind: UpdateNotice, Notice: &n})
	})
	return e, nil
}

func (e *Engine) Board() *pipeline.Board { return e.board }
func (e *Engine) Selection() *pipeline.Selection { return e.selection }
func (e *Engine) Drag() *DragCoordinator { return e.drag }
func (e *Engine) Bulk() *BulkDispatcher { return e.bulk }
func (e *Engine) Notices() *NoticeQueue { return e.notices }
func (e *Engine) Loader() *Loader { return e.loader }

// Start performs the initial load and keeps the board in sync until ctx is
// done. A failed initial load leaves the engine in the error load state;
// Reload retries it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return realtime.ErrAlreadyRunning
	}
	e.started = true
	e.runCtx = ctx
	e.mu.Unlock()

	if e.channel == nil {
		_ = e.Reload(ctx, "initial")
		e.publish(Update{Kind: UpdateConnection, Connection: realtime.StateDegradedPolling})
		metrics.SetConnectionState(string(realtime.StateDegradedPolling))
		return e.pollLoop(ctx)
	}

	for _, t := range []realtime.EventType{
		realtime.EventLeadStageChanged,
		realtime.EventLeadCreated,
		realtime.EventLeadUpdated,
		realtime.EventLeadDeleted,
		realtime.EventResyncRequired,
	} {
		e.channel.Subscribe(t, e.applyEvent)
	}
	e.channel.OnPoll(func(ctx context.Context) { _ = e.Reload(ctx, "poll") })
	e.channel.OnStateChange(func(_, to realtime.ConnectionState) {
		metrics.SetConnectionState(string(to))
		e.publish(Update{Kind: UpdateConnection, Connection: to})
	})
	_ = e.Reload(ctx, "initial")
	err := e.channel.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = e.Reload(ctx, "poll")
		}
	}
}

// applyEvent runs on the channel's dispatcher goroutine, in arrival order.
func (e *Engine) applyEvent(ev realtime.Event) {
	metrics.RecordRealtimeEvent(string(ev.Type))
	switch ev.Type {
	case realtime.EventLeadStageChanged:
		if ev.Lead != nil {
			e.upsertOrReload(*ev.Lead)
			return
		}
		current, ok := e.board.Lead(ev.LeadID)
		if !ok {
			e.requestReload("unknown_lead")
			return
		}
		if current.Stage == ev.Stage {
			return
		}
		at := ev.Timestamp
		current.Stage = ev.Stage
		current.StageChangedAt = &at
		e.upsertOrReload(current)
	case realtime.EventLeadCreated, realtime.EventLeadUpdated:
		if ev.Lead == nil {
			e.requestReload("incomplete_event")
			return
		}
		e.upsertOrReload(*ev.Lead)
	case realtime.EventLeadDeleted:
		e.board.RemoveLead(ev.LeadID)
	case realtime.EventResyncRequired:
		e.logf("boardsync: realtime resync: %s", ev.Reason)
		e.requestReload("resync")
	}
}

// ApplyFrame applies a push message that arrived outside the realtime
// channel, such as a signed CRM webhook. It reports whether the frame was
// recognized.
func (e *Engine) ApplyFrame(data []byte) bool {
	ev, ok := realtime.DecodeFrame(data, e.now())
	if !ok {
		return false
	}
	e.applyEvent(ev)
	return true
}

func (e *Engine) upsertOrReload(lead pipeline.Lead) {
	if !e.board.UpsertLead(lead) {
		e.notices.Push(NoticeData, fmt.Sprintf("Received an update for %q that could not be applied; reloading", displayName(lead)))
		e.requestReload("invalid_event")
	}
}

// Reload fetches the authoritative board and replaces local state. Callers
// that arrive while a load is in flight share the next load.
func (e *Engine) Reload(ctx context.Context, reason string) error {
	e.reloadMu.Lock()
	e.requested++
	want := e.requested
	e.reloadMu.Unlock()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.reloadMu.Lock()
	if e.covered >= want {
		err := e.lastErr
		e.reloadMu.Unlock()
		return err
	}
	e.covered = e.requested
	e.reloadMu.Unlock()

	err := e.load(ctx, reason)

	e.reloadMu.Lock()
	e.lastErr = err
	e.reloadMu.Unlock()
	return err
}

func (e *Engine) load(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.status.State = LoadLoading
	e.mu.Unlock()

	_, err := e.loader.Refresh(ctx)
	metrics.RecordReload(reason, err)

	e.mu.Lock()
	if err != nil {
		e.status.State = LoadError
		e.status.Error = err.Error()
		e.status.Attempts++
		attempts := e.status.Attempts
		e.mu.Unlock()
		e.logf("boardsync: %s reload failed (attempt %d): %v", reason, attempts, err)
		e.notices.Push(NoticeLoad, "Could not load the pipeline: "+loadErrorMessage(err))
		return err
	}
	loadedAt := e.now()
	e.status = LoadStatus{State: LoadReady, LastLoadedAt: &loadedAt}
	e.mu.Unlock()
	return nil
}

// requestReload starts a reload without blocking the caller.
func (e *Engine) requestReload(reason string) {
	ctx := e.context()
	go func() { _ = e.Reload(ctx, reason) }()
}

// scheduleReload reloads after ReloadDelay. Requests made while one is
// already scheduled are folded into it.
func (e *Engine) scheduleReload(reason string) {
	e.reloadMu.Lock()
	if e.scheduled {
		e.reloadMu.Unlock()
		return
	}
	e.scheduled = true
	e.reloadMu.Unlock()

	ctx := e.context()
	time.AfterFunc(e.reloadDelay, func() {
		e.reloadMu.Lock()
		e.scheduled = false
		e.reloadMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = e.Reload(ctx, reason)
	})
}

func (e *Engine) context() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runCtx
}

func (e *Engine) Status() LoadStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := e.status
	if status.LastLoadedAt != nil {
		ts := *status.LastLoadedAt
		status.LastLoadedAt = &ts
	}
	return status
}

func (e *Engine) Filter() pipeline.FilterSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filter
}

// SetFilter replaces the active filter. A changed filter clears the
// selection so hidden leads cannot stay selected.
func (e *Engine) SetFilter(spec pipeline.FilterSpec) bool {
	for _, stage := range spec.Stages {
		if !stage.Valid() {
			e.logf("boardsync: filter names unknown stage %q", stage)
		}
	}
	e.mu.Lock()
	changed := !e.filter.Equal(spec)
	e.filter = spec
	e.mu.Unlock()
	if changed {
		e.selection.Clear()
	}
	return changed
}

// View returns the filtered board. The shared board is not modified.
func (e *Engine) View() View {
	e.mu.RLock()
	filter := e.filter
	status := e.status
	e.mu.RUnlock()
	return View{
		Board:   pipeline.Apply(e.board.Snapshot(), filter),
		Filter:  filter,
		Status:  status,
		Version: e.board.Version(),
	}
}

// ToggleSelection flips id in the selection and reports whether it is now
// selected.
func (e *Engine) ToggleSelection(id string) (bool, error) {
	id = strings.TrimSpace(id)
	if !e.board.Has(id) {
		return false, pipeline.ErrLeadNotFound
	}
	selected, ok := e.selection.Toggle(id)
	if !ok {
		return false, ErrSelectionFull
	}
	// The lead may have been removed, and the selection pruned, between the
	// Has check and the toggle.
	if selected && !e.board.Has(id) {
		e.selection.Remove(id)
		return false, pipeline.ErrLeadNotFound
	}
	return selected, nil
}

// SelectAllVisible selects the leads the current filter shows, up to the
// selection cap.
func (e *Engine) SelectAllVisible() int {
	return e.selection.SelectAll(e.View().Board.IDs())
}

func (e *Engine) ClearSelection() {
	e.selection.Clear()
}

func (e *Engine) Connection() ConnectionView {
	if e.channel == nil {
		return ConnectionView{State: realtime.StateDegradedPolling, ActiveUsers: []realtime.ActiveUser{}}
	}
	return ConnectionView{State: e.channel.State(), ActiveUsers: e.channel.ActiveUsers()}
}

func (e *Engine) Reconnect() bool {
	if e.channel == nil {
		return false
	}
	return e.channel.Reconnect()
}

func (e *Engine) ToggleFavorite(ctx context.Context, leadID string) error {
	_, err := e.backend.ToggleFavorite(ctx, leadID)
	return e.afterMutation(ctx, "favorite", err)
}

func (e *Engine) CreateLead(ctx context.Context, lead pipeline.Lead) (pipeline.Lead, error) {
	created, err := e.backend.CreateLead(ctx, lead)
	return created, e.afterMutation(ctx, "create", err)
}

func (e *Engine) UpdateLead(ctx context.Context, leadID string, fields map[string]any) (pipeline.Lead, error) {
	updated, err := e.backend.UpdateLead(ctx, leadID, fields)
	return updated, e.afterMutation(ctx, "update", err)
}

func (e *Engine) DeleteLead(ctx context.Context, leadID string) error {
	err := e.backend.DeleteLead(ctx, leadID)
	return e.afterMutation(ctx, "delete", err)
}

func (e *Engine) afterMutation(ctx context.Context, action string, err error) error {
	if err != nil {
		e.logf("boardsync: lead %s failed: %v", action, err)
		e.notices.Push(NoticeMutation, fmt.Sprintf("Lead %s failed: %v", action, err))
		return err
	}
	_ = e.Reload(ctx, "lead_"+action)
	return nil
}

// Watch registers fn for engine updates. fn runs on the goroutine that
// caused the update and must not block.
func (e *Engine) Watch(fn func(Update)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.watchMu.Lock()
	id := e.nextWatch
	e.nextWatch++
	e.watchers[id] = fn
	e.watchMu.Unlock()
	return func() {
		e.watchMu.Lock()
		delete(e.watchers, id)
		e.watchMu.Unlock()
	}
}

func (e *Engine) publish(update Update) {
	e.watchMu.RLock()
	watchers := make([]func(Update), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	e.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(update)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func loadErrorMessage(err error) string {
	var httpErr *crmapi.HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	return err.Error()
}
