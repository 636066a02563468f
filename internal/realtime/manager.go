package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotConnected   = errors.New("realtime channel not connected")
	ErrAlreadyRunning = errors.New("realtime manager already running")
	ErrInvalidInput   = errors.New("invalid input")
)

type ConnectionState string

const (
	StateConnecting      ConnectionState = "connecting"
	StateConnected       ConnectionState = "connected"
	StateDegradedPolling ConnectionState = "degraded_polling"
	StateDisconnected    ConnectionState = "disconnected"
	StateError           ConnectionState = "error"
)

// Conn is one established push-channel connection. Read blocks until a
// frame arrives, the connection fails or ctx is done.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a connection. A nil error means the handshake completed.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Handler func(Event)

type Options struct {
	HandshakeTimeout            time.Duration
	MaxReconnectAttempts        int
	ReconnectBackoff            time.Duration
	MaxReconnectBackoff         time.Duration
	PollInterval                time.Duration
	BackgroundReconnectInterval time.Duration
	WriteTimeout                time.Duration
	EventBuffer                 int
	OutboundBuffer              int
	Logger                      Logger
	Now                         func() time.Time
}

type queuedEvent struct {
	event Event
	epoch uint64
}

// Manager owns the push-channel connection state machine:
//
//	connecting -> connected | error
//	connected -> disconnected (transport loss)
//	disconnected -> connecting (backoff) ... -> degraded_polling (retries exhausted)
//	degraded_polling -> connected (background reconnect)
//	error -> connecting (Reconnect)
//
// Events are delivered to subscribers by a single goroutine in arrival
// order. Entering degraded_polling discards everything still queued.
type Manager struct {
	dialer Dialer
	opts   Options
	now    func() time.Time

	running     atomic.Bool
	epoch       atomic.Uint64
	events      chan queuedEvent
	reconnectCh chan struct{}

	mu             sync.RWMutex
	state          ConnectionState
	outbound       chan []byte
	onPoll         func(ctx context.Context)
	stateListeners []func(from, to ConnectionState)

	handlersMu  sync.RWMutex
	handlers    map[EventType]map[int]Handler
	nextHandler int

	rosterMu sync.RWMutex
	roster   map[string]ActiveUser
}

func NewManager(dialer Dialer, opts Options) (*Manager, error) {
	if dialer == nil {
		return nil, ErrInvalidInput
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.MaxReconnectBackoff <= 0 {
		opts.MaxReconnectBackoff = 30 * time.Second
	}
	if opts.MaxReconnectBackoff < opts.ReconnectBackoff {
		opts.MaxReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.BackgroundReconnectInterval <= 0 {
		opts.BackgroundReconnectInterval = opts.MaxReconnectBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 64
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		dialer:      dialer,
		opts:        opts,
		now:         now,
		events:      make(chan queuedEvent, opts.EventBuffer),
		reconnectCh: make(chan struct{}, 1),
		state:       StateConnecting,
		handlers:    map[EventType]map[int]Handler{},
		roster:      map[string]ActiveUser{},
	}, nil
}

func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveUsers returns the roster of collaborators seen on the channel.
func (m *Manager) ActiveUsers() []ActiveUser {
	m.rosterMu.RLock()
	users := make([]ActiveUser, 0, len(m.roster))
	for _, user := range m.roster {
		users = append(users, user)
	}
	m.rosterMu.RUnlock()
	sort.Slice(users, func(i, j int) bool {
		if users[i].FullName != users[j].FullName {
			return users[i].FullName < users[j].FullName
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// Subscribe registers h for events of type t and returns a function that
// removes it.
func (m *Manager) Subscribe(t EventType, h Handler) (cancel func()) {
	if h == nil {
		return func() {}
	}
	m.handlersMu.Lock()
	id := m.nextHandler
	m.nextHandler++
	if m.handlers[t] == nil {
		m.handlers[t] = map[int]Handler{}
	}
	m.handlers[t][id] = h
	m.handlersMu.Unlock()
	return func() {
		m.handlersMu.Lock()
		delete(m.handlers[t], id)
		m.handlersMu.Unlock()
	}
}

// OnStateChange registers fn to run after every state transition, on the
// goroutine driving the state machine.
func (m *Manager) OnStateChange(fn func(from, to ConnectionState)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, fn)
	m.mu.Unlock()
}

// OnPoll sets the refresh callback run on every degraded_polling tick.
func (m *Manager) OnPoll(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onPoll = fn
	m.mu.Unlock()
}

// Reconnect asks the manager to leave error, or to try the push channel
// again right away while polling. It reports whether the request applied.
func (m *Manager) Reconnect() bool {
	switch m.State() {
	case StateError, StateDegradedPolling:
	default:
		return false
	}
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
	return true
}

// SendMessage queues payload for the current connection. It never blocks
// and never fails at the call site: without a connection, or with a full
// outbound buffer, the message is dropped and logged. Write failures close
// the connection, which surfaces as a transition to disconnected.
func (m *Manager) SendMessage(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logf("realtime: encode outbound message: %v", err)
		return
	}
	m.mu.RLock()
	out := m.outbound
	m.mu.RUnlock()
	if out == nil {
		m.logf("realtime: %v; dropping outbound message", ErrNotConnected)
		return
	}
	select {
	case out <- data:
	default:
		m.logf("realtime: outbound buffer full; dropping message")
	}
}

// Run drives the state machine until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	go m.dispatchLoop(dispatchCtx)

	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return ctx.Err()
			}
			m.logf("realtime: handshake failed: %v", err)
			m.setState(StateError)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.reconnectCh:
				continue
			}
		}
		for conn != nil {
			m.serve(ctx, conn)
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			conn = m.recover(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dialCtx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("dialer returned no connection")
	}
	return conn, nil
}

// serve pumps frames from conn until the transport fails or ctx is done.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	outbound := make(chan []byte, m.opts.OutboundBuffer)
	m.mu.Lock()
	m.outbound = outbound
	m.mu.Unlock()
	m.setState(StateConnected)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writeLoop(connCtx, cancel, conn, outbound)
	}()
	defer func() {
		m.mu.Lock()
		m.outbound = nil
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() == nil {
				m.logf("realtime: transport lost: %v", err)
			}
			return
		}
		ev, ok := DecodeFrame(data, m.now())
		if !ok {
			continue
		}
		if ev.Type == EventResyncRequired {
			m.logf("realtime: %s; requesting full reload", ev.Reason)
		}
		select {
		case m.events <- queuedEvent{event: ev, epoch: m.epoch.Load()}:
		case <-connCtx.Done():
			return
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, cancel context.CancelFunc, conn Conn, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbound:
			writeCtx, done := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := conn.Write(writeCtx, data)
			done()
			if err != nil {
				if ctx.Err() == nil {
					m.logf("realtime: write failed: %v", err)
				}
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

// recover retries the push channel with capped exponential backoff and
// falls back to polling once the attempts are exhausted. It returns nil
// only when ctx is done.
func (m *Manager) recover(ctx context.Context) Conn {
	backoff := m.opts.ReconnectBackoff
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		if err := waitWithContext(ctx, backoff); err != nil {
			return nil
		}
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		m.logf("realtime: reconnect attempt %d/%d failed: %v", attempt, m.opts.MaxReconnectAttempts, err)
		m.setState(StateDisconnected)
		backoff *= 2
		if backoff > m.opts.MaxReconnectBackoff {
			backoff = m.opts.MaxReconnectBackoff
		}
	}
	return m.poll(ctx)
}

// poll runs degraded_polling: a full refresh every PollInterval while the
// push channel is retried in the background.
func (m *Manager) poll(ctx context.Context) Conn {
	m.epoch.Add(1)
	m.setState(StateDegradedPolling)
	m.logf("realtime: push channel unavailable; polling every %s", m.opts.PollInterval)

	m.runPoll(ctx)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	retry := time.NewTimer(m.opts.BackgroundReconnectInterval)
	defer retry.Stop()

	attempt := func() Conn {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logf("realtime: background reconnect failed: %v", err)
			}
			return nil
		}
		select {
		case <-m.reconnectCh:
		default:
		}
		return conn
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runPoll(ctx)
		case <-retry.C:
			if conn := attempt(); conn != nil {
				return conn
			}
			retry.Reset(m.opts.BackgroundReconnectInterval)
		case <-m.reconnectCh:
			if conn := attempt(); conn != nil {
				return conn
			}
			if !retry.Stop() {
				select {
				case <-retry.C:
				default:
				}
			}
			retry.Reset(m.opts.BackgroundReconnectInterval)
		}
	}
}

func (m *Manager) runPoll(ctx context.Context) {
	m.mu.RLock()
	fn := m.onPoll
	m.mu.RUnlock()
	if fn == nil || ctx.Err() != nil {
		return
	}
	fn(ctx)
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case queued := <-m.events:
			if queued.epoch != m.epoch.Load() {
				continue
			}
			m.deliver(queued.event)
		}
	}
}

func (m *Manager) deliver(ev Event) {
	m.updateRoster(ev)

	m.handlersMu.RLock()
	registered := m.handlers[ev.Type]
	ids := make([]int, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) updateRoster(ev Event) {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()
	switch ev.Type {
	case EventConnectionEstablished:
		m.roster = make(map[string]ActiveUser, len(ev.ActiveUsers))
		for _, user := range ev.ActiveUsers {
			if user.UserID == "" {
				continue
			}
			if user.LastSeen.IsZero() {
				user.LastSeen = ev.Timestamp
			}
			m.roster[user.UserID] = user
		}
	case EventUserActivity, EventUserDragging:
		user := m.roster[ev.UserID]
		user.UserID = ev.UserID
		if ev.FullName != "" {
			user.FullName = ev.FullName
		}
		user.LastSeen = ev.Timestamp
		if ev.Type == EventUserDragging {
			user.DraggingLeadID = ev.LeadID
		} else {
			user.DraggingLeadID = ""
		}
		m.roster[ev.UserID] = user
	}
}

func (m *Manager) setState(to ConnectionState) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	listeners := append([]func(from, to ConnectionState){}, m.stateListeners...)
	m.mu.Unlock()

	if to == StateDisconnected || to == StateDegradedPolling {
		m.rosterMu.Lock()
		m.roster = map[string]ActiveUser{}
		m.rosterMu.Unlock()
	}
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logger == nil {
		return
	}
	m.opts.Logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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
