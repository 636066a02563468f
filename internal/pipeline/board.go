package pipeline

import (
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type BoardState struct {
	Columns map[Stage][]Lead `json:"columns"`
	Counts  map[Stage]int    `json:"counts"`
}

// EmptyBoard returns a board with every stage present and no leads.
func EmptyBoard() BoardState {
	state := BoardState{
		Columns: make(map[Stage][]Lead, len(stageOrder)),
		Counts:  make(map[Stage]int, len(stageOrder)),
	}
	for _, stage := range stageOrder {
		state.Columns[stage] = []Lead{}
		state.Counts[stage] = 0
	}
	return state
}

func (b BoardState) Total() int {
	total := 0
	for _, stage := range stageOrder {
		total += len(b.Columns[stage])
	}
	return total
}

func (b BoardState) Find(id string) (Lead, bool) {
	for _, stage := range stageOrder {
		for _, lead := range b.Columns[stage] {
			if lead.ID == id {
				return lead, true
			}
		}
	}
	return Lead{}, false
}

// IDs lists lead ids column by column in display order.
func (b BoardState) IDs() []string {
	ids := make([]string, 0, b.Total())
	for _, stage := range stageOrder {
		for _, lead := range b.Columns[stage] {
			ids = append(ids, lead.ID)
		}
	}
	return ids
}

type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
)

type BoardChange struct {
	Kind    ChangeKind
	LeadID  string
	Removed []string
	Version uint64
}

type BoardOptions struct {
	Logger Logger
	Now    func() time.Time
}

// Board owns the shared lead-by-stage state. Replace, UpsertLead and
// RemoveLead are the only mutations; each completes under the lock and
// leaves every column count equal to its length.
type Board struct {
	logger Logger
	now    func() time.Time

	// writeMu serializes mutations together with their observer callbacks so
	// observers see changes in the order they were applied.
	writeMu sync.Mutex

	mu      sync.RWMutex
	columns map[Stage][]Lead
	index   map[string]Stage
	version uint64

	obsMu     sync.RWMutex
	observers map[int]func(BoardChange)
	nextObs   int
}

func NewBoard(opts BoardOptions) *Board {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	b := &Board{
		logger:    opts.Logger,
		now:       now,
		columns:   make(map[Stage][]Lead, len(stageOrder)),
		index:     map[string]Stage{},
		observers: map[int]func(BoardChange){},
	}
	for _, stage := range stageOrder {
		b.columns[stage] = []Lead{}
	}
	return b
}

// Observe registers fn to run after every mutation. Observers may read the
// board but must not mutate it.
func (b *Board) Observe(fn func(BoardChange)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn
	b.obsMu.Unlock()
	return func() {
		b.obsMu.Lock()
		delete(b.observers, id)
		b.obsMu.Unlock()
	}
}

// Replace swaps the whole board. Leads under an unknown stage key and
// duplicate ids are dropped with a warning.
func (b *Board) Replace(byStage map[Stage][]Lead) BoardState {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	now := b.now()
	columns := make(map[Stage][]Lead, len(stageOrder))
	for _, stage := range stageOrder {
		columns[stage] = []Lead{}
	}
	index := map[string]Stage{}
	for key, leads := range byStage {
		stage, ok := ParseStage(string(key))
		if !ok {
			b.logf("dropping %d leads under unknown stage %q", len(leads), key)
			continue
		}
		for _, lead := range leads {
			lead.ID = strings.TrimSpace(lead.ID)
			if lead.ID == "" {
				b.logf("dropping lead without id in stage %s", stage)
				continue
			}
			if existing, dup := index[lead.ID]; dup {
				b.logf("dropping duplicate lead %s in stage %s (already in %s)", lead.ID, stage, existing)
				continue
			}
			stored := lead.clone()
			stored.Stage = stage
			stored.DaysInStage = stored.ComputeDaysInStage(now)
			columns[stage] = append(columns[stage], stored)
			index[lead.ID] = stage
		}
	}

	b.mu.Lock()
	var removed []string
	for id := range b.index {
		if _, ok := index[id]; !ok {
			removed = append(removed, id)
		}
	}
	b.columns = columns
	b.index = index
	b.version++
	version := b.version
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.notify(BoardChange{Kind: ChangeReplace, Removed: removed, Version: version})
	return snapshot
}

// UpsertLead removes the lead from whichever column holds it and appends it
// to the column of lead.Stage. A lead with an unknown stage is dropped from
// the board and UpsertLead reports false.
func (b *Board) UpsertLead(lead Lead) bool {
	lead.ID = strings.TrimSpace(lead.ID)
	if lead.ID == "" {
		b.logf("ignoring lead upsert without id")
		return false
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	stage, ok := ParseStage(string(lead.Stage))
	if !ok {
		b.logf("dropping lead %s with unknown stage %q", lead.ID, lead.Stage)
		if version, removed := b.removeLocked(lead.ID); removed {
			b.notify(BoardChange{Kind: ChangeRemove, LeadID: lead.ID, Removed: []string{lead.ID}, Version: version})
		}
		return false
	}

	stored := lead.clone()
	stored.Stage = stage
	stored.DaysInStage = stored.ComputeDaysInStage(b.now())

	b.mu.Lock()
	if current, exists := b.index[lead.ID]; exists {
		b.columns[current] = removeFromColumn(b.columns[current], lead.ID)
	}
	b.columns[stage] = append(b.columns[stage], stored)
	b.index[lead.ID] = stage
	b.version++
	version := b.version
	b.mu.Unlock()

	b.notify(BoardChange{Kind: ChangeUpsert, LeadID: lead.ID, Version: version})
	return true
}

// RemoveLead drops the lead from every column. Unknown ids are a no-op.
func (b *Board) RemoveLead(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	version, removed := b.removeLocked(id)
	if !removed {
		return false
	}
	b.notify(BoardChange{Kind: ChangeRemove, LeadID: id, Removed: []string{id}, Version: version})
	return true
}

// removeLocked drops id from its column. The caller holds writeMu.
func (b *Board) removeLocked(id string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, exists := b.index[id]
	if !exists {
		return 0, false
	}
	b.columns[current] = removeFromColumn(b.columns[current], id)
	delete(b.index, id)
	b.version++
	return b.version, true
}

func (b *Board) Snapshot() BoardState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Board) Lead(id string) (Lead, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stage, ok := b.index[id]
	if !ok {
		return Lead{}, false
	}
	for _, lead := range b.columns[stage] {
		if lead.ID == id {
			return lead.clone(), true
		}
	}
	return Lead{}, false
}

func (b *Board) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[id]
	return ok
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

func (b *Board) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *Board) snapshotLocked() BoardState {
	state := BoardState{
		Columns: make(map[Stage][]Lead, len(stageOrder)),
		Counts:  make(map[Stage]int, len(stageOrder)),
	}
	for _, stage := range stageOrder {
		column := b.columns[stage]
		copied := make([]Lead, 0, len(column))
		for _, lead := range column {
			copied = append(copied, lead.clone())
		}
		state.Columns[stage] = copied
		state.Counts[stage] = len(copied)
	}
	return state
}

func (b *Board) notify(change BoardChange) {
	b.obsMu.RLock()
	observers := make([]func(BoardChange), 0, len(b.observers))
	for i := 0; i < b.nextObs; i++ {
		if fn, ok := b.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	b.obsMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
}

func (b *Board) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func removeFromColumn(column []Lead, id string) []Lead {
	out := column[:0:0]
	for _, lead := range column {
		if lead.ID != id {
			out = append(out, lead)
		}
	}
	return out
}
