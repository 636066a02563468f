package boardsync

import (
	"context"
	"time"

	"github.com/agentworkforce/leadboard/internal/pipeline"
	"github.com/agentworkforce/leadboard/internal/session"
)

type LeadSource interface {
	LeadsByStage(ctx context.Context) (map[pipeline.Stage][]pipeline.Lead, error)
}

// Loader fetches the authoritative board. Without a session source, or
// without a usable stored session, it yields an empty board instead of an
// error: that case is a pre-session pass, not missing data.
type Loader struct {
	source   LeadSource
	sessions session.Source
	board    *pipeline.Board
	logger   Logger
	now      func() time.Time
}

func NewLoader(source LeadSource, sessions session.Source, board *pipeline.Board, logger Logger, now func() time.Time) *Loader {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Loader{source: source, sessions: sessions, board: board, logger: logger, now: now}
}

// LoadLeadsByStage fetches and normalizes the board without touching the
// shared store.
func (l *Loader) LoadLeadsByStage(ctx context.Context) (pipeline.BoardState, error) {
	byStage, err := l.fetch(ctx)
	if err != nil {
		return pipeline.BoardState{}, err
	}
	scratch := pipeline.NewBoard(pipeline.BoardOptions{Logger: l.logger, Now: l.now})
	return scratch.Replace(byStage), nil
}

// Refresh fetches the board and swaps it into the shared store.
func (l *Loader) Refresh(ctx context.Context) (pipeline.BoardState, error) {
	byStage, err := l.fetch(ctx)
	if err != nil {
		return pipeline.BoardState{}, err
	}
	return l.board.Replace(byStage), nil
}

func (l *Loader) fetch(ctx context.Context) (map[pipeline.Stage][]pipeline.Lead, error) {
	if l.source == nil || l.sessions == nil {
		return nil, nil
	}
	current, err := session.Current(l.sessions, l.now())
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return l.source.LeadsByStage(ctx)
}
