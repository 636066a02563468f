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
)

var ErrNoDrag = errors.New("no drag in progress")

// Sender delivers best-effort messages to collaborators on the push channel.
type Sender interface {
	SendMessage(payload any)
}

type StageUpdater interface {
	UpdateLeadStage(ctx context.Context, leadID string, update crmapi.StageUpdate) (pipeline.Lead, error)
}

type DragSession struct {
	LeadID    string         `json:"lead_id"`
	FromStage pipeline.Stage `json:"from_stage"`
	StartedAt time.Time      `json:"started_at"`
}

type DropResult struct {
	LeadID string         `json:"lead_id"`
	From   pipeline.Stage `json:"from"`
	To     pipeline.Stage `json:"to"`
	Moved  bool           `json:"moved"`
}

// DragCoordinator runs idle -> dragging -> idle. A drop applies the move to
// the board before the backend call; a rejected call is rolled back by a
// delayed full reload rather than by undoing the move.
type DragCoordinator struct {
	board    *pipeline.Board
	backend  StageUpdater
	sender   Sender
	notices  *NoticeQueue
	schedule func(reason string)
	logger   Logger
	now      func() time.Time

	mu      sync.Mutex
	session *DragSession
}

func (d *DragCoordinator) DragStart(leadID string) (DragSession, error) {
	leadID = strings.TrimSpace(leadID)
	lead, ok := d.board.Lead(leadID)
	if !ok {
		return DragSession{}, pipeline.ErrLeadNotFound
	}
	started := DragSession{LeadID: lead.ID, FromStage: lead.Stage, StartedAt: d.now()}
	d.mu.Lock()
	d.session = &started
	d.mu.Unlock()
	d.send(realtime.NewDragStartMessage(lead.ID, started.StartedAt))
	return started, nil
}

// CancelDrag ends the gesture without a mutation or network call.
func (d *DragCoordinator) CancelDrag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	active := d.session != nil
	d.session = nil
	return active
}

func (d *DragCoordinator) Dragging() (DragSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return DragSession{}, false
	}
	return *d.session, true
}

func (d *DragCoordinator) Drop(ctx context.Context, target pipeline.Stage, notes string) (DropResult, error) {
	d.mu.Lock()
	active := d.session
	d.session = nil
	d.mu.Unlock()
	if active == nil {
		return DropResult{}, ErrNoDrag
	}
	stage, ok := pipeline.ParseStage(string(target))
	if !ok {
		return DropResult{}, fmt.Errorf("%w: %q", pipeline.ErrUnknownStage, target)
	}
	lead, ok := d.board.Lead(active.LeadID)
	if !ok {
		return DropResult{}, pipeline.ErrLeadNotFound
	}
	result := DropResult{LeadID: lead.ID, From: lead.Stage, To: stage}
	if lead.Stage == stage {
		metrics.RecordStageMove("noop")
		return result, nil
	}

	now := d.now()
	moved := lead
	moved.Stage = stage
	moved.StageChangedAt = &now
	moved.UpdatedAt = now
	d.board.UpsertLead(moved)
	result.Moved = true

	d.send(realtime.NewStageChangeMessage(lead, lead.Stage, stage, now))

	if _, err := d.backend.UpdateLeadStage(ctx, lead.ID, crmapi.StageUpdate{Stage: stage, Notes: strings.TrimSpace(notes)}); err != nil {
		metrics.RecordStageMove("error")
		d.logf("boardsync: move %s to %s rejected: %v", lead.ID, stage, err)
		d.notices.Push(NoticeMutation, fmt.Sprintf("Could not move %q to %s: %v", displayName(lead), stage, err))
		d.schedule("stage_move_failed")
		return result, err
	}
	metrics.RecordStageMove("ok")
	return result, nil
}

// forget ends a drag whose lead left the board.
func (d *DragCoordinator) forget(exists func(id string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && !exists(d.session.LeadID) {
		d.session = nil
	}
}

func (d *DragCoordinator) send(payload any) {
	if d.sender == nil {
		return
	}
	d.sender.SendMessage(payload)
}

func (d *DragCoordinator) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func displayName(lead pipeline.Lead) string {
	if strings.TrimSpace(lead.Name) != "" {
		return lead.Name
	}
	return lead.ID
}
