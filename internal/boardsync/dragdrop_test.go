package boardsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadboard/internal/pipeline"
	"github.com/agentworkforce/leadboard/internal/realtime"
)

func TestDropAppliesMoveBeforeBackendResponds(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageProposta))
	channel := newFakeChannel()
	engine := newTestEngine(t, backend, func(o *Options) { o.Realtime = channel })
	gate := make(chan struct{})
	backend.set(func(b *fakeBackend) { b.stageGate = gate })

	started, err := engine.Drag().DragStart("A")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageLead, started.FromStage)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Drag().Drop(context.Background(), pipeline.StageProposta, " ligou ")
		done <- err
	}()

	require.Eventually(t, func() bool {
		lead, ok := engine.Board().Lead("A")
		return ok && lead.Stage == pipeline.StageProposta
	}, time.Second, time.Millisecond)
	state := engine.Board().Snapshot()
	assert.Equal(t, 0, state.Counts[pipeline.StageLead])
	assert.Equal(t, 2, state.Counts[pipeline.StageProposta])
	_, dragging := engine.Drag().Dragging()
	assert.False(t, dragging)

	close(gate)
	require.NoError(t, <-done)

	updates := backend.stageUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, pipeline.StageProposta, updates[0].Stage)
	assert.Equal(t, "ligou", updates[0].Notes)

	sent := channel.sent()
	require.Len(t, sent, 2)
	assert.IsType(t, realtime.DragStartMessage{}, sent[0])
	move, ok := sent[1].(realtime.StageChangeMessage)
	require.True(t, ok)
	assert.Equal(t, pipeline.StageLead, move.OldStage)
	assert.Equal(t, pipeline.StageProposta, move.NewStage)
}

func TestDropOnCurrentStageIsNoop(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	version := engine.Board().Version()

	_, err := engine.Drag().DragStart("A")
	require.NoError(t, err)
	result, err := engine.Drag().Drop(context.Background(), pipeline.StageLead, "")
	require.NoError(t, err)

	assert.False(t, result.Moved)
	assert.Equal(t, version, engine.Board().Version())
	assert.Empty(t, backend.stageUpdates())
	_, dragging := engine.Drag().Dragging()
	assert.False(t, dragging)
}

func TestDropFailureSurfacesNoticeAndReloads(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	backend.stageErr = errors.New("stage locked")
	engine := newTestEngine(t, backend)

	_, err := engine.Drag().DragStart("A")
	require.NoError(t, err)
	_, err = engine.Drag().Drop(context.Background(), pipeline.StageFechado, "")
	require.Error(t, err)

	assert.Equal(t, pipeline.StageFechado, stageOf(t, engine, "A"), "optimistic move stays until the reload")
	notices := engine.Notices().List()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeMutation, notices[0].Kind)

	require.Eventually(t, func() bool {
		lead, ok := engine.Board().Lead("A")
		return ok && lead.Stage == pipeline.StageLead
	}, time.Second, 5*time.Millisecond)
}

func TestCancelDragMakesNoChange(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	version := engine.Board().Version()

	_, err := engine.Drag().DragStart("A")
	require.NoError(t, err)
	assert.True(t, engine.Drag().CancelDrag())
	assert.False(t, engine.Drag().CancelDrag())

	_, err = engine.Drag().Drop(context.Background(), pipeline.StageFechado, "")
	assert.ErrorIs(t, err, ErrNoDrag)
	assert.Equal(t, version, engine.Board().Version())
	assert.Empty(t, backend.stageUpdates())
}

func TestDragStartAndDropValidation(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	engine := newTestEngine(t, backend)

	_, err := engine.Drag().DragStart("ghost")
	assert.ErrorIs(t, err, pipeline.ErrLeadNotFound)

	_, err = engine.Drag().DragStart("A")
	require.NoError(t, err)
	_, err = engine.Drag().Drop(context.Background(), pipeline.Stage("Proposta Enviada"), "")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.Equal(t, pipeline.StageLead, stageOf(t, engine, "A"))
	assert.Empty(t, backend.stageUpdates())
}

func TestDragEndsWhenLeadLeavesBoard(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	engine := newTestEngine(t, backend)

	_, err := engine.Drag().DragStart("A")
	require.NoError(t, err)
	engine.Board().RemoveLead("A")
	_, dragging := engine.Drag().Dragging()
	assert.False(t, dragging)
}
