package boardsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadboard/internal/pipeline"
)

func TestNoticeQueueEvictsOldest(t *testing.T) {
	q := NewNoticeQueue(2, nil)
	first := q.Push(NoticeLoad, "one")
	q.Push(NoticeMutation, "two")
	q.Push(NoticeData, "three")

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, "two", list[0].Message)
	assert.Equal(t, "three", list[1].Message)
	assert.False(t, q.Dismiss(first.ID))
}

func TestNoticeQueueDismiss(t *testing.T) {
	q := NewNoticeQueue(0, nil)
	a := q.Push(NoticeLoad, "a")
	q.Push(NoticeLoad, "b")

	assert.True(t, q.Dismiss(a.ID))
	assert.Equal(t, 1, q.Len())
	assert.NotEmpty(t, q.List()[0].ID)
}

func TestLoaderLoadLeadsByStageLeavesSharedBoardAlone(t *testing.T) {
	backend := newFakeBackend(lead("a", pipeline.StageLead), lead("b", pipeline.StageFechado))
	board := pipeline.NewBoard(pipeline.BoardOptions{})
	loader := NewLoader(backend, usableSessions(t), board, nil, nil)

	state, err := loader.LoadLeadsByStage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.Total())
	assert.Equal(t, 1, state.Counts[pipeline.StageFechado])
	assert.Zero(t, board.Len())

	_, err = loader.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, board.Len())
}

func TestLoaderWithoutSessionSourceIsEmpty(t *testing.T) {
	backend := newFakeBackend(lead("a", pipeline.StageLead))
	loader := NewLoader(backend, nil, pipeline.NewBoard(pipeline.BoardOptions{}), nil, nil)

	state, err := loader.LoadLeadsByStage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.Total())
	assert.Len(t, state.Counts, len(pipeline.Stages()))
	assert.Zero(t, backend.loads.Load())
}
