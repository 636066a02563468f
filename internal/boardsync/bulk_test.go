package boardsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadboard/internal/pipeline"
)

func TestBulkArchiveClearsSelectionAndRefreshes(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageContato), lead("C", pipeline.StageFechado), lead("D", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	engine.Selection().SelectAll([]string{"A", "B", "C"})
	loads := backend.loads.Load()

	outcome, err := engine.Bulk().Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Count)

	assert.Zero(t, engine.Selection().Len())
	assert.Greater(t, backend.loads.Load(), loads)
	assert.Equal(t, 1, engine.Board().Len())
	assert.True(t, engine.Board().Has("D"))
	calls := backend.bulk()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, calls[0].ids)
}

func TestBulkAssignFailureKeepsSelection(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageLead))
	backend.bulkErr = errors.New("permission denied")
	engine := newTestEngine(t, backend)
	engine.Selection().SelectAll([]string{"A", "B"})
	loads := backend.loads.Load()

	_, err := engine.Bulk().Assign(context.Background(), "user-7")
	require.Error(t, err)

	assert.Equal(t, []string{"A", "B"}, engine.Selection().IDs())
	assert.Equal(t, loads, backend.loads.Load())
	notices := engine.Notices().List()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeMutation, notices[0].Kind)
	assert.Contains(t, notices[0].Message, "permission denied")
}

func TestBulkGuardsAreSilentNoops(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	ctx := context.Background()

	outcome, err := engine.Bulk().Archive(ctx)
	require.NoError(t, err)
	assert.Zero(t, outcome.Count)

	engine.Selection().Add("A")
	for _, run := range []func() (BulkOutcome, error){
		func() (BulkOutcome, error) { return engine.Bulk().MoveStage(ctx, "") },
		func() (BulkOutcome, error) { return engine.Bulk().Assign(ctx, "  ") },
		func() (BulkOutcome, error) { return engine.Bulk().Tag(ctx, []string{"", " "}) },
	} {
		outcome, err := run()
		require.NoError(t, err)
		assert.Zero(t, outcome.Count)
	}
	assert.Empty(t, backend.bulk())
	assert.Equal(t, 1, engine.Selection().Len())
	assert.Empty(t, engine.Notices().List())

	_, err = engine.Bulk().MoveStage(ctx, "Ganho")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.Empty(t, backend.bulk())
}

func TestBulkMoveStageAndTagSendParameters(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	ctx := context.Background()

	engine.Selection().SelectAll([]string{"A", "B"})
	_, err := engine.Bulk().MoveStage(ctx, pipeline.StageNegociacao)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.Board().Snapshot().Counts[pipeline.StageNegociacao])

	engine.Selection().SelectAll([]string{"A"})
	_, err = engine.Bulk().Tag(ctx, []string{" vip ", "vip", "q3"})
	require.NoError(t, err)
	calls := backend.bulk()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"vip", "q3"}, calls[1].param)
	got, _ := engine.Board().Lead("A")
	assert.True(t, got.HasTag("q3"))
}

func TestBulkDeleteRequiresConfirmation(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageLead), lead("C", pipeline.StageLead))
	engine := newTestEngine(t, backend)
	ctx := context.Background()

	assert.Equal(t, DeleteConfirmation{}, engine.Bulk().RequestDelete())

	engine.Selection().SelectAll([]string{"A", "B"})
	confirm := engine.Bulk().RequestDelete()
	require.NotEmpty(t, confirm.Token)
	assert.Equal(t, 2, confirm.Count)
	assert.Equal(t, testNow.Add(defaultConfirmationTTL), confirm.ExpiresAt)
	assert.Empty(t, backend.bulk(), "requesting confirmation must not delete")

	_, err := engine.Bulk().ConfirmDelete(ctx, "wrong")
	assert.ErrorIs(t, err, ErrConfirmationInvalid)

	outcome, err := engine.Bulk().ConfirmDelete(ctx, confirm.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Count)
	assert.Equal(t, 1, engine.Board().Len())
	assert.Zero(t, engine.Selection().Len())

	_, err = engine.Bulk().ConfirmDelete(ctx, confirm.Token)
	assert.ErrorIs(t, err, ErrConfirmationInvalid, "tokens are single use")
}

func TestBulkDeleteConfirmationInvalidatedBySelectionChange(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead), lead("B", pipeline.StageLead))
	engine := newTestEngine(t, backend)

	engine.Selection().SelectAll([]string{"A"})
	confirm := engine.Bulk().RequestDelete()
	engine.Selection().Add("B")

	_, err := engine.Bulk().ConfirmDelete(context.Background(), confirm.Token)
	assert.ErrorIs(t, err, ErrConfirmationInvalid)
	assert.Empty(t, backend.bulk())
	assert.Equal(t, 2, engine.Board().Len())
}

func TestBulkDeleteConfirmationExpires(t *testing.T) {
	backend := newFakeBackend(lead("A", pipeline.StageLead))
	clock := testNow
	engine := newTestEngine(t, backend, func(o *Options) {
		o.ConfirmationTTL = time.Minute
		o.Now = func() time.Time { return clock }
	})

	engine.Selection().Add("A")
	confirm := engine.Bulk().RequestDelete()
	clock = clock.Add(2 * time.Minute)

	_, err := engine.Bulk().ConfirmDelete(context.Background(), confirm.Token)
	assert.ErrorIs(t, err, ErrConfirmationInvalid)
	assert.Empty(t, backend.bulk())
}
