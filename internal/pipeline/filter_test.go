package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func sampleBoard() BoardState {
	board := NewBoard(BoardOptions{Now: fixedNow})
	day := func(d int) time.Time { return time.Date(2026, 1, d, 9, 0, 0, 0, time.UTC) }
	return board.Replace(map[Stage][]Lead{
		StageLead: {
			{ID: "l1", Source: "site", AssignedTo: "u1", Tags: []string{"vip"}, CreatedAt: day(1), EstimatedValue: floatPtr(100)},
			{ID: "l2", Source: "indicacao", CreatedAt: day(5)},
		},
		StageContato:    {{ID: "c1", Source: "site", AssignedTo: "u2", Tags: []string{"frio"}, CreatedAt: day(10), EstimatedValue: floatPtr(500)}},
		StageProposta:   {{ID: "p1", Source: "site", AssignedTo: "u1", Tags: []string{"vip", "quente"}, CreatedAt: day(15), EstimatedValue: floatPtr(1500)}},
		StageNegociacao: {{ID: "n1", Source: "evento", AssignedTo: "u1", CreatedAt: day(20), EstimatedValue: floatPtr(3000)}},
		StageFechado:    {{ID: "f1", Source: "site", AssignedTo: "u2", Tags: []string{"vip"}, CreatedAt: day(25), EstimatedValue: floatPtr(9000)}},
	})
}

func TestApplyEmptySpecKeepsEverything(t *testing.T) {
	board := sampleBoard()
	out := Apply(board, FilterSpec{})
	assert.Equal(t, board, out)
}

func TestApplyStageSubsetEmptiesOtherColumns(t *testing.T) {
	board := sampleBoard()
	out := Apply(board, FilterSpec{Stages: []Stage{StageFechado}})

	requireCountInvariant(t, out)
	assert.Equal(t, 1, out.Counts[StageFechado])
	for _, stage := range []Stage{StageLead, StageContato, StageProposta, StageNegociacao} {
		assert.Equal(t, 0, out.Counts[stage], stage)
		assert.NotEmpty(t, board.Columns[stage], "source board must be untouched")
	}
}

func TestApplyPredicatesAreConjunctive(t *testing.T) {
	out := Apply(sampleBoard(), FilterSpec{
		Sources:    []string{"site"},
		AssignedTo: []string{"u1"},
		Tags:       []string{"vip"},
	})
	assert.ElementsMatch(t, []string{"l1", "p1"}, out.IDs())
}

func TestApplyTagsMatchAny(t *testing.T) {
	out := Apply(sampleBoard(), FilterSpec{Tags: []string{"quente", "frio"}})
	assert.ElementsMatch(t, []string{"c1", "p1"}, out.IDs())
}

func TestApplyAssigneeExcludesUnassigned(t *testing.T) {
	out := Apply(sampleBoard(), FilterSpec{AssignedTo: []string{"u2"}})
	assert.ElementsMatch(t, []string{"c1", "f1"}, out.IDs())
}

func TestApplyValueRangeTreatsMissingAsZero(t *testing.T) {
	out := Apply(sampleBoard(), FilterSpec{ValueMin: floatPtr(0), ValueMax: floatPtr(500)})
	assert.ElementsMatch(t, []string{"l1", "l2", "c1"}, out.IDs())

	out = Apply(sampleBoard(), FilterSpec{ValueMin: floatPtr(1)})
	assert.NotContains(t, out.IDs(), "l2")
}

func TestApplyDateRangeIsInclusive(t *testing.T) {
	out := Apply(sampleBoard(), FilterSpec{
		CreatedFrom: timePtr(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)),
		CreatedTo:   timePtr(time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)),
	})
	assert.ElementsMatch(t, []string{"c1", "p1", "n1"}, out.IDs())
}

func TestApplyIsIdempotent(t *testing.T) {
	specs := []FilterSpec{
		{},
		{Stages: []Stage{StageLead, StageProposta}},
		{Sources: []string{"site"}, ValueMin: floatPtr(200)},
		{Tags: []string{"vip"}, CreatedTo: timePtr(time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))},
	}
	board := sampleBoard()
	for _, spec := range specs {
		once := Apply(board, spec)
		twice := Apply(once, spec)
		require.Equal(t, once, twice)
		requireCountInvariant(t, twice)
	}
}

func TestFilterSpecEqualIgnoresOrder(t *testing.T) {
	a := FilterSpec{Stages: []Stage{StageLead, StageFechado}, Tags: []string{"x", "y"}, ValueMin: floatPtr(1)}
	b := FilterSpec{Stages: []Stage{StageFechado, StageLead}, Tags: []string{"y", "x"}, ValueMin: floatPtr(1)}
	assert.True(t, a.Equal(b))
	b.ValueMin = floatPtr(2)
	assert.False(t, a.Equal(b))
	assert.True(t, FilterSpec{}.IsZero())
	assert.False(t, a.IsZero())
}
