package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectionCapsAtMax(t *testing.T) {
	selection := NewSelection(2)
	assert.True(t, selection.Add("a"))
	assert.True(t, selection.Add("b"))
	assert.False(t, selection.Add("c"))
	assert.True(t, selection.Add("a"), "re-adding an existing id succeeds")

	selected, ok := selection.Toggle("c")
	assert.False(t, selected)
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, selection.IDs())
}

func TestSelectionDefaultMax(t *testing.T) {
	selection := NewSelection(0)
	ids := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		ids = append(ids, fmt.Sprintf("lead_%d", i))
	}
	assert.Equal(t, DefaultMaxSelection, selection.SelectAll(ids))
	assert.Equal(t, DefaultMaxSelection, selection.Len())
	assert.True(t, selection.Has("lead_99"))
	assert.False(t, selection.Has("lead_100"))
}

func TestSelectionToggle(t *testing.T) {
	selection := NewSelection(5)
	selected, ok := selection.Toggle("a")
	assert.True(t, selected)
	assert.True(t, ok)
	selected, ok = selection.Toggle("a")
	assert.False(t, selected)
	assert.True(t, ok)
	assert.Equal(t, 0, selection.Len())
}

func TestSelectionPruneTracksBoard(t *testing.T) {
	board := NewBoard(BoardOptions{})
	board.Replace(map[Stage][]Lead{StageLead: {{ID: "a"}, {ID: "b"}, {ID: "c"}}})
	selection := NewSelection(10)
	board.Observe(func(change BoardChange) {
		if len(change.Removed) > 0 {
			selection.Prune(board.Has)
		}
	})
	selection.SelectAll([]string{"a", "b", "c"})

	board.RemoveLead("b")
	assert.Equal(t, []string{"a", "c"}, selection.IDs())

	board.Replace(map[Stage][]Lead{StageProposta: {{ID: "c"}}})
	assert.Equal(t, []string{"c"}, selection.IDs())
	for _, id := range selection.IDs() {
		assert.True(t, board.Has(id))
	}
}

func TestSelectionClear(t *testing.T) {
	selection := NewSelection(3)
	selection.SelectAll([]string{"a", "b"})
	selection.Remove("a")
	assert.Equal(t, []string{"b"}, selection.IDs())
	selection.Clear()
	assert.Equal(t, 0, selection.Len())
	assert.Empty(t, selection.IDs())
}
