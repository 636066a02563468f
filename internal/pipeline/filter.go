package pipeline

import "time"

// FilterSpec constrains the displayed board. Empty subsets and nil bounds
// mean no constraint. Ranges are inclusive.
type FilterSpec struct {
	Stages      []Stage    `json:"stages,omitempty"`
	Sources     []string   `json:"sources,omitempty"`
	AssignedTo  []string   `json:"assigned_to,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
	ValueMin    *float64   `json:"value_min,omitempty"`
	ValueMax    *float64   `json:"value_max,omitempty"`
}

func (f FilterSpec) IsZero() bool {
	return len(f.Stages) == 0 && len(f.Sources) == 0 && len(f.AssignedTo) == 0 && len(f.Tags) == 0 &&
		f.CreatedFrom == nil && f.CreatedTo == nil && f.ValueMin == nil && f.ValueMax == nil
}

// Equal reports whether two specs select the same leads. Subset order is
// ignored.
func (f FilterSpec) Equal(other FilterSpec) bool {
	if !sameSet(stageStrings(f.Stages), stageStrings(other.Stages)) ||
		!sameSet(f.Sources, other.Sources) ||
		!sameSet(f.AssignedTo, other.AssignedTo) ||
		!sameSet(f.Tags, other.Tags) {
		return false
	}
	return sameTime(f.CreatedFrom, other.CreatedFrom) && sameTime(f.CreatedTo, other.CreatedTo) &&
		sameFloat(f.ValueMin, other.ValueMin) && sameFloat(f.ValueMax, other.ValueMax)
}

// Apply derives the filtered view of board. Columns outside the stage subset
// are emptied; the remaining leads must satisfy every active predicate. The
// input is never modified.
func Apply(board BoardState, spec FilterSpec) BoardState {
	out := EmptyBoard()
	stages := toSet(stageStrings(spec.Stages))
	sources := toSet(spec.Sources)
	assignees := toSet(spec.AssignedTo)
	for _, stage := range stageOrder {
		if len(stages) > 0 {
			if _, ok := stages[string(stage)]; !ok {
				continue
			}
		}
		column := make([]Lead, 0, len(board.Columns[stage]))
		for _, lead := range board.Columns[stage] {
			if spec.matches(lead, sources, assignees) {
				column = append(column, lead.clone())
			}
		}
		out.Columns[stage] = column
		out.Counts[stage] = len(column)
	}
	return out
}

func (f FilterSpec) matches(lead Lead, sources, assignees map[string]struct{}) bool {
	if len(sources) > 0 {
		if _, ok := sources[lead.Source]; !ok {
			return false
		}
	}
	if len(assignees) > 0 {
		if _, ok := assignees[lead.AssignedTo]; !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		found := false
		for _, tag := range f.Tags {
			if lead.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	// A missing creation time compares as the zero time.
	if f.CreatedFrom != nil && lead.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && lead.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	value := lead.Value()
	if f.ValueMin != nil && value < *f.ValueMin {
		return false
	}
	if f.ValueMax != nil && value > *f.ValueMax {
		return false
	}
	return true
}

func stageStrings(stages []Stage) []string {
	out := make([]string, 0, len(stages))
	for _, stage := range stages {
		out = append(out, string(stage))
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

func sameSet(a, b []string) bool {
	left, right := toSet(a), toSet(b)
	if len(left) != len(right) {
		return false
	}
	for value := range left {
		if _, ok := right[value]; !ok {
			return false
		}
	}
	return true
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
