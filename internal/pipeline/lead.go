package pipeline

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrLeadNotFound = errors.New("lead not found")
)

type Stage string

const (
	StageLead       Stage = "lead"
	StageContato    Stage = "contato"
	StageProposta   Stage = "proposta"
	StageNegociacao Stage = "negociacao"
	StageFechado    Stage = "fechado"
)

var stageOrder = []Stage{StageLead, StageContato, StageProposta, StageNegociacao, StageFechado}

// Stages returns the pipeline columns in display order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage maps a raw value onto a known stage. Matching is exact after
// trimming; anything else is reported as unknown.
func ParseStage(raw string) (Stage, bool) {
	candidate := Stage(strings.TrimSpace(raw))
	if candidate.Valid() {
		return candidate, true
	}
	return "", false
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

func (s Stage) Index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

type Lead struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Email              string     `json:"email,omitempty"`
	Phone              string     `json:"phone,omitempty"`
	Stage              Stage      `json:"stage"`
	Source             string     `json:"source,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	EstimatedValue     *float64   `json:"estimated_value,omitempty"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	LastContactAt      *time.Time `json:"last_contact_at,omitempty"`
	LastContactChannel string     `json:"last_contact_channel,omitempty"`
	StageChangedAt     *time.Time `json:"stage_changed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	IsFavorite         bool       `json:"is_favorite"`
	DaysInStage        int        `json:"days_in_stage"`
}

// Value returns the estimated value, treating an absent value as zero.
func (l Lead) Value() float64 {
	if l.EstimatedValue == nil {
		return 0
	}
	return *l.EstimatedValue
}

func (l Lead) HasTag(tag string) bool {
	for _, existing := range l.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// ComputeDaysInStage counts whole days since the lead entered its current
// stage, falling back to the last update and then creation time.
func (l Lead) ComputeDaysInStage(now time.Time) int {
	since := l.CreatedAt
	if !l.UpdatedAt.IsZero() {
		since = l.UpdatedAt
	}
	if l.StageChangedAt != nil && !l.StageChangedAt.IsZero() {
		since = *l.StageChangedAt
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}

func (l Lead) clone() Lead {
	out := l
	if l.Tags != nil {
		out.Tags = append([]string(nil), l.Tags...)
	}
	if l.EstimatedValue != nil {
		v := *l.EstimatedValue
		out.EstimatedValue = &v
	}
	if l.LastContactAt != nil {
		ts := *l.LastContactAt
		out.LastContactAt = &ts
	}
	if l.StageChangedAt != nil {
		ts := *l.StageChangedAt
		out.StageChangedAt = &ts
	}
	return out
}
