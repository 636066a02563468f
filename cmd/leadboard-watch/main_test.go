package main

import (
	"testing"
	"time"

	"github.com/agentworkforce/leadboard/internal/pipeline"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("LEADBOARD_TEST_FLOAT", "0.35")
	got := floatEnv("LEADBOARD_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("LEADBOARD_TEST_FLOAT_BAD", "oops")
	got := floatEnv("LEADBOARD_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 30 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 24*time.Second {
		t.Fatalf("expected min jitter interval 24s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 30*time.Second {
		t.Fatalf("expected midpoint jitter interval 30s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 36*time.Second {
		t.Fatalf("expected max jitter interval 36s, got %s", got)
	}
}

func TestParseStageFilter(t *testing.T) {
	spec, err := parseStageFilter(" proposta, ,fechado")
	if err != nil {
		t.Fatalf("parse stages: %v", err)
	}
	if len(spec.Stages) != 2 || spec.Stages[0] != pipeline.StageProposta || spec.Stages[1] != pipeline.StageFechado {
		t.Fatalf("unexpected stages: %v", spec.Stages)
	}
	if _, err := parseStageFilter("Ganho"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
	if spec, err := parseStageFilter(""); err != nil || !spec.IsZero() {
		t.Fatalf("expected empty filter, got %+v (%v)", spec, err)
	}
}

func TestDiffStagesReportsMovedLeads(t *testing.T) {
	prev := pipeline.BoardState{Columns: map[pipeline.Stage][]pipeline.Lead{
		pipeline.StageLead:     {{ID: "b"}, {ID: "a"}},
		pipeline.StageProposta: {{ID: "c"}},
	}}
	next := pipeline.BoardState{Columns: map[pipeline.Stage][]pipeline.Lead{
		pipeline.StageContato:  {{ID: "b"}, {ID: "a"}},
		pipeline.StageProposta: {{ID: "c"}, {ID: "new"}},
	}}
	moves := diffStages(prev, next)
	if len(moves) != 2 {
		t.Fatalf("expected two moves, got %+v", moves)
	}
	if moves[0].LeadID != "a" || moves[0].From != pipeline.StageLead || moves[0].To != pipeline.StageContato {
		t.Fatalf("unexpected first move: %+v", moves[0])
	}
	if got := diffStages(pipeline.BoardState{}, next); len(got) != 0 {
		t.Fatalf("expected no moves against an empty board, got %+v", got)
	}
}

func TestFormatCountsListsEveryStage(t *testing.T) {
	got := formatCounts(pipeline.BoardState{Counts: map[pipeline.Stage]int{pipeline.StageProposta: 2}})
	want := "lead=0 contato=0 proposta=2 negociacao=0 fechado=0"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildSessionsWithToken(t *testing.T) {
	if _, err := buildSessions("", "tok", ""); err == nil {
		t.Fatalf("expected organization to be required with a token")
	}
	sessions, err := buildSessions("", "tok", "org_1")
	if err != nil {
		t.Fatalf("build sessions: %v", err)
	}
	current, err := sessions.Load()
	if err != nil || current == nil || current.Token != "tok" {
		t.Fatalf("unexpected session %+v (%v)", current, err)
	}
	if _, err := buildSessions("", "", ""); err == nil {
		t.Fatalf("expected error without store or token")
	}
}
