package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/leadboard/internal/boardsync"
	"github.com/agentworkforce/leadboard/internal/crmapi"
	"github.com/agentworkforce/leadboard/internal/pipeline"
	"github.com/agentworkforce/leadboard/internal/session"
)

func main() {
	_ = godotenv.Load()

	crmURL := flag.String("crm-url", envOrDefault("LEADBOARD_CRM_URL", "http://127.0.0.1:8000"), "CRM API base URL")
	sessionDSN := flag.String("session", envOrDefault("LEADBOARD_SESSION_DSN", "file://.leadboard/session.json"), "session store DSN")
	token := flag.String("token", strings.TrimSpace(os.Getenv("LEADBOARD_TOKEN")), "bearer token; overrides the stored session")
	organizationID := flag.String("organization", strings.TrimSpace(os.Getenv("LEADBOARD_ORGANIZATION_ID")), "organization ID used with --token")
	stages := flag.String("stages", strings.TrimSpace(os.Getenv("LEADBOARD_WATCH_STAGES")), "comma-separated stages to report")
	interval := flag.Duration("interval", durationEnv("LEADBOARD_WATCH_INTERVAL", 30*time.Second), "refresh interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("LEADBOARD_WATCH_INTERVAL_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("LEADBOARD_WATCH_TIMEOUT", 15*time.Second), "per-refresh timeout")
	asJSON := flag.Bool("json", false, "print each filtered board as JSON")
	once := flag.Bool("once", false, "run one refresh and exit")
	flag.Parse()

	filter, err := parseStageFilter(*stages)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	sessions, err := buildSessions(*sessionDSN, *token, *organizationID)
	if err != nil {
		log.Fatalf("failed to initialize sessions: %v", err)
	}
	client := crmapi.NewHTTPClient(*crmURL, sessions, &http.Client{Timeout: *timeout})
	board := pipeline.NewBoard(pipeline.BoardOptions{Logger: log.Default()})
	loader := boardsync.NewLoader(client, sessions, board, log.Default(), nil)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var previous pipeline.BoardState
	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		state, err := loader.Refresh(ctx)
		if err != nil {
			log.Printf("board refresh failed: %v", err)
			return
		}
		for _, move := range diffStages(previous, state) {
			log.Printf("lead %s moved %s -> %s", move.LeadID, move.From, move.To)
		}
		previous = state
		visible := pipeline.Apply(state, filter)
		if *asJSON {
			if err := json.NewEncoder(os.Stdout).Encode(visible); err != nil {
				log.Printf("encode board: %v", err)
			}
			return
		}
		log.Printf("board refreshed: %s (total %d)", formatCounts(visible), visible.Total())
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("board watch stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// buildSessions uses an explicit token when given and the configured store
// otherwise.
func buildSessions(dsn, token, organizationID string) (session.Source, error) {
	if strings.TrimSpace(token) != "" {
		if strings.TrimSpace(organizationID) == "" {
			return nil, fmt.Errorf("organization is required with --token (--organization or LEADBOARD_ORGANIZATION_ID)")
		}
		backend := session.NewInMemoryBackend()
		if err := backend.Save(&session.Session{Token: token, OrganizationID: organizationID}); err != nil {
			return nil, err
		}
		return backend, nil
	}
	backend, err := session.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("a session store or --token is required")
	}
	return backend, nil
}

func parseStageFilter(raw string) (pipeline.FilterSpec, error) {
	var spec pipeline.FilterSpec
	for _, item := range strings.Split(raw, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		stage, ok := pipeline.ParseStage(item)
		if !ok {
			return pipeline.FilterSpec{}, fmt.Errorf("unknown stage %q", strings.TrimSpace(item))
		}
		spec.Stages = append(spec.Stages, stage)
	}
	return spec, nil
}

type stageMove struct {
	LeadID string
	From   pipeline.Stage
	To     pipeline.Stage
}

// diffStages reports leads present in both boards whose stage changed,
// ordered by lead id.
func diffStages(prev, next pipeline.BoardState) []stageMove {
	before := map[string]pipeline.Stage{}
	for stage, leads := range prev.Columns {
		for _, lead := range leads {
			before[lead.ID] = stage
		}
	}
	var moves []stageMove
	for stage, leads := range next.Columns {
		for _, lead := range leads {
			if from, ok := before[lead.ID]; ok && from != stage {
				moves = append(moves, stageMove{LeadID: lead.ID, From: from, To: stage})
			}
		}
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].LeadID < moves[j].LeadID })
	return moves
}

func formatCounts(state pipeline.BoardState) string {
	parts := make([]string, 0, len(pipeline.Stages()))
	for _, stage := range pipeline.Stages() {
		parts = append(parts, fmt.Sprintf("%s=%d", stage, state.Counts[stage]))
	}
	return strings.Join(parts, " ")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
