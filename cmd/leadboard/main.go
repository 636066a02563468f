package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agentworkforce/leadboard/internal/boardsync"
	"github.com/agentworkforce/leadboard/internal/crmapi"
	"github.com/agentworkforce/leadboard/internal/httpapi"
	"github.com/agentworkforce/leadboard/internal/realtime"
	"github.com/agentworkforce/leadboard/internal/session"
)

const defaultSessionDSN = "file://.leadboard/session.json"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	addr := envOrDefault("LEADBOARD_ADDR", ":8080")

	sessionDSN := envOrDefault("LEADBOARD_SESSION_DSN", defaultSessionDSN)
	sessions, err := session.BuildBackendFromDSN(sessionDSN)
	if err != nil {
		log.Fatalf("failed to initialize session backend: %v", err)
	}
	if sessions == nil {
		sessions = session.NewInMemoryBackend()
	}

	crm := crmapi.NewHTTPClient(os.Getenv("LEADBOARD_CRM_URL"), sessions, &http.Client{
		Timeout: durationEnv("LEADBOARD_CRM_TIMEOUT", 15*time.Second),
	})

	channel, err := buildRealtimeFromEnv(sessions)
	if err != nil {
		log.Fatalf("failed to initialize realtime channel: %v", err)
	}

	opts := boardsync.Options{
		Backend:         crm,
		Sessions:        sessions,
		Logger:          log.Default(),
		MaxSelection:    intEnv("LEADBOARD_MAX_SELECTION", 0),
		ReloadDelay:     durationEnv("LEADBOARD_RELOAD_DELAY", 0),
		PollInterval:    durationEnv("LEADBOARD_POLL_INTERVAL", 0),
		ConfirmationTTL: durationEnv("LEADBOARD_DELETE_CONFIRMATION_TTL", 0),
		NoticeCapacity:  intEnv("LEADBOARD_NOTICE_CAPACITY", 0),
	}
	if channel != nil {
		opts.Realtime = channel
	}
	engine, err := boardsync.NewEngine(opts)
	if err != nil {
		log.Fatalf("failed to initialize board engine: %v", err)
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("LEADBOARD_JWT_SECRET"),
		OrganizationID:     os.Getenv("LEADBOARD_ORGANIZATION_ID"),
		InternalHMACSecret: os.Getenv("LEADBOARD_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("LEADBOARD_INTERNAL_MAX_SKEW", 5*time.Minute),
		AllowedOrigins:     listEnv("LEADBOARD_ALLOWED_ORIGINS"),
		RateLimitMax:       intEnv("LEADBOARD_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("LEADBOARD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("LEADBOARD_MAX_BODY_BYTES", 0),
		RequestLogging:     boolEnv("LEADBOARD_REQUEST_LOGGING", true),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path, ok := session.FilePath(sessionDSN); ok {
		go func() {
			err := session.Watch(ctx, path, func() {
				log.Printf("session file changed, reloading board")
				if err := engine.Reload(ctx, "session_changed"); err != nil {
					log.Printf("reload after session change failed: %v", err)
				}
				engine.Reconnect()
			}, session.WatchOptions{Logger: log.Default()})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("session watch stopped: %v", err)
			}
		}()
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Start(ctx)
	}()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() {
		log.Printf("leadboard listening on %s", addr)
		serveDone <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case err := <-engineDone:
		if err != nil {
			log.Printf("board engine stopped: %v", err)
		}
	case <-ctx.Done():
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("LEADBOARD_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %v", err)
	}
	log.Printf("leadboard stopped")
}

// buildRealtimeFromEnv returns nil when no push transport is configured; the
// engine then polls on its own.
func buildRealtimeFromEnv(sessions session.Source) (*realtime.Manager, error) {
	transport := strings.ToLower(envOrDefault("LEADBOARD_PUSH_TRANSPORT", "websocket"))
	var dialer realtime.Dialer
	switch transport {
	case "none", "off", "polling":
		return nil, nil
	case "websocket", "ws":
		pushURL := strings.TrimSpace(os.Getenv("LEADBOARD_PUSH_URL"))
		if pushURL == "" {
			log.Printf("LEADBOARD_PUSH_URL is not set, falling back to polling")
			return nil, nil
		}
		dialer = &realtime.WebSocketDialer{
			URL:    pushURL,
			Header: sessionHeader(sessions),
			Query:  sessionQuery(sessions),
		}
	case "amqp", "rabbitmq":
		amqpURL := strings.TrimSpace(os.Getenv("LEADBOARD_AMQP_URL"))
		if amqpURL == "" {
			return nil, fmt.Errorf("LEADBOARD_AMQP_URL is required when LEADBOARD_PUSH_TRANSPORT=%s", transport)
		}
		dialer = &realtime.AMQPDialer{
			URL:      amqpURL,
			Exchange: envOrDefault("LEADBOARD_AMQP_EXCHANGE", "crm.pipeline"),
			ClientID: envOrDefault("LEADBOARD_CLIENT_ID", "leadboard-"+uuid.NewString()),
		}
	default:
		return nil, fmt.Errorf("unsupported LEADBOARD_PUSH_TRANSPORT: %s", transport)
	}
	return realtime.NewManager(dialer, realtime.Options{
		HandshakeTimeout:            durationEnv("LEADBOARD_HANDSHAKE_TIMEOUT", 0),
		MaxReconnectAttempts:        intEnv("LEADBOARD_MAX_RECONNECT_ATTEMPTS", 0),
		ReconnectBackoff:            durationEnv("LEADBOARD_RECONNECT_BACKOFF", 0),
		MaxReconnectBackoff:         durationEnv("LEADBOARD_MAX_RECONNECT_BACKOFF", 0),
		PollInterval:                durationEnv("LEADBOARD_POLL_INTERVAL", 0),
		BackgroundReconnectInterval: durationEnv("LEADBOARD_BACKGROUND_RECONNECT_INTERVAL", 0),
		Logger:                      log.Default(),
	})
}

func sessionHeader(sessions session.Source) func() (http.Header, error) {
	return func() (http.Header, error) {
		current, err := session.Current(sessions, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, crmapi.ErrNoSession
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+current.Token)
		return header, nil
	}
}

func sessionQuery(sessions session.Source) func() (url.Values, error) {
	return func() (url.Values, error) {
		current, err := session.Current(sessions, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, crmapi.ErrNoSession
		}
		query := url.Values{}
		query.Set("organization_id", current.OrganizationID)
		return query, nil
	}
}

func envOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
