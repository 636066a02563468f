package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionStates = []string{"connecting", "connected", "degraded_polling", "disconnected", "error"}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadboard_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadboard_reloads_total",
			Help: "Full board reloads by trigger and outcome",
		},
		[]string{"reason", "result"},
	)

	realtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadboard_realtime_events_total",
			Help: "Push-channel events applied to the board",
		},
		[]string{"type"},
	)

	stageMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadboard_stage_moves_total",
			Help: "Drag/drop stage moves by outcome",
		},
		[]string{"result"},
	)

	bulkActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadboard_bulk_actions_total",
			Help: "Bulk operations by action and outcome",
		},
		[]string{"action", "result"},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leadboard_connection_state",
			Help: "1 for the current realtime connection state, 0 otherwise",
		},
		[]string{"state"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordReload(reason string, err error) {
	reloadsTotal.WithLabelValues(reason, result(err)).Inc()
}

func RecordRealtimeEvent(eventType string) {
	realtimeEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordStageMove(outcome string) {
	stageMovesTotal.WithLabelValues(outcome).Inc()
}

func RecordBulkAction(action string, err error) {
	bulkActionsTotal.WithLabelValues(action, result(err)).Inc()
}

func SetConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}
