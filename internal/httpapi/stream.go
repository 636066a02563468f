package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/leadboard/internal/boardsync"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes engine updates to a UI client. Updates are dropped
// for a client that falls behind; it can resync from GET /v1/board.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.AllowedOrigins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates := make(chan boardsync.Update, s.cfg.StreamBuffer)
	cancel := s.engine.Watch(func(u boardsync.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	defer cancel()

	initial := []boardsync.Update{
		{Kind: boardsync.UpdateConnection, Connection: s.engine.Connection().State},
		{Kind: boardsync.UpdateBoard, Version: s.engine.Board().Version()},
	}
	for _, u := range initial {
		if err := writeUpdate(ctx, conn, u); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case u := <-updates:
			if err := writeUpdate(ctx, conn, u); err != nil {
				return
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, u boardsync.Update) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, u)
}

// originPatterns converts CORS origins to the host patterns the websocket
// origin check expects.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
