package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 1 << 20

// WebSocketDialer connects to the CRM push endpoint. Header is consulted on
// every dial so a refreshed session token is picked up on reconnect.
type WebSocketDialer struct {
	URL        string
	Header     func() (http.Header, error)
	Query      func() (url.Values, error)
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d == nil || strings.TrimSpace(d.URL) == "" {
		return nil, ErrInvalidInput
	}
	target, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, err
	}
	if d.Query != nil {
		extra, err := d.Query()
		if err != nil {
			return nil, err
		}
		q := target.Query()
		for key, values := range extra {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		target.RawQuery = q.Encode()
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Header != nil {
		header, err := d.Header()
		if err != nil {
			return nil, err
		}
		opts.HTTPHeader = header
	}
	conn, resp, err := websocket.Dial(ctx, target.String(), opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &webSocketConn{conn: conn}, nil
}

type webSocketConn struct {
	conn *websocket.Conn
}

func (c *webSocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (c *webSocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *webSocketConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if err == nil || errors.As(err, &closeErr) {
		return nil
	}
	return err
}
