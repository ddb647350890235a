package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/hyperengineering/mutuelle"
)

// WebSocket is a listen-only Notifier reading JSON Messages from a feed URL.
type WebSocket struct {
	url    string
	apiKey string
	device string
	logger *slog.Logger
}

// NewWebSocket creates a notifier for the feed at url (ws:// or wss://).
func NewWebSocket(url, apiKey, device string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{url: url, apiKey: apiKey, device: device, logger: logger}
}

// Listen dials the feed and calls onChange for every accepted message until
// ctx is done or the connection drops.
func (w *WebSocket) Listen(ctx context.Context, tables []mutuelle.Table, onChange func(mutuelle.Table)) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if w.apiKey != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+w.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return fmt.Errorf("notify: dial %s: %w", w.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f := newFilter(tables, w.device)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("notify: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		m, err := Decode(data)
		if err != nil {
			w.logger.Warn("ignore malformed notification", "error", err)
			continue
		}
		if f.accept(m) {
			onChange(m.Table)
		}
	}
}

var _ mutuelle.Notifier = (*WebSocket)(nil)
