package wsconn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Handler consumes inbound text frames.
type Handler interface {
	HandleMessage(ctx context.Context, id string, raw []byte) error
}

// ReadLoop reads frames from ws until it fails or ctx is done and passes text
// frames to h. Frames over the limiter's budget are dropped. Handler errors
// are logged and never end the loop.
func ReadLoop(ctx context.Context, id string, ws *websocket.Conn, h Handler, limiter *rate.Limiter) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		mt, p, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			slog.Warn("rate limited, dropping message", "session", id)
			continue
		}
		if err := h.HandleMessage(ctx, id, p); err != nil {
			slog.Debug("message not applied", "session", id, "err", err)
		}
	}
}
