// events.go — SSE-поток push-событий пользователя.
// При подключении сначала доставляются события, накопленные в буфере
// повтора, с паузой ReplayDelay между ними, затем живые события.
// Формат: id: <uuid>\nevent: <type>\ndata: {json}\n\n.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/r2r-ingest/internal/api/errors"
	"github.com/bigkaa/r2r-ingest/internal/events"
)

// StreamEvents — GET /api/v1/events. SSE-поток событий пользователя.
func (h *APIHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// ResponseController находит http.Flusher через Unwrap() middleware-обёрток
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		apierrors.InternalError(w, "SSE не поддерживается")
		return
	}

	ctx := r.Context()

	// Подписка до чтения буфера: события, опубликованные во время повтора,
	// попадут в канал подписки, а не в буфер
	sub := h.hub.Subscribe(user)
	defer sub.Close()

	h.logger.Debug("SSE клиент подключён",
		slog.String("user_id", user),
		slog.String("remote_addr", r.RemoteAddr),
	)

	replayed := h.hub.Replay(user)
	for i, ev := range replayed {
		if i > 0 && h.cfg.ReplayDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.cfg.ReplayDelay):
			}
		}
		if err := writeEvent(w, rc, ev); err != nil {
			return
		}
	}
	if len(replayed) > 0 {
		h.logger.Debug("Доставлены накопленные события",
			slog.String("user_id", user),
			slog.Int("count", len(replayed)),
		)
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.String("user_id", user))
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeEvent записывает одно событие в формате SSE.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Payload); err != nil {
		return err
	}
	return rc.Flush()
}
