package platform

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"provbus/internal/messages"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// subscriptionWS is the push alternative to the fetch endpoint. Each frame
// sent to the client is one envelope; each frame received is a status report
// in the same schema as the messages-status endpoint. A non-ok report or any
// protocol error closes the connection; unacked messages redeliver after the
// in-flight deadline.
func (a *API) subscriptionWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.authorizeSubscription(r, name) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("WebSocket upgrade failed", "subscription", name, "err", err)
		return
	}
	defer conn.Close()

	sink := uuid.NewString()
	log := a.log.With("subscription", name, "sink", sink)
	log.Info("WebSocket sink connected")
	defer log.Info("WebSocket sink disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.svc.GetMessages(ctx, name, 1, 5*time.Second, false, false)
		if err != nil {
			log.Warn("WebSocket fetch failed", "err", err)
			return
		}
		if len(msgs) == 0 {
			continue
		}

		if err := conn.WriteJSON(msgs[0]); err != nil {
			log.Info("WebSocket write failed", "err", err)
			return
		}

		var report messages.StatusReport
		if err := conn.ReadJSON(&report); err != nil {
			log.Info("WebSocket read failed", "err", err)
			return
		}
		if report.Status != messages.StatusOK {
			log.Warn("WebSocket client reported failure, closing", "status", report.Status)
			return
		}
		if err := a.svc.RemoveMessages(ctx, name, []messages.StatusReport{report}); err != nil {
			log.Warn("Failed to remove acked message", "err", err)
			return
		}
	}
}
