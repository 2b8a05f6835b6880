package platform

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/platform/metrics"
)

// The canonical envelope shape. The body is strictly object-shaped; the
// historical string-encoded alternate is rejected.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["publisher_name", "realm", "topic", "body"],
	"properties": {
		"publisher_name": {"type": "string", "minLength": 1},
		"ts": {"type": "string"},
		"realm": {"type": "string", "minLength": 1},
		"topic": {"type": "string", "minLength": 1},
		"body": {"type": "object"}
	}
}`

var eventSchema = jsonschema.MustCompileString("event.schema.json", eventSchemaJSON)

// postEvent accepts one publisher event and appends it to the incoming
// stream. Publisher credentials are shared by the directory listener and
// internal tools.
func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok ||
		subtle.ConstantTimeCompare([]byte(user), []byte(a.events.User)) != 1 ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(a.events.Password)) != 1 {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}
	if err := eventSchema.Validate(payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid event envelope")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid event envelope")
		return
	}
	var msg messages.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid event envelope")
		return
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	out, err := json.Marshal(&msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := a.ingress.Publish(r.Context(), mq.IncomingSubject, out); err != nil {
		a.log.Error("Failed to publish event", "publisher", msg.PublisherName, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics.EventsReceived.WithLabelValues(msg.PublisherName).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
