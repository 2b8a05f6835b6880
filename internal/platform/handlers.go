package platform

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"provbus/internal/consumer"
	"provbus/internal/messages"
	"provbus/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// isAdmin checks the request against the configured admin credentials.
func (a *API) isAdmin(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || a.admin.User == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.admin.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.admin.Password)) == 1
	return userOK && passOK
}

// authorizeSubscription allows the subscription's own credentials or the
// admin. A 401 never reveals whether the subscription exists.
func (a *API) authorizeSubscription(r *http.Request, name string) bool {
	if a.isAdmin(r) {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != name {
		return false
	}
	return a.registry.Authenticate(r.Context(), name, pass) == nil
}

func (a *API) createSubscription(w http.ResponseWriter, r *http.Request) {
	if !a.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var sub messages.NewSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	err := a.registry.Create(r.Context(), &sub)
	switch {
	case errors.Is(err, registry.ErrSubscriptionExists):
		writeError(w, http.StatusConflict, "subscription already exists")
	case err != nil:
		a.log.Error("Failed to create subscription", "name", sub.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"name": sub.Name})
	}
}

func (a *API) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !a.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	subs, err := a.registry.List(r.Context())
	if err != nil {
		a.log.Error("Failed to list subscriptions", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	public := make([]*messages.Subscription, 0, len(subs))
	for _, sub := range subs {
		public = append(public, sub.Public())
	}
	writeJSON(w, http.StatusOK, public)
}

func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.authorizeSubscription(r, name) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sub, err := a.registry.Get(r.Context(), name)
	if errors.Is(err, registry.ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		a.log.Error("Failed to load subscription", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sub.Public())
}

func (a *API) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.authorizeSubscription(r, name) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	err := a.registry.Delete(r.Context(), name)
	if errors.Is(err, registry.ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		a.log.Error("Failed to delete subscription", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.authorizeSubscription(r, name) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	count := 1
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusUnprocessableEntity, "count must be a positive integer")
			return
		}
		count = n
	}
	timeout := 5 * time.Second
	if v := q.Get("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "timeout must be a positive number of seconds")
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	pop := q.Get("pop") == "true"
	skipPrefill := q.Get("skip_prefill") == "true"

	msgs, err := a.svc.GetMessages(r.Context(), name, count, timeout, pop, skipPrefill)
	switch {
	case errors.Is(err, registry.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case errors.Is(err, consumer.ErrPrefillFailed):
		writeError(w, http.StatusServiceUnavailable, "prefill failed; the subscription needs repair")
		return
	case err != nil:
		a.log.Error("Failed to fetch messages", "subscription", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []*messages.ProvisioningMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) postMessagesStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.authorizeSubscription(r, name) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	// The body is one report or a list of reports.
	var reports []messages.StatusReport
	if err := json.Unmarshal(raw, &reports); err != nil {
		var single messages.StatusReport
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid status report")
			return
		}
		reports = []messages.StatusReport{single}
	}
	for _, report := range reports {
		if err := report.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	if err := a.svc.RemoveMessages(r.Context(), name, reports); err != nil {
		a.log.Error("Failed to apply status reports", "subscription", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": len(reports)})
}
