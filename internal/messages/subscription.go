package messages

import (
	"fmt"
	"regexp"
)

// PrefillStatus tracks the one-shot backlog drain for a subscription.
// Transitions are forward-only: pending -> running -> done|failed.
type PrefillStatus string

const (
	PrefillPending PrefillStatus = "pending"
	PrefillRunning PrefillStatus = "running"
	PrefillDone    PrefillStatus = "done"
	PrefillFailed  PrefillStatus = "failed"
)

// CanTransition reports whether moving from s to next respects the
// forward-only state machine.
func (s PrefillStatus) CanTransition(next PrefillStatus) bool {
	switch s {
	case PrefillPending:
		return next == PrefillRunning
	case PrefillRunning:
		return next == PrefillDone || next == PrefillFailed
	default:
		// done and failed are terminal.
		return false
	}
}

// Subscription is the entire durable state of one consumer, stored as a
// single KV record. PasswordHash is bcrypt and never leaves the server.
type Subscription struct {
	Name               string        `json:"name"`
	RealmsTopics       []RealmTopic  `json:"realms_topics"`
	RequestPrefill     bool          `json:"request_prefill"`
	PrefillQueueStatus PrefillStatus `json:"prefill_queue_status"`
	PasswordHash       string        `json:"password_hash,omitempty"`
}

// Public returns a copy safe to hand to API clients.
func (s *Subscription) Public() *Subscription {
	out := *s
	out.PasswordHash = ""
	return &out
}

// NewSubscription is the admin-facing creation request.
type NewSubscription struct {
	Name           string       `json:"name"`
	RealmsTopics   []RealmTopic `json:"realms_topics"`
	RequestPrefill bool         `json:"request_prefill"`
	Password       string       `json:"password"`
}

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	realmRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	topicRe = regexp.MustCompile(`^[A-Za-z0-9_/.-]+$`)
)

// Validate checks the request before any state is touched. Subscription
// names double as NATS subject tokens and KV key segments, hence the strict
// character set.
func (n *NewSubscription) Validate() error {
	if !nameRe.MatchString(n.Name) {
		return fmt.Errorf("invalid subscription name %q", n.Name)
	}
	if n.Password == "" {
		return fmt.Errorf("password must not be empty")
	}
	if len(n.RealmsTopics) == 0 {
		return fmt.Errorf("at least one realm/topic pair is required")
	}
	for _, rt := range n.RealmsTopics {
		if !realmRe.MatchString(rt.Realm) {
			return fmt.Errorf("invalid realm %q", rt.Realm)
		}
		if !topicRe.MatchString(rt.Topic) {
			return fmt.Errorf("invalid topic %q", rt.Topic)
		}
	}
	return nil
}
