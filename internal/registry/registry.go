package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"provbus/internal/messages"
	"provbus/internal/mq"
)

var (
	ErrSubscriptionExists   = errors.New("registry: subscription already exists")
	ErrSubscriptionNotFound = errors.New("registry: subscription not found")
	ErrInvalidTransition    = errors.New("registry: invalid prefill status transition")
	ErrBadCredentials       = errors.New("registry: bad credentials")
)

// Registry is the typed API over the KV bucket holding subscription records
// and the realm:topic index the dispatcher consults.
type Registry struct {
	kv  *mq.KV
	mq  *mq.MQ
	log *slog.Logger
}

func New(kv *mq.KV, queue *mq.MQ) *Registry {
	return &Registry{kv: kv, mq: queue, log: slog.Default()}
}

// Create registers a new subscription. Steps are ordered so an interrupted
// creation leaves a recoverable state: the record is written first, streams
// and index entries are idempotent and repaired lazily on the next attempt
// with the same name.
func (r *Registry) Create(ctx context.Context, sub *messages.NewSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	key := mq.SubscriptionKey(sub.Name)
	if _, found, err := r.kv.Get(ctx, key); err != nil {
		return err
	} else if found {
		return ErrSubscriptionExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(sub.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	status := messages.PrefillDone
	if sub.RequestPrefill {
		status = messages.PrefillPending
	}
	record := &messages.Subscription{
		Name:               sub.Name,
		RealmsTopics:       sub.RealmsTopics,
		RequestPrefill:     sub.RequestPrefill,
		PrefillQueueStatus: status,
		PasswordHash:       string(hash),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store subscription %s: %w", sub.Name, err)
	}

	if err := r.mq.EnsureStream(ctx, mq.LiveStream(sub.Name), mq.LiveSubject(sub.Name)); err != nil {
		return err
	}
	for _, rt := range sub.RealmsTopics {
		if err := r.indexAdd(ctx, rt, sub.Name); err != nil {
			return err
		}
	}

	if sub.RequestPrefill {
		if err := r.mq.EnsureStream(ctx, mq.PrefillStream(sub.Name), mq.PrefillSubject(sub.Name)); err != nil {
			return err
		}
		req := messages.PrefillRequest{
			SubscriptionName: sub.Name,
			RealmsTopics:     sub.RealmsTopics,
			TS:               time.Now().UTC(),
		}
		job, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if _, err := r.mq.Publish(ctx, mq.PrefillJobsSubject, job); err != nil {
			return fmt.Errorf("enqueue prefill job for %s: %w", sub.Name, err)
		}
	}
	r.log.Info("Subscription created", "name", sub.Name, "prefill", sub.RequestPrefill)
	return nil
}

// Get returns the full record, including the password hash. Handlers strip
// the hash via Subscription.Public before responding.
func (r *Registry) Get(ctx context.Context, name string) (*messages.Subscription, error) {
	data, found, err := r.kv.Get(ctx, mq.SubscriptionKey(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}
	var sub messages.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", name, err)
	}
	return &sub, nil
}

// List returns all subscription records.
func (r *Registry) List(ctx context.Context) ([]*messages.Subscription, error) {
	keys, err := r.kv.Keys(ctx, mq.SubscriptionKeyPrefix)
	if err != nil {
		return nil, err
	}
	subs := make([]*messages.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, err := r.Get(ctx, strings.TrimPrefix(key, mq.SubscriptionKeyPrefix))
		if errors.Is(err, ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Delete removes the record, scrubs the subscription from every index entry
// it appears in, and deletes both of its streams.
func (r *Registry) Delete(ctx context.Context, name string) error {
	sub, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.kv.Delete(ctx, mq.SubscriptionKey(name)); err != nil {
		return err
	}
	for _, rt := range sub.RealmsTopics {
		if err := r.indexRemove(ctx, rt, name); err != nil {
			return err
		}
	}
	if err := r.mq.DeleteStream(ctx, mq.LiveStream(name)); err != nil {
		return err
	}
	if err := r.mq.DeleteStream(ctx, mq.PrefillStream(name)); err != nil {
		return err
	}
	r.log.Info("Subscription deleted", "name", name)
	return nil
}

// SetPrefillStatus advances the pre-fill state machine. Backward or repeated
// transitions are rejected: pending -> running -> done|failed only.
func (r *Registry) SetPrefillStatus(ctx context.Context, name string, status messages.PrefillStatus) error {
	sub, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if !sub.PrefillQueueStatus.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.PrefillQueueStatus, status)
	}
	sub.PrefillQueueStatus = status
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, mq.SubscriptionKey(name), data)
}

// Authenticate checks consumer credentials. The error does not reveal
// whether the subscription exists.
func (r *Registry) Authenticate(ctx context.Context, name, password string) error {
	sub, err := r.Get(ctx, name)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return ErrBadCredentials
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(sub.PasswordHash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// IndexSnapshot scans the whole index and returns the realm:topic ->
// subscription names mapping. Used by the dispatcher at startup and for
// periodic reconciliation.
func (r *Registry) IndexSnapshot(ctx context.Context) (map[string][]string, error) {
	keys, err := r.kv.Keys(ctx, mq.IndexKeyPrefix)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string][]string, len(keys))
	for _, key := range keys {
		routing, ok := mq.RoutingKeyFromIndexKey(key)
		if !ok {
			continue
		}
		value, found, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found || len(value) == 0 {
			continue
		}
		snapshot[routing] = strings.Split(string(value), ",")
	}
	return snapshot, nil
}

// indexAdd appends name to the index entry for rt unless already present.
func (r *Registry) indexAdd(ctx context.Context, rt messages.RealmTopic, name string) error {
	key := mq.IndexKey(rt.Realm, rt.Topic)
	value, found, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	var names []string
	if found && len(value) > 0 {
		names = strings.Split(string(value), ",")
	}
	if slices.Contains(names, name) {
		return nil
	}
	names = append(names, name)
	return r.kv.Put(ctx, key, []byte(strings.Join(names, ",")))
}

// indexRemove drops name from the index entry for rt, deleting the entry
// when it becomes empty.
func (r *Registry) indexRemove(ctx context.Context, rt messages.RealmTopic, name string) error {
	key := mq.IndexKey(rt.Realm, rt.Topic)
	value, found, err := r.kv.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	names := slices.DeleteFunc(strings.Split(string(value), ","), func(s string) bool {
		return s == name
	})
	if len(names) == 0 {
		return r.kv.Delete(ctx, key)
	}
	return r.kv.Put(ctx, key, []byte(strings.Join(names, ",")))
}
