package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/platform/metrics"
	"provbus/internal/registry"
)

// Dispatcher owns the fan-out from the incoming stream to the
// per-subscription live streams. It mirrors the realm:topic index in memory,
// keeps the mirror current via a KV watch, and is the only live-mode writer
// to subscription streams.
type Dispatcher struct {
	mq       *mq.MQ
	kv       *mq.KV
	registry *registry.Registry
	log      *slog.Logger

	// RescanInterval bounds how long the in-memory routes may diverge from
	// the on-disk index after a missed watch event. Zero disables the
	// periodic reconciliation.
	RescanInterval time.Duration

	mu     sync.RWMutex
	routes map[string]map[string]struct{} // realm:topic -> subscription names
}

func New(queue *mq.MQ, kv *mq.KV, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		mq:       queue,
		kv:       kv,
		registry: reg,
		log:      slog.Default(),
		routes:   make(map[string]map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled. On shutdown, in-flight source messages
// are left unacked so they redeliver after restart.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.mq.EnsureStream(ctx, mq.IncomingStream, mq.IncomingSubject); err != nil {
		return err
	}
	if err := d.rescan(ctx); err != nil {
		return fmt.Errorf("initial index scan: %w", err)
	}

	watcher, err := d.kv.Watch(ctx, mq.IndexWatchPattern)
	if err != nil {
		return fmt.Errorf("watch index: %w", err)
	}
	defer func() { _ = watcher.Stop() }()
	go d.watchIndex(ctx, watcher)

	if d.RescanInterval > 0 {
		go d.rescanLoop(ctx)
	}

	stop, err := d.mq.Consume(ctx, mq.IncomingStream, func(raw *mq.RawMessage) {
		d.handle(ctx, raw)
	})
	if err != nil {
		return fmt.Errorf("consume incoming: %w", err)
	}
	defer stop()

	d.log.Info("Dispatcher running")
	<-ctx.Done()
	d.log.Info("Dispatcher shutting down")
	return ctx.Err()
}

// watchIndex applies index updates to the in-memory routes. Each event costs
// at most the one KV round-trip already paid by the watcher; dispatch
// progress is never blocked beyond the map lock.
func (d *Dispatcher) watchIndex(ctx context.Context, watcher jetstream.KeyWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if update == nil {
				// End of the historical replay.
				d.log.Debug("Index watch caught up")
				continue
			}
			routing, ok := mq.RoutingKeyFromIndexKey(update.Key())
			if !ok {
				continue
			}
			switch update.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				d.setRoute(routing, nil)
			default:
				d.setRoute(routing, splitNames(update.Value()))
			}
		}
	}
}

func (d *Dispatcher) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(d.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.rescan(ctx); err != nil {
				d.log.Warn("Index rescan failed", "err", err)
			}
		}
	}
}

// rescan replaces the whole route table with a fresh index snapshot.
func (d *Dispatcher) rescan(ctx context.Context) error {
	snapshot, err := d.registry.IndexSnapshot(ctx)
	if err != nil {
		return err
	}
	routes := make(map[string]map[string]struct{}, len(snapshot))
	for routing, names := range snapshot {
		set := make(map[string]struct{}, len(names))
		for _, name := range names {
			set[name] = struct{}{}
		}
		routes[routing] = set
	}
	d.mu.Lock()
	d.routes = routes
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) setRoute(routing string, names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(names) == 0 {
		delete(d.routes, routing)
		return
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	d.routes[routing] = set
}

// Matches returns the subscriptions currently routed for a realm:topic key.
func (d *Dispatcher) Matches(routing string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes[routing]))
	for name := range d.routes[routing] {
		names = append(names, name)
	}
	return names
}

// handle fans one source message out to every matching subscription stream.
// The source is acked only after every copy is stored; on partial failure it
// is nak'd and the whole fan-out replays, so downstream consumers must
// tolerate duplicates.
func (d *Dispatcher) handle(ctx context.Context, raw *mq.RawMessage) {
	var msg messages.Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		// Poison message: drop it rather than starve the stream.
		d.log.Error("Dropping malformed incoming event", "seq", raw.Seq, "err", err)
		metrics.EventsDispatched.WithLabelValues("malformed").Inc()
		_ = raw.Ack()
		return
	}

	targets := d.Matches(msg.RoutingKey())
	if len(targets) == 0 {
		metrics.EventsDispatched.WithLabelValues("no_match").Inc()
		_ = raw.Ack()
		return
	}

	stopPing := mq.KeepInProgress(raw, d.mq.AckWait()/2)
	defer stopPing()

	for _, name := range targets {
		if _, err := d.mq.Publish(ctx, mq.LiveSubject(name), raw.Data); err != nil {
			if errors.Is(err, jetstream.ErrNoStreamResponse) {
				// Subscription deleted between route lookup and publish; its
				// index entry removal is already in flight.
				d.log.Debug("Skipping vanished subscription stream", "subscription", name)
				continue
			}
			d.log.Error("Failed to publish to subscription, nak for redelivery",
				"subscription", name, "seq", raw.Seq, "err", err)
			metrics.EventsDispatched.WithLabelValues("failed").Inc()
			stopPing()
			_ = raw.Nak()
			return
		}
		metrics.FanoutMessages.WithLabelValues(name).Inc()
	}

	stopPing()
	if err := raw.Ack(); err != nil {
		d.log.Warn("Failed to ack incoming event", "seq", raw.Seq, "err", err)
		return
	}
	metrics.EventsDispatched.WithLabelValues("ok").Inc()
	d.log.Debug("Event dispatched", "realm", msg.Realm, "topic", msg.Topic, "subscriptions", len(targets))
}

func splitNames(value []byte) []string {
	if len(value) == 0 {
		return nil
	}
	return strings.Split(string(value), ",")
}
