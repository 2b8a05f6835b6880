package prefill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/platform/metrics"
	"provbus/internal/registry"
	"provbus/internal/udm"
)

// Controller drains the directory once for every subscription created with
// request_prefill=true. Jobs arrive on the durable prefills stream, so a
// restart resumes outstanding drains. A re-run against an existing pre-fill
// stream may produce duplicates; consumers treat the synthetic messages as
// idempotent state snapshots.
type Controller struct {
	mq        *mq.MQ
	registry  *registry.Registry
	directory udm.Directory
	log       *slog.Logger
}

func New(queue *mq.MQ, reg *registry.Registry, dir udm.Directory) *Controller {
	return &Controller{mq: queue, registry: reg, directory: dir, log: slog.Default()}
}

// Run blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.mq.EnsureStream(ctx, mq.PrefillJobsStream, mq.PrefillJobsSubject); err != nil {
		return err
	}
	stop, err := c.mq.Consume(ctx, mq.PrefillJobsStream, func(raw *mq.RawMessage) {
		c.handle(ctx, raw)
	})
	if err != nil {
		return fmt.Errorf("consume prefill jobs: %w", err)
	}
	defer stop()

	c.log.Info("Prefill controller running")
	<-ctx.Done()
	return ctx.Err()
}

func (c *Controller) handle(ctx context.Context, raw *mq.RawMessage) {
	var req messages.PrefillRequest
	if err := json.Unmarshal(raw.Data, &req); err != nil {
		c.log.Error("Dropping malformed prefill job", "seq", raw.Seq, "err", err)
		_ = raw.Ack()
		return
	}

	run := xid.New().String()
	log := c.log.With("subscription", req.SubscriptionName, "run", run)

	if err := c.registry.SetPrefillStatus(ctx, req.SubscriptionName, messages.PrefillRunning); err != nil {
		switch {
		case errors.Is(err, registry.ErrSubscriptionNotFound):
			log.Info("Subscription gone before prefill started, dropping job")
		case errors.Is(err, registry.ErrInvalidTransition):
			// Already running, done or failed: this job was processed before.
			log.Info("Prefill already handled, dropping job")
		default:
			log.Error("Failed to mark prefill running, will retry", "err", err)
			_ = raw.Nak()
			return
		}
		_ = raw.Ack()
		return
	}

	stopPing := mq.KeepInProgress(raw, c.mq.AckWait()/2)
	err := c.drain(ctx, log, &req)
	stopPing()

	if err != nil {
		log.Error("Prefill failed", "err", err)
		if serr := c.registry.SetPrefillStatus(ctx, req.SubscriptionName, messages.PrefillFailed); serr != nil {
			log.Error("Failed to mark prefill failed", "err", serr)
		}
	} else {
		if serr := c.registry.SetPrefillStatus(ctx, req.SubscriptionName, messages.PrefillDone); serr != nil {
			log.Error("Failed to mark prefill done", "err", serr)
		} else {
			log.Info("Prefill complete")
		}
	}
	// The job is consumed either way; a failed subscription needs an
	// administrator to repair it.
	_ = raw.Ack()
}

// drain writes one synthetic create event per directory object into the
// subscription's pre-fill stream, preserving the declared realm/topic order:
// topics earlier in the list appear earlier in the stream.
func (c *Controller) drain(ctx context.Context, log *slog.Logger, req *messages.PrefillRequest) error {
	stream := mq.PrefillStream(req.SubscriptionName)
	subject := mq.PrefillSubject(req.SubscriptionName)
	if err := c.mq.EnsureStream(ctx, stream, subject); err != nil {
		return err
	}

	for _, rt := range req.RealmsTopics {
		objects, err := c.directory.ListObjects(ctx, rt.Topic)
		if err != nil {
			return fmt.Errorf("list %s objects: %w", rt.Topic, err)
		}
		log.Info("Draining topic into prefill stream", "realm", rt.Realm, "topic", rt.Topic, "objects", len(objects))
		for _, obj := range objects {
			msg := messages.Message{
				PublisherName: messages.PublisherUDMPreFill,
				TS:            time.Now().UTC(),
				Realm:         rt.Realm,
				Topic:         rt.Topic,
				Body: map[string]any{
					"old": nil,
					"new": obj,
				},
			}
			data, err := json.Marshal(&msg)
			if err != nil {
				return err
			}
			if _, err := c.mq.Publish(ctx, subject, data); err != nil {
				return fmt.Errorf("publish prefill message: %w", err)
			}
			metrics.PrefillObjects.WithLabelValues(req.SubscriptionName).Inc()
		}
	}
	return nil
}
