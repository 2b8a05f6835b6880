package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/registry"
)

// ErrPrefillFailed is returned when the subscription's pre-fill ended in the
// failed state. The administrator has to repair the subscription before
// delivery can resume.
var ErrPrefillFailed = errors.New("consumer: prefill failed for this subscription")

// Service serves consumer fetches across a subscription's pre-fill and live
// streams, draining the pre-fill backlog before any live message becomes
// visible.
type Service struct {
	mq       *mq.MQ
	registry *registry.Registry
	log      *slog.Logger
}

func NewService(queue *mq.MQ, reg *registry.Registry) *Service {
	return &Service{mq: queue, registry: reg, log: slog.Default()}
}

// GetMessages returns between 0 and count envelopes for the subscription.
// With pop=true the messages are acked before they are returned; a crash
// between ack and the client reading the response loses them, which is the
// documented at-least-once trade-off. With pop=false the messages stay
// in-flight until the consumer posts a status report or the deadline lapses.
func (s *Service) GetMessages(ctx context.Context, name string, count int, timeout time.Duration, pop, skipPrefill bool) ([]*messages.ProvisioningMessage, error) {
	sub, err := s.registry.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if sub.PrefillQueueStatus == messages.PrefillFailed {
		return nil, ErrPrefillFailed
	}
	if count < 1 {
		count = 1
	}

	prefillStream := mq.PrefillStream(name)
	prefillExists, err := s.mq.StreamExists(ctx, prefillStream)
	if err != nil {
		return nil, err
	}

	var raws []*mq.RawMessage
	fromPrefill := false
	switch {
	case prefillExists && sub.PrefillQueueStatus == messages.PrefillDone && !skipPrefill:
		fromPrefill = true
		raws, err = s.fetch(ctx, prefillStream, count, timeout)
		if err != nil {
			return nil, err
		}
		if len(raws) < count {
			live, err := s.fetch(ctx, mq.LiveStream(name), count-len(raws), timeout)
			if err != nil {
				return nil, err
			}
			raws = append(raws, live...)
		}
	case sub.PrefillQueueStatus == messages.PrefillDone || skipPrefill:
		raws, err = s.fetch(ctx, mq.LiveStream(name), count, timeout)
		if err != nil {
			return nil, err
		}
	default:
		// pending or running: live delivery is blocked until the pre-fill
		// finishes.
		return nil, nil
	}

	out := make([]*messages.ProvisioningMessage, 0, len(raws))
	for _, raw := range raws {
		if pop {
			// Synchronous, so the emptiness check below sees the removal.
			if err := raw.AckSync(ctx); err != nil {
				return nil, fmt.Errorf("ack %s seq %d: %w", raw.Stream, raw.Seq, err)
			}
		}
		var msg messages.Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			s.log.Error("Skipping undecodable message", "stream", raw.Stream, "seq", raw.Seq, "err", err)
			continue
		}
		out = append(out, &messages.ProvisioningMessage{
			Message:        msg,
			SequenceNumber: raw.Seq,
			NumDelivered:   raw.NumDelivered,
		})
	}

	if fromPrefill && pop {
		// A short fetch alone does not mean the backlog is drained: records
		// delivered under pop=false stay stored until acked and must survive.
		// Only a verifiably empty stream is removed.
		stored, err := s.mq.StreamMsgs(ctx, prefillStream)
		if err != nil {
			return nil, err
		}
		if stored == 0 {
			s.log.Info("Prefill stream drained, removing it", "subscription", name)
			if err := s.mq.DeleteStream(ctx, prefillStream); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// fetch pulls from one stream, treating a concurrently deleted stream as
// empty.
func (s *Service) fetch(ctx context.Context, stream string, count int, timeout time.Duration) ([]*mq.RawMessage, error) {
	raws, err := s.mq.Fetch(ctx, stream, count, timeout)
	if errors.Is(err, mq.ErrStreamNotFound) {
		return nil, nil
	}
	return raws, err
}

// RemoveMessages applies consumer status reports. Status "ok" deletes the
// referenced record from the stream chosen by the report's publisher name;
// any other status leaves the message for redelivery. Unknown sequence
// numbers are absorbed so retrying clients converge.
func (s *Service) RemoveMessages(ctx context.Context, name string, reports []messages.StatusReport) error {
	for _, report := range reports {
		if err := report.Validate(); err != nil {
			return err
		}
		if report.Status != messages.StatusOK {
			s.log.Debug("Consumer reported processing failure, leaving message for redelivery",
				"subscription", name, "seq", report.MessageSeqNum)
			continue
		}
		stream := mq.LiveStream(name)
		if report.PublisherName == messages.PublisherUDMPreFill {
			stream = mq.PrefillStream(name)
		}
		if err := s.mq.DeleteMsg(ctx, stream, report.MessageSeqNum); err != nil {
			return fmt.Errorf("delete %s seq %d: %w", stream, report.MessageSeqNum, err)
		}
	}
	return nil
}
