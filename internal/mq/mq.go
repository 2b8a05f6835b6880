package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrStreamNotFound is returned by Fetch when the requested stream does not
// exist. Callers that treat a missing stream as "no messages" check for it
// with errors.Is.
var ErrStreamNotFound = errors.New("mq: stream not found")

const defaultAckWait = 30 * time.Second

// Config holds the connection settings for one component's NATS client.
// Credentials are per component (dispatcher, events, prefill, api) so the
// server can be locked down per role.
type Config struct {
	URL           string
	User          string
	Password      string
	MaxReconnects int
	// Name shows up in NATS server monitoring per connection.
	Name string
	// AckWait is the in-flight deadline: a delivered message that is neither
	// acked nor nak'd within AckWait is redelivered.
	AckWait time.Duration
}

// MQ is the message-queue adapter: durable append-only streams with named
// consumers, pull fetch, push consume and per-message ack/nak/in-progress,
// backed by JetStream.
type MQ struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	ackWait time.Duration
}

// Connect dials the queue server and initializes the JetStream context.
func Connect(ctx context.Context, cfg Config) (*MQ, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	return &MQ{nc: nc, js: js, ackWait: ackWait}, nil
}

// FromConn wraps an existing connection. Used by tests running against an
// in-process server.
func FromConn(nc *nats.Conn, ackWait time.Duration) (*MQ, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	return &MQ{nc: nc, js: js, ackWait: ackWait}, nil
}

// Close drains the underlying connection.
func (m *MQ) Close() {
	if m.nc != nil {
		_ = m.nc.Drain()
	}
}

// AckWait returns the configured in-flight deadline.
func (m *MQ) AckWait() time.Duration { return m.ackWait }

// JetStream exposes the underlying context for the KV adapter.
func (m *MQ) JetStream() jetstream.JetStream { return m.js }

// EnsureStream creates the stream if it is absent. Idempotent: an existing
// stream with the same name is left untouched. Work-queue retention means a
// consumer ack removes the record from the stream.
func (m *MQ) EnsureStream(ctx context.Context, stream, subject string) error {
	_, err := m.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	return nil
}

// StreamExists reports whether the named stream is present.
func (m *MQ) StreamExists(ctx context.Context, stream string) (bool, error) {
	_, err := m.js.Stream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StreamMsgs returns the number of records the stream currently stores,
// counting delivered-but-unacknowledged ones. A missing stream counts as
// empty.
func (m *MQ) StreamMsgs(ctx context.Context, stream string) (uint64, error) {
	st, err := m.js.Stream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	info, err := st.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// DeleteStream removes a stream and all its messages. Deleting an absent
// stream is a no-op.
func (m *MQ) DeleteStream(ctx context.Context, stream string) error {
	err := m.js.DeleteStream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	return err
}

// Publish appends data to the stream owning subject and returns the assigned
// stream sequence number. At-least-once, totally ordered per stream.
func (m *MQ) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := m.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

// DeleteMsg removes one record from a stream by sequence number. Idempotent:
// an already-deleted or unknown sequence is silently absorbed so retrying
// clients converge.
func (m *MQ) DeleteMsg(ctx context.Context, stream string, seq uint64) error {
	st, err := m.js.Stream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = st.DeleteMsg(ctx, seq)
	if errors.Is(err, jetstream.ErrMsgNotFound) || errors.Is(err, jetstream.ErrMsgDeleteUnsuccessful) {
		return nil
	}
	return err
}

// consumer returns the durable consumer for a stream, creating it on first
// use. The durable name equals the stream name, so the cursor survives
// restarts.
func (m *MQ) consumer(ctx context.Context, stream string) (jetstream.Consumer, error) {
	st, err := m.js.Stream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, err
	}
	cons, err := st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   stream,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   m.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer on %s: %w", stream, err)
	}
	return cons, nil
}

// Fetch pulls up to batch messages from the stream's durable consumer,
// waiting at most timeout. On deadline it returns whatever arrived, possibly
// nothing; deadline expiry is not an error.
func (m *MQ) Fetch(ctx context.Context, stream string, batch int, timeout time.Duration) ([]*RawMessage, error) {
	cons, err := m.consumer(ctx, stream)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	res, err := cons.Fetch(batch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", stream, err)
	}
	var out []*RawMessage
	for msg := range res.Messages() {
		raw, err := wrap(stream, msg)
		if err != nil {
			slog.Warn("Dropping message without metadata", "stream", stream, "err", err)
			continue
		}
		out = append(out, raw)
	}
	if err := res.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch from %s: %w", stream, err)
	}
	return out, nil
}

// Consume starts a push-style durable subscription and invokes handler for
// every delivered message, one at a time. The returned stop function halts
// delivery; unacked in-flight messages redeliver after the deadline.
func (m *MQ) Consume(ctx context.Context, stream string, handler func(*RawMessage)) (func(), error) {
	cons, err := m.consumer(ctx, stream)
	if err != nil {
		return nil, err
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		raw, err := wrap(stream, msg)
		if err != nil {
			slog.Error("Message without metadata", "stream", stream, "err", err)
			_ = msg.Ack()
			return
		}
		handler(raw)
	}, jetstream.PullMaxMessages(1))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", stream, err)
	}
	return cc.Stop, nil
}

// RawMessage is one delivered stream record plus its ack handle.
type RawMessage struct {
	Stream       string
	Subject      string
	Seq          uint64
	NumDelivered uint64
	Data         []byte

	msg jetstream.Msg
}

func wrap(stream string, msg jetstream.Msg) (*RawMessage, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	return &RawMessage{
		Stream:       stream,
		Subject:      msg.Subject(),
		Seq:          meta.Sequence.Stream,
		NumDelivered: meta.NumDelivered,
		Data:         msg.Data(),
		msg:          msg,
	}, nil
}

// Ack confirms processing. Double-ack is silently absorbed.
func (r *RawMessage) Ack() error {
	err := r.msg.Ack()
	if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return nil
	}
	return err
}

// AckSync confirms processing and waits until the server has registered the
// ack, so on return the record is gone from a work-queue stream. Double-ack
// is silently absorbed.
func (r *RawMessage) AckSync(ctx context.Context) error {
	err := r.msg.DoubleAck(ctx)
	if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return nil
	}
	return err
}

// Nak asks for immediate redelivery.
func (r *RawMessage) Nak() error { return r.msg.Nak() }

// InProgress extends the in-flight deadline without consuming the message.
func (r *RawMessage) InProgress() error { return r.msg.InProgress() }
