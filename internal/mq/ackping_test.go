package mq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provbus/internal/mq"
	"provbus/internal/natstest"
)

func TestKeepInProgressStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := natstest.Start(t, time.Second)

	require.NoError(t, m.EnsureStream(ctx, "incoming", "incoming"))
	_, err := m.Publish(ctx, "incoming", []byte(`{"n":1}`))
	require.NoError(t, err)

	msgs, err := m.Fetch(ctx, "incoming", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Handlers stop the pinger on their error paths and again via defer;
	// the second call must be a no-op, not a panic.
	stop := mq.KeepInProgress(msgs[0], 100*time.Millisecond)
	stop()
	require.NotPanics(t, stop)
	require.NotPanics(t, stop)
	require.NoError(t, msgs[0].Ack())
}

func TestKeepInProgressExtendsDeadline(t *testing.T) {
	ctx := context.Background()
	m := natstest.Start(t, time.Second)

	require.NoError(t, m.EnsureStream(ctx, "incoming", "incoming"))
	_, err := m.Publish(ctx, "incoming", []byte(`{"n":1}`))
	require.NoError(t, err)

	msgs, err := m.Fetch(ctx, "incoming", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Pinged past two in-flight deadlines: no redelivery while held.
	stop := mq.KeepInProgress(msgs[0], 300*time.Millisecond)
	time.Sleep(2 * time.Second)
	redelivered, err := m.Fetch(ctx, "incoming", 1, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, redelivered)

	stop()
	require.NoError(t, msgs[0].Ack())
}
