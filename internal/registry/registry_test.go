package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/natstest"
	"provbus/internal/registry"
)

func newRegistry(t *testing.T) (*registry.Registry, *mq.MQ) {
	m := natstest.Start(t, time.Second)
	kv := natstest.OpenKV(t, m, "subscriptions")
	return registry.New(kv, m), m
}

func newSub(name string, prefill bool) *messages.NewSubscription {
	return &messages.NewSubscription{
		Name:           name,
		RealmsTopics:   []messages.RealmTopic{{Realm: "udm", Topic: "users/user"}},
		RequestPrefill: prefill,
		Password:       "secret",
	}
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, m := newRegistry(t)

	require.NoError(t, reg.Create(ctx, newSub("s1", false)))

	sub, err := reg.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sub.Name)
	assert.Equal(t, []messages.RealmTopic{{Realm: "udm", Topic: "users/user"}}, sub.RealmsTopics)
	assert.False(t, sub.RequestPrefill)
	assert.Equal(t, messages.PrefillDone, sub.PrefillQueueStatus)
	assert.NotEmpty(t, sub.PasswordHash)
	assert.NotEqual(t, "secret", sub.PasswordHash)
	assert.Empty(t, sub.Public().PasswordHash)

	// The live stream exists iff the record exists.
	exists, err := m.StreamExists(ctx, mq.LiveStream("s1"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, reg.Delete(ctx, "s1"))
	_, err = reg.Get(ctx, "s1")
	assert.ErrorIs(t, err, registry.ErrSubscriptionNotFound)
	exists, err = m.StreamExists(ctx, mq.LiveStream("s1"))
	require.NoError(t, err)
	assert.False(t, exists)

	err = reg.Delete(ctx, "s1")
	assert.ErrorIs(t, err, registry.ErrSubscriptionNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Create(ctx, newSub("s1", false)))
	err := reg.Create(ctx, newSub("s1", false))
	assert.ErrorIs(t, err, registry.ErrSubscriptionExists)
}

func TestCreateWithPrefill(t *testing.T) {
	ctx := context.Background()
	reg, m := newRegistry(t)

	require.NoError(t, m.EnsureStream(ctx, mq.PrefillJobsStream, mq.PrefillJobsSubject))
	require.NoError(t, reg.Create(ctx, newSub("s2", true)))

	sub, err := reg.Get(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, sub.RequestPrefill)
	assert.Equal(t, messages.PrefillPending, sub.PrefillQueueStatus)

	exists, err := m.StreamExists(ctx, mq.PrefillStream("s2"))
	require.NoError(t, err)
	assert.True(t, exists)

	// A pre-fill job was enqueued for the controller.
	jobs, err := m.Fetch(ctx, mq.PrefillJobsStream, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestIndexMaintenance(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	s1 := newSub("s1", false)
	s2 := newSub("s2", false)
	s2.RealmsTopics = append(s2.RealmsTopics, messages.RealmTopic{Realm: "udm", Topic: "groups/group"})
	require.NoError(t, reg.Create(ctx, s1))
	require.NoError(t, reg.Create(ctx, s2))

	snapshot, err := reg.IndexSnapshot(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, snapshot["udm:users/user"])
	assert.Equal(t, []string{"s2"}, snapshot["udm:groups/group"])

	require.NoError(t, reg.Delete(ctx, "s2"))
	snapshot, err = reg.IndexSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, snapshot["udm:users/user"])
	// Empty index entries are removed, not kept around.
	_, present := snapshot["udm:groups/group"]
	assert.False(t, present)
}

func TestSetPrefillStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	reg, m := newRegistry(t)

	require.NoError(t, m.EnsureStream(ctx, mq.PrefillJobsStream, mq.PrefillJobsSubject))
	require.NoError(t, reg.Create(ctx, newSub("s2", true)))

	require.NoError(t, reg.SetPrefillStatus(ctx, "s2", messages.PrefillRunning))
	err := reg.SetPrefillStatus(ctx, "s2", messages.PrefillPending)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	require.NoError(t, reg.SetPrefillStatus(ctx, "s2", messages.PrefillDone))
	err = reg.SetPrefillStatus(ctx, "s2", messages.PrefillFailed)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Create(ctx, newSub("s1", false)))

	assert.NoError(t, reg.Authenticate(ctx, "s1", "secret"))
	assert.ErrorIs(t, reg.Authenticate(ctx, "s1", "wrong"), registry.ErrBadCredentials)
	// Unknown subscriptions yield the same error as bad passwords.
	assert.ErrorIs(t, reg.Authenticate(ctx, "ghost", "secret"), registry.ErrBadCredentials)
}
