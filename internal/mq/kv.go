package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// KV key layout inside the subscriptions bucket. NATS KV keys cannot contain
// ':', so the realm:topic composite is encoded with '.' separators; realms
// never contain '.', topics may contain '/'.
const (
	SubscriptionKeyPrefix = "subscription."
	IndexKeyPrefix        = "index."

	// Watch pattern for the dispatcher, historical-first then live-tailing.
	IndexWatchPattern = "index.>"
)

// SubscriptionKey returns the KV key holding a subscription record.
func SubscriptionKey(name string) string {
	return SubscriptionKeyPrefix + name
}

// IndexKey returns the KV key of the index entry for one realm:topic pair.
func IndexKey(realm, topic string) string {
	return IndexKeyPrefix + realm + "." + topic
}

// RoutingKeyFromIndexKey recovers the "realm:topic" composite from an index
// KV key. Returns false for keys outside the index prefix.
func RoutingKeyFromIndexKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, IndexKeyPrefix)
	if !ok {
		return "", false
	}
	realm, topic, ok := strings.Cut(rest, ".")
	if !ok {
		return "", false
	}
	return realm + ":" + topic, true
}

// KV is the versioned key->bytes adapter with per-key watch, backed by a
// JetStream key-value bucket.
type KV struct {
	kv jetstream.KeyValue
}

// OpenKV creates or opens the named bucket.
func OpenKV(ctx context.Context, m *MQ, bucket string) (*KV, error) {
	kv, err := m.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open KV bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

// Get returns the value under key and whether it exists.
func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Put stores value under key, overwriting any previous revision.
func (k *KV) Put(ctx context.Context, key string, value []byte) error {
	_, err := k.kv.Put(ctx, key, value)
	return err
}

// Delete removes key. Deleting an absent key is a no-op.
func (k *KV) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists all keys with the given prefix. An empty bucket yields an empty
// slice.
func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch starts a watcher on all keys matching pattern. The watcher first
// replays current values, then signals the end of the replay with a nil
// update, then tails live changes until the context ends.
func (k *KV) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	return k.kv.Watch(ctx, pattern)
}
