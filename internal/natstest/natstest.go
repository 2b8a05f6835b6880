// Package natstest starts in-process NATS servers with JetStream for
// integration tests.
package natstest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"provbus/internal/mq"
)

// Start runs a fresh in-memory, in-process NATS server with JetStream and
// returns a queue adapter connected to it. Everything is torn down with the
// test.
func Start(t testing.TB, ackWait time.Duration) *mq.MQ {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		ServerName: "provbus_test",
		DontListen: true,
		JetStream:  true,
		StoreDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start test NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		t.Fatalf("connect to test NATS server: %v", err)
	}
	t.Cleanup(nc.Close)

	m, err := mq.FromConn(nc, ackWait)
	if err != nil {
		t.Fatalf("jetstream context: %v", err)
	}
	return m
}

// OpenKV opens a KV bucket on the test server.
func OpenKV(t testing.TB, m *mq.MQ, bucket string) *mq.KV {
	t.Helper()
	kv, err := mq.OpenKV(context.Background(), m, bucket)
	if err != nil {
		t.Fatalf("open KV bucket: %v", err)
	}
	return kv
}
