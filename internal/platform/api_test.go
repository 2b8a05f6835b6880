package platform_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provbus/internal/consumer"
	"provbus/internal/dispatch"
	"provbus/internal/messages"
	"provbus/internal/mq"
	"provbus/internal/natstest"
	"provbus/internal/platform"
	"provbus/internal/platform/metrics"
	"provbus/internal/registry"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

var (
	adminCreds = platform.Credentials{User: "admin", Password: "adminpw"}
	eventCreds = platform.Credentials{User: "udm-listener", Password: "eventpw"}
)

type fixture struct {
	mq  *mq.MQ
	kv  *mq.KV
	reg *registry.Registry
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	m := natstest.Start(t, time.Second)
	kv := natstest.OpenKV(t, m, "subscriptions")
	reg := registry.New(kv, m)

	ctx := context.Background()
	require.NoError(t, m.EnsureStream(ctx, mq.IncomingStream, mq.IncomingSubject))
	require.NoError(t, m.EnsureStream(ctx, mq.PrefillJobsStream, mq.PrefillJobsSubject))

	api := platform.NewAPI(reg, consumer.NewService(m, reg), m, adminCreds, eventCreds)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &fixture{mq: m, kv: kv, reg: reg, srv: srv}
}

// startDispatcher runs the fan-out loop; call it after the subscriptions it
// should cover exist.
func (f *fixture) startDispatcher(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := dispatch.New(f.mq, f.kv, f.reg)
	go func() { _ = d.Run(ctx) }()
}

func (f *fixture) do(t *testing.T, method, path string, creds *platform.Credentials, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, buf)
	require.NoError(t, err)
	if creds != nil {
		req.SetBasicAuth(creds.User, creds.Password)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func newSubBody(name string, prefill bool) map[string]any {
	return map[string]any{
		"name":            name,
		"realms_topics":   [][]string{{"udm", "users/user"}},
		"request_prefill": prefill,
		"password":        "subpw",
	}
}

func eventBody(dn string) map[string]any {
	return map[string]any{
		"publisher_name": "udm-listener",
		"realm":          "udm",
		"topic":          "users/user",
		"body":           map[string]any{"old": nil, "new": map[string]any{"dn": dn}},
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", nil, newSubBody("s1", false))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, map[string]any{"name": "bad name!"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// The subscription reads itself with its own credentials.
	own := platform.Credentials{User: "s1", Password: "subpw"}
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1", &own, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "s1", sub["name"])
	assert.NotContains(t, sub, "password_hash")

	// The admin listing covers every record, hashes stripped.
	resp = f.do(t, http.MethodGet, "/internal/admin/v1/subscriptions", &adminCreds, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	subs := decodeBody[[]messages.Subscription](t, resp)
	require.Len(t, subs, 1)
	assert.Equal(t, "s1", subs[0].Name)
	assert.Empty(t, subs[0].PasswordHash)
	resp = f.do(t, http.MethodGet, "/internal/admin/v1/subscriptions", &own, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// One subscription cannot read another.
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s2", &own, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/subscriptions/ghost", &adminCreds, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/subscriptions/s1", &adminCreds, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1", &adminCreds, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventIngressValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/events", nil, eventBody("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := platform.Credentials{User: "udm-listener", Password: "wrong"}
	resp = f.do(t, http.MethodPost, "/v1/events", &bad, eventBody("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/events", &eventCreds, map[string]any{"realm": "udm"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// A string body violates the envelope schema.
	ev := eventBody("x")
	ev["body"] = "not an object"
	resp = f.do(t, http.MethodPost, "/v1/events", &eventCreds, ev)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/events", &eventCreds, eventBody("x"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEventFanOutToConsumer(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.startDispatcher(t)

	resp = f.do(t, http.MethodPost, "/v1/events", &eventCreds, eventBody("uid=alice"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	own := platform.Credentials{User: "s1", Password: "subpw"}
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1/messages?count=1&timeout=5&pop=true", &own, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]messages.ProvisioningMessage](t, resp)
	require.Len(t, msgs, 1)
	assert.Equal(t, "users/user", msgs[0].Topic)
	assert.Equal(t, "uid=alice", msgs[0].Body["new"].(map[string]any)["dn"])
	assert.False(t, msgs[0].TS.IsZero())
}

func TestMessagesStatusAckFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Bypass the dispatcher and write straight into the live stream.
	data, err := json.Marshal(&messages.Message{
		PublisherName: messages.PublisherUDMListener,
		TS:            time.Now().UTC(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          map[string]any{"new": map[string]any{"dn": "x"}},
	})
	require.NoError(t, err)
	_, err = f.mq.Publish(ctx, mq.LiveSubject("s1"), data)
	require.NoError(t, err)

	own := platform.Credentials{User: "s1", Password: "subpw"}
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1/messages?timeout=5", &own, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]messages.ProvisioningMessage](t, resp)
	require.Len(t, msgs, 1)

	report := map[string]any{
		"status":          "ok",
		"message_seq_num": msgs[0].SequenceNumber,
		"publisher_name":  msgs[0].PublisherName,
	}
	resp = f.do(t, http.MethodPost, "/v1/subscriptions/s1/messages-status", &own, []any{report})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 1, result["processed"])

	// A single bare report object is accepted too.
	resp = f.do(t, http.MethodPost, "/v1/subscriptions/s1/messages-status", &own, report)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/subscriptions/s1/messages-status", &own, map[string]any{"status": "maybe"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Acked for real: nothing comes back after the in-flight deadline.
	time.Sleep(1500 * time.Millisecond)
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1/messages?timeout=1", &own, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs = decodeBody[[]messages.ProvisioningMessage](t, resp)
	assert.Empty(t, msgs)
}

func TestMessagesPrefillFailedIs503(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s2", true))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, f.reg.SetPrefillStatus(ctx, "s2", messages.PrefillRunning))
	require.NoError(t, f.reg.SetPrefillStatus(ctx, "s2", messages.PrefillFailed))

	own := platform.Credentials{User: "s2", Password: "subpw"}
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s2/messages", &own, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMessagesQueryValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	own := platform.Credentials{User: "s1", Password: "subpw"}
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1/messages?count=0", &own, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/subscriptions/s1/messages?timeout=-1", &own, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWebSocketDeliveryAndAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data, err := json.Marshal(&messages.Message{
		PublisherName: messages.PublisherUDMListener,
		TS:            time.Now().UTC(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          map[string]any{"new": map[string]any{"dn": "ws"}},
	})
	require.NoError(t, err)
	_, err = f.mq.Publish(ctx, mq.LiveSubject("s1"), data)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/subscriptions/s1/ws"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("s1:subpw")))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var msg messages.ProvisioningMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ws", msg.Body["new"].(map[string]any)["dn"])

	require.NoError(t, conn.WriteJSON(messages.StatusReport{
		Status:        messages.StatusOK,
		MessageSeqNum: msg.SequenceNumber,
		PublisherName: msg.PublisherName,
	}))

	// The ack removed the message; the queue drains to empty.
	require.Eventually(t, func() bool {
		raws, err := f.mq.Fetch(ctx, mq.LiveStream("s1"), 1, 200*time.Millisecond)
		if err != nil {
			return false
		}
		for _, raw := range raws {
			_ = raw.Nak()
		}
		return len(raws) == 0
	}, 10*time.Second, 200*time.Millisecond)
}

func TestWebSocketRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/internal/admin/v1/subscriptions", &adminCreds, newSubBody("s1", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/subscriptions/s1/ws"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("s1:wrong")))

	_, resp2, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
