package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annexe/internal/config"
	"annexe/internal/engine/auth"
)

type delivery struct {
	header http.Header
	raw    []byte
	body   webhookEvent
}

// receiver answers with queued statuses first, then with status.
type receiver struct {
	mu     sync.Mutex
	got    []delivery
	queue  []int
	status int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	data, _ := io.ReadAll(req.Body)
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	r.mu.Lock()
	r.got = append(r.got, delivery{header: req.Header.Clone(), raw: data, body: evt})
	status := r.status
	if len(r.queue) > 0 {
		status, r.queue = r.queue[0], r.queue[1:]
	}
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (r *receiver) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func newHookDispatcher(t *testing.T, s *testServer, hooks ...config.WebhookConfig) *webhookDispatcher {
	t.Helper()
	d := newWebhookDispatcher(s.Engine, hooks, nil)
	d.retryInterval = 5 * time.Millisecond
	return d
}

var gm = auth.Actor{ID: "gm", Roles: []string{"admin"}}

func TestWebhookDispatchesNewEvents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Engine.CreateVillage(ctx, gm, "Konoha")
	require.NoError(t, err)

	rcv := &receiver{}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	d := newHookDispatcher(t, s, config.WebhookConfig{
		URL:    hook.URL,
		Events: []string{"village.created"},
		Secret: "s3cret",
	})

	// Events that predate the dispatcher are not replayed.
	d.dispatchAll(ctx)
	assert.Empty(t, rcv.deliveries())

	_, err = s.Engine.CreateVillage(ctx, gm, "Suna")
	require.NoError(t, err)
	_, _, err = s.Engine.CreateAPIKey(ctx, gm, "bot", "")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := rcv.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "village.created", got[0].header.Get("X-Annexe-Event"))
	assert.Equal(t, signPayload("s3cret", got[0].raw), got[0].header.Get("X-Annexe-Signature"))
	assert.NotEmpty(t, got[0].header.Get("X-Annexe-Delivery"))
	assert.Equal(t, "gm", got[0].body.ActorID)

	d.dispatchAll(ctx)
	assert.Len(t, rcv.deliveries(), 1)
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	rcv := &receiver{}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	d := newHookDispatcher(t, s, config.WebhookConfig{URL: hook.URL})
	d.dispatchAll(ctx)
	_, err := s.Engine.CreateVillage(ctx, gm, "Taki")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := rcv.deliveries()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].header.Get("X-Annexe-Signature"))
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rcv := &receiver{queue: []int{http.StatusBadGateway}}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	d := newHookDispatcher(t, s, config.WebhookConfig{URL: hook.URL})
	d.dispatchAll(ctx)

	_, err := s.Engine.CreateVillage(ctx, gm, "Kiri")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := rcv.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].body.ID, got[1].body.ID)
	assert.Equal(t, got[0].header.Get("X-Annexe-Delivery"), got[1].header.Get("X-Annexe-Delivery"))
	assert.Equal(t, got[1].body.ID, d.targets[0].cursor)
}

func TestWebhookHoldsCursorWhenRetriesRunOut(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rcv := &receiver{status: http.StatusServiceUnavailable}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	d := newHookDispatcher(t, s, config.WebhookConfig{URL: hook.URL, MaxTries: 2})
	d.dispatchAll(ctx)
	before := d.targets[0].cursor

	_, err := s.Engine.CreateVillage(ctx, gm, "Ame")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	assert.Len(t, rcv.deliveries(), 2)
	assert.Equal(t, before, d.targets[0].cursor)

	rcv.mu.Lock()
	rcv.status = http.StatusOK
	rcv.mu.Unlock()
	d.dispatchAll(ctx)

	got := rcv.deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, got[0].body.ID, got[2].body.ID)
	assert.Equal(t, got[2].body.ID, d.targets[0].cursor)
}

func TestWebhookDropsRejectedEvent(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rcv := &receiver{queue: []int{http.StatusBadRequest}}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	d := newHookDispatcher(t, s, config.WebhookConfig{URL: hook.URL})
	d.dispatchAll(ctx)

	_, err := s.Engine.CreateVillage(ctx, gm, "Kusa")
	require.NoError(t, err)
	_, err = s.Engine.CreateVillage(ctx, gm, "Oto")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := rcv.deliveries()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].body.ID, got[1].body.ID)

	d.dispatchAll(ctx)
	assert.Len(t, rcv.deliveries(), 2)
}

func TestDisabledWebhookIsSkipped(t *testing.T) {
	s := newTestServer(t)
	rcv := &receiver{}
	hook := httptest.NewServer(rcv)
	t.Cleanup(hook.Close)

	off := false
	d := newHookDispatcher(t, s, config.WebhookConfig{URL: hook.URL, Enabled: &off})
	assert.Empty(t, d.targets)
	d.dispatchAll(context.Background())
	_, err := s.Engine.CreateVillage(context.Background(), gm, "Iwa")
	require.NoError(t, err)
	d.dispatchAll(context.Background())
	assert.Empty(t, rcv.deliveries())
}
