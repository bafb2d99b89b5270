package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabil/orka/pkg/statestore"
)

type bridgeFixture struct {
	store  *statestore.MemoryStore
	server *Server
	ts     *httptest.Server
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	store := statestore.NewMemoryStore()
	s, err := NewServer(Config{Port: 1, Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &bridgeFixture{store: store, server: s, ts: ts}
}

func (f *bridgeFixture) dial(t *testing.T, workerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/" + workerID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Store: statestore.NewMemoryStore(), Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8080, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestWorkerIdentityParsing(t *testing.T) {
	identity, err := workerIdentity("/ws/w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", identity.WorkerID)
	assert.Equal(t, statestore.KindAgent, identity.Kind)

	_, err = workerIdentity("/ws/")
	assert.Error(t, err)

	_, err = workerIdentity("/ws/w1/extra")
	assert.Error(t, err)
}

func TestClientSeesWorkerOutput(t *testing.T) {
	f := newBridgeFixture(t)
	conn := f.dial(t, "w1")

	identity, err := statestore.NewIdentity("w1", statestore.KindAgent)
	require.NoError(t, err)

	// Give the hub subscription time to attach before publishing.
	require.Eventually(t, func() bool { return f.server.HubCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.Publish(context.Background(), identity.OutputChannel(), []byte(`{"content":"hi"}`)))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi"}`, string(payload))
}

func TestClientFramePublishedToInput(t *testing.T) {
	f := newBridgeFixture(t)

	identity, err := statestore.NewIdentity("w1", statestore.KindAgent)
	require.NoError(t, err)

	sub, err := f.store.Subscribe(context.Background(), identity.InputChannel())
	require.NoError(t, err)
	defer sub.Close()

	conn := f.dial(t, "w1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"question"}`)))

	msg, err := sub.Receive(context.Background(), 3*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"question"}`, string(msg.Payload))
}

func TestSharedSubscriptionRefcounting(t *testing.T) {
	f := newBridgeFixture(t)

	c1 := f.dial(t, "w1")
	require.Eventually(t, func() bool { return f.server.HubCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// Second client for the same worker shares the hub.
	c2 := f.dial(t, "w1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.server.HubCount())

	// A different worker gets its own.
	f.dial(t, "w2")
	require.Eventually(t, func() bool { return f.server.HubCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	c1.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.server.HubCount())

	c2.Close()
	require.Eventually(t, func() bool { return f.server.HubCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRejectsBadPaths(t *testing.T) {
	f := newBridgeFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}
}
