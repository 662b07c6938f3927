package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/quire/config"
	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.GenerateConfig().Relay
	r, err := New(ctx, testLogger(), &cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		cancel()
		r.Close()
		srv.Close()
	})
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame models.Frame
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, msg, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", msg)
}

func subscribe(t *testing.T, conn *websocket.Conn, event, channel string) models.Frame {
	t.Helper()
	data, err := json.Marshal(models.ChannelData{Channel: channel})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Frame{Event: event, Data: data}))
	return readFrame(t, conn)
}

func TestRelaySubscribeAcknowledges(t *testing.T) {
	_, srv := newTestRelay(t)

	plain := dial(t, srv, "/ws")
	ack := subscribe(t, plain, models.EventSubscribe, "editor-1")
	assert.Equal(t, models.EventSubscriptionSucceeded, ack.Event)
	assert.Equal(t, "editor-1", ack.Channel)

	pusher := dial(t, srv, "/app/local")
	ack = subscribe(t, pusher, "pusher:subscribe", "editor-1")
	assert.Equal(t, "pusher_internal:subscription_succeeded", ack.Event)
	assert.Equal(t, "editor-1", ack.Channel)
}

func TestRelayClientEventSkipsSender(t *testing.T) {
	r, srv := newTestRelay(t)

	a := dial(t, srv, "/ws")
	b := dial(t, srv, "/ws")
	c := dial(t, srv, "/ws")
	for _, conn := range []*websocket.Conn{a, b, c} {
		subscribe(t, conn, models.EventSubscribe, "editor-7")
	}
	require.Len(t, r.Registry().Subscribers("editor-7"), 3)

	raw := `{"event":"client-cursor","channel":"editor-7","data":{"x":1}}`
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(raw)))

	for _, conn := range []*websocket.Conn{a, c} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(msg))
	}
	expectNoFrame(t, b)
}

func TestRelayMalformedFrameKeepsConnection(t *testing.T) {
	_, srv := newTestRelay(t)

	conn := dial(t, srv, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"editor-1"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"client-x"}`)))

	ack := subscribe(t, conn, models.EventSubscribe, "editor-1")
	assert.Equal(t, models.EventSubscriptionSucceeded, ack.Event)
}

func TestRelayIngressReachesSubscribers(t *testing.T) {
	_, srv := newTestRelay(t)

	one := dial(t, srv, "/ws")
	two := dial(t, srv, "/ws")
	subscribe(t, one, models.EventSubscribe, "editor-1")
	subscribe(t, two, models.EventSubscribe, "editor-2")

	body := `{"name":"editor.updated","channels":"editor-1,editor-2","data":"{\"document_id\":\"1\",\"timestamp\":100}"}`
	resp, err := http.Post(srv.URL+"/apps/local/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for channel, conn := range map[string]*websocket.Conn{"editor-1": one, "editor-2": two} {
		frame := readFrame(t, conn)
		assert.Equal(t, models.EventEditorUpdated, frame.Event)
		assert.Equal(t, channel, frame.Channel)

		var payload models.DocumentPayload
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.Equal(t, "1", payload.DocumentID)
		assert.Equal(t, int64(100), payload.Timestamp)
	}
}

func TestRelayUnsubscribeAndDisconnect(t *testing.T) {
	r, srv := newTestRelay(t)

	a := dial(t, srv, "/ws")
	b := dial(t, srv, "/ws")
	subscribe(t, a, models.EventSubscribe, "editor-1")
	subscribe(t, a, models.EventSubscribe, "editor-2")
	subscribe(t, b, models.EventSubscribe, "editor-2")

	data, _ := json.Marshal(models.ChannelData{Channel: "editor-1"})
	require.NoError(t, a.WriteJSON(models.Frame{Event: models.EventUnsubscribe, Data: data}))
	require.Eventually(t, func() bool {
		return len(r.Registry().Subscribers("editor-1")) == 0
	}, time.Second, 10*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool {
		return len(r.Registry().Subscribers("editor-2")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Stats{Connections: 1, Channels: 1}, r.Registry().Stats())
}

func TestRelayHTTPSurface(t *testing.T) {
	_, srv := newTestRelay(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn := dial(t, srv, "/")
	subscribe(t, conn, models.EventSubscribe, "editor-3")

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, Stats{Connections: 1, Channels: 1}, stats)
}

func TestRelayConnectionCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.GenerateConfig().Relay
	cfg.Sessions.MaxConnections = 1
	r, err := New(ctx, testLogger(), &cfg)
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	dial(t, srv, "/ws")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
