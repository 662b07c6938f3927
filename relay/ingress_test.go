package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChannels(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"array", `["editor-1","editor-2"]`, []string{"editor-1", "editor-2"}},
		{"single string", `"editor-1"`, []string{"editor-1"}},
		{"comma string", `"editor-1,editor-2"`, []string{"editor-1", "editor-2"}},
		{"comma string with spaces", `" editor-1 , editor-2 ,"`, []string{"editor-1", "editor-2"}},
		{"string holding array", `"[\"editor-1\",\"editor-2\"]"`, []string{"editor-1", "editor-2"}},
		{"duplicates", `["a","b","a"]`, []string{"a", "b"}},
		{"empty", ``, nil},
		{"number", `42`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeChannels(json.RawMessage(tt.raw))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePublishRequestJSON(t *testing.T) {
	body := `{"name":"editor.updated","channels":"editor-1,editor-2","data":"{\"document_id\":\"1\",\"timestamp\":5}","socket_id":"abc"}`
	req, err := ParsePublishRequest("application/json", []byte(body))
	require.NoError(t, err)

	assert.Equal(t, "editor.updated", req.Name)
	assert.Equal(t, []string{"editor-1", "editor-2"}, req.Channels)
	assert.Equal(t, "abc", req.SocketID)
	assert.JSONEq(t, `{"document_id":"1","timestamp":5}`, string(req.Data))
}

func TestParsePublishRequestAliases(t *testing.T) {
	req, err := ParsePublishRequest("application/json", []byte(`{"event":"ping","channel":"editor-9","payload":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Name)
	assert.Equal(t, []string{"editor-9"}, req.Channels)
	assert.JSONEq(t, `{"n":1}`, string(req.Data))

	// Without a data field the whole body is forwarded.
	body := `{"name":"ping","channels":["editor-9"],"extra":true}`
	req, err = ParsePublishRequest("", []byte(body))
	require.NoError(t, err)
	assert.JSONEq(t, body, string(req.Data))
}

func TestParsePublishRequestForm(t *testing.T) {
	values := url.Values{}
	values.Set("name", "editor.updated")
	values.Set("channels", "editor-1,editor-2")
	values.Set("data", `{"title":"hi"}`)

	req, err := ParsePublishRequest("application/x-www-form-urlencoded", []byte(values.Encode()))
	require.NoError(t, err)
	assert.Equal(t, "editor.updated", req.Name)
	assert.Equal(t, []string{"editor-1", "editor-2"}, req.Channels)
	assert.JSONEq(t, `{"title":"hi"}`, string(req.Data))

	// Plain text data becomes a JSON string.
	values.Set("data", "hello")
	req, err = ParsePublishRequest("application/x-www-form-urlencoded; charset=utf-8", []byte(values.Encode()))
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(req.Data))

	// Query-string body without content type.
	req, err = ParsePublishRequest("", []byte("event=ping&channel=editor-3"))
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Name)
	assert.Equal(t, []string{"editor-3"}, req.Channels)
	assert.Equal(t, "null", string(req.Data))
}

func TestParsePublishRequestMultipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "editor.updated"))
	require.NoError(t, mw.WriteField("channels", `["editor-4"]`))
	require.NoError(t, mw.WriteField("data", `{"k":"v"}`))
	require.NoError(t, mw.Close())

	req, err := ParsePublishRequest(mw.FormDataContentType(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "editor.updated", req.Name)
	assert.Equal(t, []string{"editor-4"}, req.Channels)
	assert.JSONEq(t, `{"k":"v"}`, string(req.Data))

	_, err = ParsePublishRequest("multipart/form-data", buf.Bytes())
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestParsePublishRequestRejects(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        error
	}{
		{"garbage", "application/json", "}{not json", ErrMalformedBody},
		{"missing event", "application/json", `{"channels":["a"]}`, ErrEventRequired},
		{"missing channels", "application/json", `{"name":"x"}`, ErrNoChannels},
		{"empty channel list", "application/json", `{"name":"x","channels":[]}`, ErrNoChannels},
		{"form without fields", "application/x-www-form-urlencoded", "foo=bar", ErrMalformedBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublishRequest(tt.contentType, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func newIngressRouter(in *Ingress) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/apps/{app}/events", in)
	router.Handle("/events", in)
	return router
}

func TestIngressServeHTTP(t *testing.T) {
	a, b := newMockSubscriber("a"), newMockSubscriber("b")
	registry := newTestRegistry(a, b)
	require.NoError(t, registry.Subscribe(a, "editor-1", nil))
	require.NoError(t, registry.Subscribe(b, "editor-2", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := NewIngress(testLogger(), registry, 8, "local")
	in.Start(ctx)
	router := newIngressRouter(in)

	body := `{"name":"editor.updated","channels":"editor-1,editor-2","data":{"document_id":"1"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps/local/events", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return len(a.getMessages()) == 1 && len(b.getMessages()) == 1
	}, time.Second, 10*time.Millisecond)

	var frame models.Frame
	require.NoError(t, json.Unmarshal([]byte(a.getMessages()[0]), &frame))
	assert.Equal(t, "editor.updated", frame.Event)
	assert.Equal(t, "editor-1", frame.Channel)
	assert.JSONEq(t, `{"document_id":"1"}`, string(frame.Data))

	require.NoError(t, json.Unmarshal([]byte(b.getMessages()[0]), &frame))
	assert.Equal(t, "editor-2", frame.Channel)
}

func TestIngressServeHTTPErrors(t *testing.T) {
	registry := newTestRegistry()
	in := NewIngress(testLogger(), registry, 1, "local")
	router := newIngressRouter(in)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps/other/events", strings.NewReader(`{"name":"x","channels":"a"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// The dispatcher is not running, so the second request finds the queue full.
	body := `{"name":"x","channels":"a"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngressDispatchExcludesSocket(t *testing.T) {
	a, b, c := newMockSubscriber("a"), newMockSubscriber("b"), newMockSubscriber("c")
	registry := newTestRegistry(a, b, c)
	for _, s := range []*mockSubscriber{a, b, c} {
		require.NoError(t, registry.Subscribe(s, "editor-1", nil))
	}
	in := NewIngress(testLogger(), registry, 4, "")

	id, err := in.Submit(models.PublishRequest{
		Name:     "editor.updated",
		Channels: []string{"editor-1"},
		Data:     json.RawMessage(`{}`),
		SocketID: "b",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id.String())

	in.dispatch(<-in.queue)
	assert.Len(t, a.getMessages(), 1)
	assert.Empty(t, b.getMessages())
	assert.Len(t, c.getMessages(), 1)
}

func TestIngressKeepsOrderPerChannel(t *testing.T) {
	a := newMockSubscriber("a")
	registry := newTestRegistry(a)
	require.NoError(t, registry.Subscribe(a, "editor-1", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := NewIngress(testLogger(), registry, 64, "")
	in.Start(ctx)

	for i := 0; i < 20; i++ {
		_, err := in.Submit(models.PublishRequest{
			Name:     "tick",
			Channels: []string{"editor-1"},
			Data:     json.RawMessage(strings.Repeat("1", i+1)),
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(a.getMessages()) == 20 }, time.Second, 10*time.Millisecond)
	for i, msg := range a.getMessages() {
		var frame models.Frame
		require.NoError(t, json.Unmarshal([]byte(msg), &frame))
		assert.Equal(t, strings.Repeat("1", i+1), string(frame.Data))
	}
}
