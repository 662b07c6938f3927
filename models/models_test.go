package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlEvent(t *testing.T) {
	tests := []struct {
		event    string
		name     string
		prefixed bool
		ok       bool
	}{
		{"subscribe", EventSubscribe, false, true},
		{"unsubscribe", EventUnsubscribe, false, true},
		{"pusher:subscribe", EventSubscribe, true, true},
		{"pusher:unsubscribe", EventUnsubscribe, true, true},
		{"editor.updated", "editor.updated", false, false},
		{"pusher:ping", "pusher:ping", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			name, prefixed, ok := ControlEvent(tt.event)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.prefixed, prefixed)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestAckEvent(t *testing.T) {
	assert.Equal(t, "subscription_succeeded", AckEvent(false))
	assert.Equal(t, "pusher_internal:subscription_succeeded", AckEvent(true))
	assert.True(t, IsAck(AckEvent(false)))
	assert.True(t, IsAck(AckEvent(true)))
	assert.False(t, IsAck("editor.updated"))
}

func TestChannelFromData(t *testing.T) {
	ch, err := ChannelFromData(json.RawMessage(`{"channel":"editor-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "editor-7", ch)

	ch, err = ChannelFromData(json.RawMessage(`"{\"channel\":\"editor-8\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "editor-8", ch)

	_, err = ChannelFromData(json.RawMessage(`[1,2`))
	assert.Error(t, err)
}

func TestUnwrapJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(UnwrapJSON(json.RawMessage(`"{\"a\":1}"`))))
	assert.Equal(t, `{"a":1}`, string(UnwrapJSON(json.RawMessage(`{"a":1}`))))
	// A plain string that is not itself JSON stays a string.
	assert.Equal(t, `"hello"`, string(UnwrapJSON(json.RawMessage(`"hello"`))))
}

func TestCanonicalContent(t *testing.T) {
	a, err := CanonicalContent(json.RawMessage(`{"type":"doc","content":[{"type":"text","text":"x"}]}`))
	require.NoError(t, err)
	b, err := CanonicalContent(json.RawMessage(` { "content" : [ {"text":"x","type":"text"} ], "type":"doc" } `))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	wrapped, err := CanonicalContent(json.RawMessage(`"{\"type\":\"doc\",\"content\":[{\"type\":\"text\",\"text\":\"x\"}]}"`))
	require.NoError(t, err)
	assert.Equal(t, a, wrapped)

	empty, err := CanonicalContent(nil)
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	_, err = CanonicalContent(json.RawMessage(`{"broken"`))
	assert.Error(t, err)
}

func TestPublishRequestFrames(t *testing.T) {
	req := PublishRequest{
		Name:     EventEditorUpdated,
		Channels: []string{"editor-1", "editor-2"},
		Data:     json.RawMessage(`{"document_id":"1"}`),
	}
	frames := req.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "editor-1", frames[0].Channel)
	assert.Equal(t, "editor-2", frames[1].Channel)
	assert.Equal(t, EventEditorUpdated, frames[1].Event)
}

func TestDocumentSnapshot(t *testing.T) {
	doc := Document{ID: "7", Title: "Doc", Content: json.RawMessage(`"{\"type\":\"doc\"}"`), UpdatedAt: 100}
	snap := doc.Snapshot()
	assert.Equal(t, int64(100), snap.Timestamp)
	assert.JSONEq(t, `{"type":"doc"}`, string(snap.Content))

	payload := doc.Payload()
	assert.Equal(t, "7", payload.DocumentID)
	assert.Equal(t, int64(100), payload.Timestamp)
	assert.Equal(t, "editor-7", ChannelForDocument(payload.DocumentID))
}
