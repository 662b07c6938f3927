package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

/*
	Document shapes shared by the origin server, the relay payloads and the sync
	agent. Content is an opaque structured value produced by the editing
	surface; it is only ever compared by its canonical serialization.
*/

const (
	EventEditorUpdated = "editor.updated"
	ChannelPrefix      = "editor-"
)

// ChannelForDocument derives the broadcast channel of a document.
func ChannelForDocument(documentID string) string {
	return ChannelPrefix + documentID
}

// DocumentPayload is the data of an editor.updated relay event.
type DocumentPayload struct {
	DocumentID   string          `json:"document_id"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	SenderMarker string          `json:"sender_marker,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func (p DocumentPayload) Snapshot() Snapshot {
	return Snapshot{
		Title:        p.Title,
		Content:      UnwrapJSON(p.Content),
		Timestamp:    p.Timestamp,
		SenderMarker: p.SenderMarker,
	}
}

// Document is what the origin returns from its pull endpoint.
type Document struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	UpdatedAt    int64           `json:"updated_at"`
	SenderMarker string          `json:"sender_marker,omitempty"`
}

func (d Document) Snapshot() Snapshot {
	return Snapshot{
		Title:        d.Title,
		Content:      UnwrapJSON(d.Content),
		Timestamp:    d.UpdatedAt,
		SenderMarker: d.SenderMarker,
	}
}

func (d Document) Payload() DocumentPayload {
	return DocumentPayload{
		DocumentID:   d.ID,
		Title:        d.Title,
		Content:      d.Content,
		SenderMarker: d.SenderMarker,
		Timestamp:    d.UpdatedAt,
	}
}

type UpdateRequest struct {
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	SenderMarker string          `json:"sender_marker,omitempty"`
}

type UpdateResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updated_at"`
}

// Snapshot is a candidate document state handed to reconciliation, whichever
// transport it came from.
type Snapshot struct {
	Title        string
	Content      json.RawMessage
	Timestamp    int64
	SenderMarker string
}

// CanonicalContent re-encodes content with sorted object keys so two
// serializations of the same tree compare equal.
func CanonicalContent(raw json.RawMessage) (string, error) {
	raw = UnwrapJSON(raw)
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
