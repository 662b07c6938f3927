package models

import (
	"encoding/json"
	"strings"
)

/*
	Frames exchanged with the relay over a persistent socket. Every frame is a
	single JSON text message carrying an event name, an optional channel and an
	opaque data payload.
*/

const (
	EventSubscribe             = "subscribe"
	EventUnsubscribe           = "unsubscribe"
	EventSubscriptionSucceeded = "subscription_succeeded"

	// Browser libraries speaking the pusher dialect prefix the control events.
	PusherPrefix         = "pusher:"
	PusherInternalPrefix = "pusher_internal:"
)

type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChannelData is the data carried by subscribe and unsubscribe frames.
type ChannelData struct {
	Channel string `json:"channel"`
}

// ControlEvent strips the pusher prefix from event and reports whether the
// remainder is a subscribe/unsubscribe control name.
func ControlEvent(event string) (name string, prefixed bool, ok bool) {
	name = event
	if strings.HasPrefix(event, PusherPrefix) {
		name = strings.TrimPrefix(event, PusherPrefix)
		prefixed = true
	}
	switch name {
	case EventSubscribe, EventUnsubscribe:
		return name, prefixed, true
	}
	return event, false, false
}

// AckEvent is the acknowledgement event name matching the dialect of the
// subscribe request.
func AckEvent(prefixed bool) string {
	if prefixed {
		return PusherInternalPrefix + EventSubscriptionSucceeded
	}
	return EventSubscriptionSucceeded
}

// IsAck reports whether event acknowledges a subscription in either dialect.
func IsAck(event string) bool {
	return strings.TrimPrefix(event, PusherInternalPrefix) == EventSubscriptionSucceeded
}

// ChannelFromData reads the channel name out of a control frame's data, which
// may be an object or a string holding one.
func ChannelFromData(data json.RawMessage) (string, error) {
	var cd ChannelData
	if err := json.Unmarshal(UnwrapJSON(data), &cd); err != nil {
		return "", err
	}
	return cd.Channel, nil
}

// PublishRequest is a normalized out-of-band publish accepted by the ingress.
type PublishRequest struct {
	Name     string          `json:"name"`
	Channels []string        `json:"channels"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id,omitempty"`
}

// Frames returns the outbound frame for each target channel.
func (p PublishRequest) Frames() []Frame {
	frames := make([]Frame, 0, len(p.Channels))
	for _, ch := range p.Channels {
		frames = append(frames, Frame{Event: p.Name, Channel: ch, Data: p.Data})
	}
	return frames
}

// UnwrapJSON performs the single extra decode step for payloads that arrive as
// a JSON string holding JSON. Anything else is returned unchanged.
func UnwrapJSON(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, `"`) {
		return raw
	}
	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
		return raw
	}
	if !json.Valid([]byte(inner)) {
		return raw
	}
	return json.RawMessage(inner)
}
