package relay

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrChannelRequired   = errors.New("channel name is required")
	ErrDeliveryFailed    = errors.New("delivery to connection failed")
)

// Subscriber is a live connection as the registry sees it.
type Subscriber interface {
	ID() string

	// Deliver queues msg without blocking. False means the subscriber is
	// closed or stalled and must be treated as disconnected.
	Deliver(msg []byte) bool

	// Close must be idempotent.
	Close()
}

// Registry maps channel names to subscriber sets. Membership mutations take
// the write lock; fan-out iterates a snapshot taken under the read lock so
// sends never happen while the lock is held.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	channels    map[string]map[Subscriber]struct{}
	memberships map[Subscriber]map[string]struct{}
	connections map[string]Subscriber
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger.WithGroup("registry"),
		channels:    make(map[string]map[Subscriber]struct{}),
		memberships: make(map[Subscriber]map[string]struct{}),
		connections: make(map[string]Subscriber),
	}
}

// Add registers a freshly accepted connection.
func (r *Registry) Add(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[sub.ID()] = sub
	if _, ok := r.memberships[sub]; !ok {
		r.memberships[sub] = make(map[string]struct{})
	}
}

// Subscribe adds sub to channel, creating the channel if needed. If ack is
// non-nil it is queued to sub before the lock is released, so no event
// published after the subscription can overtake the acknowledgement.
func (r *Registry) Subscribe(sub Subscriber, channel string, ack []byte) error {
	if channel == "" {
		return ErrChannelRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.memberships[sub]
	if !ok {
		return ErrUnknownConnection
	}

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[Subscriber]struct{})
		r.channels[channel] = subs
		r.logger.Debug("Channel created", "channel", channel)
	}
	subs[sub] = struct{}{}
	member[channel] = struct{}{}

	if ack != nil && !sub.Deliver(ack) {
		return ErrDeliveryFailed
	}
	return nil
}

// Unsubscribe removes sub from channel. Empty channels are deleted.
func (r *Registry) Unsubscribe(sub Subscriber, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(sub, channel)
}

func (r *Registry) unsubscribeLocked(sub Subscriber, channel string) {
	if member, ok := r.memberships[sub]; ok {
		delete(member, channel)
	}
	subs, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.channels, channel)
		r.logger.Debug("No more subscribers for channel, removing channel", "channel", channel)
	}
}

// RemoveConnection drops sub from every channel it belongs to, forgets it,
// and closes it. Safe to call more than once.
func (r *Registry) RemoveConnection(sub Subscriber) {
	r.mu.Lock()
	member, ok := r.memberships[sub]
	if ok {
		for channel := range member {
			r.unsubscribeLocked(sub, channel)
		}
		delete(r.memberships, sub)
		if cur, found := r.connections[sub.ID()]; found && cur == sub {
			delete(r.connections, sub.ID())
		}
	}
	r.mu.Unlock()

	sub.Close()
	if ok {
		r.logger.Debug("Connection removed from registry", "connection_id", sub.ID())
	}
}

// Publish delivers msg to every subscriber of channel except exclude (which
// may be nil) and returns the number of successful deliveries. Subscribers
// that fail to accept the message are removed.
func (r *Registry) Publish(channel string, msg []byte, exclude Subscriber) int {
	r.mu.RLock()
	subs := r.channels[channel]
	targets := make([]Subscriber, 0, len(subs))
	for sub := range subs {
		if sub != exclude {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug("No subscribers for channel", "channel", channel)
		return 0
	}

	delivered := 0
	for _, sub := range targets {
		if sub.Deliver(msg) {
			delivered++
			continue
		}
		r.logger.Warn("Subscriber did not accept message, dropping connection", "channel", channel, "connection_id", sub.ID())
		r.RemoveConnection(sub)
	}
	return delivered
}

// Lookup finds a registered connection by id.
func (r *Registry) Lookup(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.connections[id]
	return sub, ok
}

// Subscribers returns the sorted ids subscribed to channel.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels[channel]))
	for sub := range r.channels[channel] {
		ids = append(ids, sub.ID())
	}
	sort.Strings(ids)
	return ids
}

// Channels returns the sorted names of channels with at least one subscriber.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelsOf returns the sorted channel names sub is subscribed to.
func (r *Registry) ChannelsOf(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.memberships[sub]))
	for name := range r.memberships[sub] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Stats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.memberships), Channels: len(r.channels)}
}

// CloseAll removes and closes every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.memberships))
	for sub := range r.memberships {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		r.RemoveConnection(sub)
	}
}
