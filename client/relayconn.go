package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	relayWriteWait = 10 * time.Second
	eventBuffer    = 64

	defaultSubscribeTimeout = 5 * time.Second
)

var (
	ErrSubscribeTimeout = errors.New("subscription was not acknowledged in time")
	ErrRelayClosed      = errors.New("relay connection closed")
	ErrChannelMissing   = errors.New("channel cannot be empty")
)

// RelayConn is one socket to the relay. Acknowledgements are matched to
// pending Subscribe calls; every other frame is delivered on Events in
// arrival order.
type RelayConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string][]chan struct{}
	err     error

	events    chan models.Frame
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func (c *Client) relayURL(path string) string {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   strings.TrimSuffix(c.baseURL.Path, "/") + "/" + strings.TrimPrefix(path, "/"),
	}
	return wsURL.String()
}

// DialRelay opens a socket to the relay at path (for example "ws" or
// "app/<key>") relative to the client's base URL.
func (c *Client) DialRelay(ctx context.Context, path string) (*RelayConn, error) {
	if path == "" {
		path = "ws"
	}
	target := c.relayURL(path)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			c.logger.Debug("WebSocket dial error with response", "url", target, "status", resp.Status, "error", err)
			return nil, fmt.Errorf("failed to dial websocket %s (status: %s): %w", target, resp.Status, err)
		}
		c.logger.Debug("WebSocket dial error", "url", target, "error", err)
		return nil, fmt.Errorf("failed to dial websocket %s: %w", target, err)
	}

	rc := &RelayConn{
		conn:    conn,
		logger:  c.logger.With("relay_url", target),
		pending: make(map[string][]chan struct{}),
		events:  make(chan models.Frame, eventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		rc.logger.Debug("Received pong from relay")
		return nil
	})

	go rc.readLoop()
	go rc.pingLoop()

	rc.logger.Debug("Connected to relay")
	return rc, nil
}

// Events yields non-acknowledgement frames. It is closed when the
// connection ends.
func (rc *RelayConn) Events() <-chan models.Frame {
	return rc.events
}

// Done is closed when the connection ends for any reason.
func (rc *RelayConn) Done() <-chan struct{} {
	return rc.done
}

// Err reports why the connection ended, or nil while it is open.
func (rc *RelayConn) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// Subscribe joins channel and waits for the relay's acknowledgement. A zero
// timeout waits five seconds.
func (rc *RelayConn) Subscribe(ctx context.Context, channel string, timeout time.Duration) error {
	if channel == "" {
		return ErrChannelMissing
	}
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}

	acked := make(chan struct{})
	rc.mu.Lock()
	if rc.err != nil {
		rc.mu.Unlock()
		return rc.err
	}
	rc.pending[channel] = append(rc.pending[channel], acked)
	rc.mu.Unlock()

	if err := rc.sendControl(models.EventSubscribe, channel); err != nil {
		rc.dropPending(channel, acked)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-acked:
		rc.logger.Debug("Subscription acknowledged", "channel", channel)
		return nil
	case <-timer.C:
		rc.dropPending(channel, acked)
		return ErrSubscribeTimeout
	case <-rc.done:
		return ErrRelayClosed
	case <-ctx.Done():
		rc.dropPending(channel, acked)
		return ctx.Err()
	}
}

func (rc *RelayConn) Unsubscribe(channel string) error {
	if channel == "" {
		return ErrChannelMissing
	}
	return rc.sendControl(models.EventUnsubscribe, channel)
}

// Send publishes a client event to every other subscriber of frame.Channel.
func (rc *RelayConn) Send(frame models.Frame) error {
	if frame.Channel == "" {
		return ErrChannelMissing
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return rc.write(websocket.TextMessage, msg)
}

func (rc *RelayConn) sendControl(event, channel string) error {
	data, err := json.Marshal(models.ChannelData{Channel: channel})
	if err != nil {
		return err
	}
	msg, err := json.Marshal(models.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return rc.write(websocket.TextMessage, msg)
}

func (rc *RelayConn) write(messageType int, msg []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := rc.conn.WriteMessage(messageType, msg); err != nil {
		return fmt.Errorf("relay write failed: %w", err)
	}
	return nil
}

func (rc *RelayConn) dropPending(channel string, acked chan struct{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	waiters := rc.pending[channel]
	for i, w := range waiters {
		if w == acked {
			rc.pending[channel] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(rc.pending[channel]) == 0 {
		delete(rc.pending, channel)
	}
}

func (rc *RelayConn) acknowledge(channel string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, w := range rc.pending[channel] {
		close(w)
	}
	delete(rc.pending, channel)
}

func (rc *RelayConn) readLoop() {
	defer close(rc.events)
	defer close(rc.done)

	for {
		_, message, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.logger.Warn("Error reading from relay", "error", err)
			} else {
				rc.logger.Debug("Relay connection closed", "error", err)
			}
			rc.fail(err)
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			rc.logger.Warn("Failed to unmarshal relay frame", "error", err, "message", string(message))
			continue
		}
		if models.IsAck(frame.Event) {
			channel := frame.Channel
			if channel == "" {
				channel, _ = models.ChannelFromData(frame.Data)
			}
			rc.acknowledge(channel)
			continue
		}

		select {
		case rc.events <- frame:
		case <-rc.closing:
			rc.fail(ErrRelayClosed)
			return
		}
	}
}

func (rc *RelayConn) fail(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.err == nil {
		select {
		case <-rc.closing:
			rc.err = ErrRelayClosed
		default:
			rc.err = err
		}
	}
}

func (rc *RelayConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := rc.write(websocket.PingMessage, nil); err != nil {
				rc.logger.Debug("Error sending ping", "error", err)
				return
			}
		case <-rc.done:
			return
		}
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (rc *RelayConn) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		close(rc.closing)
		rc.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = rc.conn.Close()
	})
	return err
}

// SubscribeToEvents dials the relay, joins channel and calls onEvent for
// every frame until ctx is cancelled or the connection drops.
func (c *Client) SubscribeToEvents(ctx context.Context, channel string, timeout time.Duration, onEvent func(models.Frame)) error {
	rc, err := c.DialRelay(ctx, "ws")
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := rc.Subscribe(ctx, channel, timeout); err != nil {
		return err
	}
	c.logger.Info("Listening for events", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-rc.Events():
			if !ok {
				return rc.Err()
			}
			if onEvent != nil {
				onEvent(frame)
			}
		}
	}
}
