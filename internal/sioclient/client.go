// Package sioclient is a minimal socket.io (EIO=4, websocket only)
// client: the client end of the event channel. It reconnects itself with
// capped attempts and keeps handler registrations across reconnects, so
// nothing above it ever re-subscribes.
package sioclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"whatsbox-server/internal/socketio"
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrClosed       = errors.New("socket client closed")
)

// Channel-level internal events, distinct from the server's own events.
const (
	EventConnected            = "socket_connected"
	EventDisconnected         = "socket_disconnected"
	EventReconnecting         = "socket_reconnecting"
	EventReconnected          = "socket_reconnected"
	EventMaxReconnectAttempts = "max_reconnect_attempts"
)

type Handler func(payload json.RawMessage)

type Options struct {
	// URL is the websocket endpoint, e.g.
	// ws://host:5000/v1/updates/?EIO=4&transport=websocket
	URL   string
	Token string
	Log   zerolog.Logger

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
}

type Client struct {
	url   string
	token string
	log   zerolog.Logger

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	handshakeTimeout     time.Duration

	mu                sync.Mutex
	handlers          map[string]map[int]Handler
	nextHandlerID     int
	ws                *websocket.Conn
	connected         bool
	reconnecting      bool
	reconnectAttempts int
	closed            bool

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	c := &Client{
		url:                  opts.URL,
		token:                opts.Token,
		log:                  opts.Log,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
		reconnectDelay:       opts.ReconnectDelay,
		handshakeTimeout:     opts.HandshakeTimeout,
		handlers:             make(map[string]map[int]Handler),
	}
	if c.maxReconnectAttempts <= 0 {
		c.maxReconnectAttempts = 5
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = 2 * time.Second
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = 10 * time.Second
	}
	return c
}

// On registers h for event and returns an id for Off.
func (c *Client) On(event string, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandlerID++
	id := c.nextHandlerID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h
	return id
}

func (c *Client) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.handlers[event]
	delete(set, id)
	if len(set) == 0 {
		delete(c.handlers, event)
	}
}

// EmitLocal fans payload out to local handlers only.
func (c *Client) EmitLocal(event string, payload json.RawMessage) {
	c.mu.Lock()
	set := c.handlers[event]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(payload)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials and completes the socket.io handshake. Safe to call
// again after a failure; a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, err := c.handshake(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Msg("socket connected")
	go c.readLoop(ws)
	c.EmitLocal(EventConnected, nil)
	return nil
}

func (c *Client) handshake(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	// Engine.io open packet.
	if _, err := c.expectPrefix(ws, "0"); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("handshake open: %w", err)
	}

	authBytes, _ := json.Marshal(map[string]string{"token": c.token})
	if err := ws.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		_ = ws.Close()
		return nil, err
	}

	// Socket.io connect ack; an "error" event here means auth rejection.
	reply, err := c.expectPrefix(ws, "4")
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("handshake connect: %w", err)
	}
	if !strings.HasPrefix(reply, "40") {
		_ = ws.Close()
		return nil, fmt.Errorf("handshake rejected: %s", reply)
	}

	_ = ws.SetReadDeadline(time.Time{})
	return ws, nil
}

func (c *Client) expectPrefix(ws *websocket.Conn, prefix string) (string, error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", err
		}
		msg := string(data)
		if msg == "2" {
			_ = ws.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			return msg, nil
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onDisconnect(ws)
			return
		}
		c.handleFrame(string(data))
	}
}

func (c *Client) handleFrame(msg string) {
	if msg == "" {
		return
	}
	switch msg[0] {
	case '2': // engine.io ping
		_ = c.writeFrame("3")
	case '4': // socket.io payload
		payload := msg[1:]
		if payload == "" || payload[0] != '2' {
			return
		}
		pkt, err := socketio.ParseEventPacket(payload)
		if err != nil {
			return
		}
		var arg json.RawMessage
		if len(pkt.Args) > 0 {
			arg = pkt.Args[0]
		}
		c.EmitLocal(pkt.Event, arg)
	}
}

// SendRemote delivers one event to the server. When the channel is down
// it fails fast and kicks off reconnection in the background.
func (c *Client) SendRemote(event string, payload any) error {
	c.mu.Lock()
	connected := c.connected
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		c.kickReconnect()
		return ErrNotConnected
	}

	packet, err := socketio.BuildEventPacket("/", nil, event, payload)
	if err != nil {
		return err
	}
	if err := c.writeFrame("4" + packet); err != nil {
		return err
	}
	return nil
}

func (c *Client) writeFrame(msg string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Client) onDisconnect(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	_ = ws.Close()
	if closed {
		return
	}
	c.log.Warn().Msg("socket disconnected")
	c.EmitLocal(EventDisconnected, nil)
	c.kickReconnect()
}

func (c *Client) kickReconnect() {
	c.mu.Lock()
	if c.closed || c.connected || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries with a fixed delay up to the cap. The cap is a
// property of the channel itself; pairing retry counters live above and
// are never touched from here.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts >= c.maxReconnectAttempts {
			c.mu.Unlock()
			c.log.Error().Int("attempts", c.maxReconnectAttempts).Msg("socket reconnect gave up")
			c.EmitLocal(EventMaxReconnectAttempts, mustJSON(map[string]int{"maxAttempts": c.maxReconnectAttempts}))
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		c.EmitLocal(EventReconnecting, mustJSON(map[string]int{
			"attempt": attempt, "maxAttempts": c.maxReconnectAttempts,
		}))
		time.Sleep(c.reconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.EmitLocal(EventReconnected, mustJSON(map[string]int{"attempt": attempt}))
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("socket reconnect failed")
	}
}

// Close tears the channel down for good.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
