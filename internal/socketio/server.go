package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"whatsbox-server/internal/auth"
	"whatsbox-server/internal/bus"
	"whatsbox-server/internal/model"
	"whatsbox-server/internal/registry"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

type Deps struct {
	Log         zerolog.Logger
	Registry    *registry.Registry
	Bus         *bus.Bus
	TokenConfig auth.TokenConfig
}

// Server carries the Event Channel: lifecycle events out to every
// authenticated socket, control events (connect_whatsapp, send_message,
// disconnect_whatsapp) in.
type Server struct {
	log         zerolog.Logger
	registry    *registry.Registry
	tokenConfig auth.TokenConfig

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	s := &Server{
		log:         deps.Log,
		registry:    deps.Registry,
		tokenConfig: deps.TokenConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	events, _ := deps.Bus.Subscribe()
	// The pump stops when the bus is closed at shutdown.
	go s.pump(events)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.dropConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": 25000,
		"pingTimeout":  20000,
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// pump translates bus events into socket.io packets and fans them out to
// every connected observer.
func (s *Server) pump(events <-chan bus.Event) {
	for ev := range events {
		name, payload := translate(ev)
		if name == "" {
			continue
		}
		packet, err := buildSocketEventPacket("/", nil, name, payload)
		if err != nil {
			continue
		}
		s.broadcast(packet)
	}
}

func translate(ev bus.Event) (string, gin.H) {
	switch ev.Kind {
	case bus.KindQR:
		return "qr", gin.H{"phoneId": ev.PhoneID, "qr": ev.QR}
	case bus.KindInitializing:
		return "whatsapp_initializing", gin.H{"phoneId": ev.PhoneID, "status": "initializing"}
	case bus.KindAuthenticated:
		return "authenticated", gin.H{"phoneId": ev.PhoneID}
	case bus.KindReady:
		return "ready", gin.H{"phoneId": ev.PhoneID}
	case bus.KindReconnecting:
		return "reconnecting", gin.H{"phoneId": ev.PhoneID}
	case bus.KindDisconnected:
		return "disconnected", gin.H{"phoneId": ev.PhoneID, "reason": ev.Reason}
	case bus.KindError:
		return "whatsapp_error", gin.H{"phoneId": ev.PhoneID, "error": ev.Message}
	case bus.KindMessageSent:
		return "message_sent", gin.H{"phoneId": ev.PhoneID, "messageId": ev.MessageID}
	case bus.KindMessageFailed:
		return "message_failed", gin.H{"phoneId": ev.PhoneID, "messageId": ev.MessageID, "error": ev.Message}
	default:
		return "", nil
	}
}

func (s *Server) broadcast(packet string) {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeText(string(engineMessage) + packet); err != nil {
			s.dropConn(c)
		}
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		return
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
		return
	case engineClose:
		c.close()
		return
	default:
		return
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
		return
	case socketEvent:
		s.handleEvent(c, payload)
		return
	case socketAck:
		return
	default:
		return
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		_ = c.writeSocketError("Missing auth")
		c.close()
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		_ = c.writeSocketError("Invalid auth")
		c.close()
		return
	}
	if authObj.Token == "" {
		_ = c.writeSocketError("Missing token")
		c.close()
		return
	}
	if _, err := auth.VerifyToken(authObj.Token, s.tokenConfig); err != nil {
		_ = c.writeSocketError("Invalid authentication token")
		c.close()
		return
	}

	c.connected.Store(true)
	s.addConn(c)
	s.log.Debug().Str("sid", c.sid).Msg("observer connected")

	ack, err := buildSocketConnectPacket("/", c.sid)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + ack)
}

type connectWhatsAppBody struct {
	PhoneID        string `json:"phoneId"`
	PhoneNumber    string `json:"phoneNumber"`
	PhoneName      string `json:"phoneName"`
	ConnectionType string `json:"connectionType"`
}

type sendMessageBody struct {
	PhoneID   string `json:"phoneId"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			ackPayload, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID)
			if err == nil {
				_ = c.writeText(string(engineMessage) + ackPayload)
			}
		}
		return

	case "connect_whatsapp":
		var body connectWhatsAppBody
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.PhoneID == "" {
			return
		}
		s.handleConnectWhatsApp(c, body)
		return

	case "disconnect_whatsapp":
		var body struct {
			PhoneID string `json:"phoneId"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.PhoneID == "" {
			return
		}
		if err := s.registry.Disconnect(context.Background(), body.PhoneID); err != nil {
			s.emitTo(c, "whatsapp_error", gin.H{"phoneId": body.PhoneID, "error": err.Error()})
		}
		return

	case "send_message":
		var body sendMessageBody
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.PhoneID == "" {
			return
		}
		// Sends hit the transport; keep the read loop responsive. The
		// outcome arrives as a message_sent/message_failed broadcast.
		go func() {
			_ = s.registry.Send(context.Background(), registry.SendRequest{
				PhoneID:   body.PhoneID,
				To:        body.To,
				Body:      body.Message,
				MessageID: body.MessageID,
			})
		}()
		return

	default:
		return
	}
}

func (s *Server) handleConnectWhatsApp(c *conn, body connectWhatsAppBody) {
	res, err := s.registry.Connect(context.Background(), registry.ConnectRequest{
		PhoneID:     body.PhoneID,
		PhoneNumber: body.PhoneNumber,
		PhoneName:   body.PhoneName,
		Mode:        pairingMode(body.ConnectionType),
	})
	if err != nil {
		s.emitTo(c, "whatsapp_error", gin.H{"phoneId": body.PhoneID, "error": err.Error()})
		return
	}

	if res.Status == registry.ConnectAlreadyInitialized {
		s.emitTo(c, "whatsapp_status", gin.H{
			"phoneId": body.PhoneID,
			"status":  "already_initialized",
			"message": "WhatsApp client is already running for this phone",
		})
		return
	}

	s.emitTo(c, "qr_generating", gin.H{"phoneId": body.PhoneID})
}

func pairingMode(v string) model.PairingMode {
	if v == string(model.PairingModeCode) {
		return model.PairingModeCode
	}
	return model.PairingModeQR
}

func (s *Server) emitTo(c *conn, event string, payload gin.H) {
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + packet)
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(25 * time.Second),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > 20*time.Second {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(25 * time.Second)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) writeSocketError(msg string) error {
	packet, err := buildSocketEventPacket("/", nil, "error", gin.H{"message": msg})
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}
