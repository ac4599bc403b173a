// Package registry owns the live WhatsApp sessions, one per phone. It is
// the single writer of session state: all transport callbacks funnel
// through here, transitions are serialized per phone, and every
// transition is broadcast on the bus and persisted to the record store.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/bus"
	"whatsbox-server/internal/deliverylog"
	"whatsbox-server/internal/model"
	"whatsbox-server/internal/phonestore"
	"whatsbox-server/internal/wa"
)

var (
	ErrNoActiveSession = errors.New("no active session for phone")
	ErrClosed          = errors.New("registry closed")
)

const (
	// recipientSuffix is the transport's required addressing format.
	recipientSuffix = "@c.us"

	defaultReconnectDelay = 2 * time.Second
	defaultStoreTimeout   = 5 * time.Second
)

type ConnectStatus string

const (
	ConnectInitializing       ConnectStatus = "initializing"
	ConnectAlreadyInitialized ConnectStatus = "already_initialized"
)

type ConnectRequest struct {
	PhoneID     string
	PhoneNumber string
	PhoneName   string
	Mode        model.PairingMode
}

type ConnectResult struct {
	Accepted bool
	Status   ConnectStatus
}

type SendRequest struct {
	PhoneID   string
	To        string
	Body      string
	MessageID string
}

// SessionView is a read-only snapshot of one live session.
type SessionView struct {
	PhoneID       string
	Status        model.SessionStatus
	QR            string
	LastActivity  int64
	LastConnected int64
	Reconnects    int
}

type Deps struct {
	Log        zerolog.Logger
	Transport  wa.Transport
	Store      phonestore.Store
	Bus        *bus.Bus
	Deliveries *deliverylog.Log

	// ReconnectDelay overrides the 2s recoverable-close redial delay.
	ReconnectDelay time.Duration
	// Now overrides the clock, for tests.
	Now func() int64
}

type Registry struct {
	log        zerolog.Logger
	transport  wa.Transport
	store      phonestore.Store
	bus        *bus.Bus
	deliveries *deliverylog.Log

	reconnectDelay time.Duration
	storeTimeout   time.Duration
	now            func() int64

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// session state is guarded by its own mutex so that one phone's slow
// transport callback never delays another phone's.
type session struct {
	phoneID string

	mu             sync.Mutex
	status         model.SessionStatus
	client         wa.Client
	qr             string
	lastActivity   int64
	lastConnected  int64
	reconnects     int
	reconnectTimer *time.Timer
	gone           bool
}

func New(deps Deps) *Registry {
	r := &Registry{
		log:            deps.Log,
		transport:      deps.Transport,
		store:          deps.Store,
		bus:            deps.Bus,
		deliveries:     deps.Deliveries,
		reconnectDelay: deps.ReconnectDelay,
		storeTimeout:   defaultStoreTimeout,
		now:            deps.Now,
		sessions:       make(map[string]*session),
	}
	if r.reconnectDelay <= 0 {
		r.reconnectDelay = defaultReconnectDelay
	}
	if r.now == nil {
		r.now = func() int64 { return time.Now().UnixMilli() }
	}
	return r
}

// Connect starts a session for the phone. Calling it again while a
// session is live is safe and returns already_initialized with no side
// effects.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	if req.PhoneID == "" {
		return ConnectResult{}, errors.New("missing phone id")
	}
	mode := req.Mode
	if mode == "" {
		mode = model.PairingModeQR
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ConnectResult{}, ErrClosed
	}
	if _, ok := r.sessions[req.PhoneID]; ok {
		r.mu.Unlock()
		r.log.Debug().Str("phone", req.PhoneID).Msg("connect ignored, session already live")
		return ConnectResult{Accepted: false, Status: ConnectAlreadyInitialized}, nil
	}
	s := &session{phoneID: req.PhoneID, status: model.StatusPending}
	r.sessions[req.PhoneID] = s
	r.mu.Unlock()

	now := r.now()
	s.lastActivity = now
	r.persistUpsert(ctx, model.PhoneRecord{
		ID:             req.PhoneID,
		PhoneNumber:    req.PhoneNumber,
		PhoneName:      orDefault(req.PhoneName, req.PhoneNumber),
		ConnectionType: mode,
		Status:         model.StatusPending,
		LastActivity:   now,
		CreatedAt:      now,
	})

	s.mu.Lock()
	s.status = model.StatusInitializing
	s.mu.Unlock()
	r.persistStatusAsync(req.PhoneID, model.StatusInitializing)
	r.bus.Publish(bus.Event{Kind: bus.KindInitializing, PhoneID: req.PhoneID})

	r.log.Info().Str("phone", req.PhoneID).Msg("session initializing")
	r.goDial(s)
	return ConnectResult{Accepted: true, Status: ConnectInitializing}, nil
}

func (r *Registry) goDial(s *session) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dial(s)
	}()
}

func (r *Registry) dial(s *session) {
	// Transports may report progress before Dial returns. Hold events
	// until the client handle is recorded so an early open can never
	// leave an active session with no client behind it.
	dialed := make(chan struct{})
	defer close(dialed)

	cb := wa.Callbacks{
		OnQR:            func(code string) { <-dialed; r.onQR(s, code) },
		OnAuthenticated: func() { <-dialed; r.onAuthenticated(s) },
		OnOpen:          func() { <-dialed; r.onOpen(s) },
		OnClose:         func(loggedOut bool, err error) { <-dialed; r.onClose(s, loggedOut, err) },
	}

	client, err := r.transport.Dial(context.Background(), s.phoneID, cb)
	if err != nil {
		r.log.Error().Err(err).Str("phone", s.phoneID).Msg("transport dial failed")
		s.mu.Lock()
		alreadyGone := s.gone
		s.gone = true
		s.status = model.StatusFailed
		s.mu.Unlock()
		if alreadyGone {
			return
		}
		r.remove(s)
		r.persistStatusAsync(s.phoneID, model.StatusFailed)
		r.bus.Publish(bus.Event{Kind: bus.KindError, PhoneID: s.phoneID, Message: err.Error()})
		return
	}

	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		_ = client.Close()
		return
	}
	s.client = client
	s.mu.Unlock()
}

func (r *Registry) onQR(s *session, code string) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusPairing
	s.qr = code
	s.lastActivity = r.now()
	s.mu.Unlock()

	r.log.Info().Str("phone", s.phoneID).Msg("pairing token issued")
	r.persistQRAsync(s.phoneID, code)
	r.persistStatusAsync(s.phoneID, model.StatusPairing)
	r.bus.Publish(bus.Event{Kind: bus.KindQR, PhoneID: s.phoneID, QR: code})
}

func (r *Registry) onAuthenticated(s *session) {
	s.mu.Lock()
	gone := s.gone
	s.mu.Unlock()
	if gone {
		return
	}
	r.log.Info().Str("phone", s.phoneID).Msg("credentials accepted")
	r.bus.Publish(bus.Event{Kind: bus.KindAuthenticated, PhoneID: s.phoneID})
}

func (r *Registry) onOpen(s *session) {
	now := r.now()
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusActive
	s.qr = ""
	s.lastActivity = now
	s.lastConnected = now
	s.reconnects = 0
	s.mu.Unlock()

	r.log.Info().Str("phone", s.phoneID).Msg("session active")
	r.persistStatusAsync(s.phoneID, model.StatusActive)
	r.bus.Publish(bus.Event{Kind: bus.KindReady, PhoneID: s.phoneID})
}

func (r *Registry) onClose(s *session, loggedOut bool, err error) {
	if loggedOut {
		r.teardown(s, "logged_out")
		return
	}

	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusReconnecting
	s.client = nil
	s.reconnects++
	attempt := s.reconnects
	s.lastActivity = r.now()
	s.reconnectTimer = time.AfterFunc(r.reconnectDelay, func() { r.redial(s) })
	s.mu.Unlock()

	// Recoverable closes retry on the same session entry with no cap.
	r.log.Warn().Err(err).Str("phone", s.phoneID).Int("attempt", attempt).
		Msg("connection dropped, reconnecting")
	r.persistStatusAsync(s.phoneID, model.StatusReconnecting)
	r.bus.Publish(bus.Event{Kind: bus.KindReconnecting, PhoneID: s.phoneID})
}

func (r *Registry) redial(s *session) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()
	r.dial(s)
}

// teardown handles every unrecoverable close path: logout, operator
// disconnect, shutdown. The session leaves the registry.
func (r *Registry) teardown(s *session, reason string) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.gone = true
	s.status = model.StatusInactive
	client := s.client
	s.client = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	r.remove(s)
	r.log.Info().Str("phone", s.phoneID).Str("reason", reason).Msg("session closed")
	r.persistStatusAsync(s.phoneID, model.StatusInactive)
	r.bus.Publish(bus.Event{Kind: bus.KindDisconnected, PhoneID: s.phoneID, Reason: reason})
}

// Disconnect logs the phone out and removes its session.
func (r *Registry) Disconnect(ctx context.Context, phoneID string) error {
	r.mu.Lock()
	s := r.sessions[phoneID]
	r.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		_ = client.Logout(ctx)
	}
	// Logout normally triggers the unrecoverable close callback; tear
	// down directly in case the transport never reports it.
	r.teardown(s, "logged_out")
	return nil
}

// Send delivers one message through the phone's active session. The
// caller's MessageID travels unchanged into the delivery log and the
// sent/failed events.
func (r *Registry) Send(ctx context.Context, req SendRequest) error {
	to := normalizeRecipient(req.To)
	rec := r.deliveries.Append(req.PhoneID, req.MessageID, to, r.now())

	r.mu.Lock()
	s := r.sessions[req.PhoneID]
	r.mu.Unlock()

	var client wa.Client
	if s != nil {
		s.mu.Lock()
		if s.status == model.StatusActive {
			client = s.client
		}
		s.mu.Unlock()
	}
	if client == nil {
		r.deliveries.MarkFailed(rec.ID, ErrNoActiveSession.Error())
		r.bus.Publish(bus.Event{
			Kind: bus.KindMessageFailed, PhoneID: req.PhoneID,
			MessageID: req.MessageID, Message: ErrNoActiveSession.Error(),
		})
		return ErrNoActiveSession
	}

	if err := client.SendMessage(ctx, to, req.Body); err != nil {
		r.log.Error().Err(err).Str("phone", req.PhoneID).Str("message", req.MessageID).Msg("send failed")
		r.deliveries.MarkFailed(rec.ID, err.Error())
		r.bus.Publish(bus.Event{
			Kind: bus.KindMessageFailed, PhoneID: req.PhoneID,
			MessageID: req.MessageID, Message: err.Error(),
		})
		return err
	}

	s.mu.Lock()
	s.lastActivity = r.now()
	s.mu.Unlock()
	r.deliveries.MarkSent(rec.ID)
	r.bus.Publish(bus.Event{Kind: bus.KindMessageSent, PhoneID: req.PhoneID, MessageID: req.MessageID})
	return nil
}

// Snapshot returns the live session view for phoneID, if any.
func (r *Registry) Snapshot(phoneID string) (SessionView, bool) {
	r.mu.Lock()
	s := r.sessions[phoneID]
	r.mu.Unlock()
	if s == nil {
		return SessionView{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return SessionView{}, false
	}
	return SessionView{
		PhoneID:       s.phoneID,
		Status:        s.status,
		QR:            s.qr,
		LastActivity:  s.lastActivity,
		LastConnected: s.lastConnected,
		Reconnects:    s.reconnects,
	}, true
}

// Close tears down every live session and stops the registry.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		r.teardown(s, "shutdown")
	}
	r.wg.Wait()
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if r.sessions[s.phoneID] == s {
		delete(r.sessions, s.phoneID)
	}
	r.mu.Unlock()
}

func (r *Registry) persistUpsert(ctx context.Context, rec model.PhoneRecord) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.UpsertPhone(ctx, rec); err != nil {
		r.log.Error().Err(err).Str("phone", rec.ID).Msg("phone upsert failed")
	}
}

// persistStatusAsync writes eventually; a slow store never delays event
// handling, and failures leave the in-memory session authoritative.
func (r *Registry) persistStatusAsync(phoneID string, status model.SessionStatus) {
	now := r.now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
		defer cancel()
		if err := r.store.UpdateStatus(ctx, phoneID, status, now); err != nil {
			r.log.Error().Err(err).Str("phone", phoneID).Str("status", string(status)).
				Msg("status persist failed")
		}
	}()
}

func (r *Registry) persistQRAsync(phoneID, code string) {
	now := r.now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
		defer cancel()
		if err := r.store.UpdateQR(ctx, phoneID, code, now); err != nil {
			r.log.Error().Err(err).Str("phone", phoneID).Msg("qr persist failed")
		}
	}()
}

func normalizeRecipient(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return to + recipientSuffix
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
