// Package pairing orchestrates pairing-token issuance on the client
// side: it asks the server for fresh QR codes, tracks expiry, and bounds
// automatic retries. It talks to the server only through the event
// channel and republishes simplified events to UI observers.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/sioclient"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerTimeout   Trigger = "timeout"
	TriggerError     Trigger = "error"
	TriggerReconnect Trigger = "reconnect"
)

var (
	ErrConnectionFailed     = errors.New("connection to server failed")
	ErrMaxRetryAttempts     = errors.New("max qr retry attempts reached")
	ErrGenerationInProgress = errors.New("qr generation already in progress")
)

// UI event names.
const (
	EventQRReceived          = "qr_received"
	EventQRGenerating        = "qr_generating"
	EventRequestingNewQR     = "requesting_new_qr"
	EventQRTimeout           = "qr_timeout"
	EventQRGenerationTimeout = "qr_generation_timeout"
	EventQRError             = "qr_error"
	EventMaxQRRetryAttempts  = "max_qr_retry_attempts"
	EventInitializing        = "whatsapp_initializing"
	EventAlreadyInitialized  = "whatsapp_already_initialized"
	EventAuthenticated       = "whatsapp_authenticated"
	EventReady               = "whatsapp_ready"
	EventDisconnected        = "whatsapp_disconnected"
	EventError               = "whatsapp_error"
	EventMessageSent         = "whatsapp_message_sent"
	EventMessageFailed       = "whatsapp_message_failed"
	EventConnectionFailed    = "connection_failed"
	EventSendFailed          = "send_failed"
)

// Event is what UI observers receive. Only the fields relevant to Name
// are set.
type Event struct {
	Name        string
	PhoneID     string
	QR          string
	Attempt     int
	MaxAttempts int
	Reason      string
	Message     string
	MessageID   string
}

type Listener func(Event)

// Link is the event-channel surface the controller needs; satisfied by
// *sioclient.Client.
type Link interface {
	On(event string, h sioclient.Handler) int
	Off(event string, id int)
	SendRemote(event string, payload any) error
	Connected() bool
	Connect(ctx context.Context) error
}

// Timings bounds the controller's timers. The expiry timeout runs
// shorter than the transport's true token lifetime to leave margin.
type Timings struct {
	ResponseTimeout time.Duration // server response wait, default 10s
	ExpiryTimeout   time.Duration // token lifetime, default 55s
	RetryDelay      time.Duration // pause before an automatic retry, default 2s
	ConnectTimeout  time.Duration // channel dial bound, default 3s
}

func DefaultTimings() Timings {
	return Timings{
		ResponseTimeout: 10 * time.Second,
		ExpiryTimeout:   55 * time.Second,
		RetryDelay:      2 * time.Second,
		ConnectTimeout:  3 * time.Second,
	}
}

type Options struct {
	Log              zerolog.Logger
	Link             Link
	Timings          Timings
	MaxRetryAttempts int // default 3
}

type Controller struct {
	log              zerolog.Logger
	link             Link
	timings          Timings
	maxRetryAttempts int

	mu           sync.Mutex
	phones       map[string]*phoneState
	current      string
	listeners    map[string]map[int]Listener
	nextListener int
	closed       bool

	linkSubs []linkSub
}

type linkSub struct {
	event string
	id    int
}

// phoneState tracks one identity's retry cycle. epoch invalidates armed
// timers: a fired timer whose epoch no longer matches was superseded and
// must do nothing.
type phoneState struct {
	number        string
	name          string
	retryAttempts int
	generating    bool
	epoch         uint64
	responseTimer *time.Timer
	expiryTimer   *time.Timer
}

func New(opts Options) *Controller {
	c := &Controller{
		log:              opts.Log,
		link:             opts.Link,
		timings:          opts.Timings,
		maxRetryAttempts: opts.MaxRetryAttempts,
		phones:           make(map[string]*phoneState),
		listeners:        make(map[string]map[int]Listener),
	}
	if c.maxRetryAttempts <= 0 {
		c.maxRetryAttempts = 3
	}
	def := DefaultTimings()
	if c.timings.ResponseTimeout <= 0 {
		c.timings.ResponseTimeout = def.ResponseTimeout
	}
	if c.timings.ExpiryTimeout <= 0 {
		c.timings.ExpiryTimeout = def.ExpiryTimeout
	}
	if c.timings.RetryDelay <= 0 {
		c.timings.RetryDelay = def.RetryDelay
	}
	if c.timings.ConnectTimeout <= 0 {
		c.timings.ConnectTimeout = def.ConnectTimeout
	}

	c.subscribe()
	return c
}

func (c *Controller) subscribe() {
	sub := func(event string, h sioclient.Handler) {
		id := c.link.On(event, h)
		c.linkSubs = append(c.linkSubs, linkSub{event: event, id: id})
	}

	sub("qr", c.onQR)
	sub("qr_generating", func(p json.RawMessage) { c.onGenerating(p, EventQRGenerating) })
	sub("whatsapp_initializing", func(p json.RawMessage) { c.onGenerating(p, EventInitializing) })
	sub("whatsapp_status", c.onStatus)
	sub("authenticated", func(p json.RawMessage) { c.onTerminal(p, EventAuthenticated, false) })
	sub("ready", func(p json.RawMessage) { c.onTerminal(p, EventReady, true) })
	sub("disconnected", c.onDisconnected)
	sub("whatsapp_error", c.onError)
	sub("message_sent", c.onMessageSent)
	sub("message_failed", c.onMessageFailed)
	sub(sioclient.EventReconnected, c.onChannelReconnected)
}

// On registers a UI listener; the returned id is for Off.
func (c *Controller) On(event string, fn Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListener++
	id := c.nextListener
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[int]Listener)
	}
	c.listeners[event][id] = fn
	return id
}

func (c *Controller) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.listeners[event]
	delete(set, id)
	if len(set) == 0 {
		delete(c.listeners, event)
	}
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	set := c.listeners[ev.Name]
	fns := make([]Listener, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Request asks the server for a fresh pairing token.
type Request struct {
	PhoneID     string
	PhoneNumber string
	PhoneName   string
	Manual      bool
	Trigger     Trigger
}

// RequestNewQR runs one cycle of the retry state machine. Manual
// requests reset the attempt counter; automatic ones (timeout, error,
// reconnect) increment it and are refused at the bound until a manual
// request comes in.
func (c *Controller) RequestNewQR(ctx context.Context, req Request) error {
	if req.PhoneID == "" {
		return errors.New("missing phone id")
	}
	trigger := req.Trigger
	if req.Manual {
		trigger = TriggerManual
	}

	if !c.link.Connected() {
		dialCtx, cancel := context.WithTimeout(ctx, c.timings.ConnectTimeout)
		err := c.link.Connect(dialCtx)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("phone", req.PhoneID).Msg("channel unavailable for qr request")
			c.emit(Event{Name: EventConnectionFailed, PhoneID: req.PhoneID})
			return ErrConnectionFailed
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller closed")
	}
	st := c.ensureLocked(req.PhoneID)
	if req.PhoneNumber != "" {
		st.number = req.PhoneNumber
	}
	if req.PhoneName != "" {
		st.name = req.PhoneName
	}
	c.current = req.PhoneID

	// Only the armed expiry timer is cancelled before the checks below.
	// A trigger refused by them must leave an in-flight request's
	// response timer running.
	st.stopExpiryLocked()

	if !req.Manual && st.retryAttempts >= c.maxRetryAttempts {
		c.mu.Unlock()
		c.log.Warn().Str("phone", req.PhoneID).Int("max", c.maxRetryAttempts).
			Msg("qr retry bound reached, manual trigger required")
		c.emit(Event{Name: EventMaxQRRetryAttempts, PhoneID: req.PhoneID, MaxAttempts: c.maxRetryAttempts})
		return ErrMaxRetryAttempts
	}
	if st.generating && !req.Manual {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}

	// The request proceeds: supersede whatever was outstanding.
	st.bumpEpochLocked()
	if req.Manual {
		st.retryAttempts = 0
	} else {
		st.retryAttempts++
	}
	st.generating = true
	attempt := st.retryAttempts
	epoch := st.epoch
	number := st.number
	name := st.name
	st.responseTimer = time.AfterFunc(c.timings.ResponseTimeout, func() {
		c.onResponseTimeout(req.PhoneID, epoch)
	})
	c.mu.Unlock()

	c.log.Info().Str("phone", req.PhoneID).Int("attempt", attempt).
		Str("trigger", string(trigger)).Msg("requesting pairing token")
	c.emit(Event{
		Name: EventRequestingNewQR, PhoneID: req.PhoneID,
		Attempt: attempt, MaxAttempts: c.maxRetryAttempts,
	})

	err := c.link.SendRemote("connect_whatsapp", map[string]any{
		"phoneId":     req.PhoneID,
		"phoneNumber": number,
		"phoneName":   name,
	})
	if err != nil {
		c.mu.Lock()
		if st.epoch == epoch {
			st.stopTimersLocked()
			st.generating = false
		}
		c.mu.Unlock()
		c.emit(Event{Name: EventSendFailed, PhoneID: req.PhoneID, Message: err.Error()})
		return err
	}
	return nil
}

func (c *Controller) onResponseTimeout(phoneID string, epoch uint64) {
	c.mu.Lock()
	st := c.phones[phoneID]
	if st == nil || st.epoch != epoch || c.closed {
		c.mu.Unlock()
		return
	}
	st.responseTimer = nil
	st.generating = false
	attempt := st.retryAttempts
	retry := attempt < c.maxRetryAttempts
	c.mu.Unlock()

	c.log.Warn().Str("phone", phoneID).Int("attempt", attempt).Msg("pairing token response timed out")
	c.emit(Event{
		Name: EventQRGenerationTimeout, PhoneID: phoneID,
		Attempt: attempt, MaxAttempts: c.maxRetryAttempts,
	})
	if retry {
		time.AfterFunc(c.timings.RetryDelay, func() {
			// A token arriving during the delay supersedes this retry.
			c.mu.Lock()
			stale := c.phones[phoneID] == nil || c.phones[phoneID].epoch != epoch || c.closed
			c.mu.Unlock()
			if stale {
				return
			}
			_ = c.RequestNewQR(context.Background(), Request{PhoneID: phoneID, Trigger: TriggerTimeout})
		})
	}
}

type phonePayload struct {
	PhoneID   string `json:"phoneId"`
	QR        string `json:"qr"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
	MessageID string `json:"messageId"`
}

func decode(payload json.RawMessage) phonePayload {
	var p phonePayload
	if payload != nil {
		_ = json.Unmarshal(payload, &p)
	}
	return p
}

func (c *Controller) onQR(payload json.RawMessage) {
	p := decode(payload)
	if p.PhoneID == "" {
		return
	}

	c.mu.Lock()
	st := c.ensureLocked(p.PhoneID)
	st.bumpEpochLocked()
	st.retryAttempts = 0
	st.generating = false
	epoch := st.epoch
	st.expiryTimer = time.AfterFunc(c.timings.ExpiryTimeout, func() {
		c.onExpiry(p.PhoneID, epoch)
	})
	c.mu.Unlock()

	c.log.Info().Str("phone", p.PhoneID).Msg("pairing token received")
	c.emit(Event{Name: EventQRReceived, PhoneID: p.PhoneID, QR: p.QR})
}

func (c *Controller) onExpiry(phoneID string, epoch uint64) {
	c.mu.Lock()
	st := c.phones[phoneID]
	if st == nil || st.epoch != epoch || c.closed {
		c.mu.Unlock()
		return
	}
	st.expiryTimer = nil
	c.mu.Unlock()

	c.log.Info().Str("phone", phoneID).Msg("pairing token expired")
	c.emit(Event{Name: EventQRTimeout, PhoneID: phoneID})
	_ = c.RequestNewQR(context.Background(), Request{PhoneID: phoneID, Trigger: TriggerTimeout})
}

func (c *Controller) onGenerating(payload json.RawMessage, name string) {
	p := decode(payload)
	if p.PhoneID != "" {
		c.mu.Lock()
		c.ensureLocked(p.PhoneID).generating = true
		c.mu.Unlock()
	}
	c.emit(Event{Name: name, PhoneID: p.PhoneID})
}

func (c *Controller) onStatus(payload json.RawMessage) {
	p := decode(payload)
	if p.Status != "already_initialized" {
		return
	}
	c.mu.Lock()
	st := c.ensureLocked(p.PhoneID)
	st.generating = false
	st.bumpEpochLocked()
	c.mu.Unlock()
	c.emit(Event{Name: EventAlreadyInitialized, PhoneID: p.PhoneID})
}

// onTerminal handles states that end the pairing cycle. For hard
// terminals (ready, disconnected) every armed timer is cancelled so a
// stale expiry can never fire afterwards.
func (c *Controller) onTerminal(payload json.RawMessage, name string, cancelTimers bool) {
	p := decode(payload)
	if p.PhoneID != "" {
		c.mu.Lock()
		st := c.ensureLocked(p.PhoneID)
		st.generating = false
		if cancelTimers {
			st.bumpEpochLocked()
			st.retryAttempts = 0
		}
		c.mu.Unlock()
	}
	c.emit(Event{Name: name, PhoneID: p.PhoneID})
}

func (c *Controller) onDisconnected(payload json.RawMessage) {
	p := decode(payload)
	if p.PhoneID != "" {
		c.mu.Lock()
		st := c.ensureLocked(p.PhoneID)
		st.generating = false
		st.bumpEpochLocked()
		c.mu.Unlock()
	}
	c.emit(Event{Name: EventDisconnected, PhoneID: p.PhoneID, Reason: p.Reason})
}

func (c *Controller) onError(payload json.RawMessage) {
	p := decode(payload)
	c.emit(Event{Name: EventError, PhoneID: p.PhoneID, Message: p.Error})

	// Token and timeout failures ride the same auto-retry path as expiry.
	lower := strings.ToLower(p.Error)
	if p.PhoneID != "" && (strings.Contains(lower, "qr") || strings.Contains(lower, "timeout")) {
		c.emit(Event{Name: EventQRError, PhoneID: p.PhoneID, Message: p.Error})
		_ = c.RequestNewQR(context.Background(), Request{PhoneID: p.PhoneID, Trigger: TriggerError})
	}
}

func (c *Controller) onMessageSent(payload json.RawMessage) {
	p := decode(payload)
	c.emit(Event{Name: EventMessageSent, PhoneID: p.PhoneID, MessageID: p.MessageID})
}

func (c *Controller) onMessageFailed(payload json.RawMessage) {
	p := decode(payload)
	c.emit(Event{Name: EventMessageFailed, PhoneID: p.PhoneID, MessageID: p.MessageID, Message: p.Error})
}

// onChannelReconnected re-requests a token for the identity that was
// mid-pairing when the channel dropped. The reconnect trigger counts
// against the retry bound like any other automatic trigger.
func (c *Controller) onChannelReconnected(json.RawMessage) {
	c.mu.Lock()
	phoneID := c.current
	c.mu.Unlock()
	if phoneID == "" {
		return
	}
	_ = c.RequestNewQR(context.Background(), Request{PhoneID: phoneID, Trigger: TriggerReconnect})
}

// Attempts reports the current retry counter for tests and UI badges.
func (c *Controller) Attempts(phoneID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.phones[phoneID]
	if st == nil {
		return 0
	}
	return st.retryAttempts
}

// Close cancels all timers and detaches from the link.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, st := range c.phones {
		st.bumpEpochLocked()
	}
	subs := c.linkSubs
	c.linkSubs = nil
	c.mu.Unlock()

	for _, s := range subs {
		c.link.Off(s.event, s.id)
	}
}

func (c *Controller) ensureLocked(phoneID string) *phoneState {
	st := c.phones[phoneID]
	if st == nil {
		st = &phoneState{}
		c.phones[phoneID] = st
	}
	return st
}

// bumpEpochLocked invalidates any armed timers for the phone. Callers
// hold c.mu.
func (st *phoneState) bumpEpochLocked() {
	st.epoch++
	st.stopTimersLocked()
}

func (st *phoneState) stopTimersLocked() {
	if st.responseTimer != nil {
		st.responseTimer.Stop()
		st.responseTimer = nil
	}
	st.stopExpiryLocked()
}

func (st *phoneState) stopExpiryLocked() {
	if st.expiryTimer != nil {
		st.expiryTimer.Stop()
		st.expiryTimer = nil
	}
}
