package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/sioclient"
)

// fakeLink records outbound events and lets tests inject inbound ones.
type fakeLink struct {
	mu         sync.Mutex
	handlers   map[string]map[int]sioclient.Handler
	next       int
	connected  bool
	connectErr error
	sendErr    error
	sent       []sentEvent
}

type sentEvent struct {
	event   string
	payload map[string]any
}

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: make(map[string]map[int]sioclient.Handler), connected: true}
}

func (f *fakeLink) On(event string, h sioclient.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]sioclient.Handler)
	}
	f.handlers[event][f.next] = h
	return f.next
}

func (f *fakeLink) Off(event string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeLink) SendRemote(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	data, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.sent = append(f.sent, sentEvent{event: event, payload: m})
	return nil
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

// deliver injects a server event into every registered handler.
func (f *fakeLink) deliver(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	set := f.handlers[event]
	hs := make([]sioclient.Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeLink) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func fastTimings() Timings {
	return Timings{
		ResponseTimeout: 25 * time.Millisecond,
		ExpiryTimeout:   40 * time.Millisecond,
		RetryDelay:      5 * time.Millisecond,
		ConnectTimeout:  25 * time.Millisecond,
	}
}

func newTestController(t *testing.T, link *fakeLink, timings Timings) (*Controller, chan Event) {
	t.Helper()
	c := New(Options{Log: zerolog.Nop(), Link: link, Timings: timings})
	t.Cleanup(c.Close)

	events := make(chan Event, 128)
	for _, name := range []string{
		EventQRReceived, EventQRGenerating, EventRequestingNewQR, EventQRTimeout,
		EventQRGenerationTimeout, EventQRError, EventMaxQRRetryAttempts,
		EventAuthenticated, EventReady, EventDisconnected, EventAlreadyInitialized,
		EventConnectionFailed, EventSendFailed, EventError,
	} {
		c.On(name, func(ev Event) { events <- ev })
	}
	return c, events
}

func waitUIEvent(t *testing.T, events <-chan Event, name string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", name)
		}
	}
}

func drainUIEvents(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRequestNewQR_ManualSendsConnectEvent(t *testing.T) {
	link := newFakeLink()
	c, events := newTestController(t, link, fastTimings())

	err := c.RequestNewQR(context.Background(), Request{
		PhoneID: "p1", PhoneNumber: "100200300", PhoneName: "desk", Manual: true,
	})
	if err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}

	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 0 || ev.MaxAttempts != 3 {
		t.Fatalf("manual request should carry attempt 0/3, got %d/%d", ev.Attempt, ev.MaxAttempts)
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.sent) != 1 || link.sent[0].event != "connect_whatsapp" {
		t.Fatalf("unexpected outbound events %+v", link.sent)
	}
	if link.sent[0].payload["phoneId"] != "p1" || link.sent[0].payload["phoneNumber"] != "100200300" {
		t.Fatalf("unexpected payload %+v", link.sent[0].payload)
	}
}

func TestResponseTimeout_RetriesWithIncrement(t *testing.T) {
	link := newFakeLink()
	c, events := newTestController(t, link, fastTimings())

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	waitUIEvent(t, events, EventRequestingNewQR)

	// No qr ever arrives, so the response timer fires and a retry follows.
	ev := waitUIEvent(t, events, EventQRGenerationTimeout)
	if ev.PhoneID != "p1" {
		t.Fatalf("unexpected phone %q", ev.PhoneID)
	}
	ev = waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 1 || ev.MaxAttempts != 3 {
		t.Fatalf("retry should carry attempt 1/3, got %d/%d", ev.Attempt, ev.MaxAttempts)
	}
}

func TestQRArrival_SupersedesResponseTimer(t *testing.T) {
	link := newFakeLink()
	c, events := newTestController(t, link, fastTimings())

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	waitUIEvent(t, events, EventRequestingNewQR)

	link.deliver("qr", map[string]string{"phoneId": "p1", "qr": "tok-1"})
	ev := waitUIEvent(t, events, EventQRReceived)
	if ev.QR != "tok-1" {
		t.Fatalf("unexpected qr %q", ev.QR)
	}
	if got := c.Attempts("p1"); got != 0 {
		t.Fatalf("qr arrival must reset attempts, got %d", got)
	}

	// A fresh token arms the expiry timer; deliver another before it
	// fires so the first timer must stay silent.
	time.Sleep(20 * time.Millisecond)
	link.deliver("qr", map[string]string{"phoneId": "p1", "qr": "tok-2"})
	waitUIEvent(t, events, EventQRReceived)

	time.Sleep(30 * time.Millisecond)
	for _, ev := range drainUIEvents(events) {
		if ev.Name == EventQRGenerationTimeout {
			t.Fatalf("superseded response timer fired")
		}
		if ev.Name == EventQRTimeout {
			t.Fatalf("superseded expiry timer fired")
		}
	}
}

func TestExpiry_EmitsTimeoutAndRequestsAgain(t *testing.T) {
	link := newFakeLink()
	c, events := newTestController(t, link, fastTimings())

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	link.deliver("qr", map[string]string{"phoneId": "p1", "qr": "tok-1"})
	waitUIEvent(t, events, EventQRReceived)

	waitUIEvent(t, events, EventQRTimeout)
	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 1 || ev.MaxAttempts != 3 {
		t.Fatalf("expiry retry should carry attempt 1/3, got %d/%d", ev.Attempt, ev.MaxAttempts)
	}
}

func TestReady_CancelsExpiryTimer(t *testing.T) {
	link := newFakeLink()
	c, events := newTestController(t, link, fastTimings())

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	link.deliver("qr", map[string]string{"phoneId": "p1", "qr": "tok-1"})
	waitUIEvent(t, events, EventQRReceived)

	link.deliver("ready", map[string]string{"phoneId": "p1"})
	waitUIEvent(t, events, EventReady)

	time.Sleep(60 * time.Millisecond)
	for _, ev := range drainUIEvents(events) {
		if ev.Name == EventQRTimeout || ev.Name == EventRequestingNewQR {
			t.Fatalf("pairing activity after ready: %s", ev.Name)
		}
	}
	if got := link.sentCount("connect_whatsapp"); got != 1 {
		t.Fatalf("no further requests expected after ready, got %d", got)
	}
}

func TestMaxRetryAttempts_RefusedUntilManual(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ExpiryTimeout = time.Hour // only the response timer drives this test
	c, events := newTestController(t, link, timings)

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}

	// The automatic chain runs attempts 1..3 and then stops on its own.
	seen := map[int]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-events:
			if ev.Name == EventRequestingNewQR {
				seen[ev.Attempt] = true
			}
			if ev.Name == EventMaxQRRetryAttempts {
				t.Fatalf("bound event must not fire during the automatic chain")
			}
		case <-deadline:
			t.Fatalf("automatic retry chain stalled, saw %v", seen)
		}
	}
	for i := 0; i <= 3; i++ {
		if !seen[i] {
			t.Fatalf("missing attempt %d in chain", i)
		}
	}

	// Let the final response timer lapse, then poke it non-manually.
	time.Sleep(50 * time.Millisecond)
	drainUIEvents(events)

	err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Trigger: TriggerTimeout})
	if !errors.Is(err, ErrMaxRetryAttempts) {
		t.Fatalf("expected ErrMaxRetryAttempts, got %v", err)
	}
	waitUIEvent(t, events, EventMaxQRRetryAttempts)

	// Manual recovers and resets the counter.
	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("manual request after bound: %v", err)
	}
	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 0 {
		t.Fatalf("manual request must reset attempts, got %d", ev.Attempt)
	}
}

func TestRequestNewQR_CoalescesWhileGenerating(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ResponseTimeout = time.Hour
	c, events := newTestController(t, link, timings)

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	waitUIEvent(t, events, EventRequestingNewQR)

	err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Trigger: TriggerTimeout})
	if !errors.Is(err, ErrGenerationInProgress) {
		t.Fatalf("expected ErrGenerationInProgress, got %v", err)
	}
	if got := link.sentCount("connect_whatsapp"); got != 1 {
		t.Fatalf("coalesced request must not hit the channel, got %d sends", got)
	}
}

func TestCoalescedTrigger_KeepsResponseTimer(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ResponseTimeout = 150 * time.Millisecond
	c, events := newTestController(t, link, timings)

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	waitUIEvent(t, events, EventRequestingNewQR)

	// A token-related error while the request is outstanding coalesces
	// into it instead of starting a second one.
	link.deliver("whatsapp_error", map[string]string{"phoneId": "p1", "error": "qr generation failed"})
	waitUIEvent(t, events, EventQRError)
	if got := link.sentCount("connect_whatsapp"); got != 1 {
		t.Fatalf("coalesced error trigger must not issue a second request, got %d sends", got)
	}

	// The outstanding request's response timer still runs its course and
	// drives the automatic retry.
	waitUIEvent(t, events, EventQRGenerationTimeout)
	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 1 || ev.MaxAttempts != 3 {
		t.Fatalf("expected automatic retry attempt 1/3, got %d/%d", ev.Attempt, ev.MaxAttempts)
	}
}

func TestRequestNewQR_ConnectionFailure(t *testing.T) {
	link := newFakeLink()
	link.connected = false
	link.connectErr = errors.New("refused")
	c, events := newTestController(t, link, fastTimings())

	err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	waitUIEvent(t, events, EventConnectionFailed)
	if got := link.sentCount("connect_whatsapp"); got != 0 {
		t.Fatalf("nothing should be sent without a channel, got %d", got)
	}
}

func TestAlreadyInitialized_ClearsGenerating(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ResponseTimeout = time.Hour
	c, events := newTestController(t, link, timings)

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	waitUIEvent(t, events, EventRequestingNewQR)

	link.deliver("whatsapp_status", map[string]string{"phoneId": "p1", "status": "already_initialized"})
	waitUIEvent(t, events, EventAlreadyInitialized)

	// Generation is no longer in flight, so an automatic request passes
	// the coalescing check again.
	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Trigger: TriggerTimeout}); err != nil {
		t.Fatalf("request after already_initialized: %v", err)
	}
}

func TestQRError_TriggersRetry(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ResponseTimeout = time.Hour
	_, events := newTestController(t, link, timings)

	link.deliver("whatsapp_error", map[string]string{"phoneId": "p1", "error": "QR generation failed"})
	waitUIEvent(t, events, EventError)
	waitUIEvent(t, events, EventQRError)
	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.Attempt != 1 {
		t.Fatalf("error retry counts against the bound, got attempt %d", ev.Attempt)
	}
}

func TestChannelReconnect_ReRequestsCurrentPhone(t *testing.T) {
	link := newFakeLink()
	timings := fastTimings()
	timings.ResponseTimeout = time.Hour
	c, events := newTestController(t, link, timings)

	if err := c.RequestNewQR(context.Background(), Request{PhoneID: "p1", Manual: true}); err != nil {
		t.Fatalf("RequestNewQR: %v", err)
	}
	link.deliver("qr", map[string]string{"phoneId": "p1", "qr": "tok-1"})
	waitUIEvent(t, events, EventQRReceived)

	link.deliver(sioclient.EventReconnected, map[string]int{"attempt": 1})
	ev := waitUIEvent(t, events, EventRequestingNewQR)
	if ev.PhoneID != "p1" || ev.Attempt != 1 {
		t.Fatalf("reconnect should re-request p1 with attempt 1, got %+v", ev)
	}
}
