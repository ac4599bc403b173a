package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Simulator is a stand-in transport for development and tests. Without
// real network access it issues a fake pairing token shortly after Dial
// and opens the connection once Pair is called (or immediately for
// phones marked as already paired).
type Simulator struct {
	// QRDelay is how long after Dial the first token is issued.
	QRDelay time.Duration

	mu     sync.Mutex
	conns  map[string]*simClient
	paired map[string]bool
}

func NewSimulator() *Simulator {
	return &Simulator{
		QRDelay: 50 * time.Millisecond,
		conns:   make(map[string]*simClient),
		paired:  make(map[string]bool),
	}
}

// MarkPaired makes future dials for phoneID skip the pairing-token phase,
// as if credentials were already on disk.
func (s *Simulator) MarkPaired(phoneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired[phoneID] = true
}

func (s *Simulator) Dial(ctx context.Context, phoneID string, cb Callbacks) (Client, error) {
	s.mu.Lock()
	if _, ok := s.conns[phoneID]; ok {
		s.mu.Unlock()
		return nil, errors.New("simulator: connection already open")
	}
	c := &simClient{sim: s, phoneID: phoneID, cb: cb}
	s.conns[phoneID] = c
	paired := s.paired[phoneID]
	s.mu.Unlock()

	if paired {
		go c.open()
		return c, nil
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.QRDelay):
		}
		if c.closed.Load() {
			return
		}
		if cb.OnQR != nil {
			cb.OnQR(fmt.Sprintf("sim-qr-%s", uuid.NewString()))
		}
	}()
	return c, nil
}

// Pair simulates the operator scanning the current token for phoneID.
func (s *Simulator) Pair(phoneID string) error {
	s.mu.Lock()
	c, ok := s.conns[phoneID]
	s.paired[phoneID] = true
	s.mu.Unlock()
	if !ok {
		return errors.New("simulator: no pending connection")
	}
	c.open()
	return nil
}

// Drop closes the connection for phoneID the way a transport failure
// would: recoverable unless loggedOut is set.
func (s *Simulator) Drop(phoneID string, loggedOut bool) {
	s.mu.Lock()
	c, ok := s.conns[phoneID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.drop(loggedOut, errors.New("simulator: connection dropped"))
}

func (s *Simulator) remove(phoneID string, c *simClient) {
	s.mu.Lock()
	if s.conns[phoneID] == c {
		delete(s.conns, phoneID)
	}
	s.mu.Unlock()
}

type simClient struct {
	sim     *Simulator
	phoneID string
	cb      Callbacks
	closed  atomic.Bool
	opened  atomic.Bool
}

func (c *simClient) open() {
	if c.closed.Load() || c.opened.Swap(true) {
		return
	}
	if c.cb.OnAuthenticated != nil {
		c.cb.OnAuthenticated()
	}
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

func (c *simClient) drop(loggedOut bool, err error) {
	if c.closed.Swap(true) {
		return
	}
	c.sim.remove(c.phoneID, c)
	if c.cb.OnClose != nil {
		c.cb.OnClose(loggedOut, err)
	}
}

func (c *simClient) SendMessage(ctx context.Context, to, body string) error {
	if c.closed.Load() || !c.opened.Load() {
		return errors.New("simulator: connection not open")
	}
	return nil
}

func (c *simClient) Logout(ctx context.Context) error {
	c.drop(true, nil)
	return nil
}

func (c *simClient) Close() error {
	if !c.closed.Swap(true) {
		c.sim.remove(c.phoneID, c)
	}
	return nil
}
