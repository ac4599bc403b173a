// Package wa defines the contract with the chat-network transport.
// The real wire protocol lives in an external library; the registry only
// depends on this surface.
package wa

import "context"

// Callbacks receive transport events for one dialed connection. The
// transport invokes them sequentially per connection; handlers must not
// block for long.
type Callbacks struct {
	// OnQR fires each time the transport issues a fresh pairing token.
	OnQR func(code string)
	// OnAuthenticated fires once stored or freshly paired credentials
	// are accepted, before the connection is fully open.
	OnAuthenticated func()
	// OnOpen fires when the connection is established and ready to send.
	OnOpen func()
	// OnClose fires when the connection drops. loggedOut reports an
	// unrecoverable close (explicit logout / credentials revoked).
	OnClose func(loggedOut bool, err error)
}

// Client is one live connection bound to a sender identity.
type Client interface {
	SendMessage(ctx context.Context, to, body string) error
	Logout(ctx context.Context) error
	Close() error
}

// Transport opens connections. Dial returns once the connection attempt
// is underway; progress arrives through cb, always from the transport's
// own goroutines, never from within Dial itself.
type Transport interface {
	Dial(ctx context.Context, phoneID string, cb Callbacks) (Client, error)
}
