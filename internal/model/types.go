package model

type PairingMode string

const (
	PairingModeQR   PairingMode = "qr"
	PairingModeCode PairingMode = "code"
)

type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"
	StatusInitializing SessionStatus = "initializing"
	StatusPairing      SessionStatus = "pairing"
	StatusActive       SessionStatus = "active"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusInactive     SessionStatus = "inactive"
	StatusFailed       SessionStatus = "failed"
)

// Live returns true for statuses that count against the
// one-session-per-phone invariant.
func (s SessionStatus) Live() bool {
	return s != StatusInactive && s != StatusFailed
}

// PhoneRecord is the durable row kept per sender identity.
type PhoneRecord struct {
	ID             string
	PhoneNumber    string
	PhoneName      string
	ConnectionType PairingMode
	Status         SessionStatus
	PairingToken   string
	LastActivity   int64
	LastConnected  int64
	CreatedAt      int64
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is one outgoing message tracked in the delivery log.
// MessageID is the caller-supplied correlation id and is echoed back
// unchanged on both success and failure.
type DeliveryRecord struct {
	ID        string
	PhoneID   string
	MessageID string
	Recipient string
	Status    DeliveryStatus
	Error     string
	Seq       int64
	CreatedAt int64
	UpdatedAt int64
}
