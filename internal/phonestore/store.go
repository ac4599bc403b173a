// Package phonestore persists the per-phone session rows. The registry
// treats it as eventually consistent: write failures are reported but the
// in-memory session state stays authoritative.
package phonestore

import (
	"context"
	"errors"

	"whatsbox-server/internal/model"
)

var ErrNotFound = errors.New("phone not found")

type Store interface {
	// UpsertPhone creates or overwrites the row for rec.ID.
	UpsertPhone(ctx context.Context, rec model.PhoneRecord) error
	// UpdateStatus sets status and last_activity; an active status also
	// stamps last_connected.
	UpdateStatus(ctx context.Context, phoneID string, status model.SessionStatus, nowMillis int64) error
	// UpdateQR stores the current pairing token.
	UpdateQR(ctx context.Context, phoneID string, qr string, nowMillis int64) error
	GetPhone(ctx context.Context, phoneID string) (model.PhoneRecord, error)
	ListPhones(ctx context.Context) ([]model.PhoneRecord, error)
	DeletePhone(ctx context.Context, phoneID string) error
}
