package phonestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/model"
)

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())

	rec := model.PhoneRecord{
		ID:             "p1",
		PhoneNumber:    "100200300",
		PhoneName:      "Main",
		ConnectionType: model.PairingModeQR,
		Status:         model.StatusPending,
		CreatedAt:      1000,
	}
	if err := m.UpsertPhone(ctx, rec); err != nil {
		t.Fatalf("UpsertPhone: %v", err)
	}

	if err := m.UpdateQR(ctx, "p1", "abc", 1001); err != nil {
		t.Fatalf("UpdateQR: %v", err)
	}
	if err := m.UpdateStatus(ctx, "p1", model.StatusActive, 1002); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := m.GetPhone(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPhone: %v", err)
	}
	if got.PairingToken != "abc" {
		t.Fatalf("expected pairing token abc, got %q", got.PairingToken)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("expected active, got %q", got.Status)
	}
	if got.LastConnected != 1002 {
		t.Fatalf("expected last_connected stamped, got %d", got.LastConnected)
	}

	if err := m.DeletePhone(ctx, "p1"); err != nil {
		t.Fatalf("DeletePhone: %v", err)
	}
	if _, err := m.GetPhone(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_UpdateMissingPhone(t *testing.T) {
	m := NewMemory(zerolog.Nop())
	if err := m.UpdateStatus(context.Background(), "nope", model.StatusActive, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "phones.json")

	m1 := NewMemoryWithFile(zerolog.Nop(), path)
	rec := model.PhoneRecord{
		ID:             "p1",
		PhoneNumber:    "100200300",
		PhoneName:      "Main",
		ConnectionType: model.PairingModeQR,
		Status:         model.StatusActive,
		CreatedAt:      1000,
	}
	if err := m1.UpsertPhone(ctx, rec); err != nil {
		t.Fatalf("UpsertPhone: %v", err)
	}

	m2 := NewMemoryWithFile(zerolog.Nop(), path)
	got, err := m2.GetPhone(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPhone after reload: %v", err)
	}
	if got.PhoneNumber != "100200300" {
		t.Fatalf("unexpected phone number %q", got.PhoneNumber)
	}
	// Live statuses do not survive a restart; the connection is gone.
	if got.Status != model.StatusInactive {
		t.Fatalf("expected inactive after reload, got %q", got.Status)
	}
}

type failingStore struct {
	calls int
}

var errDown = errors.New("store down")

func (f *failingStore) UpsertPhone(ctx context.Context, rec model.PhoneRecord) error {
	f.calls++
	return errDown
}

func (f *failingStore) UpdateStatus(ctx context.Context, phoneID string, status model.SessionStatus, nowMillis int64) error {
	f.calls++
	return errDown
}

func (f *failingStore) UpdateQR(ctx context.Context, phoneID string, qr string, nowMillis int64) error {
	f.calls++
	return errDown
}

func (f *failingStore) GetPhone(ctx context.Context, phoneID string) (model.PhoneRecord, error) {
	f.calls++
	return model.PhoneRecord{}, errDown
}

func (f *failingStore) ListPhones(ctx context.Context) ([]model.PhoneRecord, error) {
	f.calls++
	return nil, errDown
}

func (f *failingStore) DeletePhone(ctx context.Context, phoneID string) error {
	f.calls++
	return errDown
}

func TestFallback_ServesCacheWhenPrimaryDown(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{}
	cache := NewMemory(zerolog.Nop())
	f := NewFallback(zerolog.Nop(), primary, cache)

	rec := model.PhoneRecord{ID: "p1", PhoneNumber: "1", Status: model.StatusPending, CreatedAt: 1}
	if err := f.UpsertPhone(ctx, rec); err != nil {
		t.Fatalf("UpsertPhone should not surface primary failure: %v", err)
	}
	if err := f.UpdateStatus(ctx, "p1", model.StatusActive, 2); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := f.GetPhone(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPhone: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("expected cached active row, got %q", got.Status)
	}

	list, err := f.ListPhones(ctx)
	if err != nil {
		t.Fatalf("ListPhones: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 cached phone, got %d", len(list))
	}
	if primary.calls == 0 {
		t.Fatalf("primary should have been attempted")
	}
}
