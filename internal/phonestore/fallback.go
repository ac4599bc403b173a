package phonestore

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/model"
)

// Fallback mirrors every write into a local Memory store and serves reads
// from it when the primary is unreachable. Primary failures are logged,
// never propagated for writes: the in-memory registry state stays
// authoritative and the durable row catches up on the next write.
type Fallback struct {
	log     zerolog.Logger
	primary Store
	cache   *Memory
}

func NewFallback(log zerolog.Logger, primary Store, cache *Memory) *Fallback {
	return &Fallback{log: log, primary: primary, cache: cache}
}

func (f *Fallback) UpsertPhone(ctx context.Context, rec model.PhoneRecord) error {
	if err := f.primary.UpsertPhone(ctx, rec); err != nil {
		f.log.Warn().Err(err).Str("phone", rec.ID).Msg("primary upsert failed, cached locally")
	}
	return f.cache.UpsertPhone(ctx, rec)
}

func (f *Fallback) UpdateStatus(ctx context.Context, phoneID string, status model.SessionStatus, nowMillis int64) error {
	if err := f.primary.UpdateStatus(ctx, phoneID, status, nowMillis); err != nil && !errors.Is(err, ErrNotFound) {
		f.log.Warn().Err(err).Str("phone", phoneID).Msg("primary status update failed, cached locally")
	}
	return f.cache.UpdateStatus(ctx, phoneID, status, nowMillis)
}

func (f *Fallback) UpdateQR(ctx context.Context, phoneID string, qr string, nowMillis int64) error {
	if err := f.primary.UpdateQR(ctx, phoneID, qr, nowMillis); err != nil && !errors.Is(err, ErrNotFound) {
		f.log.Warn().Err(err).Str("phone", phoneID).Msg("primary qr update failed, cached locally")
	}
	return f.cache.UpdateQR(ctx, phoneID, qr, nowMillis)
}

func (f *Fallback) GetPhone(ctx context.Context, phoneID string) (model.PhoneRecord, error) {
	rec, err := f.primary.GetPhone(ctx, phoneID)
	if err == nil || errors.Is(err, ErrNotFound) {
		return rec, err
	}
	f.log.Warn().Err(err).Str("phone", phoneID).Msg("primary read failed, serving cache")
	return f.cache.GetPhone(ctx, phoneID)
}

func (f *Fallback) ListPhones(ctx context.Context) ([]model.PhoneRecord, error) {
	recs, err := f.primary.ListPhones(ctx)
	if err == nil {
		return recs, nil
	}
	f.log.Warn().Err(err).Msg("primary list failed, serving cache")
	return f.cache.ListPhones(ctx)
}

func (f *Fallback) DeletePhone(ctx context.Context, phoneID string) error {
	if err := f.primary.DeletePhone(ctx, phoneID); err != nil && !errors.Is(err, ErrNotFound) {
		f.log.Warn().Err(err).Str("phone", phoneID).Msg("primary delete failed")
	}
	return f.cache.DeletePhone(ctx, phoneID)
}
