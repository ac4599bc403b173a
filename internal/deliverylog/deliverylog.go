// Package deliverylog keeps the per-phone log of outgoing message
// attempts and their delivery state.
package deliverylog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"whatsbox-server/internal/model"
)

type Log struct {
	mu      sync.RWMutex
	byPhone map[string][]model.DeliveryRecord
	byID    map[string]int // record id -> index within its phone slice
	phoneOf map[string]string
	seq     map[string]int64
}

func New() *Log {
	return &Log{
		byPhone: make(map[string][]model.DeliveryRecord),
		byID:    make(map[string]int),
		phoneOf: make(map[string]string),
		seq:     make(map[string]int64),
	}
}

// Append records a pending delivery and returns it.
func (l *Log) Append(phoneID, messageID, recipient string, nowMillis int64) model.DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[phoneID]++
	rec := model.DeliveryRecord{
		ID:        uuid.NewString(),
		PhoneID:   phoneID,
		MessageID: messageID,
		Recipient: recipient,
		Status:    model.DeliveryPending,
		Seq:       l.seq[phoneID],
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	l.byID[rec.ID] = len(l.byPhone[phoneID])
	l.phoneOf[rec.ID] = phoneID
	l.byPhone[phoneID] = append(l.byPhone[phoneID], rec)
	return rec
}

func (l *Log) MarkSent(recordID string) bool {
	return l.mark(recordID, model.DeliverySuccess, "")
}

func (l *Log) MarkFailed(recordID, reason string) bool {
	return l.mark(recordID, model.DeliveryFailed, reason)
}

func (l *Log) mark(recordID string, status model.DeliveryStatus, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	phoneID, ok := l.phoneOf[recordID]
	if !ok {
		return false
	}
	idx := l.byID[recordID]
	recs := l.byPhone[phoneID]
	recs[idx].Status = status
	recs[idx].Error = reason
	recs[idx].UpdatedAt = time.Now().UnixMilli()
	return true
}

// ListAfter returns up to limit records for phoneID with Seq > after, in
// seq order.
func (l *Log) ListAfter(phoneID string, after int64, limit int) []model.DeliveryRecord {
	if limit <= 0 {
		limit = 100
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.byPhone[phoneID]
	result := make([]model.DeliveryRecord, 0, limit)
	for _, rec := range recs {
		if rec.Seq > after {
			result = append(result, rec)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// DeletePhone drops all records for phoneID.
func (l *Log) DeletePhone(phoneID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.byPhone[phoneID] {
		delete(l.byID, rec.ID)
		delete(l.phoneOf, rec.ID)
	}
	delete(l.byPhone, phoneID)
	delete(l.seq, phoneID)
}
