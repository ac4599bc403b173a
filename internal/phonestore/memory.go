package phonestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"whatsbox-server/internal/model"
)

// Memory keeps phone rows in process. With a state file configured it
// writes an atomic snapshot after every mutation and reloads it on start,
// so paired phones survive a restart.
type Memory struct {
	log zerolog.Logger

	mu        sync.RWMutex
	phones    map[string]model.PhoneRecord
	stateFile string
	persistMu sync.Mutex
}

func NewMemory(log zerolog.Logger) *Memory {
	return NewMemoryWithFile(log, "")
}

func NewMemoryWithFile(log zerolog.Logger, stateFile string) *Memory {
	m := &Memory{
		log:       log,
		phones:    make(map[string]model.PhoneRecord),
		stateFile: stateFile,
	}
	if stateFile != "" {
		if err := m.loadFromFile(stateFile); err != nil {
			log.Warn().Err(err).Str("path", stateFile).Msg("phone state load failed")
		}
	}
	return m
}

type persistedPhonesFile struct {
	Version int                 `json:"version"`
	Phones  []model.PhoneRecord `json:"phones"`
	SavedAt int64               `json:"savedAt"`
}

func (m *Memory) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedPhonesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported phone state version")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range file.Phones {
		if p.ID == "" {
			continue
		}
		// A process restart drops every live connection; rows claiming a
		// live status would be stale.
		if p.Status.Live() {
			p.Status = model.StatusInactive
		}
		m.phones[p.ID] = p
	}
	return nil
}

func (m *Memory) snapshotLocked() []model.PhoneRecord {
	result := make([]model.PhoneRecord, 0, len(m.phones))
	for _, p := range m.phones {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) persistSnapshot(phones []model.PhoneRecord) {
	path := m.stateFile
	if path == "" {
		return
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("phone state mkdir failed")
		return
	}

	file := persistedPhonesFile{Version: 1, Phones: phones, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		m.log.Warn().Err(err).Msg("phone state marshal failed")
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		m.log.Warn().Err(err).Msg("phone state create temp failed")
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		m.log.Warn().Err(err).Msg("phone state chmod failed")
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		m.log.Warn().Err(err).Msg("phone state write failed")
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		m.log.Warn().Err(err).Msg("phone state sync failed")
		return
	}
	if err := tmp.Close(); err != nil {
		m.log.Warn().Err(err).Msg("phone state close failed")
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		m.log.Warn().Err(err).Msg("phone state rename failed")
	}
}

func (m *Memory) mutate(fn func() bool) {
	m.mu.Lock()
	changed := fn()
	var snapshot []model.PhoneRecord
	if changed && m.stateFile != "" {
		snapshot = m.snapshotLocked()
	}
	m.mu.Unlock()
	if snapshot != nil {
		m.persistSnapshot(snapshot)
	}
}

func (m *Memory) UpsertPhone(ctx context.Context, rec model.PhoneRecord) error {
	if rec.ID == "" {
		return errors.New("missing phone id")
	}
	m.mutate(func() bool {
		if existing, ok := m.phones[rec.ID]; ok && rec.CreatedAt == 0 {
			rec.CreatedAt = existing.CreatedAt
		}
		m.phones[rec.ID] = rec
		return true
	})
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, phoneID string, status model.SessionStatus, nowMillis int64) error {
	err := ErrNotFound
	m.mutate(func() bool {
		p, ok := m.phones[phoneID]
		if !ok {
			return false
		}
		p.Status = status
		p.LastActivity = nowMillis
		if status == model.StatusActive {
			p.LastConnected = nowMillis
		}
		m.phones[phoneID] = p
		err = nil
		return true
	})
	return err
}

func (m *Memory) UpdateQR(ctx context.Context, phoneID string, qr string, nowMillis int64) error {
	err := ErrNotFound
	m.mutate(func() bool {
		p, ok := m.phones[phoneID]
		if !ok {
			return false
		}
		p.PairingToken = qr
		p.LastActivity = nowMillis
		m.phones[phoneID] = p
		err = nil
		return true
	})
	return err
}

func (m *Memory) GetPhone(ctx context.Context, phoneID string) (model.PhoneRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.phones[phoneID]
	if !ok {
		return model.PhoneRecord{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPhones(ctx context.Context) ([]model.PhoneRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.PhoneRecord, 0, len(m.phones))
	for _, p := range m.phones {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt > result[j].CreatedAt })
	return result, nil
}

func (m *Memory) DeletePhone(ctx context.Context, phoneID string) error {
	err := ErrNotFound
	m.mutate(func() bool {
		if _, ok := m.phones[phoneID]; !ok {
			return false
		}
		delete(m.phones, phoneID)
		err = nil
		return true
	})
	return err
}
