package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// MemoryStore keeps sessions as serialized JSON in process memory. It is
// the fallback tier behind Redis and the default store in tests. Records
// are stored as bytes rather than live pointers so that callers never
// share mutable state with the store: every Load hands out a fresh copy
// and only Save commits changes back.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	locks map[string]*sync.Mutex
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  map[string][]byte{},
		locks: map[string]*sync.Mutex{},
	}
}

// lockFor returns the mutex dedicated to one session id, creating it on
// first use. Distinct ids get distinct mutexes so sessions never contend
// with each other.
func (m *MemoryStore) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *MemoryStore) load(id string) (*model.Session, error) {
	m.mu.RLock()
	raw, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	s.EnsureMaps()
	return &s, nil
}

func (m *MemoryStore) save(s *model.Session) error {
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[s.SessionID] = raw
	m.mu.Unlock()
	return nil
}

// GetOrCreate loads the session or creates an empty one.
func (m *MemoryStore) GetOrCreate(ctx context.Context, id, ownerUserID string) (*model.Session, error) {
	if s, err := m.load(id); err == nil {
		return s, nil
	} else if err != ErrSessionNotFound {
		return nil, err
	}
	s := model.NewSession(id, ownerUserID)
	if err := m.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(ctx context.Context, id string) (*model.Session, error) {
	return m.load(id)
}

// Save persists the session.
func (m *MemoryStore) Save(ctx context.Context, s *model.Session) error {
	return m.save(s)
}

// RunExclusive serializes fn against all other operations on the same id.
// The session is saved only when fn returns nil.
func (m *MemoryStore) RunExclusive(ctx context.Context, id string, fn func(*model.Session) error) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := m.load(id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return m.save(s)
}

// Delete removes the record; deleting a missing session is a no-op. The
// per-id mutex is kept: another goroutine may hold it inside RunExclusive,
// and handing out a fresh mutex for the same id would let two critical
// sections overlap across a delete/recreate.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}

// ListByOwner scans all sessions for ones the user participates in,
// newest first. Linear scan is fine for a fallback tier.
func (m *MemoryStore) ListByOwner(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	if userID == "" {
		return nil, nil
	}
	m.mu.RLock()
	raws := make([][]byte, 0, len(m.data))
	for _, raw := range m.data {
		raws = append(raws, raw)
	}
	m.mu.RUnlock()

	var out []model.SessionSummary
	for _, raw := range raws {
		var s model.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		s.EnsureMaps()
		for _, uid := range participants(&s) {
			if uid == userID {
				out = append(out, summaryOf(&s))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
