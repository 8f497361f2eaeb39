package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/toolwarden/toolwarden/internal/protocols/approval"
)

// ApprovalStore implements approval.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type ApprovalStore struct {
	mu         sync.RWMutex
	byID       map[string]*approval.Record
	activeKeys map[string]string
}

// NewApprovalStore creates a new in-memory approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{
		byID:       make(map[string]*approval.Record),
		activeKeys: make(map[string]string),
	}
}

func activeKey(caller, tool, digest string) string {
	return caller + "\x00" + tool + "\x00" + digest
}

// Create inserts a new record and indexes it as the active record for
// its (caller, tool, digest) key.
func (s *ApprovalStore) Create(ctx context.Context, rec *approval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := copyRecord(rec)
	s.byID[rec.ID] = recCopy
	s.activeKeys[activeKey(rec.Caller, rec.Tool, rec.Digest)] = rec.ID
	return nil
}

// GetActive returns the non-consumed record for (caller, tool, digest).
func (s *ApprovalStore) GetActive(ctx context.Context, caller, tool, digest string) (*approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeKeys[activeKey(caller, tool, digest)]
	if !ok {
		return nil, approval.ErrNotFound
	}
	rec, ok := s.byID[id]
	if !ok || rec.Consumed {
		return nil, approval.ErrNotFound
	}
	return copyRecord(rec), nil
}

// GetByID returns a record by id.
func (s *ApprovalStore) GetByID(ctx context.Context, id string) (*approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return copyRecord(rec), nil
}

// Update rewrites an existing record. A consumed record drops out of the
// active index so the next evaluation starts a fresh cycle.
func (s *ApprovalStore) Update(ctx context.Context, rec *approval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; !ok {
		return approval.ErrNotFound
	}
	s.byID[rec.ID] = copyRecord(rec)

	key := activeKey(rec.Caller, rec.Tool, rec.Digest)
	if rec.Consumed {
		if s.activeKeys[key] == rec.ID {
			delete(s.activeKeys, key)
		}
	}
	return nil
}

// ListPending returns all pending records, oldest first.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]*approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*approval.Record
	for _, rec := range s.byID {
		if rec.Status == approval.StatusPending {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Size returns the number of records currently stored.
// Useful for testing.
func (s *ApprovalStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// copyRecord creates a deep copy of an approval record.
func copyRecord(rec *approval.Record) *approval.Record {
	recCopy := *rec
	if rec.Payload != nil {
		recCopy.Payload = make(map[string]interface{}, len(rec.Payload))
		for k, v := range rec.Payload {
			recCopy.Payload[k] = v
		}
	}
	return &recCopy
}

// Compile-time interface verification.
var _ approval.Store = (*ApprovalStore)(nil)
