package eventbus

import (
	"context"
	"sync"
)

// CursorStore durably tracks the last acknowledged sequence number per
// persistent subscription id, so a restarted subscription resumes instead of
// replaying from the beginning (spec §4.2 "persistent subscriptions resume
// from their last acknowledged sequence").
type CursorStore interface {
	Load(ctx context.Context, subscriptionID string) (uint64, error)
	Save(ctx context.Context, subscriptionID string, sequence uint64) error
}

type memCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemCursorStore returns an in-process CursorStore. Cursors do not
// survive process restart; use a durable implementation (e.g. a Mongo-backed
// one mirroring txn/mongo's Options idiom) for real persistence.
func NewMemCursorStore() CursorStore {
	return &memCursorStore{cursors: make(map[string]uint64)}
}

func (m *memCursorStore) Load(ctx context.Context, subscriptionID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[subscriptionID], nil
}

func (m *memCursorStore) Save(ctx context.Context, subscriptionID string, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sequence > m.cursors[subscriptionID] {
		m.cursors[subscriptionID] = sequence
	}
	return nil
}

var _ CursorStore = (*memCursorStore)(nil)
