package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Event is a single immutable message journaled by the bus. Sequence is the
// monotonic total order assigned by the bus's single allocator (spec §4.2:
// "the journal is the canonical total order").
type Event struct {
	Sequence  uint64
	Topic     string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Journal is the durable, append-only store backing a Bus. Implementations
// must assign strictly increasing sequence numbers and support forward
// listing from an arbitrary sequence, mirroring runlog.Store's
// append-plus-cursor-list shape.
type Journal interface {
	// Append persists events atomically, assigning each the next sequence
	// number in a single allocation (spec §4.2 publishBatch).
	Append(ctx context.Context, events ...*Event) error

	// List returns events with Sequence > fromSequence, oldest first, up to
	// limit entries.
	List(ctx context.Context, fromSequence uint64, limit int) ([]*Event, error)

	// ListSince returns events with Timestamp >= fromTimestamp, oldest first,
	// up to limit entries.
	ListSince(ctx context.Context, fromTimestamp time.Time, limit int) ([]*Event, error)

	// LastSequence returns the highest sequence number journaled so far, or 0
	// if the journal is empty.
	LastSequence(ctx context.Context) (uint64, error)
}

// memJournal is an in-memory Journal for local/single-node deployments and
// tests. It owns the sequence allocator.
type memJournal struct {
	mu     sync.RWMutex
	events []*Event
	seq    uint64
}

// NewMemJournal returns a Journal backed by an in-process slice.
func NewMemJournal() Journal {
	return &memJournal{}
}

func (j *memJournal) Append(ctx context.Context, events ...*Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range events {
		j.seq++
		e.Sequence = j.seq
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		j.events = append(j.events, e)
	}
	return nil
}

func (j *memJournal) List(ctx context.Context, fromSequence uint64, limit int) ([]*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	idx := sort.Search(len(j.events), func(i int) bool {
		return j.events[i].Sequence > fromSequence
	})
	end := idx + limit
	if limit <= 0 || end > len(j.events) {
		end = len(j.events)
	}
	out := make([]*Event, end-idx)
	copy(out, j.events[idx:end])
	return out, nil
}

func (j *memJournal) ListSince(ctx context.Context, fromTimestamp time.Time, limit int) ([]*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Event
	for _, e := range j.events {
		if e.Timestamp.Before(fromTimestamp) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *memJournal) LastSequence(ctx context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.events) == 0 {
		return 0, nil
	}
	return j.events[len(j.events)-1].Sequence, nil
}

var _ Journal = (*memJournal)(nil)

// errEmptyTopic is returned by Bus.Publish when called with an empty topic.
func errEmptyTopic() error { return fmt.Errorf("eventbus: topic is required") }
