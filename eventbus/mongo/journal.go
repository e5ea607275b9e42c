// Package mongo backs eventbus.Journal with MongoDB, using a capped-free
// collection ordered by an auto-incrementing sequence field maintained via
// atomic findOneAndUpdate, matching the idiom used by txn/mongo and the
// teacher's Mongo client wrappers.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentctrl/controlplane/eventbus"
)

const sequenceCounterID = "eventbus.sequence"

// Options configures the Mongo-backed Journal.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Journal implements eventbus.Journal against MongoDB.
type Journal struct {
	events   *mongodriver.Collection
	counters *mongodriver.Collection
	timeout  time.Duration
}

// New returns an eventbus.Journal backed by two collections: "eventbus_events"
// for the journal itself and "eventbus_counters" for the sequence allocator.
func New(opts Options) (*Journal, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("eventbus mongo journal: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("eventbus mongo journal: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	db := opts.Client.Database(opts.Database)
	return &Journal{
		events:   db.Collection("eventbus_events"),
		counters: db.Collection("eventbus_counters"),
		timeout:  timeout,
	}, nil
}

var _ eventbus.Journal = (*Journal)(nil)

type eventDoc struct {
	Sequence  uint64    `bson:"sequence"`
	Topic     string    `bson:"topic"`
	Payload   []byte    `bson:"payload"`
	Timestamp time.Time `bson:"timestamp"`
}

// Append reserves one contiguous block of sequence numbers for the whole
// batch with a single atomic counter increment, assigns them in order, then
// inserts all events with one InsertMany. The insert is not transactional:
// if it fails partway, documents written before the failure stay in the
// journal.
func (j *Journal) Append(ctx context.Context, events ...*eventbus.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	first, err := j.nextSequence(ctx, uint64(len(events)))
	if err != nil {
		return fmt.Errorf("eventbus mongo journal: allocate sequence: %w", err)
	}
	docs := make([]any, 0, len(events))
	for i, e := range events {
		e.Sequence = first + uint64(i)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		docs = append(docs, eventDoc{
			Sequence:  e.Sequence,
			Topic:     e.Topic,
			Payload:   []byte(e.Payload),
			Timestamp: e.Timestamp,
		})
	}
	if _, err := j.events.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("eventbus mongo journal: insert: %w", err)
	}
	return nil
}

// nextSequence atomically reserves a contiguous block of `count` sequence
// numbers and returns the first of them, so a batch's members get ascending,
// contiguous sequence numbers without a read-modify-write race between
// concurrent publishers.
func (j *Journal) nextSequence(ctx context.Context, count uint64) (uint64, error) {
	after := options.After
	var doc struct {
		Value uint64 `bson:"value"`
	}
	err := j.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sequenceCounterID},
		bson.M{"$inc": bson.M{"value": int64(count)}},
		options.FindOneAndUpdate().SetReturnDocument(after).SetUpsert(true),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Value - count + 1, nil
}

// List returns events with Sequence > fromSequence, oldest first.
func (j *Journal) List(ctx context.Context, fromSequence uint64, limit int) ([]*eventbus.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := j.events.Find(ctx, bson.M{"sequence": bson.M{"$gt": fromSequence}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("eventbus mongo journal: list: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

// ListSince returns events with Timestamp >= fromTimestamp, oldest first.
func (j *Journal) ListSince(ctx context.Context, fromTimestamp time.Time, limit int) ([]*eventbus.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := j.events.Find(ctx, bson.M{"timestamp": bson.M{"$gte": fromTimestamp}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("eventbus mongo journal: list since: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

// LastSequence returns the highest sequence number journaled so far.
func (j *Journal) LastSequence(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	findOpts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var doc eventDoc
	err := j.events.FindOne(ctx, bson.M{}, findOpts).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("eventbus mongo journal: last sequence: %w", err)
	}
	return doc.Sequence, nil
}

func decodeAll(ctx context.Context, cur *mongodriver.Cursor) ([]*eventbus.Event, error) {
	var out []*eventbus.Event
	for cur.Next(ctx) {
		var d eventDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("eventbus mongo journal: decode: %w", err)
		}
		out = append(out, &eventbus.Event{
			Sequence:  d.Sequence,
			Topic:     d.Topic,
			Payload:   d.Payload,
			Timestamp: d.Timestamp,
		})
	}
	return out, cur.Err()
}
