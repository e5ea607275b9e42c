// Package mongo backs txn.Store with MongoDB, using multi-document
// transactions for RunTransaction and document-level predicated updates for
// the optimistic-lock/increment/compare-and-swap primitives. It follows the
// teacher's Mongo client idiom (features/session/mongo/clients/mongo): an
// Options struct with explicit defaults, a narrow collection wrapper
// interface, and context-scoped timeouts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/txn"
)

const defaultOpTimeout = 10 * time.Second

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements txn.Store against a MongoDB deployment. Collections are
// addressed by the logical table name passed to each operation, matching the
// spec's store-agnostic "table" vocabulary.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// New returns a txn.Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo store: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo store: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

var _ txn.Store = (*Store)(nil)

// RunTransaction executes fn inside a MongoDB multi-document transaction.
// Isolation is best-effort: MongoDB transactions are always snapshot
// (approximately serializable); the isolation parameter is accepted for
// interface compatibility but only affects read/write concern selection for
// `serializable`.
func (s *Store) RunTransaction(ctx context.Context, isolation config.IsolationLevel, fn txn.Op) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction()
	if isolation == config.IsolationSerializable {
		txnOpts.SetReadConcern(readconcern.Snapshot())
		txnOpts.SetWriteConcern(writeconcern.Majority())
	}

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(sessCtx)
	}, txnOpts)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) || isTransientTransactionError(err) {
			return fmt.Errorf("%w: %v", txn.ErrSerializationConflict, err)
		}
		return err
	}
	return nil
}

// UpdateWithOptimisticLock loads the document at (table, id), applies
// mutation, and writes it back with a filter predicated on the document's
// current `version` field, failing with txn.ErrSerializationConflict if the
// version moved between load and write.
func (s *Store) UpdateWithOptimisticLock(ctx context.Context, table, id string, expectedVersion int64, mutation func(doc any) (any, error)) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	coll := s.db.Collection(table)
	var doc bson.M
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return 0, fmt.Errorf("mongo store: load %s/%s: %w", table, id, err)
	}
	current, _ := doc["version"].(int64)
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: %s/%s expected version %d, found %d", txn.ErrSerializationConflict, table, id, expectedVersion, current)
	}

	newDoc, err := mutation(doc)
	if err != nil {
		return 0, err
	}
	newVersion := expectedVersion + 1
	set, ok := newDoc.(bson.M)
	if !ok {
		return 0, fmt.Errorf("mongo store: mutation must return bson.M, got %T", newDoc)
	}
	set["version"] = newVersion

	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": set},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo store: update %s/%s: %w", table, id, err)
	}
	if res.MatchedCount == 0 {
		return 0, fmt.Errorf("%w: %s/%s version changed concurrently", txn.ErrSerializationConflict, table, id)
	}
	return newVersion, nil
}

// AtomicIncrement uses Mongo's $inc operator, which is atomic per document,
// and returns the post-increment value via FindOneAndUpdate.
func (s *Store) AtomicIncrement(ctx context.Context, table, id, column string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	coll := s.db.Collection(table)
	after := options.After
	var doc bson.M
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{column: delta}},
		options.FindOneAndUpdate().SetReturnDocument(after).SetUpsert(true),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo store: increment %s/%s.%s: %w", table, id, column, err)
	}
	v, _ := doc[column].(int64)
	return v, nil
}

// CompareAndSwap sets column to newVal only if its current value equals
// expected, returning the pre-update document on success.
func (s *Store) CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	coll := s.db.Collection(table)
	before := options.Before
	var doc bson.M
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, column: expected},
		bson.M{"$set": bson.M{column: newVal}},
		options.FindOneAndUpdate().SetReturnDocument(before),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo store: compare-and-swap %s/%s.%s: %w", table, id, column, err)
	}
	return doc, nil
}

func isTransientTransactionError(err error) bool {
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError")
	}
	return false
}
