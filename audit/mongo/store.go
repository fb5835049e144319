// Package mongo persists audit Bundles to MongoDB for durability beyond a
// single process's lifetime, following the same client/collection
// abstraction the teacher uses for its run and memory stores so the store
// can be exercised against a fake collection without a live database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reploid-dev/reploid/audit"
)

const (
	defaultCollection = "reploid_audit_runs"
	defaultOpTimeout   = 5 * time.Second
)

// Options configures the Mongo-backed audit store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists and loads audit Bundles, keyed by run ID, in MongoDB.
type Store struct {
	coll    collection
	timeout time.Duration
}

// NewStore builds a Store from an already-connected Mongo client, ensuring
// the unique run_id index exists before returning.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(wrapper, timeout), nil
}

func newStoreWithCollection(coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{coll: coll, timeout: timeout}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// bundleDocument is the on-disk shape of a stored run: the audit.Bundle plus
// the run ID it is keyed by. audit.Bundle itself carries no run identity, so
// the store layer supplies one.
type bundleDocument struct {
	RunID           string        `bson:"run_id"`
	ProtocolVersion int           `bson:"protocol_version"`
	Events          []eventRecord `bson:"events"`
	StoredAt        time.Time     `bson:"stored_at"`
}

type eventRecord struct {
	Timestamp    time.Time `bson:"timestamp"`
	LogicalClock uint64    `bson:"logical_clock"`
	Topic        string    `bson:"topic"`
	// Payload holds the event's raw JSON bytes verbatim, stored as BSON
	// binary rather than decoded into a document, so replay sees exactly
	// the bytes audit.Log recorded regardless of topic shape.
	Payload []byte `bson:"payload"`
}

func toDocument(runID string, bundle audit.Bundle) bundleDocument {
	doc := bundleDocument{
		RunID:           runID,
		ProtocolVersion: bundle.ProtocolVersion,
		Events:          make([]eventRecord, len(bundle.Events)),
		StoredAt:        time.Now().UTC(),
	}
	for i, e := range bundle.Events {
		doc.Events[i] = eventRecord{
			Timestamp:    e.Timestamp,
			LogicalClock: e.LogicalClock,
			Topic:        e.Topic,
			Payload:      append([]byte(nil), e.Payload...),
		}
	}
	return doc
}

func (doc bundleDocument) toBundle() audit.Bundle {
	bundle := audit.Bundle{
		ProtocolVersion: doc.ProtocolVersion,
		Events:          make([]audit.Event, len(doc.Events)),
	}
	for i, e := range doc.Events {
		bundle.Events[i] = audit.Event{
			Timestamp:    e.Timestamp,
			LogicalClock: e.LogicalClock,
			Topic:        e.Topic,
			Payload:      append([]byte(nil), e.Payload...),
		}
	}
	return bundle
}

// SaveRun upserts bundle under runID, replacing any previously stored run
// with the same ID.
func (s *Store) SaveRun(ctx context.Context, runID string, bundle audit.Bundle) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	update := bson.M{"$set": toDocument(runID, bundle)}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("audit mongo: save run %q: %w", runID, err)
	}
	return nil
}

// LoadRun retrieves the Bundle stored under runID.
func (s *Store) LoadRun(ctx context.Context, runID string) (audit.Bundle, error) {
	if runID == "" {
		return audit.Bundle{}, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc bundleDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		return audit.Bundle{}, fmt.Errorf("audit mongo: load run %q: %w", runID, err)
	}
	return doc.toBundle(), nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// collection is the subset of *mongo.Collection the store needs, narrowed to
// an interface so tests can substitute a fake without a live database.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
