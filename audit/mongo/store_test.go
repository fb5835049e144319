package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reploid-dev/reploid/audit"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestSaveAndLoadRun(t *testing.T) {
	store := mustNewTestStore()
	bundle := audit.Bundle{
		ProtocolVersion: 1,
		Events: []audit.Event{
			{Timestamp: time.Now(), LogicalClock: 1, Topic: "vfs:write", Payload: json.RawMessage(`{"path":"/a.txt"}`)},
			{Timestamp: time.Now(), LogicalClock: 2, Topic: "cycle:think_begin", Payload: json.RawMessage(`{"goal":"hi"}`)},
		},
	}

	require.NoError(t, store.SaveRun(context.Background(), "run-1", bundle))

	loaded, err := store.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, bundle.ProtocolVersion, loaded.ProtocolVersion)
	require.Len(t, loaded.Events, 2)
	require.Equal(t, "vfs:write", loaded.Events[0].Topic)
	require.Equal(t, uint64(2), loaded.Events[1].LogicalClock)
	require.JSONEq(t, `{"path":"/a.txt"}`, string(loaded.Events[0].Payload))
}

func TestSaveRunOverwritesPreviousRunWithSameID(t *testing.T) {
	store := mustNewTestStore()
	first := audit.Bundle{ProtocolVersion: 1, Events: []audit.Event{{Topic: "vfs:write", LogicalClock: 1}}}
	second := audit.Bundle{ProtocolVersion: 1, Events: []audit.Event{{Topic: "vfs:write", LogicalClock: 1}, {Topic: "vfs:write", LogicalClock: 2}}}

	require.NoError(t, store.SaveRun(context.Background(), "run-1", first))
	require.NoError(t, store.SaveRun(context.Background(), "run-1", second))

	loaded, err := store.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, loaded.Events, 2)
}

func TestSaveRunRequiresID(t *testing.T) {
	store := mustNewTestStore()
	err := store.SaveRun(context.Background(), "", audit.Bundle{})
	require.EqualError(t, err, "run id is required")
}

func TestLoadRunMissingReturnsError(t *testing.T) {
	store := mustNewTestStore()
	_, err := store.LoadRun(context.Background(), "missing")
	require.Error(t, err)
}

func mustNewTestStore() *Store {
	return newStoreWithCollection(newFakeCollection(), time.Second)
}

type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	docs         map[string]bundleDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]bundleDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.docs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	up := update.(bson.M)
	if set, ok := up["$set"].(bundleDocument); ok {
		c.docs[runID] = set
	}
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *bool
}

func (v fakeIndexView) CreateOne(_ context.Context, _ mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	*v.parent = true
	return "run_id_idx", nil
}

type fakeSingleResult struct {
	doc *bundleDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*bundleDocument)
	if !ok {
		return nil
	}
	*target = *r.doc
	return nil
}
