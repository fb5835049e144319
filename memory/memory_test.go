package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/memory"
	"github.com/reploid-dev/reploid/vfs"
)

func TestWorkingPutRetrieveRoundTrip(t *testing.T) {
	w := memory.NewWorking(10, nil)
	rec, err := w.Put(context.Background(), "remember this")
	require.NoError(t, err)
	assert.Equal(t, memory.KindWorking, rec.Kind)

	got, err := w.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "remember this", got[0].Content)
}

func TestWorkingCapacityEvictsOldest(t *testing.T) {
	w := memory.NewWorking(2, nil)
	_, err := w.Put(context.Background(), "first")
	require.NoError(t, err)
	_, err = w.Put(context.Background(), "second")
	require.NoError(t, err)
	_, err = w.Put(context.Background(), "third")
	require.NoError(t, err)

	got, err := w.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.NotEqual(t, "first", r.Content, "oldest record should have been evicted")
	}
}

func TestWorkingFilterExcludesOtherKinds(t *testing.T) {
	w := memory.NewWorking(10, nil)
	_, err := w.Put(context.Background(), "x")
	require.NoError(t, err)

	got, err := w.Retrieve(context.Background(), "", 10, memory.Filter{Kinds: []memory.Kind{memory.KindEpisodic}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEpisodicPutIsIdempotentByContentHash(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	e := memory.NewEpisodic(fs, nil)

	first, err := e.Put(context.Background(), "the agent read a file")
	require.NoError(t, err)
	second, err := e.Put(context.Background(), "the agent read a file")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	got, err := e.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1, "re-appending identical content must not duplicate the record")
}

func TestEpisodicRetrieveReflectsAccessCount(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	e := memory.NewEpisodic(fs, nil)

	_, err := e.Put(context.Background(), "episode one")
	require.NoError(t, err)
	_, err = e.Put(context.Background(), "episode one")
	require.NoError(t, err)
	_, err = e.Put(context.Background(), "episode one")
	require.NoError(t, err)

	got, err := e.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].AccessCount)
}

func TestSemanticPutUpsertsByContentHash(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	s := memory.NewSemantic(fs, nil)

	first, err := s.Put(context.Background(), "water boils at 100C")
	require.NoError(t, err)
	second, err := s.Put(context.Background(), "water boils at 100C")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1, "upsert must replace rather than duplicate the record")
}

func TestSemanticRetrieveFilterExcludesKind(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	s := memory.NewSemantic(fs, nil)
	_, err := s.Put(context.Background(), "a fact")
	require.NoError(t, err)

	got, err := s.Retrieve(context.Background(), "", 10, memory.Filter{Kinds: []memory.Kind{memory.KindWorking}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRankOrdersBySimilarityRecencyFrequency(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	embedder := func(ctx context.Context, text string) (memory.Embedding, error) {
		if text == "closely related to query" || text == "query" {
			return memory.Embedding{1, 0}, nil
		}
		return memory.Embedding{0, 1}, nil
	}
	e := memory.NewEpisodic(fs, embedder)

	_, err := e.Put(context.Background(), "closely related to query")
	require.NoError(t, err)
	_, err = e.Put(context.Background(), "totally unrelated content")
	require.NoError(t, err)

	got, err := e.Retrieve(context.Background(), "query", 10, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "closely related to query", got[0].Content, "higher cosine similarity should rank first")
}

type fakeRedisClient struct {
	data map[string]string
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{data: make(map[string]string)}
}

func (f *fakeRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	field := values[0].(string)
	var raw []byte
	switch v := values[1].(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	}
	f.data[field] = string(raw)
	return nil
}

func (f *fakeRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func TestRedisBackendUpsertsByContentHash(t *testing.T) {
	client := newFakeRedisClient()
	backend := memory.NewRedisBackend(client, memory.KindSemantic)

	first, err := backend.Put(context.Background(), "durable fact")
	require.NoError(t, err)
	second, err := backend.Put(context.Background(), "durable fact")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := backend.Retrieve(context.Background(), "", 10, memory.Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
