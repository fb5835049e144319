package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/vfs"
)

// Semantic stores extracted facts under /memory/knowledge/, upserted by
// content hash so re-extracting the same fact never duplicates it (spec
// §4.9: "semantic is upsert-by-content-hash").
type Semantic struct {
	fs       *vfs.Vfs
	embedder Embedder

	mu          sync.Mutex
	lastAccess  map[string]time.Time
	accessCount map[string]int
}

// NewSemantic constructs a Semantic store writing under /memory/knowledge/.
func NewSemantic(fs *vfs.Vfs, embedder Embedder) *Semantic {
	return &Semantic{fs: fs, embedder: embedder, lastAccess: make(map[string]time.Time), accessCount: make(map[string]int)}
}

func (s *Semantic) Put(ctx context.Context, content string) (Record, error) {
	id := contentHash(content)
	path := vfs.Path("/memory/knowledge/" + id + ".json")

	if existing, err := s.fs.Read(path); err == nil {
		var rec Record
		if jerr := json.Unmarshal(existing, &rec); jerr == nil {
			s.touch(id)
			return rec, nil
		}
	}

	rec := Record{ID: id, Kind: KindSemantic, Content: content, CreatedAt: time.Now(), LastAccess: time.Now()}
	if s.embedder != nil {
		emb, err := s.embedder(ctx, content)
		if err != nil {
			return Record{}, err
		}
		rec.Embedding = emb
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.fs.Write(ctx, path, raw); err != nil {
		return Record{}, err
	}
	s.touch(id)
	return rec, nil
}

func (s *Semantic) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Record, error) {
	if !matchesFilter(KindSemantic, filter) {
		return nil, nil
	}
	var queryEmbedding Embedding
	if s.embedder != nil && query != "" {
		emb, err := s.embedder(ctx, query)
		if err != nil {
			return nil, err
		}
		queryEmbedding = emb
	}

	var records []Record
	for _, p := range s.fs.List("/memory/knowledge/") {
		raw, err := s.fs.Read(p)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		s.mu.Lock()
		if t, ok := s.lastAccess[rec.ID]; ok {
			rec.LastAccess = t
		}
		rec.AccessCount = s.accessCount[rec.ID]
		s.mu.Unlock()
		records = append(records, rec)
	}
	return rank(records, queryEmbedding, k, time.Now()), nil
}

func (s *Semantic) touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess[id] = time.Now()
	s.accessCount[id]++
}

// RedisBackend is an alternate durable backend for episodic/semantic
// records, used when a deployment needs retrieval latency independent of
// VFS quota pressure (DOMAIN STACK: "Memory durable backend ... Memory
// Tiers (episodic/semantic redis-backed store)"). It mirrors the VFS-backed
// stores' upsert-by-content-hash semantics against a redis hash keyed by
// kind.
type RedisBackend struct {
	client RedisClient
	kind   Kind
}

// RedisClient is the subset of *redis.Client REPLOID depends on, so tests
// can substitute an in-memory fake without pulling in a real server.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// NewRedisBackend constructs a RedisBackend for the given tier kind, storing
// records in the redis hash "reploid:memory:<kind>".
func NewRedisBackend(client RedisClient, kind Kind) *RedisBackend {
	return &RedisBackend{client: client, kind: kind}
}

func (r *RedisBackend) key() string { return "reploid:memory:" + string(r.kind) }

func (r *RedisBackend) Put(ctx context.Context, content string) (Record, error) {
	id := contentHash(content)
	existing, err := r.client.HGetAll(ctx, r.key())
	if err != nil {
		return Record{}, err
	}
	if raw, ok := existing[id]; ok {
		var rec Record
		if jerr := json.Unmarshal([]byte(raw), &rec); jerr == nil {
			return rec, nil
		}
	}
	rec := Record{ID: id, Kind: r.kind, Content: content, CreatedAt: time.Now(), LastAccess: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := r.client.HSet(ctx, r.key(), id, raw); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *RedisBackend) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Record, error) {
	if !matchesFilter(r.kind, filter) {
		return nil, nil
	}
	entries, err := r.client.HGetAll(ctx, r.key())
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, raw := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			records = append(records, rec)
		}
	}
	return rank(records, nil, k, time.Now()), nil
}
