package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/vfs"
)

// Episodic persists messages append-only under /memory/episodes/, bounded
// only by VFS quota, not count (spec §4.9). Writes are deterministic: the
// same content always produces the same record id, so re-appending an
// already-recorded episode is a no-op rather than a duplicate.
type Episodic struct {
	fs       *vfs.Vfs
	embedder Embedder

	mu          sync.Mutex
	lastAccess  map[string]time.Time
	accessCount map[string]int
}

// NewEpisodic constructs an Episodic store writing under /memory/episodes/.
func NewEpisodic(fs *vfs.Vfs, embedder Embedder) *Episodic {
	return &Episodic{fs: fs, embedder: embedder, lastAccess: make(map[string]time.Time), accessCount: make(map[string]int)}
}

func (e *Episodic) Put(ctx context.Context, content string) (Record, error) {
	id := contentHash(content)
	path := vfs.Path("/memory/episodes/" + id + ".json")
	if existing, err := e.fs.Read(path); err == nil {
		var rec Record
		if jerr := json.Unmarshal(existing, &rec); jerr == nil {
			e.touch(id)
			return rec, nil
		}
	}

	rec := Record{ID: id, Kind: KindEpisodic, Content: content, CreatedAt: time.Now(), LastAccess: time.Now()}
	if e.embedder != nil {
		emb, err := e.embedder(ctx, content)
		if err != nil {
			return Record{}, err
		}
		rec.Embedding = emb
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := e.fs.Write(ctx, path, raw); err != nil {
		return Record{}, err
	}
	e.touch(id)
	return rec, nil
}

func (e *Episodic) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Record, error) {
	if !matchesFilter(KindEpisodic, filter) {
		return nil, nil
	}
	var queryEmbedding Embedding
	if e.embedder != nil && query != "" {
		emb, err := e.embedder(ctx, query)
		if err != nil {
			return nil, err
		}
		queryEmbedding = emb
	}

	var records []Record
	for _, p := range e.fs.List("/memory/episodes/") {
		raw, err := e.fs.Read(p)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		e.mu.Lock()
		if t, ok := e.lastAccess[rec.ID]; ok {
			rec.LastAccess = t
		}
		rec.AccessCount = e.accessCount[rec.ID]
		e.mu.Unlock()
		records = append(records, rec)
	}
	return rank(records, queryEmbedding, k, time.Now()), nil
}

func (e *Episodic) touch(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAccess[id] = time.Now()
	e.accessCount[id]++
}
