// Package memory implements the Memory Tiers: working, episodic, and
// semantic stores behind a common retrieval interface that scores candidates
// by similarity, recency, and access frequency. See spec §4.9.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"
)

type (
	// Kind discriminates the tier a Record belongs to.
	Kind string

	// Embedding is a dense vector produced by an external embedding model
	// (spec §1 non-goal: "consumed through narrow interfaces").
	Embedding []float32

	// Record is one memory entry (spec §3 Memory Record).
	Record struct {
		ID             string
		Kind           Kind
		Content        string
		Embedding      Embedding
		LastAccess     time.Time
		CreatedAt      time.Time
		RetentionScore float64
		AccessCount    int
	}

	// Filter narrows a retrieval to a subset of kinds; nil/empty means any.
	Filter struct {
		Kinds []Kind
	}

	// Embedder computes an embedding for similarity scoring. A nil Embedder
	// degrades retrieval to pure recency+frequency ranking.
	Embedder func(ctx context.Context, text string) (Embedding, error)

	// Store is the common retrieval interface every tier implements (spec
	// §4.9: "a common retrieval interface retrieve(query, k, filter?)").
	Store interface {
		Put(ctx context.Context, content string) (Record, error)
		Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Record, error)
	}

	scored struct {
		record Record
		score  float64
	}
)

const (
	KindWorking  Kind = "working"
	KindEpisodic Kind = "episodic"
	KindSemantic Kind = "semantic"

	// decayHalfLife models Ebbinghaus-style forgetting: retention halves
	// every this many hours since last access absent a fresh access boost.
	decayHalfLife = 24 * time.Hour
)

// score combines semantic similarity, recency decay, and an access-frequency
// boost into a single retrieval ranking key (spec §4.9).
func score(r Record, queryEmbedding Embedding, now time.Time) float64 {
	similarity := 0.0
	if queryEmbedding != nil && r.Embedding != nil {
		similarity = cosineSimilarity(queryEmbedding, r.Embedding)
	}
	age := now.Sub(r.LastAccess)
	recency := math.Exp(-float64(age) / float64(decayHalfLife) * math.Ln2)
	frequency := math.Log1p(float64(r.AccessCount))
	return similarity*0.6 + recency*0.3 + frequency*0.1
}

func cosineSimilarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func rank(records []Record, queryEmbedding Embedding, k int, now time.Time) []Record {
	scoredRecords := make([]scored, len(records))
	for i, r := range records {
		scoredRecords[i] = scored{record: r, score: score(r, queryEmbedding, now)}
	}
	sort.SliceStable(scoredRecords, func(i, j int) bool { return scoredRecords[i].score > scoredRecords[j].score })
	if k > 0 && k < len(scoredRecords) {
		scoredRecords = scoredRecords[:k]
	}
	out := make([]Record, len(scoredRecords))
	for i, s := range scoredRecords {
		out[i] = s.record
	}
	return out
}

func matchesFilter(kind Kind, f Filter) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Working is an in-RAM store capped by record count (spec §4.9: "Working
// memory is capped by count").
type Working struct {
	mu       sync.Mutex
	cap      int
	embedder Embedder
	records  []Record
}

// NewWorking constructs a Working store capped at capacity records; the
// oldest record is evicted once capacity is exceeded.
func NewWorking(capacity int, embedder Embedder) *Working {
	return &Working{cap: capacity, embedder: embedder}
}

func (w *Working) Put(ctx context.Context, content string) (Record, error) {
	rec := Record{ID: contentHash(content) + ":" + time.Now().UTC().Format(time.RFC3339Nano), Kind: KindWorking, Content: content, CreatedAt: time.Now(), LastAccess: time.Now()}
	if w.embedder != nil {
		emb, err := w.embedder(ctx, content)
		if err != nil {
			return Record{}, err
		}
		rec.Embedding = emb
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	if w.cap > 0 && len(w.records) > w.cap {
		w.records = w.records[len(w.records)-w.cap:]
	}
	return rec, nil
}

func (w *Working) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Record, error) {
	if !matchesFilter(KindWorking, filter) {
		return nil, nil
	}
	var queryEmbedding Embedding
	if w.embedder != nil && query != "" {
		emb, err := w.embedder(ctx, query)
		if err != nil {
			return nil, err
		}
		queryEmbedding = emb
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot := append([]Record(nil), w.records...)
	return rank(snapshot, queryEmbedding, k, time.Now()), nil
}
