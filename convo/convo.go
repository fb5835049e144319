// Package convo implements the Context Manager: a bounded conversation
// window that appends messages, assembles retrieved-memory-augmented
// prompts, and evicts by summarization when the token budget is exceeded.
// See spec §4.8.
package convo

import (
	"context"
	"time"
)

type (
	// Role discriminates a Message's speaker, per spec §3 Context Window.
	Role string

	// Message is one entry in the Context Window.
	Message struct {
		Role          Role
		Content       string
		TokenEstimate int
		Timestamp     time.Time
	}

	// TokenEstimator estimates the token cost of a message's content. Kept as
	// an injected function so the window never depends on a specific model's
	// tokenizer.
	TokenEstimator func(content string) int

	// Summarizer condenses evicted messages into a single replacement
	// message, standing in for "an LLM call at temperature 0" (spec §4.8).
	Summarizer func(ctx context.Context, evicted []Message) (string, error)

	// MemoryRetriever supplies memory records relevant to the latest
	// user/tool messages for Assemble to fold in (spec §4.8, §4.9).
	MemoryRetriever func(ctx context.Context, hints Hints) ([]Message, error)

	// Hints narrows what Assemble asks the memory retriever for.
	Hints struct {
		Query string
		K     int
	}

	// Window is the live, bounded conversation for one cycle.
	Window struct {
		budget    int
		estimate  TokenEstimator
		summarize Summarizer
		retrieve  MemoryRetriever

		messages []Message
	}
)

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleTool       Role = "tool"
	RoleToolResult Role = "tool_result"
)

// New constructs a Window bounded by budget tokens. estimate must not be
// nil; summarize and retrieve may be nil (eviction then drops messages
// without replacing them with a summary, and Assemble skips retrieval).
func New(budget int, estimate TokenEstimator, summarize Summarizer, retrieve MemoryRetriever) *Window {
	return &Window{budget: budget, estimate: estimate, summarize: summarize, retrieve: retrieve}
}

// Append adds message to the window, computing its token estimate, then
// evicts if the budget is now exceeded.
func (w *Window) Append(ctx context.Context, m Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.TokenEstimate = w.estimate(m.Content)
	w.messages = append(w.messages, m)
	return w.evictIfNeeded(ctx)
}

// Assemble returns the message list to send to the LLM: the current window
// plus any memories the retriever judges relevant to hints, subject to
// context_budget. Assemble evicts before returning if necessary.
func (w *Window) Assemble(ctx context.Context, hints Hints) ([]Message, error) {
	if w.retrieve != nil {
		recalled, err := w.retrieve(ctx, hints)
		if err != nil {
			return nil, err
		}
		for _, r := range recalled {
			if r.Timestamp.IsZero() {
				r.Timestamp = time.Now()
			}
			if r.TokenEstimate == 0 {
				r.TokenEstimate = w.estimate(r.Content)
			}
			w.messages = append(w.messages, r)
		}
	}
	if err := w.evictIfNeeded(ctx); err != nil {
		return nil, err
	}
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out, nil
}

// Messages returns a snapshot of the current window contents.
func (w *Window) Messages() []Message {
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// TotalTokens sums the token estimates of every message currently held.
func (w *Window) TotalTokens() int {
	total := 0
	for _, m := range w.messages {
		total += m.TokenEstimate
	}
	return total
}

// evictIfNeeded runs the eviction policy until the window fits budget, no
// candidate remains, or a summary no longer shrinks the message it replaces.
// Eviction order: oldest non-system, non-most-recent-user message first;
// evicted content is summarized and the summary injected at the eviction
// point. System messages are never evicted; the most recent user goal is
// never evicted (spec §4.8).
func (w *Window) evictIfNeeded(ctx context.Context) error {
	for w.TotalTokens() > w.budget {
		idx := w.nextEvictionCandidate()
		if idx < 0 {
			return nil // nothing left that may be evicted
		}
		evicted := w.messages[idx]
		replacement, err := w.summarizeOne(ctx, evicted)
		if err != nil {
			return err
		}
		if replacement == nil {
			w.messages = append(w.messages[:idx:idx], w.messages[idx+1:]...)
			continue
		}
		w.messages[idx] = *replacement
		if replacement.TokenEstimate >= evicted.TokenEstimate {
			return nil // summarizing no longer shrinks the window
		}
	}
	return nil
}

func (w *Window) nextEvictionCandidate() int {
	lastUserIdx := -1
	for i, m := range w.messages {
		if m.Role == RoleUser {
			lastUserIdx = i
		}
	}
	for i, m := range w.messages {
		if m.Role == RoleSystem {
			continue
		}
		if i == lastUserIdx {
			continue
		}
		return i
	}
	return -1
}

func (w *Window) summarizeOne(ctx context.Context, evicted Message) (*Message, error) {
	if w.summarize == nil {
		return nil, nil
	}
	summary, err := w.summarize(ctx, []Message{evicted})
	if err != nil {
		return nil, err
	}
	return &Message{
		Role:          evicted.Role,
		Content:       summary,
		TokenEstimate: w.estimate(summary),
		Timestamp:     evicted.Timestamp,
	}, nil
}
