// Package arena implements the Arena Harness: running N competing proposals
// for the same objective in isolated sandbox clones and ranking them by
// verification outcome and cost. See spec §4.6.
package arena

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/verify"
	"github.com/reploid-dev/reploid/vfs"
)

type (
	// Status is the outcome of a single competitor's proposal.
	Status string

	// Competitor is one distinct prompt/model/temperature configuration
	// asked to produce a proposed change set for the shared objective.
	Competitor struct {
		Name     string
		Propose  ProposeFunc
		Deadline time.Duration
	}

	// ProposeFunc asks a competitor to produce a change set for objective
	// given a read-only view of the sandboxed snapshot.
	ProposeFunc func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, Usage, error)

	// Usage tracks the resources a competitor's proposal call consumed.
	Usage struct {
		Tokens int
	}

	// RankBy selects the secondary ranking key among PASS results (spec
	// §4.6 step 5: "configurable between smallest wall_ms or smallest
	// tokens").
	RankBy string

	// ProposalResult is one competitor's recorded outcome.
	ProposalResult struct {
		Competitor string
		Status     Status
		Tokens     int
		WallMS     int64
		Warnings   []string
		ChangeSet  verify.ChangeSet
	}

	// Outcome is the full arena run result.
	Outcome struct {
		Ranked  []ProposalResult
		Summary string
		Winner  *ProposalResult
	}

	// Harness runs the arena protocol over a shared verification pipeline.
	Harness struct {
		pipeline *verify.Pipeline
		bus      *bus.Bus
		rankBy   RankBy
	}
)

const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusError Status = "ERROR"

	RankByWallMS RankBy = "wall_ms"
	RankByTokens RankBy = "tokens"
)

// New constructs a Harness. rankBy defaults to RankByWallMS per spec §4.6
// step 5 and §9 Open Questions ("declares the secondary key configurable and
// defaults to wall clock").
func New(pipeline *verify.Pipeline, b *bus.Bus, rankBy RankBy) *Harness {
	if rankBy == "" {
		rankBy = RankByWallMS
	}
	return &Harness{pipeline: pipeline, bus: b, rankBy: rankBy}
}

// Run takes a sandbox snapshot of snapshot, asks every competitor in
// parallel to propose a change set against it, verifies each proposal
// sequentially against a fresh clone of the snapshot, and ranks the results.
// It never mutates snapshot or any live VFS — arena is a pure decision
// procedure (spec §4.6).
func (h *Harness) Run(ctx context.Context, objective string, snapshot *vfs.Vfs, competitors []Competitor, caller verify.WriteCapability) Outcome {
	sandboxSnapshot := snapshot.Clone()

	proposals := make([]struct {
		result    ProposalResult
		changeSet verify.ChangeSet
		proposed  bool
	}, len(competitors))

	var wg sync.WaitGroup
	for i, c := range competitors {
		wg.Add(1)
		go func(i int, c Competitor) {
			defer wg.Done()
			deadline := c.Deadline
			if deadline <= 0 {
				deadline = 30 * time.Second
			}
			proposeCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			start := time.Now()
			changes, usage, err := c.Propose(proposeCtx, objective, sandboxSnapshot.Clone())
			wall := time.Since(start)

			if err != nil {
				proposals[i].result = ProposalResult{Competitor: c.Name, Status: StatusError, WallMS: wall.Milliseconds(), Tokens: usage.Tokens, Warnings: []string{err.Error()}}
				return
			}
			proposals[i].result = ProposalResult{Competitor: c.Name, WallMS: wall.Milliseconds(), Tokens: usage.Tokens}
			proposals[i].changeSet = changes
			proposals[i].proposed = true
		}(i, c)
	}
	wg.Wait()

	results := make([]ProposalResult, len(competitors))
	for i, p := range proposals {
		if !p.proposed {
			results[i] = p.result
			continue
		}
		trialStart := time.Now()
		trial := h.pipeline.Trial(ctx, sandboxSnapshot, p.changeSet, caller)
		elapsed := time.Since(trialStart)

		res := p.result
		res.WallMS += elapsed.Milliseconds()
		res.ChangeSet = p.changeSet
		if trial.Status == verify.StatusPass {
			res.Status = StatusPass
		} else {
			res.Status = StatusFail
			res.Warnings = append(res.Warnings, trial.Reason)
		}
		results[i] = res
	}

	sort.SliceStable(results, func(i, j int) bool {
		iPass, jPass := results[i].Status == StatusPass, results[j].Status == StatusPass
		if iPass != jPass {
			return iPass
		}
		if h.rankBy == RankByTokens {
			return results[i].Tokens < results[j].Tokens
		}
		return results[i].WallMS < results[j].WallMS
	})

	outcome := Outcome{Ranked: results}
	if len(results) > 0 && results[0].Status == StatusPass {
		winner := results[0]
		outcome.Winner = &winner
		outcome.Summary = winner.Competitor + " won"
	} else {
		outcome.Summary = "no competitor passed verification"
	}

	h.bus.Emit(ctx, "arena:complete", outcome)
	return outcome
}
