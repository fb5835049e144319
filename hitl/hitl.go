// Package hitl implements the Human-In-The-Loop Controller: a queue of
// approval requests that block their originating cycle until a human
// decides or the request expires. See spec §4.7.
package hitl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reploid-dev/reploid/bus"
)

type (
	// Mode selects how aggressively the controller requires human approval.
	Mode string

	// Kind classifies what an approval request is gating.
	Kind string

	// Decision is the human's verdict on a request.
	Decision string

	// Status is the lifecycle state of a Request.
	Status string

	// Request is one pending or resolved approval (spec §3 Approval Request).
	Request struct {
		ID           string
		Kind         Kind
		PayloadRef   string
		RequestedAt  time.Time
		Status       Status
		DecidedAt    time.Time
		DecisionMade Decision
		Note         string
	}

	// Controller queues approval requests and blocks submitters until a
	// decision or expiry.
	Controller struct {
		bus    *bus.Bus
		mode   Mode
		everyN int
		expiry time.Duration

		mu                sync.Mutex
		requests          map[string]*Request
		waiters           map[string]chan Decision
		seenSinceApproval int
	}
)

const (
	ModeOff    Mode = "OFF"
	ModeHITL   Mode = "HITL"
	ModeEveryN Mode = "EVERY_N"

	KindCoreWrite    Kind = "core_write"
	KindToolCreation Kind = "tool_creation"
	KindOutOfSandbox Kind = "out_of_sandbox"

	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"

	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"

	// DefaultExpiry is the default pending-request timeout (spec §4.7,
	// §9 Open Questions: "the 15-minute expiry is chosen here for safety").
	DefaultExpiry = 15 * time.Minute
)

// New constructs a Controller. everyN is only consulted when mode is
// ModeEveryN; expiry defaults to DefaultExpiry when zero.
func New(b *bus.Bus, mode Mode, everyN int, expiry time.Duration) *Controller {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Controller{
		bus:      b,
		mode:     mode,
		everyN:   everyN,
		expiry:   expiry,
		requests: make(map[string]*Request),
		waiters:  make(map[string]chan Decision),
	}
}

// Submit files an approval request and blocks until it is decided or
// expires, unless the controller's mode auto-approves it. Callers run this
// from the cycle's awaiting_approval state.
func (c *Controller) Submit(ctx context.Context, kind Kind, payloadRef string) (Decision, error) {
	if c.autoApprove() {
		return DecisionApproved, nil
	}

	id := uuid.NewString()
	req := &Request{ID: id, Kind: kind, PayloadRef: payloadRef, RequestedAt: time.Now(), Status: StatusPending}
	waitCh := make(chan Decision, 1)

	c.mu.Lock()
	c.requests[id] = req
	c.waiters[id] = waitCh
	c.mu.Unlock()

	c.bus.Emit(ctx, "approval:pending", *req)

	timer := time.NewTimer(c.expiry)
	defer timer.Stop()

	select {
	case d := <-waitCh:
		return d, nil
	case <-timer.C:
		c.mu.Lock()
		req.Status = StatusExpired
		req.DecidedAt = time.Now()
		delete(c.waiters, id)
		c.mu.Unlock()
		c.bus.Emit(ctx, "approval:decided", *req)
		return DecisionRejected, ErrExpired
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// autoApprove decides, without filing a request, whether this submission
// should be approved outright per the controller's mode.
func (c *Controller) autoApprove() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case ModeOff, "":
		return true
	case ModeEveryN:
		c.seenSinceApproval++
		if c.everyN <= 0 || c.seenSinceApproval < c.everyN {
			return true
		}
		c.seenSinceApproval = 0
		return false
	default: // ModeHITL
		return false
	}
}

// Decide resolves a pending request. It is a no-op error if the id is
// unknown or already decided/expired.
func (c *Controller) Decide(ctx context.Context, id string, decision Decision, note string) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok || req.Status != StatusPending {
		c.mu.Unlock()
		return ErrNotPending
	}
	waitCh, hasWaiter := c.waiters[id]
	switch decision {
	case DecisionApproved:
		req.Status = StatusApproved
	case DecisionRejected:
		req.Status = StatusRejected
	default:
		c.mu.Unlock()
		return ErrInvalidDecision
	}
	req.DecidedAt = time.Now()
	req.DecisionMade = decision
	req.Note = note
	delete(c.waiters, id)
	snapshot := *req
	c.mu.Unlock()

	if hasWaiter {
		waitCh <- decision
	}
	c.bus.Emit(ctx, "approval:decided", snapshot)
	return nil
}

// Pending returns every request currently awaiting decision, ordered by
// request time.
func (c *Controller) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.requests))
	for _, r := range c.requests {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}
