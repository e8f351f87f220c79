package ipc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// DecisionQueue is a queue-backed Decider: suspension points park their
// requests here, and operators resolve them over the HTTP API. A request
// offers exactly the options its suspension point enumerated.
type DecisionQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingDecision
}

type pendingDecision struct {
	req       domain.DecisionRequest
	createdAt time.Time
	resolved  chan domain.Decision
}

// NewDecisionQueue creates an empty DecisionQueue.
func NewDecisionQueue() *DecisionQueue {
	return &DecisionQueue{pending: make(map[string]*pendingDecision)}
}

// Decide parks the request until an operator resolves it or ctx is
// cancelled. It implements controller.Decider.
func (q *DecisionQueue) Decide(ctx context.Context, req domain.DecisionRequest) (domain.Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := &pendingDecision{
		req:       req,
		createdAt: time.Now(),
		resolved:  make(chan domain.Decision, 1),
	}
	q.mu.Lock()
	q.pending[req.ID] = p
	q.mu.Unlock()

	select {
	case decision := <-p.resolved:
		return decision, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
		return domain.Decision{}, domain.WrapEngineError(domain.ErrDecisionCancelled.Code, req.ID, ctx.Err())
	}
}

// Pending lists unresolved requests, oldest first.
func (q *DecisionQueue) Pending() []domain.DecisionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	type entry struct {
		req domain.DecisionRequest
		at  time.Time
	}
	entries := make([]entry, 0, len(q.pending))
	for _, p := range q.pending {
		entries = append(entries, entry{p.req, p.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.Before(entries[j].at)
		}
		return entries[i].req.ID < entries[j].req.ID
	})

	out := make([]domain.DecisionRequest, len(entries))
	for i := range entries {
		out[i] = entries[i].req
	}
	return out
}

// Resolve delivers a decision to its waiting suspension point. The chosen
// option must be one of the request's enumerated options.
func (q *DecisionQueue) Resolve(decisionID string, decision domain.Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[decisionID]
	if !ok {
		return domain.ErrDecisionNotFound
	}

	valid := false
	for _, opt := range p.req.Options {
		if opt == decision.Option {
			valid = true
			break
		}
	}
	if !valid {
		return domain.WrapEngineError(domain.ErrInvalidDecision.Code,
			fmt.Sprintf("option %q not offered for decision %s", decision.Option, decisionID), nil)
	}

	delete(q.pending, decisionID)
	p.resolved <- decision
	return nil
}
