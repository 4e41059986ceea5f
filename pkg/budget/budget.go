// Package budget implements the LLM Classifier's (C7) daily token-bucket
// spend budget: a UTC-midnight-resetting pool, consulted per signature with
// a priority derived from its candidate_flags.
package budget

import (
	"context"
	"sync"
	"time"
)

// Priority orders how a signature's candidate_flags translate into budget
// treatment: A and B are always analyzed; C is budget-gated; no-priority
// signatures are budget-gated identically to C.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityC
	PriorityB
	PriorityA
)

// PriorityFromFlags derives a Priority from a pipe-joined candidate_flags
// string, mirroring the detector's flag vocabulary.
func PriorityFromFlags(flags string) Priority {
	has := func(token string) bool {
		start := 0
		for i := 0; i <= len(flags); i++ {
			if i == len(flags) || flags[i] == '|' {
				if flags[start:i] == token {
					return true
				}
				start = i + 1
			}
		}
		return false
	}
	switch {
	case has("A"):
		return PriorityA
	case has("B"):
		return PriorityB
	case has("C"):
		return PriorityC
	default:
		return PriorityNone
	}
}

// AlwaysAnalyzed reports whether priority p bypasses the budget gate
// entirely (overrun is logged, never blocked).
func (p Priority) AlwaysAnalyzed() bool {
	return p == PriorityA || p == PriorityB
}

// Store is the pluggable backing for the daily budget pool.
type Store interface {
	// Reserve attempts to consume cost from the UTC day's pool, returning
	// whether the reservation succeeded and the remaining balance
	// afterward (or the unchanged balance on a rejected reservation).
	Reserve(ctx context.Context, day string, cost float64) (allowed bool, remaining float64, err error)
	// Remaining reports the current balance for a day without consuming it.
	Remaining(ctx context.Context, day string) (float64, error)
}

// UTCDay formats t as the daily bucket key the budget resets on.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Decision is the outcome of a budget check for one signature.
type Decision struct {
	Analyze       bool
	Priority      Priority
	OverBudget    bool // true if Analyze=true only because priority forced it
	EstimatedCost float64
	Remaining     float64
}

// Reason renders the audit string recording why this signature was allowed
// or refused against budget, not just the allow/deny bit.
func (d Decision) Reason() string {
	switch {
	case d.Analyze && d.OverBudget:
		return "forced_by_priority_over_budget"
	case d.Analyze:
		return "within_budget"
	default:
		return "budget_exceeded"
	}
}

// Controller applies the priority-aware decision policy described in C7:
// A/B always analyze (logging any overrun); C and no-priority signatures
// are analyzed only if their estimated cost fits the remaining daily pool.
type Controller struct {
	store Store
	clock func() time.Time
}

// NewController creates a Controller backed by store. clock defaults to
// time.Now; tests may override it.
func NewController(store Store, clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{store: store, clock: clock}
}

// Decide reserves (or forces) budget for one signature at the given
// priority and estimated cost.
func (c *Controller) Decide(ctx context.Context, priority Priority, estimatedCost float64) (Decision, error) {
	day := UTCDay(c.clock())

	if priority.AlwaysAnalyzed() {
		allowed, remaining, err := c.store.Reserve(ctx, day, estimatedCost)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Analyze:       true,
			Priority:      priority,
			OverBudget:    !allowed,
			EstimatedCost: estimatedCost,
			Remaining:     remaining,
		}, nil
	}

	allowed, remaining, err := c.store.Reserve(ctx, day, estimatedCost)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Analyze:       allowed,
		Priority:      priority,
		OverBudget:    false,
		EstimatedCost: estimatedCost,
		Remaining:     remaining,
	}, nil
}

// EstimateCost computes a request's cost estimate: token counts times price,
// scaled by an estimation buffer to stay conservative.
func EstimateCost(estInputTokens, estOutputTokens int64, inputPrice, outputPrice, estimationBuffer float64) float64 {
	return (float64(estInputTokens)*inputPrice + float64(estOutputTokens)*outputPrice) * estimationBuffer
}

// MemoryBudgetStore is the single-process default Store: a mutex-protected
// map of day -> remaining balance.
type MemoryBudgetStore struct {
	mu        sync.Mutex
	capacity  float64
	remaining map[string]float64
}

// NewMemoryBudgetStore creates a store with the given daily capacity.
func NewMemoryBudgetStore(dailyCapacity float64) *MemoryBudgetStore {
	return &MemoryBudgetStore{capacity: dailyCapacity, remaining: make(map[string]float64)}
}

func (s *MemoryBudgetStore) balance(day string) float64 {
	if v, ok := s.remaining[day]; ok {
		return v
	}
	return s.capacity
}

func (s *MemoryBudgetStore) Reserve(ctx context.Context, day string, cost float64) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balance(day)
	if cost > bal {
		return false, bal, nil
	}
	bal -= cost
	s.remaining[day] = bal
	return true, bal, nil
}

func (s *MemoryBudgetStore) Remaining(ctx context.Context, day string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(day), nil
}
