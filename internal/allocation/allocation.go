// Package allocation decides which counterparties get reserved against an
// initiator's remaining amount.
//
// Strategies are pure functions of their Request: the same candidate set
// and budget always yield the same ordered reservations.
package allocation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Candidate is a counterparty as seen by the allocator.
type Candidate struct {
	PartyID uuid.UUID
	// Index is the registration order. Lower index = earlier arrival.
	Index  int64
	Amount int64
	Active bool
	// HasOpenMatch is set when the counterparty already holds an open match.
	HasOpenMatch bool
}

// Request is the allocator input for a single initiator.
type Request struct {
	InitiatorID uuid.UUID
	// Remaining is the initiator's uncommitted remaining amount (R).
	Remaining int64
	// Reserved is the part of Remaining already held by open matches.
	Reserved    int64
	OpenMatches int
	MinUnit     int64
	Candidates  []Candidate
}

// Budget is the amount still available for new reservations.
func (r Request) Budget() int64 {
	return r.Remaining - r.Reserved
}

// Reservation is a (counterparty, amount) pair to be turned into a match.
type Reservation struct {
	CounterpartyID uuid.UUID
	Amount         int64
}

// Strategy computes new reservations for one initiator.
type Strategy interface {
	Name() string
	Allocate(req Request) []Reservation
}

const (
	StrategyContinuous = "continuous"
	StrategyNearest    = "nearest"
)

// ParseStrategy maps a configured name to a strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyContinuous, "":
		return Continuous{}, nil
	case StrategyNearest:
		return Nearest{}, nil
	default:
		return nil, fmt.Errorf("unknown allocation strategy %q", name)
	}
}

// IsValidAmount reports whether amount is a positive multiple of minUnit.
func IsValidAmount(amount, minUnit int64) bool {
	return minUnit > 0 && amount > 0 && amount%minUnit == 0
}

// Eligible is the predicate shared by both strategies.
func Eligible(c Candidate, budget, minUnit int64) bool {
	return c.Active &&
		!c.HasOpenMatch &&
		IsValidAmount(c.Amount, minUnit) &&
		c.Amount <= budget
}

// byArrival returns the candidates sorted by registration order without
// touching the caller's slice.
func byArrival(candidates []Candidate) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})
	return sorted
}

// --- A: single-shot nearest amount ---

// Nearest keeps at most one open match per initiator and picks the
// candidate whose amount is closest to the budget. Ties go to the earliest
// registration.
type Nearest struct{}

func (Nearest) Name() string { return StrategyNearest }

func (Nearest) Allocate(req Request) []Reservation {
	if req.OpenMatches > 0 {
		return nil
	}
	budget := req.Budget()
	if budget < req.MinUnit {
		return nil
	}

	var (
		best     *Candidate
		bestDist int64
	)
	for _, c := range byArrival(req.Candidates) {
		if !Eligible(c, budget, req.MinUnit) {
			continue
		}
		dist := budget - c.Amount
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			c := c
			best, bestDist = &c, dist
		}
	}
	if best == nil {
		return nil
	}
	return []Reservation{{CounterpartyID: best.PartyID, Amount: best.Amount}}
}

// --- B: continuous multi-reservation ---

// Continuous walks candidates in arrival order and reserves every one
// whose full amount fits the shrinking budget.
type Continuous struct{}

func (Continuous) Name() string { return StrategyContinuous }

func (Continuous) Allocate(req Request) []Reservation {
	budget := req.Budget()
	if budget < req.MinUnit {
		return nil
	}

	var out []Reservation
	for _, c := range byArrival(req.Candidates) {
		if budget < req.MinUnit {
			break
		}
		if !Eligible(c, budget, req.MinUnit) {
			continue
		}
		amount := min(budget, c.Amount)
		out = append(out, Reservation{CounterpartyID: c.PartyID, Amount: amount})
		budget -= amount
	}
	return out
}
