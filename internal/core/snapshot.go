package core

import (
	"PointSwap/internal/clock"
	"PointSwap/internal/match"

	"github.com/google/uuid"
)

// Party phases reported to readers.
const (
	PhaseIdle       = "idle"
	PhaseSearching  = "searching"
	PhaseScheduled  = "scheduled"
	PhaseConfirming = "confirming"
	PhaseTrading    = "trading"
)

// PartyView is a read-only copy of one party with its balances.
type PartyView struct {
	ID              uuid.UUID `json:"id"`
	Role            string    `json:"role"`
	Index           int64     `json:"index"`
	Label           string    `json:"label,omitempty"`
	Phase           string    `json:"phase"`
	SessionActive   bool      `json:"session_active"`
	Session         int64     `json:"session"`
	Amount          int64     `json:"amount"`
	Remaining       int64     `json:"remaining"`
	SearchRemaining int64     `json:"search_remaining_seconds"`
	Available       int64     `json:"available"`
	Reserved        int64     `json:"reserved"`
	Violations      int       `json:"violations"`
	Unacknowledged  int       `json:"unacknowledged_violations"`
}

// ViolationView is a read-only copy of one violation entry.
type ViolationView struct {
	Kind         string     `json:"kind"`
	Message      string     `json:"message"`
	MatchID      uuid.UUID  `json:"match_id"`
	OccurredAt   clock.Tick `json:"occurred_at"`
	Acknowledged bool       `json:"acknowledged"`
}

// Snapshot is an immutable view of the whole engine after one step.
// Readers must not modify it.
type Snapshot struct {
	Tick        clock.Tick                    `json:"tick"`
	Sequence    int64                         `json:"sequence"`
	Hash        string                        `json:"hash"`
	Strategy    string                        `json:"strategy"`
	Frozen      bool                          `json:"frozen"`
	TotalPoints int64                         `json:"total_points"`
	Parties     []PartyView                   `json:"parties"`
	Matches     []match.View                  `json:"matches"`
	Violations  map[uuid.UUID][]ViolationView `json:"violations"`

	partyIndex map[uuid.UUID]int
	matchIndex map[uuid.UUID]int
}

// Party looks up one party.
func (s *Snapshot) Party(id uuid.UUID) (PartyView, bool) {
	i, ok := s.partyIndex[id]
	if !ok {
		return PartyView{}, false
	}
	return s.Parties[i], true
}

// Match looks up one open match.
func (s *Snapshot) Match(id uuid.UUID) (match.View, bool) {
	i, ok := s.matchIndex[id]
	if !ok {
		return match.View{}, false
	}
	return s.Matches[i], true
}

// ViolationsFor returns the party's violation log, oldest first.
func (s *Snapshot) ViolationsFor(id uuid.UUID) []ViolationView {
	return s.Violations[id]
}

// MatchesFor returns the party's open matches in creation order.
func (s *Snapshot) MatchesFor(id uuid.UUID) []match.View {
	var out []match.View
	for _, m := range s.Matches {
		if m.InitiatorID == id || m.CounterpartyID == id {
			out = append(out, m)
		}
	}
	return out
}

func phaseOf(active bool, open []match.View) string {
	phase := PhaseIdle
	if active {
		phase = PhaseSearching
	}
	rank := 0
	for _, m := range open {
		switch m.State {
		case match.StateTrading.String():
			if rank < 3 {
				phase, rank = PhaseTrading, 3
			}
		case match.StateConfirming.String():
			if rank < 2 {
				phase, rank = PhaseConfirming, 2
			}
		case match.StateScheduled.String():
			if rank < 1 {
				phase, rank = PhaseScheduled, 1
			}
		}
	}
	return phase
}
