package match

import (
	"PointSwap/internal/clock"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownMatch      = errors.New("unknown match")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotParticipant    = errors.New("not a participant of the match")
	ErrReasonRequired    = errors.New("reason required")
)

// State of a match. Completed and Canceled are terminal.
type State uint8

const (
	StateScheduled State = iota + 1
	StateConfirming
	StateTrading
	StateCompleted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateConfirming:
		return "confirming"
	case StateTrading:
		return "trading"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Open reports whether the state still holds a reservation.
func (s State) Open() bool {
	return s == StateScheduled || s == StateConfirming || s == StateTrading
}

// Role is the side a party plays in a match.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleCounterparty
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleCounterparty:
		return "counterparty"
	default:
		return "unknown"
	}
}

// ParseRole accepts the wire role names. An empty string is RoleUnknown.
func ParseRole(s string) (Role, error) {
	switch s {
	case "":
		return RoleUnknown, nil
	case "initiator":
		return RoleInitiator, nil
	case "counterparty":
		return RoleCounterparty, nil
	default:
		return RoleUnknown, fmt.Errorf("role %q: %w", s, ErrNotParticipant)
	}
}

// Cause explains why a match reached its terminal state.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseCompleted
	CauseConfirmTimeout
	CauseDepositTimeout
	CauseDeclined
	CauseRejected
	// CauseWithdrawn is a Scheduled match dropped by stopping the session.
	// It is the only cancellation that records no violation.
	CauseWithdrawn
)

func (c Cause) String() string {
	switch c {
	case CauseCompleted:
		return "completed"
	case CauseConfirmTimeout:
		return "confirm_timeout"
	case CauseDepositTimeout:
		return "deposit_timeout"
	case CauseDeclined:
		return "declined"
	case CauseRejected:
		return "rejected"
	case CauseWithdrawn:
		return "withdrawn"
	default:
		return "none"
	}
}

// Match is one reserved, time-bounded pairing. Amount never changes after
// creation; only the state and the flags move.
type Match struct {
	ID             uuid.UUID
	Seq            int64 // creation order
	InitiatorID    uuid.UUID
	CounterpartyID uuid.UUID
	Amount         int64
	Sessions       Sessions // each side's session when the match was created
	State          State
	CreatedAt      clock.Tick
	EnteredAt      clock.Tick // tick the current state (or sub-phase) was entered

	// Remaining is the countdown of the current state in ticks.
	// Scheduled and the post-confirmation delay count down to their
	// one-shot trigger, Confirming and Trading to their timeout.
	Remaining int64

	InitiatorConfirmed    bool
	CounterpartyConfirmed bool
	CounterpartyDeposited bool
	InitiatorReceived     bool

	// AwaitingTrading is set between mutual confirmation and the
	// post-confirmation delay firing.
	AwaitingTrading bool

	Cause  Cause
	Reason string

	timer clock.TimerID
}

// Involves reports whether the party is on either side of the match.
func (m *Match) Involves(partyID uuid.UUID) bool {
	return m.InitiatorID == partyID || m.CounterpartyID == partyID
}

// Sessions holds the session generation of each side. A party that stops
// and restarts gets a new generation, so matches from its earlier session
// neither load nor complete the new one.
type Sessions struct {
	Initiator    int64
	Counterparty int64
}

// View is an immutable copy handed to readers.
type View struct {
	ID                    uuid.UUID  `json:"id"`
	Seq                   int64      `json:"seq"`
	InitiatorID           uuid.UUID  `json:"initiator_id"`
	CounterpartyID        uuid.UUID  `json:"counterparty_id"`
	Amount                int64      `json:"amount"`
	InitiatorSession      int64      `json:"initiator_session"`
	CounterpartySession   int64      `json:"counterparty_session"`
	State                 string     `json:"state"`
	CreatedAt             clock.Tick `json:"created_at"`
	RemainingSeconds      int64      `json:"remaining_seconds"`
	InitiatorConfirmed    bool       `json:"initiator_confirmed"`
	CounterpartyConfirmed bool       `json:"counterparty_confirmed"`
	CounterpartyDeposited bool       `json:"counterparty_deposited"`
	InitiatorReceived     bool       `json:"initiator_received"`
	AwaitingTrading       bool       `json:"awaiting_trading"`
	Cause                 string     `json:"cause,omitempty"`
	Reason                string     `json:"reason,omitempty"`
}

// View copies the match for readers.
func (m *Match) View() View {
	v := View{
		ID:                    m.ID,
		Seq:                   m.Seq,
		InitiatorID:           m.InitiatorID,
		CounterpartyID:        m.CounterpartyID,
		Amount:                m.Amount,
		InitiatorSession:      m.Sessions.Initiator,
		CounterpartySession:   m.Sessions.Counterparty,
		State:                 m.State.String(),
		CreatedAt:             m.CreatedAt,
		RemainingSeconds:      m.Remaining,
		InitiatorConfirmed:    m.InitiatorConfirmed,
		CounterpartyConfirmed: m.CounterpartyConfirmed,
		CounterpartyDeposited: m.CounterpartyDeposited,
		InitiatorReceived:     m.InitiatorReceived,
		AwaitingTrading:       m.AwaitingTrading,
		Reason:                m.Reason,
	}
	if m.Cause != CauseNone {
		v.Cause = m.Cause.String()
	}
	return v
}
