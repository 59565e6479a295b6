package command

import (
	"PointSwap/internal/clock"
	"PointSwap/internal/match"

	"github.com/google/uuid"
)

// EventType discriminator for lifecycle events
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypePartyRegistered
	EventTypeSessionStarted
	EventTypeSessionStopped
	EventTypeMatchScheduled
	EventTypeMatchConfirming
	EventTypeMatchTrading
	EventTypeMatchCompleted
	EventTypeMatchCanceled
	EventTypeViolationRecorded
	EventTypeViolationsAcknowledged
)

func (et EventType) String() string {
	switch et {
	case EventTypePartyRegistered:
		return "party_registered"
	case EventTypeSessionStarted:
		return "session_started"
	case EventTypeSessionStopped:
		return "session_stopped"
	case EventTypeMatchScheduled:
		return "match_scheduled"
	case EventTypeMatchConfirming:
		return "match_confirming"
	case EventTypeMatchTrading:
		return "match_trading"
	case EventTypeMatchCompleted:
		return "match_completed"
	case EventTypeMatchCanceled:
		return "match_canceled"
	case EventTypeViolationRecorded:
		return "violation_recorded"
	case EventTypeViolationsAcknowledged:
		return "violations_acknowledged"
	default:
		return "unknown"
	}
}

// MarshalText lets events carry their type as a string on the wire.
func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

// EventForState maps a match state to the event announcing entry into it.
func EventForState(s match.State) EventType {
	switch s {
	case match.StateScheduled:
		return EventTypeMatchScheduled
	case match.StateConfirming:
		return EventTypeMatchConfirming
	case match.StateTrading:
		return EventTypeMatchTrading
	case match.StateCompleted:
		return EventTypeMatchCompleted
	case match.StateCanceled:
		return EventTypeMatchCanceled
	default:
		return EventTypeUnknown
	}
}

// Session stop reasons carried by EventTypeSessionStopped.
const (
	StopRequested = "requested"
	StopExpired   = "expired"
	StopCompleted = "completed"
	StopReset     = "reset"
)

// ViolationRecord is the wire form of one violation entry.
type ViolationRecord struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	MatchID uuid.UUID `json:"match_id"`
}

// Event is one lifecycle fact emitted by the core. Sequence is global and
// gap-free for emitted events.
type Event struct {
	Sequence int64      `json:"sequence"`
	Type     EventType  `json:"type"`
	Tick     clock.Tick `json:"tick"`

	PartyID   uuid.UUID        `json:"party_id"`
	Role      string           `json:"role,omitempty"`
	Amount    int64            `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Match     *match.View      `json:"match,omitempty"`
	Violation *ViolationRecord `json:"violation,omitempty"`

	// Hash is the state chain tip after this event.
	Hash string `json:"hash"`
}
