// Package command defines the inputs accepted by the coordinating loop and
// the lifecycle events it emits.
package command

import (
	"PointSwap/internal/match"
	"PointSwap/internal/session"

	"github.com/google/uuid"
)

// Type discriminator for commands
type Type uint8

const (
	TypeUnknown Type = iota
	TypeRegisterParty
	TypeStartSession
	TypeStopSession
	TypeConfirmMatch
	TypeDeclineMatch
	TypeReportDeposit
	TypeConfirmReceipt
	TypeRejectDeposit
	TypeAcknowledgeViolations
	TypeTick
)

func (t Type) String() string {
	switch t {
	case TypeRegisterParty:
		return "register_party"
	case TypeStartSession:
		return "start_session"
	case TypeStopSession:
		return "stop_session"
	case TypeConfirmMatch:
		return "confirm_match"
	case TypeDeclineMatch:
		return "decline_match"
	case TypeReportDeposit:
		return "report_deposit"
	case TypeConfirmReceipt:
		return "confirm_receipt"
	case TypeRejectDeposit:
		return "reject_deposit"
	case TypeAcknowledgeViolations:
		return "acknowledge_violations"
	case TypeTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Command is the interface all loop inputs implement.
type Command interface {
	// Type returns the discriminator
	Type() Type

	// RequestID returns the caller's dedup key, empty when the caller did
	// not supply one.
	RequestID() string
}

// Meta carries the optional request id shared by every command.
type Meta struct {
	ID string
}

func (m Meta) RequestID() string { return m.ID }

type RegisterParty struct {
	Meta
	Role    session.Role
	Balance int64
	Label   string
}

func (RegisterParty) Type() Type { return TypeRegisterParty }

type StartSession struct {
	Meta
	PartyID uuid.UUID
	Amount  int64
}

func (StartSession) Type() Type { return TypeStartSession }

type StopSession struct {
	Meta
	PartyID uuid.UUID
}

func (StopSession) Type() Type { return TypeStopSession }

type ConfirmMatch struct {
	Meta
	MatchID uuid.UUID
	Role    match.Role
}

func (ConfirmMatch) Type() Type { return TypeConfirmMatch }

// DeclineMatch may leave Role unset; it only labels the violation message.
type DeclineMatch struct {
	Meta
	MatchID uuid.UUID
	Role    match.Role
	Reason  string
}

func (DeclineMatch) Type() Type { return TypeDeclineMatch }

// ReportDeposit is the counterparty saying it paid.
type ReportDeposit struct {
	Meta
	MatchID uuid.UUID
}

func (ReportDeposit) Type() Type { return TypeReportDeposit }

// ConfirmReceipt is the initiator acknowledging the deposit arrived.
type ConfirmReceipt struct {
	Meta
	MatchID uuid.UUID
}

func (ConfirmReceipt) Type() Type { return TypeConfirmReceipt }

type RejectDeposit struct {
	Meta
	MatchID uuid.UUID
	Role    match.Role
	Reason  string
}

func (RejectDeposit) Type() Type { return TypeRejectDeposit }

type AcknowledgeViolations struct {
	Meta
	PartyID uuid.UUID
}

func (AcknowledgeViolations) Type() Type { return TypeAcknowledgeViolations }

// Tick advances the logical clock by one step. It is produced by the
// process's ticker, never by callers.
type Tick struct{}

func (Tick) Type() Type        { return TypeTick }
func (Tick) RequestID() string { return "" }
