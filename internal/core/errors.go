package core

import (
	"PointSwap/internal/ledger"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"context"
	"errors"
)

// ErrorCode maps a command error to the stable code used in metrics and
// transport replies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrInvalidAmount), errors.Is(err, ledger.ErrNonPositiveAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, session.ErrSessionActive):
		return "session_active"
	case errors.Is(err, session.ErrSessionInactive):
		return "session_inactive"
	case errors.Is(err, session.ErrViolationPending):
		return "violation_pending"
	case errors.Is(err, session.ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, ledger.ErrUnknownParty):
		return "unknown_party"
	case errors.Is(err, match.ErrUnknownMatch):
		return "unknown_match"
	case errors.Is(err, match.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, match.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, match.ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrEngineStopped):
		return "engine_stopped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
