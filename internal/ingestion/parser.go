package ingestion

import (
	"PointSwap/internal/command"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrUnknownCommand is returned for a command name with no parser.
var ErrUnknownCommand = errors.New("unknown command")

// Payload is the JSON body shared by every command. Fields a command does
// not use are ignored. Field names use snake_case to match the HTTP API.
type Payload struct {
	RequestID string `json:"request_id,omitempty"`
	PartyID   string `json:"party_id,omitempty"`
	MatchID   string `json:"match_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Balance   int64  `json:"balance,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Label     string `json:"label,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ParseCommand decodes a JSON body for the named command.
func ParseCommand(name string, data []byte) (command.Command, error) {
	var p Payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return p.Command(name)
}

// Command converts the payload into a typed command.
func (p Payload) Command(name string) (command.Command, error) {
	meta := command.Meta{ID: p.RequestID}

	switch name {
	case command.TypeRegisterParty.String():
		role, err := session.ParseRole(p.Role)
		if err != nil {
			return nil, err
		}
		return command.RegisterParty{Meta: meta, Role: role, Balance: p.Balance, Label: p.Label}, nil

	case command.TypeStartSession.String():
		id, err := parseID("party_id", p.PartyID)
		if err != nil {
			return nil, err
		}
		return command.StartSession{Meta: meta, PartyID: id, Amount: p.Amount}, nil

	case command.TypeStopSession.String():
		id, err := parseID("party_id", p.PartyID)
		if err != nil {
			return nil, err
		}
		return command.StopSession{Meta: meta, PartyID: id}, nil

	case command.TypeAcknowledgeViolations.String():
		id, err := parseID("party_id", p.PartyID)
		if err != nil {
			return nil, err
		}
		return command.AcknowledgeViolations{Meta: meta, PartyID: id}, nil

	case command.TypeConfirmMatch.String():
		id, role, err := p.matchAndRole()
		if err != nil {
			return nil, err
		}
		return command.ConfirmMatch{Meta: meta, MatchID: id, Role: role}, nil

	case command.TypeDeclineMatch.String():
		id, role, err := p.matchAndRole()
		if err != nil {
			return nil, err
		}
		return command.DeclineMatch{Meta: meta, MatchID: id, Role: role, Reason: p.Reason}, nil

	case command.TypeRejectDeposit.String():
		id, role, err := p.matchAndRole()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Reason) == "" {
			return nil, fmt.Errorf("%s: %w", name, match.ErrReasonRequired)
		}
		return command.RejectDeposit{Meta: meta, MatchID: id, Role: role, Reason: p.Reason}, nil

	case command.TypeReportDeposit.String():
		id, err := parseID("match_id", p.MatchID)
		if err != nil {
			return nil, err
		}
		return command.ReportDeposit{Meta: meta, MatchID: id}, nil

	case command.TypeConfirmReceipt.String():
		id, err := parseID("match_id", p.MatchID)
		if err != nil {
			return nil, err
		}
		return command.ConfirmReceipt{Meta: meta, MatchID: id}, nil

	default:
		// tick is produced internally and never accepted from callers
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownCommand)
	}
}

func (p Payload) matchAndRole() (uuid.UUID, match.Role, error) {
	id, err := parseID("match_id", p.MatchID)
	if err != nil {
		return uuid.Nil, match.RoleUnknown, err
	}
	role, err := match.ParseRole(p.Role)
	if err != nil {
		return uuid.Nil, match.RoleUnknown, err
	}
	return id, role, nil
}

// ErrInvalidID marks a malformed or missing uuid field.
var ErrInvalidID = errors.New("invalid id")

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%s missing: %w", field, ErrInvalidID)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, errors.Join(ErrInvalidID, err))
	}
	return id, nil
}
