package ingestion_test

import (
	"PointSwap/internal/command"
	"PointSwap/internal/ingestion"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func body(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseRegisterParty(t *testing.T) {
	data := body(t, map[string]interface{}{
		"request_id": "r-1",
		"role":       "seller",
		"balance":    int64(100_000),
		"label":      "s1",
	})

	cmd, err := ingestion.ParseCommand("register_party", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rp, ok := cmd.(command.RegisterParty)
	if !ok {
		t.Fatalf("expected command.RegisterParty, got %T", cmd)
	}
	if rp.Role != session.RoleSeller {
		t.Errorf("role: got %v, want seller", rp.Role)
	}
	if rp.Balance != 100_000 {
		t.Errorf("balance: got %d, want 100_000", rp.Balance)
	}
	if rp.Label != "s1" {
		t.Errorf("label: got %q, want s1", rp.Label)
	}
	if rp.RequestID() != "r-1" {
		t.Errorf("request id: got %q, want r-1", rp.RequestID())
	}
}

func TestParseStartSession(t *testing.T) {
	partyID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	data := body(t, map[string]interface{}{
		"party_id": partyID.String(),
		"amount":   int64(30_000),
	})

	cmd, err := ingestion.ParseCommand("start_session", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ss := cmd.(command.StartSession)
	if ss.PartyID != partyID {
		t.Errorf("party_id: got %s, want %s", ss.PartyID, partyID)
	}
	if ss.Amount != 30_000 {
		t.Errorf("amount: got %d, want 30_000", ss.Amount)
	}
	if ss.RequestID() != "" {
		t.Errorf("request id should be empty, got %q", ss.RequestID())
	}
}

func TestParseDeclineWithoutRole(t *testing.T) {
	matchID := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	data := body(t, map[string]interface{}{
		"match_id": matchID.String(),
		"reason":   "busy",
	})

	cmd, err := ingestion.ParseCommand("decline_match", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dm := cmd.(command.DeclineMatch)
	if dm.Role != match.RoleUnknown {
		t.Errorf("role: got %v, want unknown", dm.Role)
	}
	if dm.Reason != "busy" {
		t.Errorf("reason: got %q, want busy", dm.Reason)
	}
}

func TestParseConfirmMatchRoles(t *testing.T) {
	matchID := uuid.New().String()
	for name, want := range map[string]match.Role{
		"initiator":    match.RoleInitiator,
		"counterparty": match.RoleCounterparty,
	} {
		cmd, err := ingestion.ParseCommand("confirm_match", body(t, map[string]string{"match_id": matchID, "role": name}))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got := cmd.(command.ConfirmMatch).Role; got != want {
			t.Errorf("%s: got %v", name, got)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		data    []byte
		wantErr error
	}{
		{"unknown command", "tick", nil, ingestion.ErrUnknownCommand},
		{"missing party", "stop_session", []byte(`{}`), ingestion.ErrInvalidID},
		{"bad party", "stop_session", []byte(`{"party_id":"nope"}`), ingestion.ErrInvalidID},
		{"bad match", "report_deposit", []byte(`{"match_id":"nope"}`), ingestion.ErrInvalidID},
		{"bad party role", "register_party", []byte(`{"role":"broker"}`), session.ErrInvalidRole},
		{"bad match role", "confirm_match", []byte(`{"match_id":"` + uuid.New().String() + `","role":"seller"}`), match.ErrNotParticipant},
		{"reject without reason", "reject_deposit", []byte(`{"match_id":"` + uuid.New().String() + `"}`), match.ErrReasonRequired},
		{"reject with blank reason", "reject_deposit", []byte(`{"match_id":"` + uuid.New().String() + `","reason":"  "}`), match.ErrReasonRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.command, tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := ingestion.ParseCommand("start_session", []byte(`{"amount":`)); err == nil {
		t.Fatal("expected error for truncated body")
	}
}
