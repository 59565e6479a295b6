package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// MatchRow represents a row in audit.matches
type MatchRow struct {
	EventSequence  int64
	MatchID        uuid.UUID
	MatchSeq       int64
	InitiatorID    uuid.UUID
	CounterpartyID uuid.UUID
	Amount         int64
	Outcome        string
	Cause          string
	Reason         string
	CreatedTick    int64
	ClosedTick     int64
	StateHash      string
}

// ViolationRow represents a row in audit.violations
type ViolationRow struct {
	EventSequence int64
	PartyID       uuid.UUID
	MatchID       uuid.UUID
	Kind          string
	Message       string
	OccurredTick  int64
}

// AuditWriter writes audit rows with multi-row INSERTs. Every row is keyed
// by the process run id and the event sequence, so replays are no-ops.
type AuditWriter struct {
	runID uuid.UUID
}

func NewAuditWriter(runID uuid.UUID) *AuditWriter {
	return &AuditWriter{runID: runID}
}

// RunID identifies this process's rows.
func (w *AuditWriter) RunID() uuid.UUID {
	return w.runID
}

// WriteMatches writes a batch of terminal matches to audit.matches.
func (w *AuditWriter) WriteMatches(ctx context.Context, ex Execer, rows []MatchRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := w.matchInsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteViolations writes a batch of violation entries to audit.violations.
func (w *AuditWriter) WriteViolations(ctx context.Context, ex Execer, rows []ViolationRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := w.violationInsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

const matchColumns = 13

func (w *AuditWriter) matchInsert(rows []MatchRow) (string, []interface{}) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*matchColumns)

	for i, r := range rows {
		values = append(values, placeholders(i*matchColumns, matchColumns))
		args = append(args,
			w.runID, r.EventSequence, r.MatchID, r.MatchSeq,
			r.InitiatorID, r.CounterpartyID, r.Amount,
			r.Outcome, r.Cause, r.Reason,
			r.CreatedTick, r.ClosedTick, r.StateHash,
		)
	}

	query := `INSERT INTO audit.matches
		(run_id, event_sequence, match_id, match_seq, initiator_id, counterparty_id, amount,
		 outcome, cause, reason, created_tick, closed_tick, state_hash)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (run_id, event_sequence) DO NOTHING"
	return query, args
}

const violationColumns = 7

func (w *AuditWriter) violationInsert(rows []ViolationRow) (string, []interface{}) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*violationColumns)

	for i, r := range rows {
		values = append(values, placeholders(i*violationColumns, violationColumns))
		args = append(args,
			w.runID, r.EventSequence, r.PartyID, r.MatchID,
			r.Kind, r.Message, r.OccurredTick,
		)
	}

	query := `INSERT INTO audit.violations
		(run_id, event_sequence, party_id, match_id, kind, message, occurred_tick)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (run_id, event_sequence) DO NOTHING"
	return query, args
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
