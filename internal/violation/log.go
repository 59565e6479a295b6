// Package violation keeps the per-party record of abnormal match exits.
package violation

import (
	"PointSwap/internal/clock"

	"github.com/google/uuid"
)

// Kind classifies a violation
type Kind uint8

const (
	KindTimeout Kind = iota + 1
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Entry is one recorded violation. Entries are never mutated after append.
type Entry struct {
	Kind       Kind
	Message    string
	MatchID    uuid.UUID
	OccurredAt clock.Tick
}

type partyLog struct {
	entries []Entry
	acked   int // entries[:acked] have been acknowledged
}

// Log is append-only per party. The acknowledgement cursor only gates
// input; it never removes entries.
// Not thread-safe: only the coordinating loop touches it.
type Log struct {
	parties map[uuid.UUID]*partyLog
	pending int // parties with at least one unacknowledged entry
}

func NewLog() *Log {
	return &Log{
		parties: make(map[uuid.UUID]*partyLog),
	}
}

// Append records an entry for the party.
func (l *Log) Append(partyID uuid.UUID, e Entry) {
	pl, ok := l.parties[partyID]
	if !ok {
		pl = &partyLog{}
		l.parties[partyID] = pl
	}
	if pl.acked == len(pl.entries) {
		l.pending++
	}
	pl.entries = append(pl.entries, e)
}

// Acknowledge marks all of the party's entries as seen and returns how
// many were newly acknowledged.
func (l *Log) Acknowledge(partyID uuid.UUID) int {
	pl, ok := l.parties[partyID]
	if !ok {
		return 0
	}
	n := len(pl.entries) - pl.acked
	if n > 0 {
		pl.acked = len(pl.entries)
		l.pending--
	}
	return n
}

// Entries returns a copy of the party's log in append order.
func (l *Log) Entries(partyID uuid.UUID) []Entry {
	pl, ok := l.parties[partyID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(pl.entries))
	copy(out, pl.entries)
	return out
}

func (l *Log) Count(partyID uuid.UUID) int {
	if pl, ok := l.parties[partyID]; ok {
		return len(pl.entries)
	}
	return 0
}

// Unacknowledged returns the number of entries the party has not seen yet.
func (l *Log) Unacknowledged(partyID uuid.UUID) int {
	if pl, ok := l.parties[partyID]; ok {
		return len(pl.entries) - pl.acked
	}
	return 0
}

// AnyPending reports whether any party still has to acknowledge an entry.
func (l *Log) AnyPending() bool {
	return l.pending > 0
}
