package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryType represents the kind of balance mutation
type EntryType int32

const (
	EntryTypeReserve EntryType = iota
	EntryTypeRelease
	EntryTypeCommit
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeReserve:
		return "reserve"
	case EntryTypeRelease:
		return "release"
	case EntryTypeCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Entry records one balance mutation. To is only set for commits.
type Entry struct {
	Type   EntryType
	From   uuid.UUID
	To     uuid.UUID
	Amount int64
}

func (e Entry) String() string {
	if e.Type == EntryTypeCommit {
		return fmt.Sprintf("%s %d %s->%s", e.Type, e.Amount, e.From, e.To)
	}
	return fmt.Sprintf("%s %d %s", e.Type, e.Amount, e.From)
}
