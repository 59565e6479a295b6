package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientBalance is returned when a reservation exceeds the
	// party's unreserved balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnknownParty is returned for ids that never opened an account.
	ErrUnknownParty = errors.New("unknown party")

	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Account holds one party's point balances.
// Invariant: 0 <= Reserved <= Available.
type Account struct {
	Available int64
	Reserved  int64
}

// Free returns the balance that can still be reserved.
func (a Account) Free() int64 {
	return a.Available - a.Reserved
}

// BalanceTracker is the only component allowed to mutate point totals.
// Not thread-safe: only the coordinating loop touches it.
type BalanceTracker struct {
	accounts map[uuid.UUID]*Account
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		accounts: make(map[uuid.UUID]*Account),
	}
}

// Open creates an account with an initial balance. Opening is the only
// way points enter the system.
func (bt *BalanceTracker) Open(partyID uuid.UUID, initial int64) error {
	if initial < 0 {
		return fmt.Errorf("open %s: negative initial balance %d: %w", partyID, initial, ErrNonPositiveAmount)
	}
	if _, exists := bt.accounts[partyID]; exists {
		return fmt.Errorf("open %s: account already exists", partyID)
	}
	bt.accounts[partyID] = &Account{Available: initial}
	return nil
}

// Reserve earmarks amount against the party's unreserved balance.
func (bt *BalanceTracker) Reserve(partyID uuid.UUID, amount int64) (Entry, error) {
	acc, ok := bt.accounts[partyID]
	if !ok {
		return Entry{}, fmt.Errorf("reserve %s: %w", partyID, ErrUnknownParty)
	}
	if amount <= 0 {
		return Entry{}, fmt.Errorf("reserve %d: %w", amount, ErrNonPositiveAmount)
	}
	if amount > acc.Free() {
		return Entry{}, fmt.Errorf("reserve %d (free=%d): %w", amount, acc.Free(), ErrInsufficientBalance)
	}

	acc.Reserved += amount
	return Entry{Type: EntryTypeReserve, From: partyID, Amount: amount}, nil
}

// Release returns a reservation to the free balance. The decrement is
// clamped at zero and the entry carries the amount actually released.
func (bt *BalanceTracker) Release(partyID uuid.UUID, amount int64) Entry {
	acc, ok := bt.accounts[partyID]
	if !ok || amount <= 0 {
		return Entry{Type: EntryTypeRelease, From: partyID}
	}
	if amount > acc.Reserved {
		amount = acc.Reserved
	}
	acc.Reserved -= amount
	return Entry{Type: EntryTypeRelease, From: partyID, Amount: amount}
}

// Commit moves a reserved amount from one party to another. It is the only
// operation that changes a party's Available balance after Open.
func (bt *BalanceTracker) Commit(fromID, toID uuid.UUID, amount int64) (Entry, error) {
	from, ok := bt.accounts[fromID]
	if !ok {
		return Entry{}, fmt.Errorf("commit from %s: %w", fromID, ErrUnknownParty)
	}
	to, ok := bt.accounts[toID]
	if !ok {
		return Entry{}, fmt.Errorf("commit to %s: %w", toID, ErrUnknownParty)
	}
	if amount <= 0 {
		return Entry{}, fmt.Errorf("commit %d: %w", amount, ErrNonPositiveAmount)
	}
	if from.Reserved < amount {
		return Entry{}, fmt.Errorf("commit %d exceeds reserved %d: %w", amount, from.Reserved, ErrInsufficientBalance)
	}

	from.Available -= amount
	from.Reserved -= amount
	to.Available += amount
	return Entry{Type: EntryTypeCommit, From: fromID, To: toID, Amount: amount}, nil
}

// Get returns a copy of the party's account.
func (bt *BalanceTracker) Get(partyID uuid.UUID) (Account, bool) {
	acc, ok := bt.accounts[partyID]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

func (bt *BalanceTracker) Available(partyID uuid.UUID) int64 {
	acc, _ := bt.Get(partyID)
	return acc.Available
}

func (bt *BalanceTracker) Reserved(partyID uuid.UUID) int64 {
	acc, _ := bt.Get(partyID)
	return acc.Reserved
}

func (bt *BalanceTracker) Free(partyID uuid.UUID) int64 {
	acc, _ := bt.Get(partyID)
	return acc.Free()
}

// Total sums Available over all accounts. It only changes through Open.
func (bt *BalanceTracker) Total() int64 {
	var total int64
	for _, acc := range bt.accounts {
		total += acc.Available
	}
	return total
}

// PartyIDs returns all account ids in a stable order.
func (bt *BalanceTracker) PartyIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(bt.accounts))
	for id := range bt.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}
