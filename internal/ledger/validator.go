package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateConservation verifies the sum of Available balances equals the
// total that entered the system through Open.
func (v *InvariantValidator) ValidateConservation(expected int64) error {
	if total := v.tracker.Total(); total != expected {
		return fmt.Errorf("points not conserved: total=%d, expected=%d", total, expected)
	}
	return nil
}

// ValidateAccount checks 0 <= reserved <= available for one party
func (v *InvariantValidator) ValidateAccount(partyID uuid.UUID) error {
	acc, ok := v.tracker.Get(partyID)
	if !ok {
		return fmt.Errorf("validate %s: %w", partyID, ErrUnknownParty)
	}
	if acc.Reserved < 0 {
		return fmt.Errorf("party %s has negative reserved balance: %d", partyID, acc.Reserved)
	}
	if acc.Reserved > acc.Available {
		return fmt.Errorf("party %s reserved %d exceeds available %d", partyID, acc.Reserved, acc.Available)
	}
	return nil
}

// ValidateReserved checks the party's reserved balance equals the sum of
// its open match amounts.
func (v *InvariantValidator) ValidateReserved(partyID uuid.UUID, openSum int64) error {
	if reserved := v.tracker.Reserved(partyID); reserved != openSum {
		return fmt.Errorf("party %s reserved %d but open matches hold %d", partyID, reserved, openSum)
	}
	return nil
}

// ValidateAll runs the per-account checks over every account.
func (v *InvariantValidator) ValidateAll() error {
	for _, id := range v.tracker.PartyIDs() {
		if err := v.ValidateAccount(id); err != nil {
			return err
		}
	}
	return nil
}
