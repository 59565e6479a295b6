// Package session tracks each party's search session and feeds
// eligibility into allocation.
package session

import (
	"PointSwap/internal/allocation"
	"PointSwap/internal/ledger"
	"PointSwap/internal/violation"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidAmount: not a positive multiple of the minimum unit, or
	// more than the seller can cover.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrSessionActive   = errors.New("session already active")
	ErrSessionInactive = errors.New("session not active")

	// ErrViolationPending blocks new sessions until the party acknowledged
	// its violation log.
	ErrViolationPending = errors.New("unacknowledged violations")

	ErrInvalidRole = errors.New("invalid role")
)

// Role of a party. Sellers initiate matches and hold the reservations.
type Role uint8

const (
	RoleSeller Role = iota + 1
	RoleBuyer
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	default:
		return "unknown"
	}
}

// ParseRole accepts the lowercase role names used on the wire.
func ParseRole(s string) (Role, error) {
	switch s {
	case "seller":
		return RoleSeller, nil
	case "buyer":
		return RoleBuyer, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidRole)
	}
}

// Party is one registered participant. Balances live in the ledger; the
// party only carries session state.
type Party struct {
	ID    uuid.UUID
	Role  Role
	Index int64 // registration order
	Label string

	Active bool
	// Session counts the sessions started so far; the active one is the
	// current generation.
	Session int64
	// Amount is the session target. Completed is the part of it already
	// committed during this session.
	Amount          int64
	Completed       int64
	SearchRemaining int64
}

// Remaining is the uncommitted part of the session target (R).
func (p *Party) Remaining() int64 {
	return p.Amount - p.Completed
}

func (p *Party) reset() {
	p.Active = false
	p.Amount = 0
	p.Completed = 0
	p.SearchRemaining = 0
}

// Windows are the search windows per role, in ticks.
type Windows struct {
	Seller int64
	Buyer  int64
}

func (w Windows) For(r Role) int64 {
	if r == RoleSeller {
		return w.Seller
	}
	return w.Buyer
}

// Controller owns every party's session. Not thread-safe: only the
// coordinating loop calls it.
type Controller struct {
	ledger     *ledger.BalanceTracker
	violations *violation.Log
	minUnit    int64
	windows    Windows

	parties   map[uuid.UUID]*Party
	order     []uuid.UUID
	nextIndex int64
	newID     func() uuid.UUID
}

func NewController(bt *ledger.BalanceTracker, vl *violation.Log, minUnit int64, windows Windows) *Controller {
	return &Controller{
		ledger:     bt,
		violations: vl,
		minUnit:    minUnit,
		windows:    windows,
		parties:    make(map[uuid.UUID]*Party),
		newID:      newPartyID,
	}
}

func newPartyID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Register creates a party and opens its ledger account.
func (c *Controller) Register(role Role, balance int64, label string) (Party, error) {
	if role != RoleSeller && role != RoleBuyer {
		return Party{}, ErrInvalidRole
	}
	id := c.newID()
	if err := c.ledger.Open(id, balance); err != nil {
		return Party{}, fmt.Errorf("register: %w", err)
	}

	c.nextIndex++
	p := &Party{
		ID:    id,
		Role:  role,
		Index: c.nextIndex,
		Label: label,
	}
	c.parties[id] = p
	c.order = append(c.order, id)
	return *p, nil
}

// Start opens a search session for amount.
func (c *Controller) Start(partyID uuid.UUID, amount int64) error {
	p, err := c.party(partyID)
	if err != nil {
		return err
	}
	if p.Active {
		return ErrSessionActive
	}
	if c.violations.Unacknowledged(partyID) > 0 {
		return ErrViolationPending
	}
	if !allocation.IsValidAmount(amount, c.minUnit) {
		return fmt.Errorf("%d is not a positive multiple of %d: %w", amount, c.minUnit, ErrInvalidAmount)
	}
	if p.Role == RoleSeller {
		if free := c.ledger.Free(partyID); amount > free {
			return fmt.Errorf("%d exceeds available balance %d: %w", amount, free, ErrInvalidAmount)
		}
	}

	p.Active = true
	p.Session++
	p.Amount = amount
	p.Completed = 0
	p.SearchRemaining = c.windows.For(p.Role)
	return nil
}

// Stop ends the session. Open matches are the caller's concern.
func (c *Controller) Stop(partyID uuid.UUID) error {
	p, err := c.party(partyID)
	if err != nil {
		return err
	}
	if !p.Active {
		return ErrSessionInactive
	}
	p.reset()
	return nil
}

// Reset returns the session to idle defaults. Unknown or idle parties are
// ignored.
func (c *Controller) Reset(partyID uuid.UUID) {
	if p, ok := c.parties[partyID]; ok {
		p.reset()
	}
}

// RecordCompletion folds a completed match into the party's session and
// reports whether the session is done. Matches created in an earlier
// session of the party are ignored.
func (c *Controller) RecordCompletion(partyID uuid.UUID, session, amount int64) bool {
	p, ok := c.parties[partyID]
	if !ok || !p.Active || p.Session != session {
		return false
	}
	if p.Role == RoleBuyer {
		p.reset()
		return true
	}
	p.Completed += amount
	if p.Remaining() <= 0 {
		p.reset()
		return true
	}
	return false
}

// Tick runs every search countdown once and returns the parties whose
// window ran out, in registration order. Nothing counts down while any
// violation is unacknowledged. waiting reports parties whose whole
// remaining amount is tied up in open matches; their countdown pauses.
func (c *Controller) Tick(waiting func(uuid.UUID) bool) []uuid.UUID {
	if c.violations.AnyPending() {
		return nil
	}

	var expired []uuid.UUID
	for _, id := range c.order {
		p := c.parties[id]
		if !p.Active || waiting(id) {
			continue
		}
		p.SearchRemaining--
		if p.SearchRemaining <= 0 {
			expired = append(expired, id)
		}
	}
	return expired
}

// Get returns a copy of the party.
func (c *Controller) Get(partyID uuid.UUID) (Party, bool) {
	p, ok := c.parties[partyID]
	if !ok {
		return Party{}, false
	}
	return *p, true
}

// All returns copies of every party in registration order.
func (c *Controller) All() []Party {
	out := make([]Party, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.parties[id])
	}
	return out
}

// ActiveByRole returns the active parties of a role in registration order.
func (c *Controller) ActiveByRole(role Role) []Party {
	var out []Party
	for _, id := range c.order {
		p := c.parties[id]
		if p.Active && p.Role == role {
			out = append(out, *p)
		}
	}
	return out
}

func (c *Controller) party(partyID uuid.UUID) (*Party, error) {
	p, ok := c.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("party %s: %w", partyID, ledger.ErrUnknownParty)
	}
	return p, nil
}
