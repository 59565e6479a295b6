package match

import (
	"PointSwap/internal/clock"
	"PointSwap/internal/ledger"
	"PointSwap/internal/violation"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Trigger kinds armed on the clock by the manager.
const (
	TriggerScheduleElapsed clock.Kind = iota + 1
	TriggerTradingDelayElapsed
)

// Timing holds the lifecycle durations in ticks.
type Timing struct {
	MatchDelay     int64
	TradingDelay   int64
	ConfirmTimeout int64
	// DepositTimeout <= 0 disables the Trading countdown.
	DepositTimeout int64
}

// Transition describes one state change produced by the manager.
type Transition struct {
	Match   View
	From    State
	To      State
	Entries []ledger.Entry

	// Violation is set when the transition recorded one entry for every
	// party in ViolatedParties.
	Violation       *violation.Entry
	ViolatedParties []uuid.UUID
}

// Manager owns the set of open matches and drives each through its
// state machine. Not thread-safe: only the coordinating loop calls it.
type Manager struct {
	clock      *clock.Clock
	ledger     *ledger.BalanceTracker
	violations *violation.Log
	timing     Timing

	matches map[uuid.UUID]*Match
	seq     int64
	newID   func() uuid.UUID
}

func NewManager(clk *clock.Clock, bt *ledger.BalanceTracker, vl *violation.Log, timing Timing) *Manager {
	return &Manager{
		clock:      clk,
		ledger:     bt,
		violations: vl,
		timing:     timing,
		matches:    make(map[uuid.UUID]*Match),
		newID:      newMatchID,
	}
}

func newMatchID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Timing returns the configured durations.
func (m *Manager) Timing() Timing {
	return m.timing
}

// Create reserves amount against the initiator and opens a Scheduled match
// tagged with both sides' current sessions.
func (m *Manager) Create(initiatorID, counterpartyID uuid.UUID, amount int64, sessions Sessions) (Transition, error) {
	entry, err := m.ledger.Reserve(initiatorID, amount)
	if err != nil {
		return Transition{}, fmt.Errorf("create match: %w", err)
	}

	m.seq++
	now := m.clock.Now()
	mt := &Match{
		ID:             m.newID(),
		Seq:            m.seq,
		InitiatorID:    initiatorID,
		CounterpartyID: counterpartyID,
		Amount:         amount,
		Sessions:       sessions,
		State:          StateScheduled,
		CreatedAt:      now,
		EnteredAt:      now,
		Remaining:      m.timing.MatchDelay,
	}
	mt.timer = m.clock.After(m.timing.MatchDelay, mt.ID, TriggerScheduleElapsed)
	m.matches[mt.ID] = mt

	return Transition{
		Match:   mt.View(),
		To:      StateScheduled,
		Entries: []ledger.Entry{entry},
	}, nil
}

// Fire applies a due clock trigger. Triggers for matches that are gone are
// ignored.
func (m *Manager) Fire(tr clock.Trigger) []Transition {
	mt, ok := m.matches[tr.Key]
	if !ok {
		return nil
	}

	switch tr.Kind {
	case TriggerScheduleElapsed:
		if mt.State != StateScheduled {
			return nil
		}
		return []Transition{m.enterConfirming(mt)}

	case TriggerTradingDelayElapsed:
		if mt.State != StateConfirming || !mt.AwaitingTrading {
			return nil
		}
		return []Transition{m.enterTrading(mt)}
	}
	return nil
}

// Sweep runs every open countdown once for the current tick, in creation
// order. Matches that entered their state during this tick are skipped so
// a countdown always starts at its full duration.
func (m *Manager) Sweep() []Transition {
	now := m.clock.Now()
	var out []Transition

	for _, mt := range m.ordered() {
		if mt.EnteredAt == now {
			continue
		}

		switch {
		case mt.State == StateScheduled, mt.AwaitingTrading:
			if mt.Remaining > 0 {
				mt.Remaining--
			}

		case mt.State == StateConfirming:
			mt.Remaining--
			if mt.Remaining <= 0 {
				out = append(out, m.cancel(mt, CauseConfirmTimeout, ""))
			}

		case mt.State == StateTrading && m.timing.DepositTimeout > 0:
			mt.Remaining--
			if mt.Remaining <= 0 {
				out = append(out, m.cancel(mt, CauseDepositTimeout, ""))
			}
		}
	}
	return out
}

// Confirm records one side's confirmation. Both sides confirming moves the
// match to Trading, directly or after the post-confirmation delay.
func (m *Manager) Confirm(matchID uuid.UUID, role Role) ([]Transition, error) {
	mt, err := m.open(matchID)
	if err != nil {
		return nil, err
	}
	if mt.State != StateConfirming || mt.AwaitingTrading {
		return nil, fmt.Errorf("confirm in state %s: %w", mt.State, ErrInvalidTransition)
	}

	switch role {
	case RoleInitiator:
		mt.InitiatorConfirmed = true
	case RoleCounterparty:
		mt.CounterpartyConfirmed = true
	default:
		return nil, fmt.Errorf("confirm as %s: %w", role, ErrNotParticipant)
	}

	if !mt.InitiatorConfirmed || !mt.CounterpartyConfirmed {
		return nil, nil
	}

	if m.timing.TradingDelay > 0 {
		mt.AwaitingTrading = true
		mt.EnteredAt = m.clock.Now()
		mt.Remaining = m.timing.TradingDelay
		mt.timer = m.clock.After(m.timing.TradingDelay, mt.ID, TriggerTradingDelayElapsed)
		return nil, nil
	}
	return []Transition{m.enterTrading(mt)}, nil
}

// Decline cancels a Confirming match on behalf of either side. The role
// only labels the reason; RoleUnknown is accepted.
func (m *Manager) Decline(matchID uuid.UUID, role Role, reason string) (Transition, error) {
	mt, err := m.open(matchID)
	if err != nil {
		return Transition{}, err
	}
	if mt.State != StateConfirming {
		return Transition{}, fmt.Errorf("decline in state %s: %w", mt.State, ErrInvalidTransition)
	}
	return m.cancel(mt, CauseDeclined, describe(role, "declined", reason)), nil
}

// ReportDeposit records that the counterparty paid.
func (m *Manager) ReportDeposit(matchID uuid.UUID) ([]Transition, error) {
	mt, err := m.trading(matchID, "report deposit")
	if err != nil {
		return nil, err
	}
	mt.CounterpartyDeposited = true
	return m.maybeComplete(mt)
}

// ConfirmReceipt records that the initiator received the deposit.
func (m *Manager) ConfirmReceipt(matchID uuid.UUID) ([]Transition, error) {
	mt, err := m.trading(matchID, "confirm receipt")
	if err != nil {
		return nil, err
	}
	mt.InitiatorReceived = true
	return m.maybeComplete(mt)
}

// Reject cancels a Trading match. The reason is required.
func (m *Manager) Reject(matchID uuid.UUID, role Role, reason string) (Transition, error) {
	if strings.TrimSpace(reason) == "" {
		return Transition{}, ErrReasonRequired
	}
	mt, err := m.trading(matchID, "reject")
	if err != nil {
		return Transition{}, err
	}
	return m.cancel(mt, CauseRejected, describe(role, "rejected", reason)), nil
}

// Withdraw drops every Scheduled match the party is part of. Matches that
// already reached Confirming or Trading are left alone.
func (m *Manager) Withdraw(partyID uuid.UUID) []Transition {
	var out []Transition
	for _, mt := range m.ordered() {
		if mt.State == StateScheduled && mt.Involves(partyID) {
			out = append(out, m.cancel(mt, CauseWithdrawn, ""))
		}
	}
	return out
}

// Get returns a copy of an open match.
func (m *Manager) Get(matchID uuid.UUID) (View, bool) {
	mt, ok := m.matches[matchID]
	if !ok {
		return View{}, false
	}
	return mt.View(), true
}

// Active returns every open match in creation order.
func (m *Manager) Active() []View {
	ordered := m.ordered()
	out := make([]View, 0, len(ordered))
	for _, mt := range ordered {
		out = append(out, mt.View())
	}
	return out
}

// ReservedBy sums the amounts the party holds reserved as initiator.
func (m *Manager) ReservedBy(partyID uuid.UUID) int64 {
	var sum int64
	for _, mt := range m.matches {
		if mt.InitiatorID == partyID {
			sum += mt.Amount
		}
	}
	return sum
}

// SessionLoad returns the amount reserved by, and the number of, open
// matches the party initiated during the given session.
func (m *Manager) SessionLoad(partyID uuid.UUID, session int64) (int64, int) {
	var reserved int64
	n := 0
	for _, mt := range m.matches {
		if mt.InitiatorID == partyID && mt.Sessions.Initiator == session {
			reserved += mt.Amount
			n++
		}
	}
	return reserved, n
}

// HasOpen reports whether the party is on either side of an open match.
func (m *Manager) HasOpen(partyID uuid.UUID) bool {
	for _, mt := range m.matches {
		if mt.Involves(partyID) {
			return true
		}
	}
	return false
}

// --- transitions ---

func (m *Manager) enterConfirming(mt *Match) Transition {
	from := mt.State
	mt.State = StateConfirming
	mt.EnteredAt = m.clock.Now()
	mt.Remaining = m.timing.ConfirmTimeout
	mt.InitiatorConfirmed = false
	mt.CounterpartyConfirmed = false
	return Transition{Match: mt.View(), From: from, To: StateConfirming}
}

func (m *Manager) enterTrading(mt *Match) Transition {
	from := mt.State
	mt.State = StateTrading
	mt.AwaitingTrading = false
	mt.EnteredAt = m.clock.Now()
	mt.Remaining = max(m.timing.DepositTimeout, 0)
	return Transition{Match: mt.View(), From: from, To: StateTrading}
}

func (m *Manager) maybeComplete(mt *Match) ([]Transition, error) {
	if !mt.CounterpartyDeposited || !mt.InitiatorReceived {
		return nil, nil
	}

	entry, err := m.ledger.Commit(mt.InitiatorID, mt.CounterpartyID, mt.Amount)
	if err != nil {
		// The reservation is created with the match, so this is a bug.
		panic(fmt.Sprintf("FATAL: commit for match %s failed: %v", mt.ID, err))
	}

	from := mt.State
	mt.State = StateCompleted
	mt.Cause = CauseCompleted
	mt.Remaining = 0
	delete(m.matches, mt.ID)

	return []Transition{{
		Match:   mt.View(),
		From:    from,
		To:      StateCompleted,
		Entries: []ledger.Entry{entry},
	}}, nil
}

func (m *Manager) cancel(mt *Match, cause Cause, reason string) Transition {
	from := mt.State
	m.clock.Disarm(mt.timer)
	entry := m.ledger.Release(mt.InitiatorID, mt.Amount)

	mt.State = StateCanceled
	mt.Cause = cause
	mt.Reason = reason
	mt.Remaining = 0
	mt.AwaitingTrading = false
	delete(m.matches, mt.ID)

	tr := Transition{
		Match:   mt.View(),
		From:    from,
		To:      StateCanceled,
		Entries: []ledger.Entry{entry},
	}

	if cause == CauseWithdrawn {
		return tr
	}

	ve := violation.Entry{
		Kind:       violation.KindRejected,
		Message:    reason,
		MatchID:    mt.ID,
		OccurredAt: m.clock.Now(),
	}
	switch cause {
	case CauseConfirmTimeout:
		ve.Kind = violation.KindTimeout
		ve.Message = "confirmation window expired"
	case CauseDepositTimeout:
		ve.Kind = violation.KindTimeout
		ve.Message = "deposit window expired"
	}

	parties := []uuid.UUID{mt.InitiatorID, mt.CounterpartyID}
	for _, p := range parties {
		m.violations.Append(p, ve)
	}
	tr.Violation = &ve
	tr.ViolatedParties = parties
	return tr
}

// --- helpers ---

func (m *Manager) open(matchID uuid.UUID) (*Match, error) {
	mt, ok := m.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrUnknownMatch)
	}
	return mt, nil
}

func (m *Manager) trading(matchID uuid.UUID, op string) (*Match, error) {
	mt, err := m.open(matchID)
	if err != nil {
		return nil, err
	}
	if mt.State != StateTrading {
		return nil, fmt.Errorf("%s in state %s: %w", op, mt.State, ErrInvalidTransition)
	}
	return mt, nil
}

func (m *Manager) ordered() []*Match {
	out := make([]*Match, 0, len(m.matches))
	for _, mt := range m.matches {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}

func describe(role Role, verb, reason string) string {
	if role == RoleUnknown {
		if reason == "" {
			return verb
		}
		return fmt.Sprintf("%s: %s", verb, reason)
	}
	if reason == "" {
		return fmt.Sprintf("%s by %s", verb, role)
	}
	return fmt.Sprintf("%s by %s: %s", verb, role, reason)
}
