package core_test

import (
	"PointSwap/internal/allocation"
	"PointSwap/internal/command"
	"PointSwap/internal/core"
	"PointSwap/internal/ledger"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

func testOptions() core.Options {
	return core.Options{
		MinUnit:  10_000,
		Timing:   match.Timing{MatchDelay: 3, ConfirmTimeout: 180},
		Windows:  session.Windows{Seller: 600, Buyer: 300},
		Strategy: allocation.Continuous{},
		Logger:   zerolog.Nop(),
	}
}

// newTestEngine creates an Engine with a buffered event channel and no metrics.
func newTestEngine(mutate ...func(*core.Options)) (*core.Engine, chan command.Event) {
	events := make(chan command.Event, 4096)
	opts := testOptions()
	opts.Events = events
	for _, m := range mutate {
		m(&opts)
	}
	return core.NewEngine(opts), events
}

func mustApply(t *testing.T, e *core.Engine, cmd command.Command) core.Result {
	t.Helper()
	res, err := e.Apply(cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.Type(), err)
	}
	return res
}

func mustRegister(t *testing.T, e *core.Engine, role session.Role, balance int64) uuid.UUID {
	t.Helper()
	res := mustApply(t, e, command.RegisterParty{Role: role, Balance: balance})
	if res.Party == nil {
		t.Fatal("register returned no party")
	}
	return res.Party.ID
}

func mustStart(t *testing.T, e *core.Engine, partyID uuid.UUID, amount int64) {
	t.Helper()
	mustApply(t, e, command.StartSession{PartyID: partyID, Amount: amount})
}

func tickN(t *testing.T, e *core.Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustApply(t, e, command.Tick{})
	}
}

func party(t *testing.T, e *core.Engine, id uuid.UUID) core.PartyView {
	t.Helper()
	p, ok := e.Snapshot().Party(id)
	if !ok {
		t.Fatalf("party %s missing from snapshot", id)
	}
	return p
}

func onlyMatch(t *testing.T, e *core.Engine, partyID uuid.UUID) match.View {
	t.Helper()
	ms := e.Snapshot().MatchesFor(partyID)
	if len(ms) != 1 {
		t.Fatalf("expected 1 open match for %s, got %d", partyID, len(ms))
	}
	return ms[0]
}

func drainEvents(ch chan command.Event) []command.Event {
	var out []command.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

// toTrading drives a freshly scheduled match through both confirmations.
func toTrading(t *testing.T, e *core.Engine, matchID uuid.UUID) {
	t.Helper()
	tickN(t, e, 3)
	mustApply(t, e, command.ConfirmMatch{MatchID: matchID, Role: match.RoleInitiator})
	mustApply(t, e, command.ConfirmMatch{MatchID: matchID, Role: match.RoleCounterparty})
	if m, ok := e.Snapshot().Match(matchID); !ok || m.State != "trading" {
		t.Fatalf("expected match %s trading, got %+v", matchID, m)
	}
}

// ============================================================================
// Test: Allocation (scenario 1)
// ============================================================================

func TestContinuousAllocation_ThreeBuyers(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	b1 := mustRegister(t, e, session.RoleBuyer, 0)
	b2 := mustRegister(t, e, session.RoleBuyer, 0)
	b3 := mustRegister(t, e, session.RoleBuyer, 0)

	mustStart(t, e, b1, 10_000)
	mustStart(t, e, b2, 10_000)
	mustStart(t, e, b3, 20_000)
	mustStart(t, e, seller, 30_000)

	snap := e.Snapshot()
	if len(snap.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(snap.Matches))
	}
	if snap.Matches[0].CounterpartyID != b1 || snap.Matches[1].CounterpartyID != b2 {
		t.Fatal("expected buyer1 then buyer2 in creation order")
	}
	for _, m := range snap.Matches {
		if m.Amount != 10_000 || m.State != "scheduled" {
			t.Errorf("unexpected match %+v", m)
		}
	}
	if got := party(t, e, seller).Reserved; got != 20_000 {
		t.Errorf("expected seller reserved 20_000, got %d", got)
	}
	if got := party(t, e, b3).Phase; got != core.PhaseSearching {
		t.Errorf("expected buyer3 still searching, got %s", got)
	}

	// re-evaluation on an unchanged set creates nothing new
	tickN(t, e, 1)
	if n := len(e.Snapshot().Matches); n != 2 {
		t.Fatalf("expected allocation to be idempotent, got %d matches", n)
	}
}

func TestContinuousAllocation_ReleasedReservationFeedsNextBuyer(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	b1 := mustRegister(t, e, session.RoleBuyer, 0)
	b2 := mustRegister(t, e, session.RoleBuyer, 0)
	b3 := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, b1, 10_000)
	mustStart(t, e, b2, 10_000)
	mustStart(t, e, b3, 20_000)
	mustStart(t, e, seller, 30_000)

	m1 := onlyMatch(t, e, b1)
	tickN(t, e, 3)
	mustApply(t, e, command.DeclineMatch{MatchID: m1.ID, Role: match.RoleCounterparty, Reason: "busy"})

	// the seller must acknowledge before it is allocated again
	if len(e.Snapshot().MatchesFor(b3)) != 0 {
		t.Fatal("expected no allocation while the seller has pending violations")
	}
	if got := party(t, e, b1).Phase; got != core.PhaseIdle {
		t.Errorf("expected declined buyer reset to idle, got %s", got)
	}

	mustApply(t, e, command.AcknowledgeViolations{PartyID: seller})

	m3 := onlyMatch(t, e, b3)
	if m3.Amount != 20_000 {
		t.Errorf("expected buyer3 reserved for 20_000, got %d", m3.Amount)
	}
	if got := party(t, e, seller).Reserved; got != 30_000 {
		t.Errorf("expected seller reserved 30_000, got %d", got)
	}
}

func TestNearestAllocation_OneMatchAtATime(t *testing.T) {
	e, _ := newTestEngine(func(o *core.Options) { o.Strategy = allocation.Nearest{} })
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	small := mustRegister(t, e, session.RoleBuyer, 0)
	exact := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, small, 10_000)
	mustStart(t, e, exact, 30_000)
	mustStart(t, e, seller, 30_000)

	snap := e.Snapshot()
	if len(snap.Matches) != 1 {
		t.Fatalf("expected a single match, got %d", len(snap.Matches))
	}
	if snap.Matches[0].CounterpartyID != exact {
		t.Error("expected the closest amount to win")
	}

	// cancellation resets both sides under single-shot allocation
	tickN(t, e, 3)
	mustApply(t, e, command.DeclineMatch{MatchID: snap.Matches[0].ID})
	if party(t, e, seller).SessionActive || party(t, e, exact).SessionActive {
		t.Error("expected both sessions reset to idle")
	}
	if !party(t, e, small).SessionActive {
		t.Error("uninvolved buyer keeps searching")
	}
}

// ============================================================================
// Test: Timeout (scenario 2)
// ============================================================================

func TestConfirmTimeout_CancelsAndRecordsViolations(t *testing.T) {
	e, events := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 50_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, buyer, 20_000)
	mustStart(t, e, seller, 20_000)
	m := onlyMatch(t, e, buyer)

	tickN(t, e, 3)
	if got, _ := e.Snapshot().Match(m.ID); got.State != "confirming" || got.RemainingSeconds != 180 {
		t.Fatalf("expected confirming with 180s, got %+v", got)
	}

	tickN(t, e, 179)
	if _, ok := e.Snapshot().Match(m.ID); !ok {
		t.Fatal("match canceled one tick early")
	}
	drainEvents(events)

	tickN(t, e, 1)
	if _, ok := e.Snapshot().Match(m.ID); ok {
		t.Fatal("expected match removed after 180 ticks")
	}

	for _, id := range []uuid.UUID{seller, buyer} {
		vs := e.Snapshot().ViolationsFor(id)
		if len(vs) != 1 {
			t.Fatalf("expected 1 violation for %s, got %d", id, len(vs))
		}
		if vs[0].Kind != "timeout" || vs[0].MatchID != m.ID {
			t.Errorf("unexpected violation %+v", vs[0])
		}
	}
	if got := party(t, e, seller).Reserved; got != 0 {
		t.Errorf("expected reservation released, got %d", got)
	}
	if !e.Snapshot().Frozen {
		t.Error("expected search countdowns frozen while violations are pending")
	}

	var canceled, violations int
	for _, evt := range drainEvents(events) {
		switch evt.Type {
		case command.EventTypeMatchCanceled:
			canceled++
			if evt.Match.Cause != "confirm_timeout" {
				t.Errorf("expected confirm_timeout cause, got %s", evt.Match.Cause)
			}
		case command.EventTypeViolationRecorded:
			violations++
		}
	}
	if canceled != 1 || violations != 2 {
		t.Errorf("expected 1 cancel and 2 violation events, got %d and %d", canceled, violations)
	}
}

func TestTimeoutSymmetry_ManyMatches(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	var buyers []uuid.UUID
	for i := 0; i < 4; i++ {
		b := mustRegister(t, e, session.RoleBuyer, 0)
		mustStart(t, e, b, 10_000)
		buyers = append(buyers, b)
	}
	mustStart(t, e, seller, 40_000)

	tickN(t, e, 3+180)

	if n := len(e.Snapshot().Matches); n != 0 {
		t.Fatalf("expected every match timed out, %d left", n)
	}
	if got := len(e.Snapshot().ViolationsFor(seller)); got != 4 {
		t.Errorf("expected the seller to collect one violation per match, got %d", got)
	}
	for _, b := range buyers {
		if got := len(e.Snapshot().ViolationsFor(b)); got != 1 {
			t.Errorf("expected exactly one violation for buyer, got %d", got)
		}
	}
	if got := party(t, e, seller).Reserved; got != 0 {
		t.Errorf("expected reserved 0, got %d", got)
	}
}

// ============================================================================
// Test: Session validation (scenario 3)
// ============================================================================

func TestStartSession_RejectsNonMultiple(t *testing.T) {
	e, events := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	drainEvents(events)
	before := e.Snapshot()

	_, err := e.Apply(command.StartSession{PartyID: seller, Amount: 15_000})
	if !errors.Is(err, session.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if e.Snapshot() != before {
		t.Error("rejected command must not publish a new snapshot")
	}
	if n := len(drainEvents(events)); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestStartSession_BlockedByPendingViolation(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, buyer, 10_000)
	mustStart(t, e, seller, 10_000)
	m := onlyMatch(t, e, buyer)
	tickN(t, e, 3)
	mustApply(t, e, command.DeclineMatch{MatchID: m.ID, Role: match.RoleInitiator})

	_, err := e.Apply(command.StartSession{PartyID: buyer, Amount: 10_000})
	if !errors.Is(err, session.ErrViolationPending) {
		t.Fatalf("expected ErrViolationPending, got %v", err)
	}

	res := mustApply(t, e, command.AcknowledgeViolations{PartyID: buyer})
	if res.Acknowledged != 1 {
		t.Errorf("expected 1 acknowledged, got %d", res.Acknowledged)
	}
	mustStart(t, e, buyer, 10_000)
}

// ============================================================================
// Test: Completion (scenario 4)
// ============================================================================

func TestCompletion_CommitsTransfer(t *testing.T) {
	e, events := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 50_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 5_000)
	mustStart(t, e, buyer, 20_000)
	mustStart(t, e, seller, 20_000)
	m := onlyMatch(t, e, buyer)
	toTrading(t, e, m.ID)

	res := mustApply(t, e, command.ReportDeposit{MatchID: m.ID})
	if res.Match == nil || res.Match.State != "trading" || !res.Match.CounterpartyDeposited {
		t.Fatalf("expected trading with deposit flag, got %+v", res.Match)
	}
	drainEvents(events)

	res = mustApply(t, e, command.ConfirmReceipt{MatchID: m.ID})
	if res.Match == nil || res.Match.State != "completed" {
		t.Fatalf("expected completed, got %+v", res.Match)
	}

	s, b := party(t, e, seller), party(t, e, buyer)
	if s.Available != 30_000 || s.Reserved != 0 {
		t.Errorf("seller: expected 30_000/0, got %d/%d", s.Available, s.Reserved)
	}
	if b.Available != 25_000 {
		t.Errorf("buyer: expected 25_000, got %d", b.Available)
	}
	if len(e.Snapshot().Matches) != 0 {
		t.Error("expected completed match removed from the active set")
	}
	if s.SessionActive || b.SessionActive {
		t.Error("expected both sessions complete")
	}
	if e.Snapshot().TotalPoints != 55_000 {
		t.Errorf("expected total 55_000, got %d", e.Snapshot().TotalPoints)
	}

	var stopped int
	for _, evt := range drainEvents(events) {
		if evt.Type == command.EventTypeSessionStopped && evt.Reason == command.StopCompleted {
			stopped++
		}
	}
	if stopped != 2 {
		t.Errorf("expected 2 completed-session events, got %d", stopped)
	}
}

func TestCompletion_PartialKeepsSellerSearching(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 50_000)
	b1 := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, b1, 10_000)
	mustStart(t, e, seller, 30_000)
	m := onlyMatch(t, e, b1)
	toTrading(t, e, m.ID)
	mustApply(t, e, command.ConfirmReceipt{MatchID: m.ID})
	mustApply(t, e, command.ReportDeposit{MatchID: m.ID})

	s := party(t, e, seller)
	if !s.SessionActive || s.Remaining != 20_000 {
		t.Fatalf("expected seller searching with 20_000 left, got active=%v remaining=%d", s.SessionActive, s.Remaining)
	}

	b2 := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, b2, 20_000)
	if m2 := onlyMatch(t, e, b2); m2.Amount != 20_000 {
		t.Errorf("expected 20_000 match, got %d", m2.Amount)
	}
}

// ============================================================================
// Test: Stop and expiry
// ============================================================================

func TestStopSession_WithdrawsScheduledOnly(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	early := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, early, 10_000)
	mustStart(t, e, seller, 30_000)
	confirming := onlyMatch(t, e, early)
	tickN(t, e, 3)

	late := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, late, 10_000)
	onlyMatch(t, e, late)

	mustApply(t, e, command.StopSession{PartyID: seller})

	snap := e.Snapshot()
	if len(snap.Matches) != 1 || snap.Matches[0].ID != confirming.ID {
		t.Fatalf("expected only the confirming match to survive, got %+v", snap.Matches)
	}
	if got := party(t, e, seller).Reserved; got != 10_000 {
		t.Errorf("expected 10_000 still reserved, got %d", got)
	}
	if len(snap.ViolationsFor(seller)) != 0 || len(snap.ViolationsFor(late)) != 0 {
		t.Error("withdrawal must not record violations")
	}
	if !party(t, e, late).SessionActive {
		t.Error("withdrawn buyer keeps searching")
	}

	_, err := e.Apply(command.StopSession{PartyID: seller})
	if !errors.Is(err, session.ErrSessionInactive) {
		t.Errorf("expected ErrSessionInactive, got %v", err)
	}
}

func TestRestartedSession_IgnoresEarlierMatches(t *testing.T) {
	e, events := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 60_000)
	var old []uuid.UUID
	for i := 0; i < 3; i++ {
		b := mustRegister(t, e, session.RoleBuyer, 0)
		mustStart(t, e, b, 10_000)
		old = append(old, b)
	}
	mustStart(t, e, seller, 30_000)
	tickN(t, e, 3)

	var oldMatches []uuid.UUID
	for _, b := range old {
		m := onlyMatch(t, e, b)
		if m.State != "confirming" {
			t.Fatalf("expected confirming, got %s", m.State)
		}
		oldMatches = append(oldMatches, m.ID)
	}

	mustApply(t, e, command.StopSession{PartyID: seller})
	mustStart(t, e, seller, 30_000)
	if got := party(t, e, seller).Session; got != 2 {
		t.Fatalf("expected second session, got %d", got)
	}

	tickN(t, e, 1)
	if got := party(t, e, seller).SearchRemaining; got != 599 {
		t.Errorf("restarted search window should run, got %d", got)
	}

	fresh := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, fresh, 10_000)
	m := onlyMatch(t, e, fresh)
	if m.InitiatorID != seller || m.Amount != 10_000 || m.InitiatorSession != 2 {
		t.Fatalf("expected a 10_000 match from the new session, got %+v", m)
	}
	if got := party(t, e, seller).Reserved; got != 40_000 {
		t.Errorf("expected 40_000 reserved across both sessions, got %d", got)
	}

	drainEvents(events)
	for _, id := range oldMatches {
		mustApply(t, e, command.ConfirmMatch{MatchID: id, Role: match.RoleInitiator})
		mustApply(t, e, command.ConfirmMatch{MatchID: id, Role: match.RoleCounterparty})
		mustApply(t, e, command.ReportDeposit{MatchID: id})
		mustApply(t, e, command.ConfirmReceipt{MatchID: id})
	}

	p := party(t, e, seller)
	if !p.SessionActive || p.Remaining != 30_000 {
		t.Fatalf("earlier matches must not complete the new session, got %+v", p)
	}
	if p.Available != 30_000 || p.Reserved != 10_000 {
		t.Errorf("expected 30_000 available with 10_000 reserved, got %d/%d", p.Available, p.Reserved)
	}
	for _, evt := range drainEvents(events) {
		if evt.Type == command.EventTypeSessionStopped && evt.PartyID == seller {
			t.Errorf("unexpected seller stop: %+v", evt)
		}
	}
	for _, b := range old {
		if party(t, e, b).SessionActive {
			t.Errorf("buyer %s should be done", b)
		}
	}
}

func TestSearchWindow_ExpiresAndPausesWhileWaiting(t *testing.T) {
	e, events := newTestEngine(func(o *core.Options) {
		o.Windows = session.Windows{Seller: 40, Buyer: 30}
	})
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 0)
	idle := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, idle, 50_000)
	mustStart(t, e, buyer, 10_000)
	mustStart(t, e, seller, 10_000)

	tickN(t, e, 29)
	if got := party(t, e, buyer).SearchRemaining; got != 30 {
		t.Errorf("expected matched buyer paused at 30, got %d", got)
	}
	if got := party(t, e, seller).SearchRemaining; got != 40 {
		t.Errorf("expected fully reserved seller paused at 40, got %d", got)
	}
	drainEvents(events)

	tickN(t, e, 1)
	if party(t, e, idle).SessionActive {
		t.Fatal("expected the unmatched buyer's window to expire")
	}
	var expired bool
	for _, evt := range drainEvents(events) {
		if evt.Type == command.EventTypeSessionStopped && evt.PartyID == idle && evt.Reason == command.StopExpired {
			expired = true
		}
	}
	if !expired {
		t.Error("expected an expired session event")
	}
}

// ============================================================================
// Test: Invalid transitions and idempotency
// ============================================================================

func TestInvalidTransitions(t *testing.T) {
	e, _ := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, buyer, 10_000)
	mustStart(t, e, seller, 10_000)
	m := onlyMatch(t, e, buyer)

	cases := []struct {
		name string
		cmd  command.Command
		want error
	}{
		{"confirm while scheduled", command.ConfirmMatch{MatchID: m.ID, Role: match.RoleInitiator}, match.ErrInvalidTransition},
		{"deposit while scheduled", command.ReportDeposit{MatchID: m.ID}, match.ErrInvalidTransition},
		{"reject while scheduled", command.RejectDeposit{MatchID: m.ID, Reason: "x"}, match.ErrInvalidTransition},
		{"unknown match", command.ConfirmReceipt{MatchID: uuid.New()}, match.ErrUnknownMatch},
		{"unknown party", command.StartSession{PartyID: uuid.New(), Amount: 10_000}, ledger.ErrUnknownParty},
		{"session active", command.StartSession{PartyID: buyer, Amount: 10_000}, session.ErrSessionActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Apply(tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	tickN(t, e, 3)
	_, err := e.Apply(command.ConfirmMatch{MatchID: m.ID, Role: match.RoleUnknown})
	if !errors.Is(err, match.ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestDuplicateRequestID_NoSecondEffect(t *testing.T) {
	e, _ := newTestEngine()
	cmd := command.RegisterParty{Meta: command.Meta{ID: "req-1"}, Role: session.RoleBuyer}

	mustApply(t, e, cmd)
	_, err := e.Apply(cmd)
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if n := len(e.Snapshot().Parties); n != 1 {
		t.Errorf("expected 1 party, got %d", n)
	}

	// a failed command does not burn its request id
	bad := command.StartSession{Meta: command.Meta{ID: "req-2"}, PartyID: e.Snapshot().Parties[0].ID, Amount: 1}
	if _, err := e.Apply(bad); !errors.Is(err, session.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	bad.Amount = 10_000
	mustApply(t, e, bad)
}

// ============================================================================
// Test: Properties
// ============================================================================

// Random command streams must never trip the core's invariant checks
// (conservation, reserved == sum of open matches), which panic.
func TestProperty_RandomCommandsKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		e, _ := newTestEngine(func(o *core.Options) {
			o.Timing = match.Timing{MatchDelay: 1, TradingDelay: 1, ConfirmTimeout: 10, DepositTimeout: 10}
			o.Windows = session.Windows{Seller: 50, Buyer: 30}
		})

		var parties []uuid.UUID
		var supply int64
		for i := 0; i < 3; i++ {
			parties = append(parties, mustRegister(t, e, session.RoleSeller, 100_000))
			supply += 100_000
		}
		for i := 0; i < 6; i++ {
			parties = append(parties, mustRegister(t, e, session.RoleBuyer, 0))
		}

		for step := 0; step < 2000; step++ {
			p := parties[rng.Intn(len(parties))]
			var cmd command.Command
			switch rng.Intn(9) {
			case 0:
				cmd = command.StartSession{PartyID: p, Amount: int64(1+rng.Intn(4)) * 10_000}
			case 1:
				cmd = command.StopSession{PartyID: p}
			case 2:
				cmd = command.AcknowledgeViolations{PartyID: p}
			case 3, 4:
				cmd = command.Tick{}
			default:
				ms := e.Snapshot().Matches
				if len(ms) == 0 {
					cmd = command.Tick{}
					break
				}
				m := ms[rng.Intn(len(ms))]
				switch rng.Intn(6) {
				case 0:
					cmd = command.ConfirmMatch{MatchID: m.ID, Role: match.RoleInitiator}
				case 1:
					cmd = command.ConfirmMatch{MatchID: m.ID, Role: match.RoleCounterparty}
				case 2:
					cmd = command.ReportDeposit{MatchID: m.ID}
				case 3:
					cmd = command.ConfirmReceipt{MatchID: m.ID}
				case 4:
					cmd = command.DeclineMatch{MatchID: m.ID}
				default:
					cmd = command.RejectDeposit{MatchID: m.ID, Reason: "random"}
				}
			}
			_, _ = e.Apply(cmd)

			snap := e.Snapshot()
			if snap.TotalPoints != supply {
				t.Fatalf("seed %d step %d: total %d != %d", seed, step, snap.TotalPoints, supply)
			}
			for _, m := range snap.Matches {
				if m.State == "trading" && (!m.InitiatorConfirmed || !m.CounterpartyConfirmed) {
					t.Fatalf("seed %d step %d: match %s trading without mutual confirmation", seed, step, m.ID)
				}
			}
		}
	}
}

func TestDeterministicHash_SameCommandsSameTip(t *testing.T) {
	run := func() string {
		e, _ := newTestEngine()
		seller := mustRegister(t, e, session.RoleSeller, 100_000)
		var buyers []uuid.UUID
		for _, amt := range []int64{10_000, 20_000, 10_000} {
			b := mustRegister(t, e, session.RoleBuyer, 0)
			mustStart(t, e, b, amt)
			buyers = append(buyers, b)
		}
		mustStart(t, e, seller, 40_000)
		m := onlyMatch(t, e, buyers[0])
		toTrading(t, e, m.ID)
		mustApply(t, e, command.ReportDeposit{MatchID: m.ID})
		mustApply(t, e, command.ConfirmReceipt{MatchID: m.ID})
		tickN(t, e, 200)
		return e.Snapshot().Hash
	}

	first, second := run(), run()
	if first != second {
		t.Fatalf("expected identical chain tips, got %s and %s", first, second)
	}
}

func TestEvents_SequencedAndOrdered(t *testing.T) {
	e, events := newTestEngine()
	seller := mustRegister(t, e, session.RoleSeller, 100_000)
	buyer := mustRegister(t, e, session.RoleBuyer, 0)
	mustStart(t, e, buyer, 10_000)
	mustStart(t, e, seller, 10_000)
	tickN(t, e, 3)

	var types []command.EventType
	var last int64
	for _, evt := range drainEvents(events) {
		if evt.Sequence != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, evt.Sequence)
		}
		if evt.Hash == "" {
			t.Fatal("expected every event to carry the chain hash")
		}
		last = evt.Sequence
		types = append(types, evt.Type)
	}

	want := []command.EventType{
		command.EventTypePartyRegistered,
		command.EventTypePartyRegistered,
		command.EventTypeSessionStarted,
		command.EventTypeSessionStarted,
		command.EventTypeMatchScheduled,
		command.EventTypeMatchConfirming,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestEvents_FullChannelDropsWithoutBlocking(t *testing.T) {
	events := make(chan command.Event, 1)
	opts := testOptions()
	opts.Events = events
	e := core.NewEngine(opts)

	for i := 0; i < 5; i++ {
		mustRegister(t, e, session.RoleBuyer, 0)
	}
	if len(events) != 1 {
		t.Errorf("expected channel to hold 1 event, got %d", len(events))
	}
	if e.Snapshot().Sequence != 5 {
		t.Errorf("expected sequence to keep counting, got %d", e.Snapshot().Sequence)
	}
}
