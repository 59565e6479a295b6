package core

import (
	"PointSwap/internal/allocation"
	"PointSwap/internal/clock"
	"PointSwap/internal/command"
	"PointSwap/internal/ledger"
	"PointSwap/internal/match"
	"PointSwap/internal/observability"
	"PointSwap/internal/session"
	"PointSwap/internal/violation"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateCommand answers a replayed request id. Nothing changed.
	ErrDuplicateCommand = errors.New("duplicate command")

	ErrEngineStopped  = errors.New("engine stopped")
	ErrUnknownCommand = errors.New("unknown command")
)

// Options configures an Engine.
type Options struct {
	MinUnit             int64
	Timing              match.Timing
	Windows             session.Windows
	Strategy            allocation.Strategy
	IdempotencyCapacity int

	// Events receives every lifecycle event. Sends never block; a full
	// channel drops the event. Nil disables emission.
	Events  chan<- command.Event
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Result is what a successful command hands back to its caller.
type Result struct {
	Party *PartyView  `json:"party,omitempty"`
	Match *match.View `json:"match,omitempty"`
	// Acknowledged is the number of violations a party just acknowledged.
	Acknowledged int `json:"acknowledged,omitempty"`
}

// Engine is the single-threaded state machine behind the coordinating
// loop. Apply is not safe for concurrent use; Snapshot is.
type Engine struct {
	clock      *clock.Clock
	ledger     *ledger.BalanceTracker
	validator  *ledger.InvariantValidator
	violations *violation.Log
	matches    *match.Manager
	sessions   *session.Controller
	strategy   allocation.Strategy
	requests   *RequestLRU
	hasher     *StateHasher

	minUnit  int64
	supply   int64 // points that entered through registration
	sequence int64 // last emitted event

	pending  []command.Event
	events   chan<- command.Event
	snapshot atomic.Pointer[Snapshot]

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(opts Options) *Engine {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = allocation.Continuous{}
	}
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	clk := clock.New()
	bt := ledger.NewBalanceTracker()
	vl := violation.NewLog()

	e := &Engine{
		clock:      clk,
		ledger:     bt,
		validator:  ledger.NewInvariantValidator(bt),
		violations: vl,
		matches:    match.NewManager(clk, bt, vl, opts.Timing),
		sessions:   session.NewController(bt, vl, opts.MinUnit, opts.Windows),
		strategy:   strategy,
		requests:   NewRequestLRU(capacity),
		hasher:     NewStateHasher(),
		minUnit:    opts.MinUnit,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	e.publishSnapshot()
	return e
}

// Snapshot returns the state after the last applied step.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Apply is the main processing pipeline: dedup, dispatch, reallocate,
// check invariants, publish.
func (e *Engine) Apply(cmd command.Command) (Result, error) {
	start := time.Now()
	typ := cmd.Type().String()
	requestID := cmd.RequestID()

	// Step 1: idempotency
	if requestID != "" && e.requests.Seen(typ, requestID) {
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(typ).Inc()
			e.metrics.CommandsRejected.WithLabelValues(typ, "duplicate").Inc()
		}
		return Result{}, fmt.Errorf("%s %s: %w", typ, requestID, ErrDuplicateCommand)
	}

	// Step 2: dispatch. Handlers validate before mutating, so a rejected
	// command leaves no trace.
	res, err := e.dispatch(cmd)
	if err != nil {
		e.pending = e.pending[:0]
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(typ, ErrorCode(err)).Inc()
		}
		e.logger.Warn().Err(err).Str("command", typ).Str("request_id", requestID).Msg("command rejected")
		return Result{}, err
	}

	// Step 3: every state change may open room for new matches
	e.reallocate()

	// Step 4: invariants. A broken invariant is a bug in the core.
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", typ, err))
	}

	// Step 5: remember the request, emit, publish
	if requestID != "" {
		if evicted := e.requests.Mark(typ, requestID); evicted && e.metrics != nil {
			e.metrics.DedupLRUEvictions.Inc()
		}
	}
	e.flushEvents()
	snap := e.publishSnapshot()
	e.refreshResult(&res, snap)

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(typ).Inc()
		e.metrics.CommandDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
		e.metrics.DedupLRUSize.Set(float64(e.requests.Size()))
		if cmd.Type() == command.TypeTick {
			e.metrics.TickDuration.Observe(time.Since(start).Seconds())
			e.metrics.LogicalTick.Set(float64(e.clock.Now()))
		}
	}
	return res, nil
}

func (e *Engine) dispatch(cmd command.Command) (Result, error) {
	switch c := cmd.(type) {
	case command.RegisterParty:
		return e.handleRegisterParty(c)
	case command.StartSession:
		return e.handleStartSession(c)
	case command.StopSession:
		return e.handleStopSession(c)
	case command.ConfirmMatch:
		return e.handleConfirmMatch(c)
	case command.DeclineMatch:
		return e.handleDeclineMatch(c)
	case command.ReportDeposit:
		return e.handleReportDeposit(c)
	case command.ConfirmReceipt:
		return e.handleConfirmReceipt(c)
	case command.RejectDeposit:
		return e.handleRejectDeposit(c)
	case command.AcknowledgeViolations:
		return e.handleAcknowledgeViolations(c)
	case command.Tick:
		return Result{}, e.handleTick()
	default:
		return Result{}, fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// --- handlers ---

func (e *Engine) handleRegisterParty(c command.RegisterParty) (Result, error) {
	p, err := e.sessions.Register(c.Role, c.Balance, c.Label)
	if err != nil {
		return Result{}, err
	}
	e.supply += c.Balance
	e.emit(command.Event{
		Type:    command.EventTypePartyRegistered,
		PartyID: p.ID,
		Role:    p.Role.String(),
		Amount:  c.Balance,
	})
	return e.partyResult(p.ID), nil
}

func (e *Engine) handleStartSession(c command.StartSession) (Result, error) {
	if err := e.sessions.Start(c.PartyID, c.Amount); err != nil {
		return Result{}, err
	}
	p, _ := e.sessions.Get(c.PartyID)
	e.emit(command.Event{
		Type:    command.EventTypeSessionStarted,
		PartyID: p.ID,
		Role:    p.Role.String(),
		Amount:  p.Amount,
	})
	e.logger.Debug().Str("party_id", p.ID.String()).Int64("amount", p.Amount).Msg("session started")
	return e.partyResult(p.ID), nil
}

func (e *Engine) handleStopSession(c command.StopSession) (Result, error) {
	if err := e.stopSession(c.PartyID, command.StopRequested); err != nil {
		return Result{}, err
	}
	return e.partyResult(c.PartyID), nil
}

func (e *Engine) handleConfirmMatch(c command.ConfirmMatch) (Result, error) {
	trs, err := e.matches.Confirm(c.MatchID, c.Role)
	if err != nil {
		return Result{}, err
	}
	e.applyTransitions(trs)
	return e.matchResult(c.MatchID), nil
}

func (e *Engine) handleDeclineMatch(c command.DeclineMatch) (Result, error) {
	tr, err := e.matches.Decline(c.MatchID, c.Role, c.Reason)
	if err != nil {
		return Result{}, err
	}
	e.applyTransitions([]match.Transition{tr})
	return Result{Match: &tr.Match}, nil
}

func (e *Engine) handleReportDeposit(c command.ReportDeposit) (Result, error) {
	trs, err := e.matches.ReportDeposit(c.MatchID)
	if err != nil {
		return Result{}, err
	}
	e.applyTransitions(trs)
	return e.matchOrFinal(c.MatchID, trs), nil
}

func (e *Engine) handleConfirmReceipt(c command.ConfirmReceipt) (Result, error) {
	trs, err := e.matches.ConfirmReceipt(c.MatchID)
	if err != nil {
		return Result{}, err
	}
	e.applyTransitions(trs)
	return e.matchOrFinal(c.MatchID, trs), nil
}

func (e *Engine) handleRejectDeposit(c command.RejectDeposit) (Result, error) {
	tr, err := e.matches.Reject(c.MatchID, c.Role, c.Reason)
	if err != nil {
		return Result{}, err
	}
	e.applyTransitions([]match.Transition{tr})
	return Result{Match: &tr.Match}, nil
}

func (e *Engine) handleAcknowledgeViolations(c command.AcknowledgeViolations) (Result, error) {
	if _, ok := e.sessions.Get(c.PartyID); !ok {
		return Result{}, fmt.Errorf("party %s: %w", c.PartyID, ledger.ErrUnknownParty)
	}
	n := e.violations.Acknowledge(c.PartyID)
	if n > 0 {
		e.emit(command.Event{
			Type:    command.EventTypeViolationsAcknowledged,
			PartyID: c.PartyID,
			Amount:  int64(n),
		})
	}
	res := e.partyResult(c.PartyID)
	res.Acknowledged = n
	return res, nil
}

// handleTick advances the clock one step: due one-shot triggers first,
// then match countdowns in creation order, then search windows.
func (e *Engine) handleTick() error {
	_, due := e.clock.Advance()
	for _, tr := range due {
		e.applyTransitions(e.matches.Fire(tr))
	}
	e.applyTransitions(e.matches.Sweep())

	for _, id := range e.sessions.Tick(e.waiting) {
		if err := e.stopSession(id, command.StopExpired); err != nil {
			panic(fmt.Sprintf("FATAL: expiring session %s: %v", id, err))
		}
	}
	return nil
}

// --- shared steps ---

func (e *Engine) stopSession(partyID uuid.UUID, reason string) error {
	p, ok := e.sessions.Get(partyID)
	if !ok {
		return fmt.Errorf("party %s: %w", partyID, ledger.ErrUnknownParty)
	}
	if err := e.sessions.Stop(partyID); err != nil {
		return err
	}
	e.applyTransitions(e.matches.Withdraw(partyID))
	e.emit(command.Event{
		Type:    command.EventTypeSessionStopped,
		PartyID: partyID,
		Role:    p.Role.String(),
		Reason:  reason,
	})
	e.logger.Debug().Str("party_id", partyID.String()).Str("reason", reason).Msg("session stopped")
	return nil
}

// resetSession returns an active session to idle after its match failed.
// A match left over from an earlier session does not touch the current one.
func (e *Engine) resetSession(partyID uuid.UUID, session int64) {
	p, ok := e.sessions.Get(partyID)
	if !ok || !p.Active || p.Session != session {
		return
	}
	e.sessions.Reset(partyID)
	e.emit(command.Event{
		Type:    command.EventTypeSessionStopped,
		PartyID: partyID,
		Role:    p.Role.String(),
		Reason:  command.StopReset,
	})
}

func (e *Engine) applyTransitions(trs []match.Transition) {
	for i := range trs {
		tr := trs[i]
		view := tr.Match
		e.emit(command.Event{
			Type:   command.EventForState(tr.To),
			Amount: view.Amount,
			Match:  &view,
		})

		if e.metrics != nil {
			e.metrics.MatchTransitions.WithLabelValues(stateLabel(tr.From), tr.To.String()).Inc()
			for _, entry := range tr.Entries {
				e.metrics.LedgerEntries.WithLabelValues(entry.Type.String()).Inc()
			}
		}

		switch tr.To {
		case match.StateCanceled:
			e.onCanceled(tr)
		case match.StateCompleted:
			e.onCompleted(tr)
		default:
			e.logger.Debug().
				Str("match_id", view.ID.String()).
				Str("from", stateLabel(tr.From)).
				Str("to", tr.To.String()).
				Msg("match transition")
		}
	}
}

func (e *Engine) onCanceled(tr match.Transition) {
	view := tr.Match
	e.logger.Info().
		Str("match_id", view.ID.String()).
		Str("cause", view.Cause).
		Str("reason", view.Reason).
		Int64("amount", view.Amount).
		Msg("match canceled")
	if e.metrics != nil {
		e.metrics.MatchesCanceled.WithLabelValues(view.Cause).Inc()
	}

	if tr.Violation != nil {
		for _, partyID := range tr.ViolatedParties {
			e.emit(command.Event{
				Type:    command.EventTypeViolationRecorded,
				PartyID: partyID,
				Violation: &command.ViolationRecord{
					Kind:    tr.Violation.Kind.String(),
					Message: tr.Violation.Message,
					MatchID: tr.Violation.MatchID,
				},
			})
			if e.metrics != nil {
				e.metrics.ViolationsRecorded.WithLabelValues(tr.Violation.Kind.String()).Inc()
			}
		}
	}

	if view.Cause == match.CauseWithdrawn.String() {
		return
	}
	e.resetSession(view.CounterpartyID, view.CounterpartySession)
	if e.strategy.Name() == allocation.StrategyNearest {
		e.resetSession(view.InitiatorID, view.InitiatorSession)
	}
}

func (e *Engine) onCompleted(tr match.Transition) {
	view := tr.Match
	e.logger.Info().
		Str("match_id", view.ID.String()).
		Int64("amount", view.Amount).
		Msg("match completed")

	sides := []struct {
		partyID uuid.UUID
		session int64
	}{
		{view.InitiatorID, view.InitiatorSession},
		{view.CounterpartyID, view.CounterpartySession},
	}
	for _, side := range sides {
		partyID := side.partyID
		p, ok := e.sessions.Get(partyID)
		if !ok {
			continue
		}
		if e.sessions.RecordCompletion(partyID, side.session, view.Amount) {
			e.emit(command.Event{
				Type:    command.EventTypeSessionStopped,
				PartyID: partyID,
				Role:    p.Role.String(),
				Reason:  command.StopCompleted,
			})
		}
	}
}

// reallocate runs the configured strategy for every active seller in
// registration order. Parties with unacknowledged violations take no part.
// Only matches of the seller's current session count against its budget.
func (e *Engine) reallocate() {
	for _, seller := range e.sessions.ActiveByRole(session.RoleSeller) {
		if e.violations.Unacknowledged(seller.ID) > 0 {
			continue
		}

		reserved, open := e.matches.SessionLoad(seller.ID, seller.Session)
		req := allocation.Request{
			InitiatorID: seller.ID,
			Remaining:   seller.Remaining(),
			Reserved:    reserved,
			OpenMatches: open,
			MinUnit:     e.minUnit,
			Candidates:  e.candidates(),
		}

		for _, r := range e.strategy.Allocate(req) {
			buyer, _ := e.sessions.Get(r.CounterpartyID)
			sessions := match.Sessions{Initiator: seller.Session, Counterparty: buyer.Session}
			tr, err := e.matches.Create(seller.ID, r.CounterpartyID, r.Amount, sessions)
			if err != nil {
				e.logger.Error().Err(err).
					Str("seller_id", seller.ID.String()).
					Str("buyer_id", r.CounterpartyID.String()).
					Int64("amount", r.Amount).
					Msg("reservation failed")
				break
			}
			e.applyTransitions([]match.Transition{tr})
		}
	}
}

func (e *Engine) candidates() []allocation.Candidate {
	buyers := e.sessions.ActiveByRole(session.RoleBuyer)
	out := make([]allocation.Candidate, 0, len(buyers))
	for _, b := range buyers {
		out = append(out, allocation.Candidate{
			PartyID:      b.ID,
			Index:        b.Index,
			Amount:       b.Remaining(),
			Active:       e.violations.Unacknowledged(b.ID) == 0,
			HasOpenMatch: e.matches.HasOpen(b.ID),
		})
	}
	return out
}

// waiting reports a party whose whole remaining amount is tied up in open
// matches. Its search window pauses.
func (e *Engine) waiting(partyID uuid.UUID) bool {
	p, ok := e.sessions.Get(partyID)
	if !ok {
		return false
	}
	if p.Role == session.RoleBuyer {
		return e.matches.HasOpen(partyID)
	}
	reserved, open := e.matches.SessionLoad(partyID, p.Session)
	return open > 0 && p.Remaining()-reserved <= 0
}

// postCheckInvariants validates conservation and that every reservation is
// backed by exactly its open matches.
func (e *Engine) postCheckInvariants() error {
	if err := e.validator.ValidateConservation(e.supply); err != nil {
		return err
	}
	if err := e.validator.ValidateAll(); err != nil {
		return err
	}
	for _, id := range e.ledger.PartyIDs() {
		if err := e.validator.ValidateReserved(id, e.matches.ReservedBy(id)); err != nil {
			return err
		}
	}
	return nil
}

// --- output ---

func (e *Engine) emit(evt command.Event) {
	evt.Tick = e.clock.Now()
	e.pending = append(e.pending, evt)
}

// flushEvents sequences, hashes and sends the step's events. The send is
// non-blocking: a slow consumer loses events, never stalls the loop.
func (e *Engine) flushEvents() {
	for i := range e.pending {
		e.sequence++
		evt := e.pending[i]
		evt.Sequence = e.sequence
		hash := e.hasher.Chain(&evt)
		evt.Hash = fmt.Sprintf("%x", hash)

		if e.events == nil {
			continue
		}
		select {
		case e.events <- evt:
		default:
			if e.metrics != nil {
				e.metrics.EventDrops.WithLabelValues("core").Inc()
			}
		}
	}
	e.pending = e.pending[:0]
}

func (e *Engine) publishSnapshot() *Snapshot {
	snap := &Snapshot{
		Tick:        e.clock.Now(),
		Sequence:    e.sequence,
		Hash:        e.hasher.Tip(),
		Strategy:    e.strategy.Name(),
		Frozen:      e.violations.AnyPending(),
		TotalPoints: e.ledger.Total(),
		Matches:     e.matches.Active(),
		Violations:  make(map[uuid.UUID][]ViolationView),
		partyIndex:  make(map[uuid.UUID]int),
		matchIndex:  make(map[uuid.UUID]int),
	}
	for i, m := range snap.Matches {
		snap.matchIndex[m.ID] = i
	}

	var sellers, buyers int
	for _, p := range e.sessions.All() {
		acc, _ := e.ledger.Get(p.ID)
		view := PartyView{
			ID:              p.ID,
			Role:            p.Role.String(),
			Index:           p.Index,
			Label:           p.Label,
			Phase:           phaseOf(p.Active, snap.MatchesFor(p.ID)),
			SessionActive:   p.Active,
			Session:         p.Session,
			Amount:          p.Amount,
			Remaining:       p.Remaining(),
			SearchRemaining: p.SearchRemaining,
			Available:       acc.Available,
			Reserved:        acc.Reserved,
			Violations:      e.violations.Count(p.ID),
			Unacknowledged:  e.violations.Unacknowledged(p.ID),
		}
		snap.partyIndex[p.ID] = len(snap.Parties)
		snap.Parties = append(snap.Parties, view)

		if entries := e.violations.Entries(p.ID); len(entries) > 0 {
			acked := len(entries) - view.Unacknowledged
			views := make([]ViolationView, len(entries))
			for j, v := range entries {
				views[j] = ViolationView{
					Kind:         v.Kind.String(),
					Message:      v.Message,
					MatchID:      v.MatchID,
					OccurredAt:   v.OccurredAt,
					Acknowledged: j < acked,
				}
			}
			snap.Violations[p.ID] = views
		}

		if p.Active {
			if p.Role == session.RoleSeller {
				sellers++
			} else {
				buyers++
			}
		}
	}

	e.snapshot.Store(snap)

	if e.metrics != nil {
		e.metrics.ActiveMatches.Set(float64(len(snap.Matches)))
		e.metrics.ActiveSessions.WithLabelValues(session.RoleSeller.String()).Set(float64(sellers))
		e.metrics.ActiveSessions.WithLabelValues(session.RoleBuyer.String()).Set(float64(buyers))
	}
	return snap
}

// --- results ---

func (e *Engine) partyResult(partyID uuid.UUID) Result {
	return Result{Party: &PartyView{ID: partyID}}
}

func (e *Engine) matchResult(matchID uuid.UUID) Result {
	return Result{Match: &match.View{ID: matchID}}
}

func (e *Engine) matchOrFinal(matchID uuid.UUID, trs []match.Transition) Result {
	for i := range trs {
		if trs[i].Match.ID == matchID && !trs[i].To.Open() {
			return Result{Match: &trs[i].Match}
		}
	}
	return e.matchResult(matchID)
}

// refreshResult replaces placeholder views with their state after the
// step. Matches that already left the active set keep their final view.
func (e *Engine) refreshResult(res *Result, snap *Snapshot) {
	if res.Party != nil {
		if p, ok := snap.Party(res.Party.ID); ok {
			res.Party = &p
		}
	}
	if res.Match != nil && res.Match.State == "" {
		if m, ok := snap.Match(res.Match.ID); ok {
			res.Match = &m
		}
	}
}

func stateLabel(s match.State) string {
	if s == 0 {
		return "none"
	}
	return s.String()
}
