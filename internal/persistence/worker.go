package persistence

import (
	"PointSwap/internal/command"
	"PointSwap/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuditBatch holds rows waiting for one transaction.
type AuditBatch struct {
	Matches    []MatchRow
	Violations []ViolationRow
}

func (b *AuditBatch) Len() int {
	return len(b.Matches) + len(b.Violations)
}

func (b *AuditBatch) reset() {
	b.Matches = b.Matches[:0]
	b.Violations = b.Violations[:0]
}

// Add appends the rows an event produces. Events that are not audited
// are ignored; the return value reports whether anything was added.
func (b *AuditBatch) Add(evt command.Event) bool {
	switch evt.Type {
	case command.EventTypeMatchCompleted, command.EventTypeMatchCanceled:
		if evt.Match == nil {
			return false
		}
		m := evt.Match
		b.Matches = append(b.Matches, MatchRow{
			EventSequence:  evt.Sequence,
			MatchID:        m.ID,
			MatchSeq:       m.Seq,
			InitiatorID:    m.InitiatorID,
			CounterpartyID: m.CounterpartyID,
			Amount:         m.Amount,
			Outcome:        m.State,
			Cause:          m.Cause,
			Reason:         m.Reason,
			CreatedTick:    int64(m.CreatedAt),
			ClosedTick:     int64(evt.Tick),
			StateHash:      evt.Hash,
		})
		return true

	case command.EventTypeViolationRecorded:
		if evt.Violation == nil {
			return false
		}
		b.Violations = append(b.Violations, ViolationRow{
			EventSequence: evt.Sequence,
			PartyID:       evt.PartyID,
			MatchID:       evt.Violation.MatchID,
			Kind:          evt.Violation.Kind,
			Message:       evt.Violation.Message,
			OccurredTick:  int64(evt.Tick),
		})
		return true

	default:
		return false
	}
}

// AuditWorker drains lifecycle events and batch-writes terminal matches and
// violations to Postgres. It runs beside the core loop and never feeds
// anything back into it.
type AuditWorker struct {
	db           *sql.DB
	writer       *AuditWriter
	input        <-chan command.Event
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewAuditWorker(
	db *sql.DB,
	writer *AuditWriter,
	input <-chan command.Event,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *AuditWorker {
	return &AuditWorker{
		db:           db,
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming events and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (aw *AuditWorker) Run(ctx context.Context) error {
	batch := &AuditBatch{}

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if batch.Len() > 0 {
				if err := aw.flush(context.Background(), batch); err != nil {
					aw.logger.Error().Err(err).Int("rows", batch.Len()).Msg("final audit flush failed")
				}
			}
			return nil

		case evt, ok := <-aw.input:
			if !ok {
				if batch.Len() > 0 {
					if err := aw.flush(context.Background(), batch); err != nil {
						aw.logger.Error().Err(err).Int("rows", batch.Len()).Msg("final audit flush failed")
					}
				}
				return nil
			}

			if !batch.Add(evt) {
				continue
			}
			if batch.Len() >= aw.batchSize {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, batch *AuditBatch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			aw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", batch.Len()).Msg("audit retry")
			if aw.metrics != nil {
				aw.metrics.AuditRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := aw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := aw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				aw.logger.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		aw.logger.Debug().Err(err).Msg("audit flush failed")
	}
}

func (aw *AuditWorker) flush(ctx context.Context, batch *AuditBatch) error {
	start := time.Now()

	tx, err := aw.db.BeginTx(ctx, nil)
	if err != nil {
		aw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := aw.writer.WriteMatches(ctx, tx, batch.Matches); err != nil {
		aw.countError("write_matches")
		return err
	}
	if err := aw.writer.WriteViolations(ctx, tx, batch.Violations); err != nil {
		aw.countError("write_violations")
		return err
	}
	if err := tx.Commit(); err != nil {
		aw.countError("tx_commit")
		return err
	}

	if aw.metrics != nil {
		aw.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
		aw.metrics.AuditBatchSize.Observe(float64(batch.Len()))
		aw.metrics.AuditRowsWritten.WithLabelValues("matches").Add(float64(len(batch.Matches)))
		aw.metrics.AuditRowsWritten.WithLabelValues("violations").Add(float64(len(batch.Violations)))
	}
	return nil
}

func (aw *AuditWorker) countError(op string) {
	if aw.metrics != nil {
		aw.metrics.AuditErrors.WithLabelValues(op).Inc()
	}
}
