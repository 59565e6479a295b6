package core

import (
	"PointSwap/internal/command"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Beater is notified after every processed tick.
type Beater interface {
	Beat()
}

type request struct {
	cmd   command.Command
	reply chan reply
}

type reply struct {
	result Result
	err    error
}

// Loop serializes every command through one goroutine. Callers only
// enqueue commands and read snapshots.
type Loop struct {
	engine  *Engine
	inbox   chan request
	stopped chan struct{}
	beater  Beater
	logger  zerolog.Logger
}

func NewLoop(engine *Engine, buffer int, beater Beater, logger zerolog.Logger) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	return &Loop{
		engine:  engine,
		inbox:   make(chan request, buffer),
		stopped: make(chan struct{}),
		beater:  beater,
		logger:  logger,
	}
}

// Run processes commands until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	l.logger.Info().Int("buffer", cap(l.inbox)).Msg("core loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("core loop stopped")
			return nil
		case req := <-l.inbox:
			res, err := l.engine.Apply(req.cmd)
			req.reply <- reply{result: res, err: err}
			if req.cmd.Type() == command.TypeTick && l.beater != nil {
				l.beater.Beat()
			}
		}
	}
}

// Submit enqueues a command and waits for its outcome.
func (l *Loop) Submit(ctx context.Context, cmd command.Command) (Result, error) {
	rc := make(chan reply, 1)

	select {
	case l.inbox <- request{cmd: cmd, reply: rc}:
	case <-l.stopped:
		return Result{}, ErrEngineStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-rc:
		return r.result, r.err
	case <-l.stopped:
		// the loop may have answered right before stopping
		select {
		case r := <-rc:
			return r.result, r.err
		default:
			return Result{}, ErrEngineStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RunTicker feeds one Tick per interval until ctx is done.
func (l *Loop) RunTicker(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Submit(ctx, command.Tick{}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Snapshot returns the latest published state.
func (l *Loop) Snapshot() *Snapshot {
	return l.engine.Snapshot()
}

// Backlog reports queued commands and the inbox capacity.
func (l *Loop) Backlog() (int, int) {
	return len(l.inbox), cap(l.inbox)
}
