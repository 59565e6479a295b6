package ingestion

import (
	"PointSwap/internal/command"
	"PointSwap/internal/core"
	"PointSwap/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	CommandSubjectPrefix = "pointswap.cmd"
	commandQueue         = "pointswap"
)

// Submitter hands a command to the coordinating loop and waits for it.
type Submitter interface {
	Submit(ctx context.Context, cmd command.Command) (core.Result, error)
}

// Reply is the JSON answer to every command request.
type Reply struct {
	OK     bool         `json:"ok"`
	Result *core.Result `json:"result,omitempty"`
	Code   string       `json:"code,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// CommandResponder serves commands over core NATS request/reply on
// pointswap.cmd.{command_name}.
type CommandResponder struct {
	nc        *nats.Conn
	submitter Submitter
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewCommandResponder(nc *nats.Conn, submitter Submitter, timeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *CommandResponder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandResponder{
		nc:        nc,
		submitter: submitter,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run subscribes and serves requests until ctx is done, then drains.
func (cr *CommandResponder) Run(ctx context.Context) error {
	sub, err := cr.nc.QueueSubscribe(CommandSubjectPrefix+".>", commandQueue, func(msg *nats.Msg) {
		reply := cr.Handle(ctx, msg.Subject, msg.Data)
		data, err := json.Marshal(reply)
		if err != nil {
			cr.logger.Error().Err(err).Str("subject", msg.Subject).Msg("marshal reply")
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			cr.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("respond failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", CommandSubjectPrefix, err)
	}
	cr.logger.Info().Str("subject", CommandSubjectPrefix+".>").Msg("command responder subscribed")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		cr.logger.Warn().Err(err).Msg("drain command subscription")
	}
	return nil
}

// Handle parses and submits one command request.
func (cr *CommandResponder) Handle(ctx context.Context, subject string, data []byte) Reply {
	name := strings.TrimPrefix(subject, CommandSubjectPrefix+".")

	cmd, err := ParseCommand(name, data)
	if err != nil {
		cr.count(name, "bad_request")
		return Reply{Code: "bad_request", Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, cr.timeout)
	defer cancel()

	res, err := cr.submitter.Submit(ctx, cmd)
	if err != nil {
		code := core.ErrorCode(err)
		cr.count(name, code)
		if errors.Is(err, core.ErrEngineStopped) {
			cr.logger.Warn().Str("command", name).Msg("command refused, engine stopped")
		}
		return Reply{Code: code, Error: err.Error()}
	}

	cr.count(name, "ok")
	return Reply{OK: true, Result: &res}
}

func (cr *CommandResponder) count(name, outcome string) {
	if cr.metrics != nil {
		cr.metrics.NATSCommands.WithLabelValues(name, outcome).Inc()
	}
}
