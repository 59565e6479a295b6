package ingestion

import (
	"PointSwap/internal/command"
	"PointSwap/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "POINTSWAP_EVENTS"
	EventSubjectPrefix = "pointswap.events"
)

// EventPublisher is the subset of jetstream.JetStream the publisher needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes lifecycle events to JetStream for downstream
// consumers. Subjects follow the pattern pointswap.events.{event_type}.
type OutboundPublisher struct {
	js      EventPublisher
	input   <-chan command.Event
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(js EventPublisher, input <-chan command.Event, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Subject returns the JetStream subject for an event.
func Subject(evt command.Event) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, evt.Type)
}

// Run publishes until ctx is done or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-op.input:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: the audit trail and snapshot feed still carry the event
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Str("type", evt.Type.String()).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt command.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, Subject(evt), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{EventSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
