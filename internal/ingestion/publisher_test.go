package ingestion_test

import (
	"PointSwap/internal/command"
	"PointSwap/internal/ingestion"
	"PointSwap/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: ingestion.EventStream, Sequence: uint64(len(f.msgs))}, nil
}

func TestOutboundPublisher_PublishesUntilClosed(t *testing.T) {
	js := &fakeJetStream{}
	in := make(chan command.Event, 2)
	in <- command.Event{Sequence: 1, Type: command.EventTypeSessionStarted, Amount: 30_000}
	in <- command.Event{Sequence: 2, Type: command.EventTypeMatchScheduled}
	close(in)

	op := ingestion.NewOutboundPublisher(js, in, nil, zerolog.Nop())
	require.NoError(t, op.Run(context.Background()))

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "pointswap.events.session_started", js.msgs[0].subject)
	assert.Equal(t, "pointswap.events.match_scheduled", js.msgs[1].subject)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &decoded))
	assert.Equal(t, "session_started", decoded["type"])
	assert.EqualValues(t, 30_000, decoded["amount"])
}

func TestOutboundPublisher_FailuresAreNotFatal(t *testing.T) {
	js := &fakeJetStream{fail: true}
	in := make(chan command.Event, 1)
	in <- command.Event{Sequence: 1, Type: command.EventTypeMatchCompleted}
	close(in)

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	op := ingestion.NewOutboundPublisher(js, in, metrics, zerolog.Nop())
	assert.NoError(t, op.Run(context.Background()))
	assert.Empty(t, js.msgs)
}
