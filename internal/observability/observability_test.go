package observability_test

import (
	"PointSwap/internal/observability"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker(0)

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}

func TestHealthChecker_RequiresHeartbeat(t *testing.T) {
	h := observability.NewHealthChecker(time.Minute)
	h.SetReady(true)

	if h.IsReady() {
		t.Fatal("expected not ready before the first heartbeat")
	}
	h.Beat()
	if !h.IsReady() {
		t.Fatal("expected ready right after a heartbeat")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker(0)
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %q", body["status"])
	}
}

func TestNewMetricsWith_IsolatedRegistries(t *testing.T) {
	// two registries must not collide on metric names
	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	a := observability.NewMetricsWith(regA)
	observability.NewMetricsWith(regB)

	a.CommandsApplied.WithLabelValues("start_session").Inc()
	a.SetChannelMetrics("events", 5, 10)

	if got := gauge(t, regA, "pointswap_core_commands_applied_total"); got != 1 {
		t.Errorf("expected 1 applied command, got %v", got)
	}
	if got := gauge(t, regB, "pointswap_core_commands_applied_total"); got != 0 {
		t.Errorf("expected untouched registry, got %v", got)
	}
	if got := gauge(t, regA, "pointswap_channel_utilization_ratio"); got != 0.5 {
		t.Errorf("expected 0.5 utilization, got %v", got)
	}
}

// gauge returns the first sample of a counter or gauge family, 0 if absent.
func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	return 0
}

func TestNewLoggerTo_AddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "core" {
		t.Errorf("expected component=core, got %v", line["component"])
	}
	if line["message"] != "visible" {
		t.Errorf("expected message=visible, got %v", line["message"])
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"noise": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
