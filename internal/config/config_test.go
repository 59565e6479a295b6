package config_test

import (
	"PointSwap/internal/config"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, int64(10_000), cfg.MinUnit)
	assert.Equal(t, "continuous", cfg.Allocation)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.PostgresDSN)

	assert.Equal(t, match.Timing{MatchDelay: 3, ConfirmTimeout: 180}, cfg.Timing())
	assert.Equal(t, session.Windows{Seller: 600, Buyer: 300}, cfg.Windows())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"POINTSWAP_MATCH_DELAY":     "5s",
		"POINTSWAP_TRADING_DELAY":   "2s",
		"POINTSWAP_DEPOSIT_TIMEOUT": "1m",
		"POINTSWAP_ALLOCATION":      "nearest",
		"POINTSWAP_NATS_URL":        "nats://localhost:4222",
	})
	require.NoError(t, err)

	assert.Equal(t, match.Timing{MatchDelay: 5, TradingDelay: 2, ConfirmTimeout: 180, DepositTimeout: 60}, cfg.Timing())
	assert.Equal(t, "nearest", cfg.Allocation)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoadFrom_RejectsOutOfBounds(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"match delay zero", "POINTSWAP_MATCH_DELAY", "0s"},
		{"match delay too long", "POINTSWAP_MATCH_DELAY", "2m"},
		{"confirm timeout too short", "POINTSWAP_CONFIRM_TIMEOUT", "5s"},
		{"seller window too long", "POINTSWAP_SELLER_SEARCH_WINDOW", "2h"},
		{"deposit timeout too short", "POINTSWAP_DEPOSIT_TIMEOUT", "10s"},
		{"fractional seconds", "POINTSWAP_CONFIRM_TIMEOUT", "30500ms"},
		{"unknown strategy", "POINTSWAP_ALLOCATION", "random"},
		{"tick too fast", "POINTSWAP_TICK_INTERVAL", "1ms"},
		{"zero min unit", "POINTSWAP_MIN_UNIT", "0"},
		{"zero command buffer", "POINTSWAP_COMMAND_BUFFER", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFrom(map[string]string{tt.key: tt.val})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadFrom_UnparseableValue(t *testing.T) {
	_, err := config.LoadFrom(map[string]string{"POINTSWAP_MATCH_DELAY": "soon"})
	assert.Error(t, err)
}
