// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, "09:30", cfg.SessionOpen)
	assert.Equal(t, "16:00", cfg.SessionClose)
	assert.Equal(t, "America/New_York", cfg.SessionTimezone)
	assert.Equal(t, DefaultATRPeriod, cfg.ATRPeriod)
	assert.Equal(t, DefaultCandleLookback, cfg.CandleLookback)
	assert.Equal(t, DefaultCandleTTL, cfg.CandleTTL)
	assert.False(t, cfg.DryRun)

	// The default exit table survives the viper round trip.
	assert.Equal(t, 40.0, cfg.Tranches.Medium.StopPct)
	assert.Equal(t, 4.0, cfg.Tranches.Medium.Target2ATR)
}

func TestFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interval: 5s
dry_run: true
session_open: "10:00"
candle_ttl: 90s
tranches:
  medium:
    stop_pct: 50
    target1_pct: 30
    target2_pct: 20
    target1_atr: 2.5
    target2_atr: 4
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "10:00", cfg.SessionOpen)
	assert.Equal(t, 90*time.Second, cfg.CandleTTL)
	assert.Equal(t, 50.0, cfg.Tranches.Medium.StopPct)
	// Untouched bands keep their defaults.
	assert.Equal(t, 50.0, cfg.Tranches.Low.StopPct)
}

func TestInvalidTrancheSplitRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tranches:
  low:
    stop_pct: 60
    target1_pct: 30
    target2_pct: 20
    target1_atr: 2
    target2_atr: 3
`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestInvalidIntervalRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interval: -3s\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestMissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
