// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tradesafe/watchdog/internal/tranche"
)

// Config is the full runtime configuration. Values come from the config
// file, then WATCHDOG_* environment variables, then command-line flags,
// later sources winning.
type Config struct {
	Interval           time.Duration `mapstructure:"interval"`
	VolatilityInterval time.Duration `mapstructure:"volatility_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`

	DryRun  bool   `mapstructure:"dry_run"`
	Force   bool   `mapstructure:"force"`
	Account string `mapstructure:"account"`

	StateFile   string `mapstructure:"state_file"`
	JournalFile string `mapstructure:"journal_file"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	SessionOpen     string `mapstructure:"session_open"`
	SessionClose    string `mapstructure:"session_close"`
	SessionTimezone string `mapstructure:"session_timezone"`

	ATRPeriod      int           `mapstructure:"atr_period"`
	CandleLookback int           `mapstructure:"candle_lookback"`
	CandleTTL      time.Duration `mapstructure:"candle_ttl"`
	QuoteTimeout   time.Duration `mapstructure:"quote_timeout"`

	OrderMaxAttempts int           `mapstructure:"order_max_attempts"`
	OrderBaseDelay   time.Duration `mapstructure:"order_base_delay"`
	OrderQueueSize   int           `mapstructure:"order_queue_size"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`

	Tranches tranche.Config `mapstructure:"tranches"`
}

const (
	DefaultInterval           = 15 * time.Second
	DefaultVolatilityInterval = 15 * time.Minute
	DefaultReconcileInterval  = 3 * time.Minute
	DefaultDrainTimeout       = 30 * time.Second
	DefaultATRPeriod          = 20
	DefaultCandleLookback     = 60
	DefaultCandleTTL          = 5 * time.Minute
	DefaultQuoteTimeout       = 5 * time.Second
	DefaultOrderMaxAttempts   = 3
	DefaultOrderBaseDelay     = 500 * time.Millisecond
	DefaultOrderQueueSize     = 64
)

// LoadConfig reads the config file at path (optional; empty path uses
// defaults plus environment), layers WATCHDOG_* environment variables on
// top, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"interval":            DefaultInterval,
		"volatility_interval": DefaultVolatilityInterval,
		"reconcile_interval":  DefaultReconcileInterval,
		"drain_timeout":       DefaultDrainTimeout,
		"state_file":          "watchdog_state.json",
		"journal_file":        "watchdog_journal.db",
		"metrics_addr":        "",
		"session_open":        "09:30",
		"session_close":       "16:00",
		"session_timezone":    "America/New_York",
		"atr_period":          DefaultATRPeriod,
		"candle_lookback":     DefaultCandleLookback,
		"candle_ttl":          DefaultCandleTTL,
		"quote_timeout":       DefaultQuoteTimeout,
		"order_max_attempts":  DefaultOrderMaxAttempts,
		"order_base_delay":    DefaultOrderBaseDelay,
		"order_queue_size":    DefaultOrderQueueSize,
		"log_file":            "logs/watchdog.log",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	setTrancheDefaults(v, tranche.DefaultConfig())

	v.SetEnvPrefix("WATCHDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func setTrancheDefaults(v *viper.Viper, tc tranche.Config) {
	for band, s := range map[string]tranche.Split{
		"low": tc.Low, "medium": tc.Medium, "high": tc.High,
	} {
		v.SetDefault("tranches."+band+".stop_pct", s.StopPct)
		v.SetDefault("tranches."+band+".target1_pct", s.Target1Pct)
		v.SetDefault("tranches."+band+".target2_pct", s.Target2Pct)
		v.SetDefault("tranches."+band+".target1_atr", s.Target1ATR)
		v.SetDefault("tranches."+band+".target2_atr", s.Target2ATR)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Interval <= 0 {
		return errors.New("invalid interval")
	}
	if cfg.VolatilityInterval <= 0 {
		return errors.New("invalid volatility_interval")
	}
	if cfg.ReconcileInterval <= 0 {
		return errors.New("invalid reconcile_interval")
	}
	if cfg.DrainTimeout <= 0 {
		return errors.New("invalid drain_timeout")
	}
	if cfg.ATRPeriod < 2 {
		return errors.New("atr_period must be at least 2")
	}
	if cfg.CandleLookback < cfg.ATRPeriod+1 {
		return errors.New("candle_lookback must cover at least atr_period+1 candles")
	}
	if cfg.CandleTTL <= 0 {
		return errors.New("invalid candle_ttl")
	}
	if cfg.OrderMaxAttempts < 1 {
		return errors.New("order_max_attempts must be at least 1")
	}
	if cfg.OrderQueueSize < 1 {
		return errors.New("order_queue_size must be at least 1")
	}
	if cfg.StateFile == "" {
		return errors.New("state_file is required")
	}
	return cfg.Tranches.Validate()
}
