// Package config handles configuration management with validation
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Mode             string        `yaml:"mode"`
	AllowLiveTrading bool          `yaml:"allow_live_trading"`
	DryRun           bool          `yaml:"dry_run"`
	KillSwitch       bool          `yaml:"kill_switch"`
	Symbols          SymbolsConfig `yaml:"symbols"`
	Timeframe        string        `yaml:"timeframe"`

	Session        SessionConfig        `yaml:"session"`
	Risk           RiskConfig           `yaml:"risk"`
	Filters        FiltersConfig        `yaml:"filters"`
	Gate           GateConfig           `yaml:"gate"`
	Exit           ExitConfig           `yaml:"exit"`
	Drawdown       DrawdownConfig       `yaml:"drawdown"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Broker         BrokerConfig         `yaml:"broker"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
}

// SymbolsConfig lists the instrument universe
type SymbolsConfig struct {
	Equities []string `yaml:"equities"`
	Crypto   []string `yaml:"crypto"`
}

// SessionConfig controls the market-hours gate
type SessionConfig struct {
	Policy         string `yaml:"policy"`          // regular_only | include_extended
	MarketTimezone string `yaml:"market_timezone"` // daily reset + session math
}

// RiskConfig contains hard risk limits (RISK tier)
type RiskConfig struct {
	MaxDailyLoss           float64 `yaml:"max_daily_loss"` // currency units
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxPositionPct         float64 `yaml:"max_position_pct"` // fraction of equity
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxRiskPerTradePct     float64 `yaml:"max_risk_per_trade_pct"` // fraction of equity
	StopLossPct            float64 `yaml:"stop_loss_pct"`          // sizing stop distance fraction
}

// FiltersConfig contains soft quality filters (FILTERS tier)
type FiltersConfig struct {
	MinMinutesAfterOpen   int `yaml:"min_minutes_after_open"`
	MinMinutesBeforeClose int `yaml:"min_minutes_before_close"`
}

// GateConfig controls the same-bar duplicate gate
type GateConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// ExitConfig contains exit-rule parameters
type ExitConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	ATRStopMultiplier    float64 `yaml:"atr_stop_multiplier"`
	ATRProfitMultiplier  float64 `yaml:"atr_profit_multiplier"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	ProfitTargetPct      float64 `yaml:"profit_target_pct"`
	TrailingMultiplier   float64 `yaml:"trailing_multiplier"`
}

// DrawdownConfig contains the drawdown escalation ladder. Thresholds are
// percentages (3.0 means 3%).
type DrawdownConfig struct {
	Enabled                       bool    `yaml:"enabled"`
	WarningThresholdPct           float64 `yaml:"warning_threshold_pct"`
	WarningRecoveryThresholdPct   float64 `yaml:"warning_recovery_threshold_pct"`
	HaltThresholdPct              float64 `yaml:"halt_threshold_pct"`
	HaltRecoveryThresholdPct      float64 `yaml:"halt_recovery_threshold_pct"`
	EmergencyThresholdPct         float64 `yaml:"emergency_threshold_pct"`
	EmergencyRecoveryThresholdPct float64 `yaml:"emergency_recovery_threshold_pct"`
	WarningPositionMultiplier     float64 `yaml:"warning_position_multiplier"`
	CheckIntervalSeconds          int     `yaml:"check_interval_seconds"`
	EnableAutoRecovery            bool    `yaml:"enable_auto_recovery"`
	LookbackDays                  int     `yaml:"lookback_days"`
}

// ReconciliationConfig controls the runtime reconciliation loop
type ReconciliationConfig struct {
	RuntimeCheckIntervalSeconds int `yaml:"runtime_check_interval_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	DataDir  string `yaml:"data_dir"`
	LogFile  string `yaml:"log_file"` // optional rotating log file
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort           int  `yaml:"metrics_port"`
	EnableMetrics         bool `yaml:"enable_metrics"`
	ExportIntervalSeconds int  `yaml:"export_interval_seconds"` // data/metrics.json cadence
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// BrokerConfig contains broker API credentials and endpoints
type BrokerConfig struct {
	APIKey    string `yaml:"api_key" validate:"required"`
	APISecret string `yaml:"api_secret" validate:"required"`
	BaseURL   string `yaml:"base_url"` // Optional override; selected by mode when empty
}

// MarketDataConfig selects the market data transport
type MarketDataConfig struct {
	Source string `yaml:"source"` // poll | stream
	Feed   string `yaml:"feed"`   // iex | sip
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Unknown keys are rejected.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandedData)))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateMode(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSymbols(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSession(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateFilters(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExit(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDrawdown(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateReconciliation(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMarketData(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateMode() error {
	validModes := []string{"paper", "live"}
	if !contains(validModes, c.Mode) {
		return ValidationError{
			Field:   "mode",
			Value:   c.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}

	// Dual gate: live endpoint selection alone does not arm live trading.
	if c.Mode == "live" && !c.AllowLiveTrading {
		return ValidationError{
			Field:   "allow_live_trading",
			Value:   c.AllowLiveTrading,
			Message: "live mode requires allow_live_trading to be set",
		}
	}

	return nil
}

func (c *Config) validateSymbols() error {
	if len(c.Symbols.Equities) == 0 && len(c.Symbols.Crypto) == 0 {
		return ValidationError{
			Field:   "symbols",
			Message: "at least one symbol must be configured",
		}
	}

	seen := make(map[string]bool)
	for _, s := range c.AllSymbols() {
		if s == "" {
			return ValidationError{
				Field:   "symbols",
				Message: "symbols must not be empty strings",
			}
		}
		if seen[s] {
			return ValidationError{
				Field:   "symbols",
				Value:   s,
				Message: "duplicate symbol",
			}
		}
		seen[s] = true
	}

	if c.Timeframe == "" {
		return ValidationError{
			Field:   "timeframe",
			Message: "timeframe is required",
		}
	}

	return nil
}

func (c *Config) validateSession() error {
	validPolicies := []string{"regular_only", "include_extended"}
	if !contains(validPolicies, c.Session.Policy) {
		return ValidationError{
			Field:   "session.policy",
			Value:   c.Session.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}

	if _, err := time.LoadLocation(c.Session.MarketTimezone); err != nil {
		return ValidationError{
			Field:   "session.market_timezone",
			Value:   c.Session.MarketTimezone,
			Message: "unknown timezone",
		}
	}

	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return ValidationError{
			Field:   "risk.max_position_pct",
			Value:   c.Risk.MaxPositionPct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 1 {
		return ValidationError{
			Field:   "risk.max_risk_per_trade_pct",
			Value:   c.Risk.MaxRiskPerTradePct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct > 1 {
		return ValidationError{
			Field:   "risk.stop_loss_pct",
			Value:   c.Risk.StopLossPct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return ValidationError{
			Field:   "risk.max_daily_loss",
			Value:   c.Risk.MaxDailyLoss,
			Message: "must be positive",
		}
	}
	if c.Risk.MaxTradesPerDay < 1 {
		return ValidationError{
			Field:   "risk.max_trades_per_day",
			Value:   c.Risk.MaxTradesPerDay,
			Message: "must be at least 1",
		}
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return ValidationError{
			Field:   "risk.max_concurrent_positions",
			Value:   c.Risk.MaxConcurrentPositions,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateFilters() error {
	if c.Filters.MinMinutesAfterOpen < 0 || c.Filters.MinMinutesAfterOpen > 240 {
		return ValidationError{
			Field:   "filters.min_minutes_after_open",
			Value:   c.Filters.MinMinutesAfterOpen,
			Message: "must be between 0 and 240",
		}
	}
	if c.Filters.MinMinutesBeforeClose < 0 || c.Filters.MinMinutesBeforeClose > 240 {
		return ValidationError{
			Field:   "filters.min_minutes_before_close",
			Value:   c.Filters.MinMinutesBeforeClose,
			Message: "must be between 0 and 240",
		}
	}
	if c.Gate.CooldownSeconds < 0 {
		return ValidationError{
			Field:   "gate.cooldown_seconds",
			Value:   c.Gate.CooldownSeconds,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateExit() error {
	if c.Exit.CheckIntervalSeconds < 1 {
		return ValidationError{
			Field:   "exit.check_interval_seconds",
			Value:   c.Exit.CheckIntervalSeconds,
			Message: "must be at least 1",
		}
	}
	if c.Exit.ATRStopMultiplier <= 0 {
		return ValidationError{
			Field:   "exit.atr_stop_multiplier",
			Value:   c.Exit.ATRStopMultiplier,
			Message: "must be positive",
		}
	}
	if c.Exit.ATRProfitMultiplier <= 0 {
		return ValidationError{
			Field:   "exit.atr_profit_multiplier",
			Value:   c.Exit.ATRProfitMultiplier,
			Message: "must be positive",
		}
	}
	if c.Exit.StopLossPct <= 0 || c.Exit.StopLossPct > 1 {
		return ValidationError{
			Field:   "exit.stop_loss_pct",
			Value:   c.Exit.StopLossPct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.Exit.ProfitTargetPct <= 0 || c.Exit.ProfitTargetPct > 1 {
		return ValidationError{
			Field:   "exit.profit_target_pct",
			Value:   c.Exit.ProfitTargetPct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.Exit.TrailingMultiplier <= 0 {
		return ValidationError{
			Field:   "exit.trailing_multiplier",
			Value:   c.Exit.TrailingMultiplier,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateDrawdown() error {
	if !c.Drawdown.Enabled {
		return nil
	}

	d := c.Drawdown
	if !(d.WarningThresholdPct < d.HaltThresholdPct && d.HaltThresholdPct < d.EmergencyThresholdPct) {
		return ValidationError{
			Field:   "drawdown",
			Message: "thresholds must be strictly increasing: warning < halt < emergency",
		}
	}
	if d.WarningRecoveryThresholdPct >= d.WarningThresholdPct ||
		d.HaltRecoveryThresholdPct >= d.HaltThresholdPct ||
		d.EmergencyRecoveryThresholdPct >= d.EmergencyThresholdPct {
		return ValidationError{
			Field:   "drawdown",
			Message: "each recovery threshold must be below its escalation threshold",
		}
	}
	if d.WarningPositionMultiplier <= 0 || d.WarningPositionMultiplier > 1 {
		return ValidationError{
			Field:   "drawdown.warning_position_multiplier",
			Value:   d.WarningPositionMultiplier,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if d.CheckIntervalSeconds < 1 {
		return ValidationError{
			Field:   "drawdown.check_interval_seconds",
			Value:   d.CheckIntervalSeconds,
			Message: "must be at least 1",
		}
	}
	if d.LookbackDays < 1 {
		return ValidationError{
			Field:   "drawdown.lookback_days",
			Value:   d.LookbackDays,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateReconciliation() error {
	// The runtime interval is clamped rather than rejected.
	if c.Reconciliation.RuntimeCheckIntervalSeconds < 30 {
		c.Reconciliation.RuntimeCheckIntervalSeconds = 30
	}
	if c.Reconciliation.RuntimeCheckIntervalSeconds > 300 {
		c.Reconciliation.RuntimeCheckIntervalSeconds = 300
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.DataDir == "" {
		return ValidationError{
			Field:   "system.data_dir",
			Message: "data directory is required",
		}
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.APIKey == "" {
		return ValidationError{
			Field:   "broker.api_key",
			Message: "API key is required",
		}
	}
	if c.Broker.APISecret == "" {
		return ValidationError{
			Field:   "broker.api_secret",
			Message: "API secret is required",
		}
	}
	return nil
}

func (c *Config) validateMarketData() error {
	validSources := []string{"poll", "stream"}
	if !contains(validSources, c.MarketData.Source) {
		return ValidationError{
			Field:   "market_data.source",
			Value:   c.MarketData.Source,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validSources, ", ")),
		}
	}
	validFeeds := []string{"iex", "sip"}
	if !contains(validFeeds, c.MarketData.Feed) {
		return ValidationError{
			Field:   "market_data.feed",
			Value:   c.MarketData.Feed,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validFeeds, ", ")),
		}
	}
	return nil
}

// AllSymbols returns the full instrument universe, equities first
func (c *Config) AllSymbols() []string {
	symbols := make([]string, 0, len(c.Symbols.Equities)+len(c.Symbols.Crypto))
	symbols = append(symbols, c.Symbols.Equities...)
	symbols = append(symbols, c.Symbols.Crypto...)
	return symbols
}

// DatabasePath returns the sqlite file location under the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(c.System.DataDir, "trading_bot.db")
}

// MetricsPath returns the periodic metrics export location
func (c *Config) MetricsPath() string {
	return filepath.Join(c.System.DataDir, "metrics.json")
}

// ReconciliationErrorPath returns where a failed startup reconcile report is written
func (c *Config) ReconciliationErrorPath() string {
	return filepath.Join(c.System.DataDir, "reconciliation_error.json")
}

// MarketLocation returns the parsed market timezone. Validate must have
// passed for this to be safe.
func (c *Config) MarketLocation() *time.Location {
	loc, err := time.LoadLocation(c.Session.MarketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Broker.APIKey = maskString(c.Broker.APIKey)
	configCopy.Broker.APISecret = maskString(c.Broker.APISecret)
	configCopy.Alerts.SlackWebhookURL = maskString(c.Alerts.SlackWebhookURL)
	configCopy.Alerts.TelegramBotToken = maskString(c.Alerts.TelegramBotToken)

	data, _ := yaml.Marshal(&configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults applied before the YAML file is decoded
func DefaultConfig() *Config {
	return &Config{
		Mode:             "paper",
		AllowLiveTrading: false,
		DryRun:           false,
		KillSwitch:       false,
		Symbols: SymbolsConfig{
			Equities: []string{"AAPL", "MSFT", "SPY"},
		},
		Timeframe: "1m",
		Session: SessionConfig{
			Policy:         "regular_only",
			MarketTimezone: "America/New_York",
		},
		Risk: RiskConfig{
			MaxDailyLoss:           1000,
			MaxTradesPerDay:        100,
			MaxPositionPct:         0.05,
			MaxConcurrentPositions: 5,
			MaxRiskPerTradePct:     0.01,
			StopLossPct:            0.01,
		},
		Filters: FiltersConfig{
			MinMinutesAfterOpen:   15,
			MinMinutesBeforeClose: 15,
		},
		Gate: GateConfig{
			CooldownSeconds: 300,
		},
		Exit: ExitConfig{
			CheckIntervalSeconds: 30,
			ATRStopMultiplier:    1.5,
			ATRProfitMultiplier:  3.0,
			StopLossPct:          0.01,
			ProfitTargetPct:      0.02,
			TrailingMultiplier:   2.0,
		},
		Drawdown: DrawdownConfig{
			Enabled:                       true,
			WarningThresholdPct:           3.0,
			WarningRecoveryThresholdPct:   2.0,
			HaltThresholdPct:              5.0,
			HaltRecoveryThresholdPct:      4.0,
			EmergencyThresholdPct:         10.0,
			EmergencyRecoveryThresholdPct: 8.0,
			WarningPositionMultiplier:     0.5,
			CheckIntervalSeconds:          60,
			EnableAutoRecovery:            true,
			LookbackDays:                  20,
		},
		Reconciliation: ReconciliationConfig{
			RuntimeCheckIntervalSeconds: 120,
		},
		System: SystemConfig{
			LogLevel: "INFO",
			DataDir:  "data",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:           9090,
			EnableMetrics:         true,
			ExportIntervalSeconds: 60,
		},
		Broker: BrokerConfig{
			APIKey:    "test_api_key",
			APISecret: "test_api_secret",
		},
		MarketData: MarketDataConfig{
			Source: "poll",
			Feed:   "iex",
		},
	}
}
