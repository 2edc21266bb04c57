// Package config loads process settings from the environment (with an
// optional .env file for local development), the way the original
// pydantic_settings-based Settings did, adapted to Go idioms: os.Getenv
// feeds a string map, github.com/mitchellh/mapstructure decodes it into a
// typed struct, and a handful of post-decode checks enforce the same
// invariants the source validated at construction time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
)

// Settings mirrors service/config/settings.py field-for-field.
type Settings struct {
	DatabaseURL   string `mapstructure:"database_url"`
	EncryptionKey string `mapstructure:"encryption_key"`

	AlpacaBaseURL  string `mapstructure:"alpaca_base_url"`
	AlpacaDataURL  string `mapstructure:"alpaca_data_url"`
	AlpacaStreamURL string `mapstructure:"alpaca_stream_url"`
	UsePaperTrading bool   `mapstructure:"use_paper_trading"`

	MaxConcurrentOrders int `mapstructure:"max_concurrent_orders"`
	OrderBatchSize      int `mapstructure:"order_batch_size"`
	RateLimitDelayMs    int `mapstructure:"rate_limit_delay_ms"`

	WebsocketReconnectDelaySec int `mapstructure:"websocket_reconnect_delay_sec"`

	MinOrderSize         float64 `mapstructure:"min_order_size"`
	MinNotionalValue     float64 `mapstructure:"min_notional_value"`
	AllowFractionalShares bool   `mapstructure:"allow_fractional_shares"`

	FailureThreshold int `mapstructure:"failure_threshold"`
	CircuitTimeoutSec int `mapstructure:"circuit_timeout_sec"`

	LogLevel                 string `mapstructure:"log_level"`
	EnableStructuredLogging  bool   `mapstructure:"enable_structured_logging"`
	EnableMetrics            bool   `mapstructure:"enable_metrics"`
	MetricsPort              int    `mapstructure:"metrics_port"`

	EnableSlackAlerts  bool   `mapstructure:"enable_slack_alerts"`
	SlackWebhookURL    string `mapstructure:"slack_webhook_url"`
	SlackAlertChannel  string `mapstructure:"slack_alert_channel"`

	EnableEmailAlerts bool   `mapstructure:"enable_email_alerts"`
	AlertEmailTo      string `mapstructure:"alert_email_to"`
	SMTPHost          string `mapstructure:"smtp_host"`
	SMTPPort          int    `mapstructure:"smtp_port"`
	SMTPUser          string `mapstructure:"smtp_user"`
	SMTPPassword      string `mapstructure:"smtp_password"`

	EnableSentryAlerts bool   `mapstructure:"enable_sentry_alerts"`
	SentryDSN          string `mapstructure:"sentry_dsn"`

	LatencyWarningThresholdMs  int `mapstructure:"latency_warning_threshold_ms"`
	LatencyCriticalThresholdMs int `mapstructure:"latency_critical_threshold_ms"`

	MaxRetryAttempts      int     `mapstructure:"max_retry_attempts"`
	RetryInitialDelayMs   int     `mapstructure:"retry_initial_delay_ms"`
	RetryMaxDelayMs       int     `mapstructure:"retry_max_delay_ms"`
	RetryExponentialBase  float64 `mapstructure:"retry_exponential_base"`
	RetryJitter           bool    `mapstructure:"retry_jitter"`

	MasterCredentialCheckIntervalSec int `mapstructure:"master_credential_check_interval_sec"`
}

var placeholderKeys = map[string]bool{
	"your_fernet_key_here": true,
	"":                     true,
}

// defaults mirror settings.py's field defaults.
func defaults() map[string]string {
	return map[string]string{
		"alpaca_base_url":                      "https://paper-api.alpaca.markets",
		"alpaca_data_url":                       "https://data.alpaca.markets",
		"alpaca_stream_url":                     "wss://paper-api.alpaca.markets/stream",
		"use_paper_trading":                     "true",
		"max_concurrent_orders":                 "500",
		"order_batch_size":                      "50",
		"rate_limit_delay_ms":                   "0",
		"websocket_reconnect_delay_sec":          "5",
		"min_order_size":                        "0.01",
		"min_notional_value":                     "1.0",
		"allow_fractional_shares":                "true",
		"failure_threshold":                      "5",
		"circuit_timeout_sec":                    "300",
		"log_level":                              "info",
		"enable_structured_logging":              "true",
		"enable_metrics":                         "false",
		"metrics_port":                           "9090",
		"enable_slack_alerts":                    "false",
		"enable_email_alerts":                    "false",
		"enable_sentry_alerts":                   "false",
		"smtp_port":                              "587",
		"latency_warning_threshold_ms":           "150",
		"latency_critical_threshold_ms":          "200",
		"max_retry_attempts":                     "3",
		"retry_initial_delay_ms":                 "1000",
		"retry_max_delay_ms":                     "10000",
		"retry_exponential_base":                 "2",
		"retry_jitter":                           "true",
		"master_credential_check_interval_sec":   "60",
	}
}

// Load reads a .env file if present (ignored if missing), overlays process
// environment variables over the documented defaults, decodes into
// Settings via mapstructure, and validates.
func Load() (*Settings, error) {
	_ = godotenv.Load() // local-dev convenience; absence is not an error

	raw := defaults()
	for key := range raw {
		envKey := strings.ToUpper(key)
		if v, ok := os.LookupEnv(envKey); ok {
			raw[key] = v
		}
	}
	// Required fields with no default.
	for _, required := range []string{"database_url", "encryption_key"} {
		if v, ok := os.LookupEnv(strings.ToUpper(required)); ok {
			raw[required] = v
		}
	}

	decoded := make(map[string]any, len(raw))
	for k, v := range raw {
		decoded[k] = v
	}

	var settings Settings
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &settings,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("build settings decoder: %w", err)
	}
	if err := decoder.Decode(decoded); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if placeholderKeys[s.EncryptionKey] {
		return fmt.Errorf("ENCRYPTION_KEY must be set to a real secret, not empty or the documented placeholder")
	}
	if s.MaxConcurrentOrders < 1 || s.MaxConcurrentOrders > 1000 {
		return fmt.Errorf("MAX_CONCURRENT_ORDERS must be between 1 and 1000, got %d", s.MaxConcurrentOrders)
	}
	if s.LatencyCriticalThresholdMs <= s.LatencyWarningThresholdMs {
		return fmt.Errorf("LATENCY_CRITICAL_THRESHOLD_MS (%d) must be greater than LATENCY_WARNING_THRESHOLD_MS (%d)",
			s.LatencyCriticalThresholdMs, s.LatencyWarningThresholdMs)
	}
	return nil
}

// IsProduction mirrors settings.py's is_production property: paper trading
// disabled and the base URL doesn't mention "paper".
func (s *Settings) IsProduction() bool {
	return !s.UsePaperTrading && !strings.Contains(strings.ToLower(s.AlpacaBaseURL), "paper")
}

func (s *Settings) RetryInitialDelay() time.Duration {
	return time.Duration(s.RetryInitialDelayMs) * time.Millisecond
}

func (s *Settings) RetryMaxDelay() time.Duration {
	return time.Duration(s.RetryMaxDelayMs) * time.Millisecond
}

