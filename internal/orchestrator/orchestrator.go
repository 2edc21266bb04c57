// Package orchestrator is the Lifecycle component (§4.H): wires every
// other component together in dependency order, supervises the live
// credential-reload poll, and drives graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shopspring/decimal"

	"github.com/RohanRawatRR/trade-copier/internal/alert"
	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/config"
	"github.com/RohanRawatRR/trade-copier/internal/dispatch"
	"github.com/RohanRawatRR/trade-copier/internal/executor"
	"github.com/RohanRawatRR/trade-copier/internal/ingress"
	"github.com/RohanRawatRR/trade-copier/internal/retry"
	"github.com/RohanRawatRR/trade-copier/internal/scaling"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

// productionAbortWindow is how long a production startup waits before
// proceeding, giving an operator a last chance to Ctrl+C.
const productionAbortWindow = 10 * time.Second

// App owns every long-lived component and its own lifecycle.
type App struct {
	settings *config.Settings
	store    *store.Store
	engine   *scaling.Engine
	exec     *executor.Executor
	alerts   *alert.Manager
	dispatch *dispatch.Dispatcher
	listener *ingress.Listener

	masterAccountID string
	log             zerolog.Logger
}

// New initializes every component in dependency order: Store → Scaling
// Engine → Alert Manager → Executor → Dispatcher → Ingress. It does not
// start anything yet; call Run for that.
func New(ctx context.Context, settings *config.Settings, brokerageFactory brokerage.Factory, log zerolog.Logger) (*App, error) {
	st, err := store.Open(settings.DatabaseURL, settings.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	log.Info().Msg("credential store initialized")

	master, err := st.GetMaster(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load master account: %w", err)
	}
	masterCreds := brokerage.Credentials{APIKey: master.APIKey, SecretKey: master.SecretKey}

	engine := scaling.New(brokerageFactory, brokerageFactory, masterCreds)
	log.Info().Msg("scaling engine initialized")

	alerts := alert.New(alert.Config{
		SlackWebhookURL:   orEmpty(settings.EnableSlackAlerts, settings.SlackWebhookURL),
		SlackChannel:      settings.SlackAlertChannel,
		SMTPHost:          orEmpty(settings.EnableEmailAlerts, settings.SMTPHost),
		SMTPPort:          settings.SMTPPort,
		SMTPUser:          settings.SMTPUser,
		SMTPPassword:      settings.SMTPPassword,
		AlertEmailTo:      settings.AlertEmailTo,
		SentryDSN:         orEmpty(settings.EnableSentryAlerts, settings.SentryDSN),
	}, log)
	log.Info().Msg("alert manager initialized")

	latency := alert.NewLatencyTracker()
	retryPolicy := retry.Policy{
		MaxAttempts:     settings.MaxRetryAttempts,
		InitialDelay:    settings.RetryInitialDelay(),
		MaxDelay:        settings.RetryMaxDelay(),
		ExponentialBase: settings.RetryExponentialBase,
		Jitter:          settings.RetryJitter,
	}
	circuitTimeout := time.Duration(settings.CircuitTimeoutSec) * time.Second
	exec := executor.New(st, brokerageFactory, alerts, latency, settings.LatencyCriticalThresholdMs, settings.FailureThreshold, circuitTimeout, retryPolicy, log)
	log.Info().Msg("order executor initialized")

	defaults := dispatch.ReplicationDefaults{
		MinOrderSize:      decimal.NewFromFloat(settings.MinOrderSize),
		MinNotional:       decimal.NewFromFloat(settings.MinNotionalValue),
		FractionalEnabled: settings.AllowFractionalShares,
	}
	disp := dispatch.New(st, engine, exec, brokerageFactory, masterCreds, defaults, log)
	log.Info().Msg("trade dispatcher initialized")

	reconnectBaseDelay := time.Duration(settings.WebsocketReconnectDelaySec) * time.Second
	listener := ingress.New(brokerageFactory, masterCreds, st, alerts, disp.DispatchTrade, reconnectBaseDelay, log)
	log.Info().Msg("event ingress initialized")

	return &App{
		settings:        settings,
		store:           st,
		engine:          engine,
		exec:            exec,
		alerts:          alerts,
		dispatch:        disp,
		listener:        listener,
		masterAccountID: master.AccountID,
		log:             log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

func orEmpty(enabled bool, v string) string {
	if !enabled {
		return ""
	}
	return v
}

// Run blocks until ctx is canceled (normally by a signal handler installed
// by the caller), then shuts down cleanly.
func (a *App) Run(ctx context.Context) error {
	a.logStartupBanner()

	if a.settings.IsProduction() {
		a.log.Warn().Msg("RUNNING IN PRODUCTION MODE - REAL MONEY AT RISK. Ctrl+C within 10 seconds to abort.")
		select {
		case <-ctx.Done():
			a.log.Info().Msg("startup aborted before production window elapsed")
			return nil
		case <-time.After(productionAbortWindow):
		}
	}

	a.listener.Start(ctx)
	a.log.Info().Msg("trade copier running")

	mode := "PAPER"
	severity := alert.Info
	if a.settings.IsProduction() {
		mode = "PRODUCTION"
		severity = alert.Warning
	}
	a.alerts.Send(ctx, "Trade Copier Started", fmt.Sprintf("trade copier system started successfully in %s mode", mode), severity, map[string]any{
		"master_account": a.masterAccountID,
		"max_concurrent":  a.settings.MaxConcurrentOrders,
	}, "")

	pollInterval := time.Duration(a.settings.MasterCredentialCheckIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	go a.pollMasterCredentials(ctx, pollInterval)

	<-ctx.Done()
	return a.shutdown(context.Background())
}

// pollMasterCredentials watches the master row's updated_at and hot-swaps
// credentials into the Scaling Engine, Dispatcher, and Ingress listener
// whenever the stored credentials change, so key rotation never requires a
// restart.
func (a *App) pollMasterCredentials(ctx context.Context, interval time.Duration) {
	lastSeen, err := a.store.GetMasterUpdatedAt(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("initial master credential poll failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updatedAt, err := a.store.GetMasterUpdatedAt(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("master credential poll failed")
				continue
			}
			if updatedAt.Equal(lastSeen) {
				continue
			}
			lastSeen = updatedAt

			master, err := a.store.GetMaster(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("failed to reload rotated master credentials")
				continue
			}
			creds := brokerage.Credentials{APIKey: master.APIKey, SecretKey: master.SecretKey}
			a.engine.SetMasterCredentials(creds)
			a.dispatch.SetMasterCredentials(creds)
			a.listener.ReconnectWithNewCredentials(ctx, creds)
			a.log.Info().Str("master_account", master.AccountID).Msg("master credentials reloaded")
		}
	}
}

func (a *App) shutdown(ctx context.Context) error {
	a.log.Info().Msg("trade copier shutting down")

	a.listener.Stop()
	a.log.Info().Msg("event ingress stopped")

	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close credential store")
	} else {
		a.log.Info().Msg("credential store closed")
	}

	if a.settings.EnableSlackAlerts {
		a.alerts.Send(ctx, "Trade Copier Stopped", "trade copier system has been shut down", alert.Warning, nil, "")
	}
	a.alerts.Close()

	a.log.Info().Msg("trade copier shutdown complete")
	return nil
}

func (a *App) logStartupBanner() {
	mode := "PAPER TRADING"
	if a.settings.IsProduction() {
		mode = "PRODUCTION"
	}

	event := a.log.Info().
		Str("master_account", a.masterAccountID).
		Str("environment", mode).
		Int("max_concurrent_orders", a.settings.MaxConcurrentOrders).
		Str("scaling_method", "equity_based")

	if cpuCount, err := cpu.Counts(true); err == nil {
		event = event.Int("cpu_count", cpuCount)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		event = event.Uint64("total_memory_bytes", vm.Total)
	}
	event.Msg("TRADE COPIER STARTING")
}
