// Package ingress is the Event Ingress component (§4.E): maintains the
// master account's trade-update subscription, filters to fill events,
// deduplicates, and drives the reconnect state machine with SDK-internal-
// retry defense.
package ingress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RohanRawatRR/trade-copier/internal/alert"
	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

const (
	maxReconnectAttempts  = 10
	rapidFailureWindow    = 2 * time.Second
	rapidFailureThreshold = 3
	connectDeadline       = 3 * time.Second
	normalMaxDelay        = 300 * time.Second
	extendedBaseDelay     = 60 * time.Second
	extendedMaxDelay      = 600 * time.Second
)

// Fill is one forwarded trade-update event, already filtered and
// deduplicated — the only shape the Dispatcher ever sees.
type Fill struct {
	OrderID        string
	Symbol         string
	Side           brokerage.Side
	OrderType      brokerage.OrderType
	Qty            float64
	FilledQty      float64
	FilledAvgPrice *float64
	Timestamp      time.Time
}

// Dedup is the subset of the store the listener needs for idempotency.
type Dedup interface {
	CheckAndRecordEvent(ctx context.Context, eventID, eventType, contentHash string) (bool, error)
}

// Listener owns the master's single long-lived stream subscription.
type Listener struct {
	factory   brokerage.Factory
	creds     brokerage.Credentials
	dedup     Dedup
	alerts    *alert.Manager
	onFill    func(context.Context, Fill)
	log       zerolog.Logger
	baseDelay time.Duration

	connMu sync.Mutex // serializes connection attempts, per spec

	mu                  sync.Mutex
	running             bool
	connected           bool
	reconnectAttempts   int
	rateLimited         bool
	lastConnectAttempt  time.Time
	rapidFailureCount   int
	cancelRun           context.CancelFunc
}

// New constructs a Listener. baseDelay is the normal-backoff starting
// point (WEBSOCKET_RECONNECT_DELAY_SEC); it falls back to 5s if zero.
func New(factory brokerage.Factory, creds brokerage.Credentials, dedup Dedup, alerts *alert.Manager, onFill func(context.Context, Fill), baseDelay time.Duration, log zerolog.Logger) *Listener {
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	return &Listener{
		factory:   factory,
		creds:     creds,
		dedup:     dedup,
		alerts:    alerts,
		onFill:    onFill,
		baseDelay: baseDelay,
		log:       log.With().Str("component", "ingress").Logger(),
	}
}

// Start begins the reconnect-supervised stream loop in the background.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancelRun = cancel
	l.mu.Unlock()

	go l.run(runCtx)
}

// Stop halts the stream loop by canceling its context; it returns
// without waiting for the current attempt to unwind.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancelRun
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ReconnectWithNewCredentials stops the current stream (if running),
// swaps credentials, resets backoff state, and restarts.
func (l *Listener) ReconnectWithNewCredentials(ctx context.Context, creds brokerage.Credentials) {
	l.mu.Lock()
	wasRunning := l.running
	l.mu.Unlock()

	if wasRunning {
		l.Stop()
	}

	l.mu.Lock()
	l.creds = creds
	l.reconnectAttempts = 0
	l.rateLimited = false
	l.mu.Unlock()

	if wasRunning {
		l.Start(ctx)
	}
}

func (l *Listener) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Listener) run(ctx context.Context) {
	for l.isRunning() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.attemptOnce(ctx)
		time.Sleep(100 * time.Millisecond) // avoid a tight loop between attempts
	}
}

// attemptOnce holds the connection lock for the duration of one connect
// attempt and its subsequent stream-consumption loop.
func (l *Listener) attemptOnce(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	now := time.Now()
	l.mu.Lock()
	if !l.lastConnectAttempt.IsZero() && now.Sub(l.lastConnectAttempt) < rapidFailureWindow {
		l.rapidFailureCount++
	} else {
		l.rapidFailureCount = 0
	}
	l.lastConnectAttempt = now
	rapid := l.rapidFailureCount >= rapidFailureThreshold
	l.mu.Unlock()

	if rapid {
		l.log.Warn().Int("rapid_failures", l.rapidFailureCount).Msg("SDK appears to be retrying rapidly, forcing extended backoff")
		l.mu.Lock()
		l.rapidFailureCount = 0
		l.mu.Unlock()
		l.handleReconnection(ctx, true)
		return
	}

	client := l.factory.NewClient(l.creds)
	defer client.Close()

	// connectDeadline bounds only the connect attempt; once Stream returns,
	// the subscription lives until ctx is canceled.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	connectTimer := time.AfterFunc(connectDeadline, cancelStream)

	updates, err := client.Stream(streamCtx)
	connectTimer.Stop()
	if err != nil {
		l.handleStreamError(ctx, err, time.Since(now))
		return
	}

	l.consumeStream(ctx, updates)
}

func (l *Listener) consumeStream(ctx context.Context, updates <-chan brokerage.TradeUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				l.mu.Lock()
				l.connected = false
				l.mu.Unlock()
				if l.isRunning() {
					l.alerts.Disconnected(ctx, "stream ended unexpectedly")
					l.handleReconnection(ctx, false)
				}
				return
			}
			l.handleUpdate(ctx, update)
		}
	}
}

func (l *Listener) handleUpdate(ctx context.Context, update brokerage.TradeUpdate) {
	l.mu.Lock()
	firstMessage := !l.connected
	if firstMessage {
		l.connected = true
		l.reconnectAttempts = 0
		l.rateLimited = false
		l.rapidFailureCount = 0
		l.lastConnectAttempt = time.Time{}
	}
	l.mu.Unlock()

	if firstMessage {
		l.log.Info().Msg("stream connected")
		l.alerts.Reconnected(ctx)
	}

	if update.Event != "fill" {
		return
	}

	eventID := fmt.Sprintf("%s_%s_%s", update.OrderID, update.Event, update.Timestamp.Format(time.RFC3339Nano))
	contentHash := store.ContentHash(map[string]string{
		"order_id":   update.OrderID,
		"event_type": update.Event,
		"symbol":     update.Symbol,
		"side":       string(update.Side),
		"qty":        fmt.Sprintf("%v", update.Qty),
		"filled_qty": fmt.Sprintf("%v", update.FilledQty),
		"status":     update.Status,
	})

	isDuplicate, err := l.dedup.CheckAndRecordEvent(ctx, eventID, update.Event, contentHash)
	if err != nil {
		l.log.Error().Err(err).Str("event_id", eventID).Msg("dedup check failed")
		return
	}
	if isDuplicate {
		l.log.Warn().Str("event_id", eventID).Str("order_id", update.OrderID).Msg("duplicate trade event ignored")
		return
	}

	var avgPrice *float64
	if update.FilledAvgPrice != 0 {
		p := update.FilledAvgPrice
		avgPrice = &p
	}

	l.onFill(ctx, Fill{
		OrderID:        update.OrderID,
		Symbol:         update.Symbol,
		Side:           update.Side,
		OrderType:      update.Type,
		Qty:            update.Qty,
		FilledQty:      update.FilledQty,
		FilledAvgPrice: avgPrice,
		Timestamp:      update.Timestamp,
	})
}

func (l *Listener) handleStreamError(ctx context.Context, err error, elapsed time.Duration) {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()

	errStr := strings.ToLower(err.Error())
	quickFailure := elapsed < 2*time.Second
	stalled := elapsed >= connectDeadline

	switch {
	case isAuthError(errStr):
		l.log.Error().Err(err).Msg("websocket authentication failed")
		l.alerts.SystemError(ctx, "ingress", fmt.Sprintf("websocket authentication failed: %v", err))
		l.handleReconnection(ctx, true)
	case isRateLimitError(errStr) || quickFailure || stalled:
		l.mu.Lock()
		l.rateLimited = true
		attempts := l.reconnectAttempts
		l.mu.Unlock()
		l.log.Warn().Err(err).Bool("quick_failure", quickFailure).Bool("stalled", stalled).Msg("rate limited, quick failure, or stalled connect detected, using extended backoff")
		if attempts <= 1 {
			l.alerts.Disconnected(ctx, fmt.Sprintf("rate limited: %v", err))
		}
		l.handleReconnection(ctx, true)
	default:
		l.log.Error().Err(err).Msg("websocket stream error")
		l.alerts.Disconnected(ctx, err.Error())
		l.handleReconnection(ctx, false)
	}
}

func isAuthError(errStr string) bool {
	return strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "failed to authenticate")
}

func isRateLimitError(errStr string) bool {
	return strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests")
}

// handleReconnection applies the backoff delay for the next attempt and,
// past the attempt ceiling, stops the listener entirely.
func (l *Listener) handleReconnection(ctx context.Context, extendedBackoff bool) {
	l.mu.Lock()
	l.reconnectAttempts++
	attempt := l.reconnectAttempts
	useExtended := extendedBackoff || l.rateLimited
	l.mu.Unlock()

	if attempt > maxReconnectAttempts {
		l.log.Error().Int("attempts", attempt).Msg("max reconnection attempts exceeded")
		l.alerts.SystemError(ctx, "ingress", fmt.Sprintf("max reconnection attempts (%d) exceeded", maxReconnectAttempts))
		l.Stop()
		return
	}

	var delay time.Duration
	if useExtended {
		delay = boundedExponential(extendedBaseDelay, attempt, extendedMaxDelay)
	} else {
		delay = boundedExponential(l.baseDelay, attempt, normalMaxDelay)
	}

	l.log.Info().Int("attempt", attempt).Dur("delay", delay).Bool("extended_backoff", useExtended).Msg("reconnecting after backoff")

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// boundedExponential computes min(base * 2^(attempt-1), max).
func boundedExponential(base time.Duration, attempt int, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
