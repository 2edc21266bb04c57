// Package executor is the Order Executor (§4.D): submits orders to
// client accounts in full parallel, isolating each client behind its own
// circuit breaker and retry policy.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RohanRawatRR/trade-copier/internal/alert"
	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/retry"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

// ClientOrder is one client's pre-scaled order, ready for submission.
type ClientOrder struct {
	AccountID     string
	Credentials   brokerage.Credentials
	Qty           float64
	Side          brokerage.Side
	ScalingMethod *string
}

// BatchResult summarizes one call to ExecuteBatch.
type BatchResult struct {
	SuccessCount int
	FailureCount int
}

type Store interface {
	LogTradeAttempt(ctx context.Context, p store.LogTradeAttemptParams) (uint, error)
	UpdateTradeResult(ctx context.Context, p store.UpdateTradeResultParams) error
	SetBreaker(ctx context.Context, accountID string, newState store.BreakerState, incrementFailures bool) error
	RecordMetric(ctx context.Context, name string, value float64, tagsJSON *string) error
}

type Executor struct {
	store         Store
	clientFactory brokerage.Factory
	breakers      *retry.BreakerMap
	retryPolicy   retry.Policy
	alerts        *alert.Manager
	latency       *alert.LatencyTracker
	log           zerolog.Logger

	latencyCriticalThresholdMs int
}

// New constructs an Executor. failureThreshold/circuitTimeout configure the
// per-account breaker (spec §4.B, operator-tunable via FAILURE_THRESHOLD /
// CIRCUIT_TIMEOUT_SEC); retryPolicy configures the submission retry loop
// (MAX_RETRY_ATTEMPTS / RETRY_INITIAL_DELAY_MS / etc).
func New(s Store, clientFactory brokerage.Factory, alerts *alert.Manager, latency *alert.LatencyTracker, latencyCriticalThresholdMs int, failureThreshold int, circuitTimeout time.Duration, retryPolicy retry.Policy, log zerolog.Logger) *Executor {
	return &Executor{
		store:                      s,
		clientFactory:              clientFactory,
		breakers:                   retry.NewBreakerMap(failureThreshold, circuitTimeout),
		retryPolicy:                retryPolicy,
		alerts:                     alerts,
		latency:                    latency,
		log:                        log.With().Str("component", "executor").Logger(),
		latencyCriticalThresholdMs: latencyCriticalThresholdMs,
	}
}

type orderOutcome struct {
	success bool
}

// ExecuteBatch submits one order per entry in clientOrders, all launched
// concurrently with no intermediate batching, joined with an unbounded
// errgroup per §5 of the concurrency design.
func (e *Executor) ExecuteBatch(
	ctx context.Context,
	masterOrderID, symbol string,
	side brokerage.Side,
	orderType string,
	masterQty float64,
	masterPrice *float64,
	masterTradeTime time.Time,
	clientOrders []ClientOrder,
) BatchResult {
	e.log.Info().
		Str("master_order_id", masterOrderID).
		Str("symbol", symbol).
		Int("client_count", len(clientOrders)).
		Msg("replication started")

	outcomes := make([]orderOutcome, len(clientOrders))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, co := range clientOrders {
		i, co := i, co
		group.Go(func() error {
			outcomes[i] = e.executeSingle(groupCtx, masterOrderID, symbol, side, orderType, masterQty, masterPrice, masterTradeTime, co)
			return nil
		})
	}
	// group.Wait never returns an error here: executeSingle always
	// recovers internally so one client's failure never aborts the batch.
	_ = group.Wait()

	result := BatchResult{}
	for _, o := range outcomes {
		if o.success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}

	e.log.Info().
		Str("master_order_id", masterOrderID).
		Int("success_count", result.SuccessCount).
		Int("failure_count", result.FailureCount).
		Msg("replication completed")

	total := result.SuccessCount + result.FailureCount
	if total > 0 && float64(result.FailureCount)/float64(total) > 0.10 {
		e.alerts.HighFailureRate(ctx, result.FailureCount, total)
	}

	return result
}

func (e *Executor) executeSingle(
	ctx context.Context,
	masterOrderID, symbol string,
	side brokerage.Side,
	orderType string,
	masterQty float64,
	masterPrice *float64,
	masterTradeTime time.Time,
	co ClientOrder,
) orderOutcome {
	auditID, err := e.store.LogTradeAttempt(ctx, store.LogTradeAttemptParams{
		MasterOrderID:   masterOrderID,
		ClientAccountID: co.AccountID,
		Symbol:          symbol,
		Side:            string(side),
		OrderType:       orderType,
		MasterQty:       masterQty,
		MasterPrice:     masterPrice,
		ClientQty:       &co.Qty,
		MasterTradeTime: masterTradeTime,
	})
	if err != nil {
		e.log.Error().Err(err).Str("account_id", co.AccountID).Msg("failed to log trade attempt")
		return orderOutcome{success: false}
	}

	// Replication latency starts after the audit-row insert.
	start := time.Now()
	breaker := e.breakers.Get(co.AccountID)
	wasTripped := breaker.State() != retry.StateClosed

	submitStart := time.Now()
	var result brokerage.OrderResult
	breakerErr := breaker.Call(ctx, func(ctx context.Context) error {
		r, err := e.submitWithRetry(ctx, co, symbol, side, orderType, masterPrice)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	submissionLatencyMs := int(time.Since(submitStart).Milliseconds())
	totalLatencyMs := int(time.Since(start).Milliseconds())

	if breakerErr != nil {
		errMsg := breakerErr.Error()
		_ = e.store.UpdateTradeResult(ctx, store.UpdateTradeResultParams{
			AuditID:                  auditID,
			Status:                   store.StatusFailed,
			ErrorMessage:             &errMsg,
			ReplicationLatencyMs:     &totalLatencyMs,
			OrderSubmissionLatencyMs: &submissionLatencyMs,
		})
		e.log.Error().Err(breakerErr).Str("account_id", co.AccountID).Msg("order submission failed")
		e.latency.Record(totalLatencyMs)

		if breaker.State() == retry.StateOpen {
			_ = e.store.SetBreaker(ctx, co.AccountID, store.BreakerOpen, true)
			e.alerts.BreakerOpened(ctx, co.AccountID, errMsg)
		}
		return orderOutcome{success: false}
	}

	_ = e.store.UpdateTradeResult(ctx, store.UpdateTradeResultParams{
		AuditID:                  auditID,
		Status:                   store.StatusSuccess,
		ClientOrderID:            &result.OrderID,
		ClientFilledQty:          &result.FilledQty,
		ClientAvgPrice:           &result.FilledPrice,
		ReplicationLatencyMs:     &totalLatencyMs,
		OrderSubmissionLatencyMs: &submissionLatencyMs,
	})

	if wasTripped && breaker.State() == retry.StateClosed {
		_ = e.store.SetBreaker(ctx, co.AccountID, store.BreakerClosed, false)
		e.log.Info().Str("account_id", co.AccountID).Msg("circuit breaker recovered")
	}

	e.log.Info().
		Str("account_id", co.AccountID).
		Str("order_id", result.OrderID).
		Int("latency_ms", totalLatencyMs).
		Msg("order placed")

	if totalLatencyMs > e.latencyCriticalThresholdMs {
		e.alerts.LatencyExceeded(ctx, masterOrderID, totalLatencyMs, e.latencyCriticalThresholdMs)
	}

	tags := fmt.Sprintf(`{"symbol":%q,"side":%q}`, symbol, side)
	_ = e.store.RecordMetric(ctx, "replication_latency_ms", float64(totalLatencyMs), &tags)
	e.latency.Record(totalLatencyMs)

	return orderOutcome{success: true}
}

func (e *Executor) submitWithRetry(ctx context.Context, co ClientOrder, symbol string, side brokerage.Side, orderType string, masterPrice *float64) (brokerage.OrderResult, error) {
	client := e.clientFactory.NewClient(co.Credentials)
	req := buildOrderRequest(symbol, side, orderType, co.Qty, masterPrice)

	var result brokerage.OrderResult
	err := retry.Do(ctx, e.retryPolicy, func(ctx context.Context) error {
		r, err := client.SubmitOrder(ctx, req)
		if err != nil {
			return retry.Classify(err)
		}
		result = r
		return nil
	})
	return result, err
}

func buildOrderRequest(symbol string, side brokerage.Side, orderType string, qty float64, price *float64) brokerage.OrderRequest {
	req := brokerage.OrderRequest{
		Symbol:      symbol,
		Qty:         qty,
		Side:        side,
		Type:        brokerage.Market,
		TimeInForce: brokerage.DayTIF,
	}
	switch brokerage.OrderType(orderType) {
	case brokerage.Limit:
		if price == nil {
			return req // missing price for limit/stop downgrades to market
		}
		req.Type = brokerage.Limit
		req.LimitPrice = price
	case brokerage.Stop:
		if price == nil {
			return req
		}
		req.Type = brokerage.Stop
		req.StopPrice = price
	}
	return req
}
