// Package dispatch is the Dispatcher (§4.F): turns one forwarded fill
// event into a batch of per-client orders by invoking the Scaling Engine
// for every eligible client in parallel, then handing the resulting
// batch to the Order Executor.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/executor"
	"github.com/RohanRawatRR/trade-copier/internal/ingress"
	"github.com/RohanRawatRR/trade-copier/internal/scaling"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

// Clients is the subset of the store the dispatcher needs to load
// eligible accounts.
type Clients interface {
	ListActiveEligibleClients(ctx context.Context) ([]store.EligibleClient, error)
}

// ReplicationDefaults carries the process-wide scaling gates from
// configuration; a client's own overrides (none exist today beyond these)
// would take precedence if added later.
type ReplicationDefaults struct {
	MinOrderSize      decimal.Decimal
	MinNotional       decimal.Decimal
	FractionalEnabled bool
}

type Dispatcher struct {
	clients       Clients
	engine        *scaling.Engine
	exec          *executor.Executor
	masterFactory brokerage.Factory
	defaults      ReplicationDefaults
	log           zerolog.Logger

	mu          sync.Mutex
	masterCreds brokerage.Credentials
}

func New(clients Clients, engine *scaling.Engine, exec *executor.Executor, masterFactory brokerage.Factory, masterCreds brokerage.Credentials, defaults ReplicationDefaults, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		clients:       clients,
		engine:        engine,
		exec:          exec,
		masterFactory: masterFactory,
		masterCreds:   masterCreds,
		defaults:      defaults,
		log:           log.With().Str("component", "dispatcher").Logger(),
	}
}

// SetMasterCredentials is used by the live credential-reload poller.
func (d *Dispatcher) SetMasterCredentials(creds brokerage.Credentials) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masterCreds = creds
}

func (d *Dispatcher) getMasterCreds() brokerage.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.masterCreds
}

// DispatchTrade is the callback handed to the ingress Listener: one fill
// in, a fully replicated batch out. Per-client scaling failures are
// logged and skipped; they never abort the batch.
func (d *Dispatcher) DispatchTrade(ctx context.Context, fill ingress.Fill) {
	d.log.Info().
		Str("order_id", fill.OrderID).
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Msg("dispatching trade")

	clients, err := d.clients.ListActiveEligibleClients(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to load eligible clients")
		return
	}
	if len(clients) == 0 {
		d.log.Warn().Str("order_id", fill.OrderID).Msg("no active clients found, skipping replication")
		return
	}

	qty := fill.FilledQty
	if qty == 0 {
		qty = fill.Qty
	}

	var fillPrice *float64
	if fill.FilledAvgPrice != nil {
		fillPrice = fill.FilledAvgPrice
	}

	masterCreds := d.getMasterCreds()
	masterClient := d.masterFactory.NewClient(masterCreds)
	masterPosition, err := masterClient.GetOpenPosition(ctx, fill.Symbol)
	var masterRemaining decimal.Decimal
	if err != nil {
		d.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to fetch master position, assuming flat")
	} else {
		masterRemaining = decimal.NewFromFloat(masterPosition.Qty)
	}

	currentPrice, err := d.engine.GetCurrentPrice(ctx, masterCreds, fill.Symbol)
	var currentPricePtr *decimal.Decimal
	if err != nil {
		d.log.Warn().Err(err).Str("symbol", fill.Symbol).Msg("quote lookup failed, falling back to fill price")
		if fillPrice != nil {
			p := decimal.NewFromFloat(*fillPrice)
			currentPricePtr = &p
		}
	} else {
		currentPricePtr = &currentPrice
	}

	orders := d.scaleAll(ctx, fill, clients, qty, masterRemaining, currentPricePtr)
	if len(orders) == 0 {
		d.log.Warn().Str("order_id", fill.OrderID).Int("clients_checked", len(clients)).Msg("all client trades skipped")
		return
	}

	successCount, failureCount := d.executeBatch(ctx, fill, qty, fillPrice, orders)
	d.log.Info().
		Str("order_id", fill.OrderID).
		Int("success_count", successCount).
		Int("failure_count", failureCount).
		Msg("trade dispatch completed")
}

func (d *Dispatcher) scaleAll(ctx context.Context, fill ingress.Fill, clients []store.EligibleClient, masterQty float64, masterRemaining decimal.Decimal, currentPrice *decimal.Decimal) []executor.ClientOrder {
	results := make([]*executor.ClientOrder, len(clients))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, c := range clients {
		i, c := i, c
		group.Go(func() error {
			profile := d.clientProfile(c.Account)
			decision, err := d.engine.Scale(groupCtx, scaling.Request{
				MasterOrderID:   fill.OrderID,
				Symbol:          fill.Symbol,
				Side:            fill.Side,
				MasterQty:       decimal.NewFromFloat(masterQty),
				MasterRemaining: masterRemaining,
				CurrentPrice:    currentPrice,
				Client:          profile,
				ClientCreds:     c.Credentials,
			})
			if err != nil {
				d.log.Error().Err(err).Str("client_account_id", c.Account.AccountID).Str("symbol", fill.Symbol).Msg("client scaling failed")
				return nil
			}
			if decision.Skip || !decision.Qty.IsPositive() {
				d.log.Debug().Str("client_account_id", c.Account.AccountID).Str("reason", decision.Reason).Msg("client order skipped")
				return nil
			}

			qty, _ := decision.Qty.Float64()
			results[i] = &executor.ClientOrder{
				AccountID:     c.Account.AccountID,
				Credentials:   c.Credentials,
				Qty:           qty,
				Side:          decision.Side,
				ScalingMethod: c.Account.ScalingMethod,
			}
			return nil
		})
	}
	_ = group.Wait()

	orders := make([]executor.ClientOrder, 0, len(clients))
	for _, r := range results {
		if r != nil {
			orders = append(orders, *r)
		}
	}
	return orders
}

func (d *Dispatcher) executeBatch(ctx context.Context, fill ingress.Fill, masterQty float64, masterPrice *float64, orders []executor.ClientOrder) (success, failure int) {
	result := d.exec.ExecuteBatch(
		ctx,
		fill.OrderID,
		fill.Symbol,
		fill.Side,
		string(fill.OrderType),
		masterQty,
		masterPrice,
		orTimeNow(fill.Timestamp),
		orders,
	)
	return result.SuccessCount, result.FailureCount
}

func orTimeNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (d *Dispatcher) clientProfile(account store.ClientAccount) scaling.ClientProfile {
	var scalingMultiplier *decimal.Decimal
	if account.ScalingMultiplier != nil {
		m := decimal.NewFromFloat(*account.ScalingMultiplier)
		scalingMultiplier = &m
	}
	return scaling.ClientProfile{
		AccountID:         account.AccountID,
		RiskMultiplier:    decimal.NewFromFloat(account.RiskMultiplier),
		ScalingMultiplier: scalingMultiplier,
		TradeDirection:    string(account.TradeDirection),
		MinOrderSize:      d.defaults.MinOrderSize,
		MinNotional:       d.defaults.MinNotional,
		FractionalEnabled: d.defaults.FractionalEnabled,
	}
}
