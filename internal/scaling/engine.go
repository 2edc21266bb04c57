// Package scaling implements the per-client order-quantity derivation
// (§4.C): proportional replication against live equities and positions,
// with smart-replication rules that keep a failed client order from
// silently flipping a long into a short on a later partial or full close.
package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/retry"
)

const masterEquityTTL = 60 * time.Second

// ClientProfile is the subset of a client account the engine needs; it
// decouples this package from internal/store's schema.
type ClientProfile struct {
	AccountID         string
	RiskMultiplier    decimal.Decimal
	ScalingMultiplier *decimal.Decimal
	TradeDirection    string // "long", "short", or "both"
	MinOrderSize      decimal.Decimal
	MinNotional       decimal.Decimal
	FractionalEnabled bool
}

// Request is one scaling invocation's input.
type Request struct {
	MasterOrderID   string
	Symbol          string
	Side            brokerage.Side
	MasterQty       decimal.Decimal
	MasterRemaining decimal.Decimal // master's remaining position after the fill
	CurrentPrice    *decimal.Decimal
	Client          ClientProfile
	ClientCreds     brokerage.Credentials
}

// Decision is the outcome of one scaling invocation.
type Decision struct {
	Qty    decimal.Decimal
	Side   brokerage.Side
	Skip   bool
	Reason string
}

func skip(reason string) Decision { return Decision{Skip: true, Reason: reason} }

// Engine derives per-client quantities. It caches the master's equity
// with a TTL so an account-endpoint hiccup does not stall every scaling
// call; a failed refresh keeps serving the stale value.
type Engine struct {
	masterFactory brokerage.Factory
	masterCreds   brokerage.Credentials
	clientFactory brokerage.Factory

	mu               sync.Mutex
	masterEquity     decimal.Decimal
	masterEquityAt   time.Time
}

func New(masterFactory, clientFactory brokerage.Factory, masterCreds brokerage.Credentials) *Engine {
	return &Engine{masterFactory: masterFactory, clientFactory: clientFactory, masterCreds: masterCreds}
}

// SetMasterCredentials is used by the live credential-reload poller.
func (e *Engine) SetMasterCredentials(creds brokerage.Credentials) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.masterCreds = creds
	e.masterEquityAt = time.Time{} // force refresh on next read
}

func (e *Engine) getMasterEquity(ctx context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	stale := e.masterEquity
	fresh := time.Since(e.masterEquityAt) < masterEquityTTL
	creds := e.masterCreds
	e.mu.Unlock()

	if fresh {
		return stale, nil
	}

	client := e.masterFactory.NewClient(creds)
	account, err := client.GetAccount(ctx)
	if err != nil {
		if stale.GreaterThan(decimal.Zero) {
			return stale, nil
		}
		return decimal.Zero, fmt.Errorf("refresh master equity: %w", err)
	}

	equity := decimal.NewFromFloat(account.Equity)
	e.mu.Lock()
	e.masterEquity = equity
	e.masterEquityAt = time.Now()
	e.mu.Unlock()
	return equity, nil
}

// GetCurrentPrice returns the bid/ask midpoint for symbol, fetched with
// the credentials the caller passes in (callers fall back to the fill
// price on error).
func (e *Engine) GetCurrentPrice(ctx context.Context, creds brokerage.Credentials, symbol string) (decimal.Decimal, error) {
	client := e.clientFactory.NewClient(creds)
	quote, err := client.GetLatestQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get latest quote for %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(quote.Mid()), nil
}

// direction classifies the fill as "long" or "short" from side and the
// master's remaining position after the fill.
func direction(side brokerage.Side, masterRemaining decimal.Decimal) string {
	switch side {
	case brokerage.Buy:
		if masterRemaining.IsNegative() {
			return "short"
		}
		return "long"
	default: // sell
		if masterRemaining.IsPositive() {
			return "long"
		}
		return "short"
	}
}

// Scale computes the client's order for req, consulting the client's
// live position and buying power. It returns Decision{Skip:true} rather
// than an error for every business-rule skip; err is reserved for
// brokerage-call failures, which the caller (Dispatcher) logs and treats
// as a skip regardless.
func (e *Engine) Scale(ctx context.Context, req Request) (Decision, error) {
	masterEquity, err := e.getMasterEquity(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !masterEquity.IsPositive() {
		return skip("master equity is non-positive"), nil
	}

	dir := direction(req.Side, req.MasterRemaining)
	if req.Client.TradeDirection == "long" && dir != "long" {
		return skip("client restricted to long-only trades"), nil
	}
	if req.Client.TradeDirection == "short" && dir != "short" {
		return skip("client restricted to short-only trades"), nil
	}

	client := e.clientFactory.NewClient(req.ClientCreds)

	account, err := client.GetAccount(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return Decision{}, fmt.Errorf("client auth failure: %w", retry.Classify(err))
		}
		return Decision{}, fmt.Errorf("get client account: %w", err)
	}
	position, err := client.GetOpenPosition(ctx, req.Symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("get client position: %w", err)
	}
	clientQty := decimal.NewFromFloat(position.Qty)
	buyingPower := decimal.NewFromFloat(account.BuyingPower)

	masterIsFullExit := req.MasterRemaining.IsZero()
	masterIsPartialClose := isPartialClose(req.Side, req.MasterRemaining)

	if masterIsFullExit {
		// A sell to flat exits a long; a buy to flat covers a short.
		exitDir := "short"
		if req.Side == brokerage.Sell {
			exitDir = "long"
		}
		switch {
		case clientQty.IsZero():
			return skip("master closed fully and client holds no position"), nil
		case sameSide(clientQty, exitDir):
			qty := clientQty.Abs().Truncate(6)
			return Decision{Qty: qty, Side: closingSide(exitDir)}, nil
		default:
			return skip("master closed fully but client holds the opposite side"), nil
		}
	}

	if masterIsPartialClose {
		if clientQty.IsZero() || !sameSide(clientQty, dir) {
			return skip("master partially closed but client holds no position or the opposite side"), nil
		}
	}

	equityRatio := decimal.NewFromFloat(account.Equity).Div(masterEquity)
	raw := req.MasterQty.Mul(equityRatio).Mul(req.Client.RiskMultiplier)
	if req.Client.ScalingMultiplier != nil {
		raw = raw.Mul(*req.Client.ScalingMultiplier)
	}

	// The position delta tracks the actual order action (buy adds, sell
	// removes), independent of the long/short trade classification above.
	delta := raw
	if req.Side == brokerage.Sell {
		delta = raw.Neg()
	}
	resultingPosition := clientQty.Add(delta)
	opensOrIncreasesShort := req.Side == brokerage.Sell && resultingPosition.IsNegative()

	var qty decimal.Decimal
	orderSide := req.Side

	if opensOrIncreasesShort {
		if clientQty.IsPositive() && clientQty.LessThan(decimal.NewFromInt(1)) {
			return Decision{Qty: clientQty, Side: brokerage.Sell}, nil
		}
		qty = raw.Round(0)
		if !qty.IsPositive() {
			return skip("whole-share short quantity rounds to zero"), nil
		}
	} else {
		qty = raw.Abs()
		if req.Client.FractionalEnabled && isFractionable(ctx, client, req.Symbol) {
			qty = qty.Truncate(2)
		} else {
			qty = qty.Truncate(0)
		}
	}

	if !qty.IsPositive() {
		return skip("scaled quantity is zero"), nil
	}

	isMinSizeGated := orderSide == brokerage.Buy || masterIsPartialClose
	if isMinSizeGated {
		if qty.LessThan(req.Client.MinOrderSize) {
			return skip("quantity below minimum order size"), nil
		}
		if req.CurrentPrice != nil {
			notional := qty.Mul(*req.CurrentPrice)
			if notional.LessThan(req.Client.MinNotional) {
				return skip("notional below minimum notional"), nil
			}
		}
	}

	if req.CurrentPrice != nil && isMinSizeGated {
		notional := qty.Mul(*req.CurrentPrice)
		if notional.GreaterThan(buyingPower) {
			cap := buyingPower.Mul(decimal.NewFromFloat(0.95)).Div(*req.CurrentPrice).Truncate(0)
			if cap.LessThan(req.Client.MinOrderSize) {
				return skip("buying-power-reduced quantity below minimum order size"), nil
			}
			qty = cap
		}
	}

	return Decision{Qty: qty, Side: orderSide}, nil
}

func sameSide(clientQty decimal.Decimal, dir string) bool {
	if dir == "long" {
		return clientQty.IsPositive()
	}
	return clientQty.IsNegative()
}

func closingSide(dir string) brokerage.Side {
	if dir == "long" {
		return brokerage.Sell
	}
	return brokerage.Buy
}

func isPartialClose(side brokerage.Side, masterRemaining decimal.Decimal) bool {
	if masterRemaining.IsZero() {
		return false
	}
	switch side {
	case brokerage.Sell:
		return masterRemaining.IsPositive()
	default:
		return masterRemaining.IsNegative()
	}
}

func isFractionable(ctx context.Context, client brokerage.Client, symbol string) bool {
	asset, err := client.GetAsset(ctx, symbol)
	if err != nil {
		return false
	}
	return asset.Fractionable
}

func isAuthFailure(err error) bool {
	classified := retry.Classify(err)
	return classified.Kind == retry.AuthFailure
}
