// Package brokerage defines the thin contract the rest of the system uses
// to talk to the upstream brokerage, plus one HTTP/WebSocket implementation
// of it. Every other package depends on the Client interface, never on the
// concrete implementation, the same way the teacher's blackhole.go depended
// on a ContractClient interface rather than a concrete on-chain client.
package brokerage

import (
	"context"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

type TimeInForce string

const DayTIF TimeInForce = "day"

// Account is the subset of account state the scaling engine and dispatcher
// need: total value, cash, and margin capacity.
type Account struct {
	Equity       float64
	Cash         float64
	BuyingPower  float64
}

// Position is the account's current holding in a symbol. A missing
// position is represented as a zero-value Position, not an error.
type Position struct {
	Symbol string
	Qty    float64
}

// Asset describes tradability metadata for a symbol.
type Asset struct {
	Symbol       string
	Fractionable bool
}

// Quote is a latest top-of-book quote.
type Quote struct {
	Bid float64
	Ask float64
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// OrderRequest is what the executor submits to the brokerage.
type OrderRequest struct {
	Symbol      string
	Qty         float64
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	LimitPrice  *float64
	StopPrice   *float64
}

// OrderResult is the brokerage's synchronous acknowledgement of a
// submission. Fill details may lag, so FilledQty and FilledPrice carry
// only what the acknowledgement itself reported.
type OrderResult struct {
	OrderID    string
	FilledQty  float64
	FilledPrice float64
	Status     string
}

// TradeUpdate is a single lifecycle event delivered over the stream.
type TradeUpdate struct {
	Event     string // "new", "partial_fill", "fill", "canceled", ...
	OrderID   string
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       float64
	FilledQty float64
	FilledAvgPrice float64
	LimitPrice *float64
	StopPrice  *float64
	Status     string
	Timestamp  time.Time
}

// Client is the full contract §4.K/§6 describes: REST operations plus a
// long-lived trade-update stream. Credentials are supplied at construction
// time and never retained beyond the lifetime of one Client instance.
type Client interface {
	GetAccount(ctx context.Context) (Account, error)
	GetOpenPosition(ctx context.Context, symbol string) (Position, error)
	GetAsset(ctx context.Context, symbol string) (Asset, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)

	// Stream opens the trade-update subscription and returns a channel of
	// updates. The channel is closed when ctx is canceled or the
	// underlying connection drops; Stream does not reconnect (caller owns
	// reconnect policy; see internal/ingress).
	Stream(ctx context.Context) (<-chan TradeUpdate, error)

	// Close releases any held connections (HTTP keep-alives, the stream
	// socket if still open).
	Close() error
}

// Credentials identifies a single brokerage account.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Factory builds a Client bound to one account's credentials, against a
// fixed base URL configuration. Both the live HTTP implementation and the
// in-memory fake implement this so the rest of the system can be built
// against either without a type switch.
type Factory interface {
	NewClient(creds Credentials) Client
}
