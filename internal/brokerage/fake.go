package brokerage

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a deterministic in-memory Client used by tests throughout the
// repo, mirroring the teacher's pattern of a contract interface with one
// real and one fakeable implementation.
type Fake struct {
	mu sync.Mutex

	Account    Account
	Positions  map[string]Position
	Assets     map[string]Asset
	Quotes     map[string]Quote
	OrdersSent []OrderRequest

	// SubmitErr, when set, is returned by every SubmitOrder call.
	SubmitErr error
	// NextOrderID is returned (then incremented) by SubmitOrder.
	NextOrderID int

	streamCh chan TradeUpdate
}

func NewFake() *Fake {
	return &Fake{
		Positions: make(map[string]Position),
		Assets:    make(map[string]Asset),
		Quotes:    make(map[string]Quote),
		streamCh:  make(chan TradeUpdate, 16),
	}
}

// FakeFactory hands out the same *Fake regardless of credentials, so tests
// can configure expectations before exercising a component.
type FakeFactory struct {
	Client *Fake
}

func (f *FakeFactory) NewClient(_ Credentials) Client { return f.Client }

func (f *Fake) GetAccount(ctx context.Context) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Account, nil
}

func (f *Fake) GetOpenPosition(ctx context.Context, symbol string) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Positions[symbol]; ok {
		return p, nil
	}
	return Position{Symbol: symbol, Qty: 0}, nil
}

func (f *Fake) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.Assets[symbol]; ok {
		return a, nil
	}
	return Asset{Symbol: symbol, Fractionable: false}, nil
}

func (f *Fake) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.Quotes[symbol]; ok {
		return q, nil
	}
	return Quote{}, fmt.Errorf("no quote configured for %s", symbol)
}

func (f *Fake) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OrdersSent = append(f.OrdersSent, req)
	if f.SubmitErr != nil {
		return OrderResult{}, f.SubmitErr
	}
	f.NextOrderID++
	return OrderResult{
		OrderID:     fmt.Sprintf("fake-order-%d", f.NextOrderID),
		FilledQty:   req.Qty,
		FilledPrice: 0,
		Status:      "filled",
	}, nil
}

func (f *Fake) Stream(ctx context.Context) (<-chan TradeUpdate, error) {
	return f.streamCh, nil
}

// Push delivers a synthetic update to whoever is reading from Stream.
func (f *Fake) Push(u TradeUpdate) {
	f.streamCh <- u
}

func (f *Fake) Close() error { return nil }
