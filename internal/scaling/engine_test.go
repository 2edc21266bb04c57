package scaling

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
)

func defaultProfile() ClientProfile {
	return ClientProfile{
		AccountID:      "client-1",
		RiskMultiplier: decimal.NewFromInt(1),
		TradeDirection: "both",
		MinOrderSize:   decimal.NewFromFloat(0.01),
		MinNotional:    decimal.NewFromInt(1),
	}
}

func newEngineWithFakes(masterEquity, clientEquity, clientBuyingPower float64, clientQty float64) (*Engine, *brokerage.Fake) {
	masterFake := brokerage.NewFake()
	masterFake.Account.Equity = masterEquity

	clientFake := brokerage.NewFake()
	clientFake.Account.Equity = clientEquity
	clientFake.Account.BuyingPower = clientBuyingPower
	clientFake.Positions["AAPL"] = brokerage.Position{Symbol: "AAPL", Qty: clientQty}
	clientFake.Assets["AAPL"] = brokerage.Asset{Symbol: "AAPL", Fractionable: true}

	e := New(
		&singleFakeFactory{fake: masterFake},
		&singleFakeFactory{fake: clientFake},
		brokerage.Credentials{APIKey: "master-key", SecretKey: "master-secret"},
	)
	return e, clientFake
}

type singleFakeFactory struct {
	fake *brokerage.Fake
}

func (f *singleFakeFactory) NewClient(brokerage.Credentials) brokerage.Client { return f.fake }

func baseRequest(side brokerage.Side, masterQty, masterRemaining decimal.Decimal) Request {
	return Request{
		MasterOrderID:   "order-1",
		Symbol:          "AAPL",
		Side:            side,
		MasterQty:       masterQty,
		MasterRemaining: masterRemaining,
		Client:          defaultProfile(),
	}
}

// CASE 1: master fully exits, client holds the matching side -> close the
// client's entire position exactly.
func TestCase1MasterFullExitClientMatchingSideCloses(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 5000, 50)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.Zero)

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.Equal(t, brokerage.Sell, decision.Side)
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(50)), "expected full close of client's 50 shares, got %s", decision.Qty)
}

// CASE 1B: master fully exits, client holds the opposite side -> skip.
func TestCase1BMasterFullExitClientOppositeSideSkips(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 5000, -50)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.Zero)

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

// CASE 1C: master fully exits, client has no position -> skip (a prior
// open must have failed; never open an inverse position here).
func TestCase1CMasterFullExitClientNoPositionSkips(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 5000, 0)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.Zero)

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

// CASE 1D: master partially closes a long, client holds no position ->
// skip for the same reason as 1C.
func TestCase1DMasterPartialCloseClientNoPositionSkips(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 5000, 0)
	// master still holds 50 shares after a sell of 50 out of 100 -> partial close of a long.
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(50), decimal.NewFromInt(50))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

func TestMasterPartialCloseClientOppositeSideSkips(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 5000, -20)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(50), decimal.NewFromInt(50))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

func TestBaseFormulaProportionalReplicationOnOpen(t *testing.T) {
	// master opens 100 shares; client equity is 10% of master equity -> 10 shares.
	e, _ := newEngineWithFakes(100000, 10000, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.Equal(t, brokerage.Buy, decision.Side)
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(10)), "got %s", decision.Qty)
}

func TestScalingMultiplierAppliesOnTopOfRiskMultiplier(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	multiplier := decimal.NewFromFloat(2.0)
	req.Client.ScalingMultiplier = &multiplier

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(20)), "got %s", decision.Qty)
}

func TestShortSellDustRuleFlattensFractionalLongInsteadOfShorting(t *testing.T) {
	// client holds 0.5 shares (dust) long; the base formula would open a short.
	e, _ := newEngineWithFakes(100000, 50000, 50000, 0.5)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.NewFromInt(-100))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.Equal(t, brokerage.Sell, decision.Side)
	require.True(t, decision.Qty.Equal(decimal.NewFromFloat(0.5)), "expected dust-flattening sell of 0.5, got %s", decision.Qty)
}

func TestShortSellRoundsToWholeShareAndSkipsWhenZero(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 100, 50000, 0)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.NewFromInt(-100))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip, "0.1-share short should round to 0 and skip")
}

func TestMinOrderSizeGateSkipsSmallBuys(t *testing.T) {
	// 100 * (10000/1000000) = 1 share, non-zero but under the 5-share minimum.
	e, _ := newEngineWithFakes(1000000, 10000, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	req.Client.MinOrderSize = decimal.NewFromInt(5)

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

func TestMinNotionalGateSkipsLowValueBuys(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	price := decimal.NewFromFloat(0.01)
	req.CurrentPrice = &price
	req.Client.MinNotional = decimal.NewFromInt(1000)

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

func TestFractionalHandlingTruncatesToTwoDecimalsWhenEnabled(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 3333, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	req.Client.FractionalEnabled = true

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.True(t, decision.Qty.Equal(decimal.NewFromFloat(3.33)), "got %s", decision.Qty)
}

func TestFractionalHandlingFloorsToWholeSharesWhenDisabled(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 3333, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	req.Client.FractionalEnabled = false

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(3)), "got %s", decision.Qty)
}

func TestBuyingPowerGuardReducesQuantity(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 100000, 500, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))
	price := decimal.NewFromInt(100)
	req.CurrentPrice = &price

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	// cap = floor(500 * 0.95 / 100) = floor(4.75) = 4
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(4)), "got %s", decision.Qty)
}

func TestBuyingPowerGuardAppliesToPartialCloseSellsToo(t *testing.T) {
	// Master partially closes a long (sells 50 of 100, 50 remaining); the
	// client holds a matching long position, so this is a partial-close
	// sell, not a short — the buying-power cap must still apply, per the
	// same scope as the minimum-size gate, not just on buys.
	e, _ := newEngineWithFakes(100000, 100000, 500, 1000)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(50), decimal.NewFromInt(50))
	price := decimal.NewFromInt(100)
	req.CurrentPrice = &price

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Skip)
	require.Equal(t, brokerage.Sell, decision.Side)
	// cap = floor(500 * 0.95 / 100) = floor(4.75) = 4
	require.True(t, decision.Qty.Equal(decimal.NewFromInt(4)), "got %s", decision.Qty)
}

func TestDirectionFilterSkipsLongOnlyClientOnShortTrade(t *testing.T) {
	e, _ := newEngineWithFakes(100000, 10000, 50000, 0)
	req := baseRequest(brokerage.Sell, decimal.NewFromInt(100), decimal.NewFromInt(-100))
	req.Client.TradeDirection = "long"

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}

func TestMasterEquityNonPositiveSkips(t *testing.T) {
	e, _ := newEngineWithFakes(0, 10000, 50000, 0)
	req := baseRequest(brokerage.Buy, decimal.NewFromInt(100), decimal.NewFromInt(100))

	decision, err := e.Scale(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Skip)
}
