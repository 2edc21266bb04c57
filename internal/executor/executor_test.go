package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/RohanRawatRR/trade-copier/internal/alert"
	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/retry"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	nextID       uint
	results      []store.UpdateTradeResultParams
	breakerCalls []store.BreakerState
	metrics      []string
}

func (s *fakeStore) LogTradeAttempt(ctx context.Context, p store.LogTradeAttemptParams) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *fakeStore) UpdateTradeResult(ctx context.Context, p store.UpdateTradeResultParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, p)
	return nil
}

func (s *fakeStore) SetBreaker(ctx context.Context, accountID string, newState store.BreakerState, incrementFailures bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerCalls = append(s.breakerCalls, newState)
	return nil
}

func (s *fakeStore) RecordMetric(ctx context.Context, name string, value float64, tagsJSON *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, name)
	return nil
}

func newTestExecutor(t *testing.T, client *brokerage.Fake) (*Executor, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	factory := &brokerage.FakeFactory{Client: client}
	alerts := alert.New(alert.Config{}, zerolog.Nop())
	exec := New(st, factory, alerts, alert.NewLatencyTracker(), 200, 5, 5*time.Minute, retry.DefaultPolicy(), zerolog.Nop())
	return exec, st
}

// perAccountFactory routes each credential set to its own client, letting a
// single ExecuteBatch call exercise a true mixed success/failure batch.
type perAccountFactory struct {
	byAPIKey map[string]brokerage.Client
}

func (f *perAccountFactory) NewClient(creds brokerage.Credentials) brokerage.Client {
	return f.byAPIKey[creds.APIKey]
}

func TestExecuteBatchSingleClientSuccess(t *testing.T) {
	fake := brokerage.NewFake()
	exec, st := newTestExecutor(t, fake)

	orders := []ClientOrder{
		{AccountID: "c1", Credentials: brokerage.Credentials{APIKey: "c1"}, Qty: 10, Side: brokerage.Buy},
	}
	result := exec.ExecuteBatch(context.Background(), "master-1", "AAPL", brokerage.Buy, string(brokerage.Market), 100, nil, time.Now(), orders)

	require.Equal(t, BatchResult{SuccessCount: 1, FailureCount: 0}, result)
	require.Len(t, fake.OrdersSent, 1)
	require.Equal(t, 10.0, fake.OrdersSent[0].Qty)

	require.Len(t, st.results, 1)
	require.Equal(t, store.StatusSuccess, st.results[0].Status)
	require.NotNil(t, st.results[0].ClientOrderID)
	require.Contains(t, st.metrics, "replication_latency_ms")
	require.Empty(t, st.breakerCalls, "a single success must never touch the breaker")
}

func TestExecuteBatchMixedBatchIsolatesFailure(t *testing.T) {
	goodFake := brokerage.NewFake()
	badFake := brokerage.NewFake()
	badFake.SubmitErr = errors.New("insufficient buying power")

	st := &fakeStore{}
	factory := &perAccountFactory{byAPIKey: map[string]brokerage.Client{
		"good": goodFake,
		"bad":  badFake,
	}}
	alerts := alert.New(alert.Config{}, zerolog.Nop())
	exec := New(st, factory, alerts, alert.NewLatencyTracker(), 200, 5, 5*time.Minute, retry.DefaultPolicy(), zerolog.Nop())

	orders := []ClientOrder{
		{AccountID: "good", Credentials: brokerage.Credentials{APIKey: "good"}, Qty: 10, Side: brokerage.Buy},
		{AccountID: "bad", Credentials: brokerage.Credentials{APIKey: "bad"}, Qty: 5, Side: brokerage.Buy},
	}
	result := exec.ExecuteBatch(context.Background(), "master-1", "AAPL", brokerage.Buy, string(brokerage.Market), 100, nil, time.Now(), orders)

	require.Equal(t, BatchResult{SuccessCount: 1, FailureCount: 1}, result, "one client's failure must not abort the other's submission")
	require.Len(t, goodFake.OrdersSent, 1)
	require.Len(t, badFake.OrdersSent, 1)
	require.Len(t, st.results, 2)

	var sawSuccess, sawFailure bool
	for _, r := range st.results {
		switch r.Status {
		case store.StatusSuccess:
			sawSuccess = true
		case store.StatusFailed:
			sawFailure = true
			require.NotNil(t, r.ErrorMessage)
		}
	}
	require.True(t, sawSuccess)
	require.True(t, sawFailure)
}

func TestExecuteBatchNonRetryableFailureShortCircuits(t *testing.T) {
	fake := brokerage.NewFake()
	fake.SubmitErr = errors.New("insufficient buying power")
	exec, st := newTestExecutor(t, fake)

	orders := []ClientOrder{
		{AccountID: "c1", Credentials: brokerage.Credentials{APIKey: "c1"}, Qty: 10, Side: brokerage.Buy},
	}

	start := time.Now()
	result := exec.ExecuteBatch(context.Background(), "master-1", "AAPL", brokerage.Buy, string(brokerage.Market), 100, nil, time.Now(), orders)
	elapsed := time.Since(start)

	require.Equal(t, BatchResult{SuccessCount: 0, FailureCount: 1}, result)
	require.Less(t, elapsed, 500*time.Millisecond, "insufficient_funds is not retryable and must fail on the first attempt")
	require.Len(t, fake.OrdersSent, 1, "a non-retryable error must not be retried")
	require.Equal(t, store.StatusFailed, st.results[0].Status)
}

func TestExecuteBatchOpensBreakerAfterRepeatedFailures(t *testing.T) {
	fake := brokerage.NewFake()
	fake.SubmitErr = errors.New("insufficient buying power")
	exec, st := newTestExecutor(t, fake)

	orders := []ClientOrder{
		{AccountID: "repeat-offender", Credentials: brokerage.Credentials{APIKey: "repeat-offender"}, Qty: 10, Side: brokerage.Buy},
	}

	// NewBreakerMap is constructed with a failure threshold of 5; five
	// consecutive failing batches against the same account must trip it.
	for i := 0; i < 5; i++ {
		result := exec.ExecuteBatch(context.Background(), "master-1", "AAPL", brokerage.Buy, string(brokerage.Market), 100, nil, time.Now(), orders)
		require.Equal(t, 1, result.FailureCount)
	}

	require.NotEmpty(t, st.breakerCalls, "the breaker must be persisted once it opens")
	require.Equal(t, store.BreakerOpen, st.breakerCalls[len(st.breakerCalls)-1])
}

func TestBuildOrderRequestDowngradesLimitToMarketWithoutPrice(t *testing.T) {
	req := buildOrderRequest("AAPL", brokerage.Buy, string(brokerage.Limit), 10, nil)
	require.Equal(t, brokerage.Market, req.Type)
	require.Nil(t, req.LimitPrice)
}

func TestBuildOrderRequestHonorsLimitPriceWhenProvided(t *testing.T) {
	price := 123.45
	req := buildOrderRequest("AAPL", brokerage.Buy, string(brokerage.Limit), 10, &price)
	require.Equal(t, brokerage.Limit, req.Type)
	require.Equal(t, &price, req.LimitPrice)
}

func TestBuildOrderRequestDowngradesStopToMarketWithoutPrice(t *testing.T) {
	req := buildOrderRequest("AAPL", brokerage.Sell, string(brokerage.Stop), 10, nil)
	require.Equal(t, brokerage.Market, req.Type)
	require.Nil(t, req.StopPrice)
}
