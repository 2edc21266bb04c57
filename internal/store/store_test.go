package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	s, err := OpenWithDB(db, "test-encryption-key-not-a-placeholder")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddOrUpdateClientRoundTripsEncryption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	account, err := s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "client-1",
		APIKey:    "key-123",
		SecretKey: "secret-456",
	})
	require.NoError(t, err)
	require.NotEqual(t, "key-123", account.EncryptedAPIKey)
	require.NotEqual(t, "secret-456", account.EncryptedSecretKey)

	creds, err := s.GetClientCredentials(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, "key-123", creds.APIKey)
	require.Equal(t, "secret-456", creds.SecretKey)
}

func TestAddOrUpdateClientUpsertsByAccountID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "client-2", APIKey: "k1", SecretKey: "s1",
	})
	require.NoError(t, err)

	_, err = s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "client-2", APIKey: "k2", SecretKey: "s2",
	})
	require.NoError(t, err)

	creds, err := s.GetClientCredentials(ctx, "client-2")
	require.NoError(t, err)
	require.Equal(t, "k2", creds.APIKey)
}

func TestListActiveEligibleClientsFiltersInactiveAndOpenBreaker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inactive := false
	_, err := s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "inactive-client", APIKey: "k", SecretKey: "s", IsActive: &inactive,
	})
	require.NoError(t, err)

	_, err = s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "eligible-client", APIKey: "k", SecretKey: "s",
	})
	require.NoError(t, err)

	_, err = s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "tripped-client", APIKey: "k", SecretKey: "s",
	})
	require.NoError(t, err)
	require.NoError(t, s.SetBreaker(ctx, "tripped-client", BreakerOpen, true))

	clients, err := s.ListActiveEligibleClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "eligible-client", clients[0].Account.AccountID)
}

func TestSetBreakerIncrementsFailureCountAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddOrUpdateClient(ctx, AddOrUpdateClientParams{
		AccountID: "flaky-client", APIKey: "k", SecretKey: "s",
	})
	require.NoError(t, err)

	require.NoError(t, s.SetBreaker(ctx, "flaky-client", BreakerClosed, true))
	require.NoError(t, s.SetBreaker(ctx, "flaky-client", BreakerClosed, true))
	require.NoError(t, s.SetBreaker(ctx, "flaky-client", BreakerOpen, true))

	account, err := s.GetClient(ctx, "flaky-client")
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, account.BreakerState)
	require.Equal(t, 1, account.FailureCount)

	require.NoError(t, s.SetBreaker(ctx, "flaky-client", BreakerClosed, false))
	account, err = s.GetClient(ctx, "flaky-client")
	require.NoError(t, err)
	require.Equal(t, 0, account.FailureCount)
	require.Nil(t, account.LastFailureTime)
}

func TestCheckAndRecordEventDetectsDuplicateByEventIDAndContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := ContentHash(map[string]string{"symbol": "AAPL", "qty": "10"})
	isDup, err := s.CheckAndRecordEvent(ctx, "evt-1", "fill", hash)
	require.NoError(t, err)
	require.False(t, isDup)

	isDup, err = s.CheckAndRecordEvent(ctx, "evt-1", "fill", hash)
	require.NoError(t, err)
	require.True(t, isDup, "same event_id must be detected as duplicate")

	isDup, err = s.CheckAndRecordEvent(ctx, "evt-2", "fill", hash)
	require.NoError(t, err)
	require.True(t, isDup, "same content_hash with a different event_id must still be detected as duplicate")

	otherHash := ContentHash(map[string]string{"symbol": "MSFT", "qty": "5"})
	isDup, err = s.CheckAndRecordEvent(ctx, "evt-3", "fill", otherHash)
	require.NoError(t, err)
	require.False(t, isDup)
}

func TestCheckAndRecordEventGarbageCollectsExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := DeduplicationEntry{
		EventID:     "old-evt",
		EventType:   "fill",
		ProcessedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(-24 * time.Hour),
		ContentHash: "deadbeef",
	}
	require.NoError(t, s.db.Create(&expired).Error)

	var countBefore int64
	require.NoError(t, s.db.Model(&DeduplicationEntry{}).Count(&countBefore).Error)
	require.Equal(t, int64(1), countBefore)

	_, err := s.CheckAndRecordEvent(ctx, "new-evt", "fill", "freshhash")
	require.NoError(t, err)

	var stale DeduplicationEntry
	err = s.db.Where("event_id = ?", "old-evt").First(&stale).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestUpdateMasterEnforcesExactlyOneActiveMaster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMaster(ctx, "master-1", "k1", "s1"))
	require.NoError(t, s.UpdateMaster(ctx, "master-2", "k2", "s2"))

	master, err := s.GetMaster(ctx)
	require.NoError(t, err)
	require.Equal(t, "master-2", master.AccountID)
	require.Equal(t, "k2", master.APIKey)

	var activeCount int64
	require.NoError(t, s.db.Model(&MasterAccount{}).Where("is_active = ?", true).Count(&activeCount).Error)
	require.Equal(t, int64(1), activeCount)
}

func TestLogTradeAttemptAndUpdateTradeResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	price := 150.25
	auditID, err := s.LogTradeAttempt(ctx, LogTradeAttemptParams{
		MasterOrderID:   "order-1",
		ClientAccountID: "client-1",
		Symbol:          "AAPL",
		Side:            "buy",
		OrderType:       "market",
		MasterQty:       100,
		MasterPrice:     &price,
		MasterTradeTime: time.Now(),
	})
	require.NoError(t, err)
	require.NotZero(t, auditID)

	latencyMs := 245
	clientOrderID := "client-order-1"
	err = s.UpdateTradeResult(ctx, UpdateTradeResultParams{
		AuditID:              auditID,
		Status:               StatusSuccess,
		ClientOrderID:        &clientOrderID,
		ReplicationLatencyMs: &latencyMs,
	})
	require.NoError(t, err)

	var row TradeAuditLog
	require.NoError(t, s.db.First(&row, auditID).Error)
	require.Equal(t, StatusSuccess, row.Status)
	require.NotNil(t, row.ReplicationCompletedAt)
}
