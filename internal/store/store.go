// Package store is the Credential Store (§4.A): the only component that
// persists state. It owns encryption of credentials at rest, the audit
// log, the dedup cache, and system metrics, following the teacher's own
// gorm.Open + AutoMigrate bootstrap shape in internal/db/transaction_recorder.go,
// generalized from one MySQL-only table to three interchangeable dialects
// and five tables.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
)

const dedupTTL = 24 * time.Hour

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db     *gorm.DB
	cipher *cipher
}

// Open connects to databaseURL (sqlite://, mysql://, or postgres://),
// migrates the schema (idempotent — pre-existing tables are tolerated),
// and returns a ready Store. encryptionKey must already have been
// validated non-empty/non-placeholder by internal/config.
func Open(databaseURL, encryptionKey string) (*Store, error) {
	dialector, pooled, err := openDialector(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if pooled {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(
		&MasterAccount{},
		&ClientAccount{},
		&TradeAuditLog{},
		&SystemMetric{},
		&DeduplicationEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	c, err := newCipher(encryptionKey)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, cipher: c}, nil
}

// OpenWithDB wraps an already-open *gorm.DB (used by tests with sqlmock or
// an in-process sqlite instance).
func OpenWithDB(db *gorm.DB, encryptionKey string) (*Store, error) {
	if err := db.AutoMigrate(
		&MasterAccount{},
		&ClientAccount{},
		&TradeAuditLog{},
		&SystemMetric{},
		&DeduplicationEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	c, err := newCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, cipher: c}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// --- Client accounts -------------------------------------------------

type AddOrUpdateClientParams struct {
	AccountID         string
	APIKey            string
	SecretKey         string
	Email             *string
	AccountName       *string
	IsActive          *bool // nil = leave existing value / default true on insert
	RiskMultiplier    *float64
	TradeDirection    *TradeDirection
	ScalingMethod     *string
	ScalingMultiplier *float64
}

// AddOrUpdateClient upserts a client account by account_id, encrypting
// credentials before they touch the database.
func (s *Store) AddOrUpdateClient(ctx context.Context, p AddOrUpdateClientParams) (*ClientAccount, error) {
	encAPIKey, err := s.cipher.encrypt(p.APIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	encSecretKey, err := s.cipher.encrypt(p.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret key: %w", err)
	}

	now := time.Now().UTC()
	isActive := true
	if p.IsActive != nil {
		isActive = *p.IsActive
	}
	riskMultiplier := 1.0
	if p.RiskMultiplier != nil {
		riskMultiplier = *p.RiskMultiplier
	}
	tradeDirection := DirectionBoth
	if p.TradeDirection != nil {
		tradeDirection = *p.TradeDirection
	}

	var existing ClientAccount
	err = s.db.WithContext(ctx).Where("account_id = ?", p.AccountID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		account := ClientAccount{
			AccountID:          p.AccountID,
			EncryptedAPIKey:    encAPIKey,
			EncryptedSecretKey: encSecretKey,
			Email:              p.Email,
			AccountName:        p.AccountName,
			IsActive:           isActive,
			BreakerState:       BreakerClosed,
			RiskMultiplier:     riskMultiplier,
			TradeDirection:     tradeDirection,
			ScalingMethod:      p.ScalingMethod,
			ScalingMultiplier:  p.ScalingMultiplier,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return nil, fmt.Errorf("create client account: %w", err)
		}
		return &account, nil
	case err != nil:
		return nil, fmt.Errorf("look up client account: %w", err)
	}

	existing.EncryptedAPIKey = encAPIKey
	existing.EncryptedSecretKey = encSecretKey
	existing.Email = p.Email
	existing.AccountName = p.AccountName
	existing.IsActive = isActive
	existing.RiskMultiplier = riskMultiplier
	existing.TradeDirection = tradeDirection
	existing.ScalingMethod = p.ScalingMethod
	existing.ScalingMultiplier = p.ScalingMultiplier
	existing.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, fmt.Errorf("update client account: %w", err)
	}
	return &existing, nil
}

func (s *Store) GetClient(ctx context.Context, accountID string) (*ClientAccount, error) {
	var account ClientAccount
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client account: %w", err)
	}
	return &account, nil
}

// GetClientCredentials returns the decrypted credentials for an active
// client.
func (s *Store) GetClientCredentials(ctx context.Context, accountID string) (brokerage.Credentials, error) {
	account, err := s.GetClient(ctx, accountID)
	if err != nil {
		return brokerage.Credentials{}, err
	}
	if !account.IsActive {
		return brokerage.Credentials{}, fmt.Errorf("client account %s is not active", accountID)
	}
	return s.decryptCredentials(account.EncryptedAPIKey, account.EncryptedSecretKey)
}

func (s *Store) decryptCredentials(encAPIKey, encSecretKey string) (brokerage.Credentials, error) {
	apiKey, err := s.cipher.decrypt(encAPIKey)
	if err != nil {
		return brokerage.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secretKey, err := s.cipher.decrypt(encSecretKey)
	if err != nil {
		return brokerage.Credentials{}, fmt.Errorf("decrypt secret key: %w", err)
	}
	return brokerage.Credentials{APIKey: apiKey, SecretKey: secretKey}, nil
}

// EligibleClient is a client account paired with its decrypted
// credentials, the shape the dispatcher and executor actually need.
type EligibleClient struct {
	Account     ClientAccount
	Credentials brokerage.Credentials
}

// ListActiveEligibleClients returns clients with is_active=true and
// breaker_state=closed, decrypting credentials for each.
func (s *Store) ListActiveEligibleClients(ctx context.Context) ([]EligibleClient, error) {
	var accounts []ClientAccount
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND breaker_state = ?", true, BreakerClosed).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible clients: %w", err)
	}

	out := make([]EligibleClient, 0, len(accounts))
	for _, account := range accounts {
		creds, err := s.decryptCredentials(account.EncryptedAPIKey, account.EncryptedSecretKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for %s: %w", account.AccountID, err)
		}
		out = append(out, EligibleClient{Account: account, Credentials: creds})
	}
	return out, nil
}

// ListClients returns client accounts ordered by most-recently-created
// first, optionally restricted to active accounts only. Unlike
// ListActiveEligibleClients, it does not decrypt credentials or filter on
// circuit-breaker state, since it exists purely for operator inspection.
func (s *Store) ListClients(ctx context.Context, activeOnly bool) ([]ClientAccount, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var accounts []ClientAccount
	if err := q.Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return accounts, nil
}

// SetBreaker persists a circuit-breaker transition. incrementFailures uses
// an atomic SQL UPDATE (no read-modify-write race). Closing the breaker
// resets failure_count and last_failure_time.
func (s *Store) SetBreaker(ctx context.Context, accountID string, newState BreakerState, incrementFailures bool) error {
	updates := map[string]any{
		"breaker_state": newState,
		"updated_at":    time.Now().UTC(),
	}
	if newState == BreakerClosed {
		updates["failure_count"] = 0
		updates["last_failure_time"] = nil
	} else if incrementFailures {
		updates["last_failure_time"] = time.Now().UTC()
	}

	tx := s.db.WithContext(ctx).Model(&ClientAccount{}).Where("account_id = ?", accountID)
	if incrementFailures && newState != BreakerClosed {
		tx = tx.Update("failure_count", gorm.Expr("failure_count + 1"))
	}
	if err := tx.Updates(updates).Error; err != nil {
		return fmt.Errorf("set breaker state: %w", err)
	}
	return nil
}

func (s *Store) SoftDeactivate(ctx context.Context, accountID string) error {
	err := s.db.WithContext(ctx).Model(&ClientAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("deactivate client: %w", err)
	}
	return nil
}

func (s *Store) HardDelete(ctx context.Context, accountID string) error {
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&ClientAccount{}).Error; err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// --- Audit log ---------------------------------------------------------

type LogTradeAttemptParams struct {
	MasterOrderID   string
	ClientAccountID string
	Symbol          string
	Side            string
	OrderType       string
	MasterQty       float64
	MasterPrice     *float64
	ClientQty       *float64
	MasterTradeTime time.Time
}

// LogTradeAttempt inserts a pending audit row and returns its id.
func (s *Store) LogTradeAttempt(ctx context.Context, p LogTradeAttemptParams) (uint, error) {
	row := TradeAuditLog{
		MasterOrderID:        p.MasterOrderID,
		ClientAccountID:      p.ClientAccountID,
		Symbol:               p.Symbol,
		Side:                 p.Side,
		OrderType:            p.OrderType,
		MasterQty:            p.MasterQty,
		MasterPrice:          p.MasterPrice,
		ClientQty:            p.ClientQty,
		Status:               StatusPending,
		MasterTradeTime:      p.MasterTradeTime,
		ReplicationStartedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("log trade attempt: %w", err)
	}
	return row.ID, nil
}

type UpdateTradeResultParams struct {
	AuditID                  uint
	Status                   AuditStatus
	ClientOrderID            *string
	ClientFilledQty          *float64
	ClientAvgPrice           *float64
	ErrorMessage             *string
	RetryCount               int
	ReplicationLatencyMs     *int
	OrderSubmissionLatencyMs *int
}

func (s *Store) UpdateTradeResult(ctx context.Context, p UpdateTradeResultParams) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":                      p.Status,
		"client_order_id":             p.ClientOrderID,
		"client_filled_qty":           p.ClientFilledQty,
		"client_avg_price":            p.ClientAvgPrice,
		"error_message":               p.ErrorMessage,
		"retry_count":                 p.RetryCount,
		"replication_latency_ms":      p.ReplicationLatencyMs,
		"order_submission_latency_ms": p.OrderSubmissionLatencyMs,
		"replication_completed_at":    now,
	}
	err := s.db.WithContext(ctx).Model(&TradeAuditLog{}).Where("id = ?", p.AuditID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update trade result: %w", err)
	}
	return nil
}

// --- Dedup cache ---------------------------------------------------------

// ContentHash computes the SHA-256 hash over the event payload's keys
// sorted lexicographically, so semantically identical payloads with
// different field ordering hash identically.
func ContentHash(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(payload[k])
		sb.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// CheckAndRecordEvent is the idempotency boundary (§4.A, §8 invariant 1).
// It deletes expired entries, checks for a live match on event_id or
// content_hash, and inserts a fresh entry on miss — all inside one
// transaction so two concurrent calls for the same key cannot both
// observe a miss.
func (s *Store) CheckAndRecordEvent(ctx context.Context, eventID, eventType, contentHash string) (isDuplicate bool, err error) {
	now := time.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at < ?", now).Delete(&DeduplicationEntry{}).Error; err != nil {
			return fmt.Errorf("garbage-collect expired dedup entries: %w", err)
		}

		var count int64
		err := tx.Model(&DeduplicationEntry{}).
			Where("event_id = ? OR content_hash = ?", eventID, contentHash).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("check dedup entry: %w", err)
		}
		if count > 0 {
			isDuplicate = true
			return nil
		}

		entry := DeduplicationEntry{
			EventID:     eventID,
			EventType:   eventType,
			ProcessedAt: now,
			ExpiresAt:   now.Add(dedupTTL),
			ContentHash: contentHash,
		}
		if err := tx.Create(&entry).Error; err != nil {
			// A unique-constraint violation on event_id here means a
			// concurrent caller won the race; treat it as a duplicate
			// rather than propagating an error.
			isDuplicate = true
			return nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return isDuplicate, nil
}

// --- Master account ------------------------------------------------------

type Master struct {
	AccountID string
	APIKey    string
	SecretKey string
	UpdatedAt time.Time
}

// GetMaster returns the single active master's decrypted credentials.
func (s *Store) GetMaster(ctx context.Context) (*Master, error) {
	var account MasterAccount
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get master account: %w", err)
	}
	creds, err := s.decryptCredentials(account.EncryptedAPIKey, account.EncryptedSecretKey)
	if err != nil {
		return nil, err
	}
	return &Master{
		AccountID: account.AccountID,
		APIKey:    creds.APIKey,
		SecretKey: creds.SecretKey,
		UpdatedAt: account.UpdatedAt,
	}, nil
}

// GetMasterUpdatedAt is a lightweight poll target for the credential
// reload loop; it avoids decrypting credentials on every 60s tick.
func (s *Store) GetMasterUpdatedAt(ctx context.Context) (time.Time, error) {
	var account MasterAccount
	err := s.db.WithContext(ctx).Select("updated_at").Where("is_active = ?", true).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get master updated_at: %w", err)
	}
	return account.UpdatedAt, nil
}

// UpdateMaster enforces the "exactly one active master" invariant: it
// deactivates every existing active row, then activates-or-inserts the
// given account_id, inside one transaction.
func (s *Store) UpdateMaster(ctx context.Context, accountID, apiKey, secretKey string) error {
	encAPIKey, err := s.cipher.encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt master api key: %w", err)
	}
	encSecretKey, err := s.cipher.encrypt(secretKey)
	if err != nil {
		return fmt.Errorf("encrypt master secret key: %w", err)
	}
	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MasterAccount{}).
			Where("is_active = ?", true).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate existing masters: %w", err)
		}

		var existing MasterAccount
		err := tx.Where("account_id = ?", accountID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			account := MasterAccount{
				AccountID:          accountID,
				EncryptedAPIKey:    encAPIKey,
				EncryptedSecretKey: encSecretKey,
				IsActive:           true,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			return tx.Create(&account).Error
		case err != nil:
			return fmt.Errorf("look up master account: %w", err)
		default:
			existing.EncryptedAPIKey = encAPIKey
			existing.EncryptedSecretKey = encSecretKey
			existing.IsActive = true
			existing.UpdatedAt = now
			return tx.Save(&existing).Error
		}
	})
}

// --- Metrics --------------------------------------------------------------

func (s *Store) RecordMetric(ctx context.Context, name string, value float64, tagsJSON *string) error {
	metric := SystemMetric{
		Timestamp:   time.Now().UTC(),
		MetricName:  name,
		MetricValue: value,
		Tags:        tagsJSON,
	}
	if err := s.db.WithContext(ctx).Create(&metric).Error; err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}
