package store

import "time"

// BreakerState mirrors retry.State as a persisted string so the store
// package does not need to import internal/retry for its schema.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
	DirectionBoth  TradeDirection = "both"
)

type AuditStatus string

const (
	StatusPending AuditStatus = "pending"
	StatusSuccess AuditStatus = "success"
	StatusFailed  AuditStatus = "failed"
	StatusPartial AuditStatus = "partial"
)

// MasterAccount stores encrypted master account credentials. Exactly one
// row has IsActive=true at any time; UpdateMaster enforces this by
// deactivating all existing rows before activating/inserting the new one.
type MasterAccount struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement"`
	AccountID           string    `gorm:"uniqueIndex;size:50;not null"`
	EncryptedAPIKey     string    `gorm:"type:text;not null"`
	EncryptedSecretKey  string    `gorm:"type:text;not null"`
	IsActive            bool      `gorm:"index;not null;default:true"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (MasterAccount) TableName() string { return "master_accounts" }

// ClientAccount stores encrypted client account credentials plus scaling
// configuration and circuit-breaker state.
type ClientAccount struct {
	AccountID          string    `gorm:"primaryKey;size:50"`
	EncryptedAPIKey    string    `gorm:"type:text;not null"`
	EncryptedSecretKey string    `gorm:"type:text;not null"`

	Email       *string `gorm:"size:255"`
	AccountName *string `gorm:"size:255"`

	IsActive         bool         `gorm:"index:idx_active_accounts,priority:1;not null;default:true"`
	BreakerState     BreakerState `gorm:"index:idx_active_accounts,priority:2;size:20;not null;default:closed"`
	FailureCount     int          `gorm:"not null;default:0"`
	LastFailureTime  *time.Time

	ScalingMethod     *string  `gorm:"size:50"`
	ScalingMultiplier *float64
	RiskMultiplier    float64        `gorm:"not null;default:1.0"`
	TradeDirection    TradeDirection `gorm:"size:20;not null;default:both"`

	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
	LastSuccessfulTrade *time.Time
}

func (ClientAccount) TableName() string { return "client_accounts" }

// TradeAuditLog is the compliance-grade audit trail: one row per
// (master_fill, client_account) attempt.
type TradeAuditLog struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	MasterOrderID   string  `gorm:"size:50;not null;index"`
	ClientAccountID string  `gorm:"size:50;not null;index"`
	ClientOrderID   *string `gorm:"size:50"`

	Symbol    string  `gorm:"size:20;not null;index"`
	Side      string  `gorm:"size:10;not null"`
	OrderType string  `gorm:"size:20;not null"`
	MasterQty float64 `gorm:"not null"`
	MasterPrice *float64

	ClientQty          *float64
	ClientFilledQty     *float64
	ClientAvgPrice      *float64
	ScalingMethodUsed   *string `gorm:"size:50"`

	Status       AuditStatus `gorm:"size:20;not null;index"`
	ErrorMessage *string     `gorm:"type:text"`
	RetryCount   int         `gorm:"not null;default:0"`

	ReplicationLatencyMs     *int
	OrderSubmissionLatencyMs *int

	MasterTradeTime         time.Time  `gorm:"not null"`
	ReplicationStartedAt    time.Time  `gorm:"not null"`
	ReplicationCompletedAt  *time.Time
}

func (TradeAuditLog) TableName() string { return "trade_audit_logs" }

// SystemMetric is an append-only time-series row.
type SystemMetric struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp   time.Time `gorm:"not null;index"`
	MetricName  string    `gorm:"size:100;not null;index"`
	MetricValue float64   `gorm:"not null"`
	Tags        *string   `gorm:"type:text"` // opaque JSON
}

func (SystemMetric) TableName() string { return "system_metrics" }

// DeduplicationEntry prevents duplicate trade processing across stream
// reconnects. Rows expire after 24h and are lazily garbage-collected on
// every CheckAndRecordEvent call.
type DeduplicationEntry struct {
	EventID     string    `gorm:"primaryKey;size:100"`
	EventType   string    `gorm:"size:50;not null"`
	ProcessedAt time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
	ContentHash string    `gorm:"size:64;not null;index"`
}

func (DeduplicationEntry) TableName() string { return "deduplication_cache" }
