package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table. Promo lots ride along as a JSON array
// so wallet and lots always change in one row write.
type Wallet struct {
	UserID       string         `gorm:"primaryKey"`
	PaidBalance  int64          `gorm:"not null"`
	PromoBalance int64          `gorm:"not null"`
	PromoLots    datatypes.JSON `gorm:"type:jsonb;not null"`
	RiskFlagged  bool           `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	UserID            string         `gorm:"not null;index:idx_ledger_user_created,priority:1;index:uniq_ledger_user_idem,unique,priority:1"`
	Kind              string         `gorm:"not null"`
	Status            string         `gorm:"not null;index"`
	Bucket            string         `gorm:"not null"`
	Amount            int64          `gorm:"not null"`
	Currency          string         `gorm:"not null"`
	Source            datatypes.JSON `gorm:"type:jsonb;not null"`
	IdempotencyKey    string         `gorm:"not null;index:uniq_ledger_user_idem,unique,priority:2"`
	BalanceAfterPaid  *int64         `gorm:""`
	BalanceAfterPromo *int64         `gorm:""`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
	CreatedBy         string         `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// RiskEvent mirrors the risk_events table.
type RiskEvent struct {
	RiskEventID   string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"not null;index:idx_risk_user_created,priority:1"`
	EventType     string     `gorm:"not null"`
	RiskScore     int        `gorm:"not null"`
	Decision      string     `gorm:"not null;index"`
	Amount        int64      `gorm:"not null"`
	Bucket        string     `gorm:"not null"`
	Kind          string     `gorm:"not null"`
	ExpiresAt     *time.Time `gorm:""`
	SourceEventID string     `gorm:"not null"`
	IPAddress     string     `gorm:"index"`
	Reason        string     `gorm:""`
	ResolvedAt    *time.Time `gorm:"index"`
	ResolvedBy    string     `gorm:""`
	CreatedAt     time.Time  `gorm:"not null;index:idx_risk_user_created,priority:2"`
}

func (RiskEvent) TableName() string { return "risk_events" }

func (event *RiskEvent) BeforeCreate(tx *gorm.DB) error {
	if event.RiskEventID == "" {
		event.RiskEventID = uuid.NewString()
	}
	return nil
}

// WebhookEvent mirrors the webhook_events table holding raw provider
// payloads for replay.
type WebhookEvent struct {
	EventID       string         `gorm:"primaryKey"`
	EventType     string         `gorm:"not null;index"`
	Body          datatypes.JSON `gorm:"type:jsonb;not null"`
	ProcessStatus string         `gorm:"not null"`
	ProcessError  string         `gorm:""`
	ReceivedAt    time.Time      `gorm:"not null;index"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// ReconciliationResult mirrors the reconciliation_results table.
type ReconciliationResult struct {
	ResultID      string    `gorm:"type:uuid;primaryKey"`
	RunID         string    `gorm:"not null;index"`
	UserID        string    `gorm:"not null;index"`
	ExpectedPaid  int64     `gorm:"not null"`
	ExpectedPromo int64     `gorm:"not null"`
	StoredPaid    int64     `gorm:"not null"`
	StoredPromo   int64     `gorm:"not null"`
	DeltaPaid     int64     `gorm:"not null"`
	DeltaPromo    int64     `gorm:"not null"`
	Adjusted      bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (ReconciliationResult) TableName() string { return "reconciliation_results" }

func (result *ReconciliationResult) BeforeCreate(tx *gorm.DB) error {
	if result.ResultID == "" {
		result.ResultID = uuid.NewString()
	}
	return nil
}
