package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID                 string `gorm:"type:uuid;primaryKey"`
	UserID                    string `gorm:"not null;uniqueIndex:uniq_accounts_user_id"`
	Tier                      string `gorm:"not null"`
	Balance                   int64  `gorm:"not null"`
	MonthlyAllowanceRemaining int64  `gorm:"not null"`
	RolloverBalance           int64  `gorm:"not null"`
	LastResetAt               *time.Time
	LastEntryID               string    `gorm:"not null;default:''"`
	Archived                  bool      `gorm:"not null;default:false"`
	CreatedAt                 time.Time `gorm:"not null"`
	UpdatedAt                 time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table. Seq is the
// storage-assigned replay cursor; rows are never updated or deleted.
type LedgerEntry struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	EntryID   string `gorm:"type:uuid;not null;uniqueIndex:uniq_ledger_entry_id"`
	AccountID string `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Action    string `gorm:"not null"`
	Amount    int64  `gorm:"not null"`
	RequestID string `gorm:"not null;uniqueIndex:uniq_ledger_request_id"`
	Source    string `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Receipt mirrors the receipts table; the composite primary key is the
// platform's own dedup key.
type Receipt struct {
	Platform       string    `gorm:"primaryKey"`
	TransactionID  string    `gorm:"primaryKey"`
	ProductID      string    `gorm:"not null"`
	AccountID      string    `gorm:"type:uuid;not null;index:idx_receipts_account"`
	EntryID        string    `gorm:"type:uuid;not null"`
	CreditsGranted int64     `gorm:"not null"`
	VerifiedAt     time.Time `gorm:"not null"`
}

func (Receipt) TableName() string { return "receipts" }

// IdempotencyKey mirrors the idempotency_keys table.
type IdempotencyKey struct {
	RequestID string         `gorm:"primaryKey"`
	Snapshot  datatypes.JSON `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"not null;index:idx_idempotency_expires"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// ReconcileCheckpoint mirrors the reconcile_checkpoints table.
type ReconcileCheckpoint struct {
	AccountID  string    `gorm:"type:uuid;primaryKey"`
	LastSeq    int64     `gorm:"not null"`
	RunningSum int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ReconcileCheckpoint) TableName() string { return "reconcile_checkpoints" }
