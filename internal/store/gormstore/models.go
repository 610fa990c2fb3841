package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance is the per-user ledger row. Mutations go through
// conditional UPDATEs, never read-modify-write.
type UserBalance struct {
	UserID       string          `gorm:"primaryKey"`
	Balance      decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	FrozenAmount decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	TotalSpent   decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// BalanceFreeze is one reservation against a balance.
type BalanceFreeze struct {
	ID             string          `gorm:"primaryKey"`
	UserID         string          `gorm:"not null;index:idx_freezes_user_created,priority:1"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Status         string          `gorm:"not null;index:idx_freezes_status_created,priority:1"`
	Source         string          `gorm:"not null"`
	TaskID         string          `gorm:""`
	RequestID      string          `gorm:""`
	IdempotencyKey *string         `gorm:"index:uniq_freeze_idem,unique"`
	Metadata       datatypes.JSON  `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_freezes_user_created,priority:2;index:idx_freezes_status_created,priority:2"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (BalanceFreeze) TableName() string { return "balance_freezes" }

func (freeze *BalanceFreeze) BeforeCreate(tx *gorm.DB) error {
	if freeze.ID == "" {
		freeze.ID = "freeze_" + uuid.NewString()
	}
	return nil
}

// BalanceTransaction is the append-only audit log. Amount is a signed
// delta against the balance.
type BalanceTransaction struct {
	ID              string          `gorm:"type:uuid;primaryKey"`
	UserID          string          `gorm:"not null;index:idx_transactions_user_created,priority:1;index:uniq_tx_user_type_idem,unique,priority:1"`
	Type            string          `gorm:"not null;index:uniq_tx_user_type_idem,unique,priority:2"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Description     string          `gorm:""`
	RelatedID       string          `gorm:""`
	FreezeID        string          `gorm:"index"`
	OperatorID      string          `gorm:""`
	ExternalOrderID string          `gorm:""`
	IdempotencyKey  *string         `gorm:"index:uniq_tx_user_type_idem,unique,priority:3"`
	ProjectID       string          `gorm:"index"`
	EpisodeID       string          `gorm:""`
	TaskType        string          `gorm:""`
	BillingMeta     datatypes.JSON  `gorm:""`
	CreatedAt       time.Time       `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (BalanceTransaction) TableName() string { return "balance_transactions" }

func (transaction *BalanceTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// UsageCost is one project-scoped billing detail row.
type UsageCost struct {
	ID        string          `gorm:"type:uuid;primaryKey"`
	ProjectID string          `gorm:"not null;index:idx_usage_project_created,priority:1"`
	UserID    string          `gorm:"not null;index:idx_usage_user_created,priority:1"`
	APIType   string          `gorm:"not null"`
	Model     string          `gorm:"not null"`
	Action    string          `gorm:"not null"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Unit      string          `gorm:"not null"`
	Cost      decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Metadata  datatypes.JSON  `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null;index:idx_usage_project_created,priority:2;index:idx_usage_user_created,priority:2"`
}

func (UsageCost) TableName() string { return "usage_costs" }

func (usage *UsageCost) BeforeCreate(tx *gorm.DB) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	return nil
}

// Project is the referenced project row; usage costs attach only to
// projects that exist.
type Project struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Project) TableName() string { return "projects" }
