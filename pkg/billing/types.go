package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a metadata map, treating nil as empty.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// FreezeStatus defines the reservation lifecycle.
type FreezeStatus string

const (
	FreezePending    FreezeStatus = "pending"
	FreezeConfirmed  FreezeStatus = "confirmed"
	FreezeRolledBack FreezeStatus = "rolled_back"
)

// ParseFreezeStatus validates a stored status value.
func ParseFreezeStatus(raw string) (FreezeStatus, error) {
	switch FreezeStatus(raw) {
	case FreezePending, FreezeConfirmed, FreezeRolledBack:
		return FreezeStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFreezeStatus, raw)
}

// String returns the stored representation.
func (status FreezeStatus) String() string {
	return string(status)
}

// TransactionType enumerates audit-log entry kinds.
type TransactionType string

const (
	TransactionConsume       TransactionType = "consume"
	TransactionShadowConsume TransactionType = "shadow_consume"
	TransactionRecharge      TransactionType = "recharge"
	TransactionAdjust        TransactionType = "adjust"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionConsume, TransactionShadowConsume, TransactionRecharge, TransactionAdjust:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// BalanceSnapshot is the per-user ledger row: available funds, funds
// reserved by pending freezes, and the lifetime charged amount.
type BalanceSnapshot struct {
	UserID       string
	Balance      decimal.Decimal
	FrozenAmount decimal.Decimal
	TotalSpent   decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FreezeRecord is one reservation attempt against a user's balance.
type FreezeRecord struct {
	ID             string
	UserID         string
	Amount         decimal.Decimal
	Status         FreezeStatus
	Source         string
	TaskID         string
	RequestID      string
	IdempotencyKey string
	Metadata       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransactionRecord is one append-only audit-log row. Amount is a
// signed delta: negative for consumption, positive for recharge.
type TransactionRecord struct {
	ID              string
	UserID          string
	Type            TransactionType
	Amount          decimal.Decimal
	BalanceAfter    decimal.Decimal
	Description     string
	RelatedID       string
	FreezeID        string
	OperatorID      string
	ExternalOrderID string
	IdempotencyKey  string
	ProjectID       string
	EpisodeID       string
	TaskType        string
	BillingMeta     string
	CreatedAt       time.Time
}

// UsageCostRecord is one project-scoped billing detail row.
type UsageCostRecord struct {
	ID        string
	ProjectID string
	UserID    string
	APIType   string
	Model     string
	Action    string
	Quantity  decimal.Decimal
	Unit      string
	Cost      decimal.Decimal
	Metadata  string
	CreatedAt time.Time
}

// FreezeOptions qualifies a freeze request.
type FreezeOptions struct {
	Source         string
	TaskID         string
	RequestID      string
	IdempotencyKey string
	Metadata       map[string]any
}

// RecordParams describes the consumption event attached to a settled charge.
type RecordParams struct {
	ProjectID string
	EpisodeID string
	TaskType  string
	Action    string
	APIType   string
	Model     string
	Quantity  decimal.Decimal
	Unit      string
	Metadata  map[string]any
}

// ConfirmOptions tunes a settle call. A nil ChargedAmount charges the
// full reserved amount.
type ConfirmOptions struct {
	ChargedAmount *decimal.Decimal
}

// AddBalanceOptions qualifies a recharge or adjustment.
type AddBalanceOptions struct {
	Reason          string
	OperatorID      string
	ExternalOrderID string
	IdempotencyKey  string
	Type            TransactionType
}

// ShadowUsageParams describes a cost observed in shadow mode: audited,
// never charged.
type ShadowUsageParams struct {
	ProjectID string
	EpisodeID string
	TaskType  string
	Action    string
	APIType   string
	Model     string
	Quantity  decimal.Decimal
	Unit      string
	Cost      decimal.Decimal
	Metadata  map[string]any
}
