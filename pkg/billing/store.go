package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CostAggregate is one bucket of a grouped usage-cost query.
type CostAggregate struct {
	Key   string
	Count int64
	Cost  decimal.Decimal
}

// Store is the persistence contract used by Service. Every mutation is
// a short row-atomic statement; ordering guarantees come from the
// conditional predicates, not from application locks. Implementations
// surface a unique-constraint hit on an idempotency key as
// ErrDuplicateIdempotencyKey so the losing writer can re-read.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateBalance(ctx context.Context, userID string) (BalanceSnapshot, error)
	// ReserveFunds decrements balance and increments frozenAmount only
	// if balance >= amount. False means insufficient funds.
	ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
	// AddFunds increments balance, creating the row if needed.
	AddFunds(ctx context.Context, userID string, amount decimal.Decimal) (BalanceSnapshot, error)
	// SettleFrozen moves charged from frozenAmount into totalSpent and
	// refunds the remainder of the reservation back into balance.
	SettleFrozen(ctx context.Context, userID string, reserved, charged, refund decimal.Decimal) (BalanceSnapshot, error)
	// ReturnFrozen moves a released reservation back into balance.
	ReturnFrozen(ctx context.Context, userID string, amount decimal.Decimal) error

	CreateFreeze(ctx context.Context, freeze FreezeRecord) error
	GetFreeze(ctx context.Context, freezeID string) (FreezeRecord, error)
	GetFreezeByIdempotencyKey(ctx context.Context, idempotencyKey string) (FreezeRecord, bool, error)
	// UpdateFreezeStatus flips status only when the current status
	// matches from. False means another caller resolved the freeze.
	UpdateFreezeStatus(ctx context.Context, freezeID string, from, to FreezeStatus) (bool, error)
	// ExpandFreeze grows a pending freeze's amount. False means the
	// freeze was no longer pending.
	ExpandFreeze(ctx context.Context, freezeID string, delta decimal.Decimal) (bool, error)

	InsertTransaction(ctx context.Context, transaction TransactionRecord) error
	HasTransactionWithIdempotencyKey(ctx context.Context, userID string, transactionType TransactionType, idempotencyKey string) (bool, error)
	InsertUsageCost(ctx context.Context, usage UsageCostRecord) error
	ProjectExists(ctx context.Context, projectID string) (bool, error)

	SumProjectCost(ctx context.Context, projectID string) (decimal.Decimal, error)
	GroupProjectCostByAPIType(ctx context.Context, projectID string) ([]CostAggregate, error)
	GroupProjectCostByAction(ctx context.Context, projectID string) ([]CostAggregate, error)
	ListProjectUsage(ctx context.Context, projectID string, limit int) ([]UsageCostRecord, error)
	SumUserCost(ctx context.Context, userID string) (decimal.Decimal, error)
	GroupUserCostByProject(ctx context.Context, userID string) ([]CostAggregate, error)
	ListUserUsage(ctx context.Context, userID string, offset, limit int) ([]UsageCostRecord, error)
	CountUserUsage(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]TransactionRecord, error)

	ListStalePendingFreezes(ctx context.Context, before time.Time, limit int) ([]FreezeRecord, error)
	ListBalances(ctx context.Context) ([]BalanceSnapshot, error)
	SumTransactionNet(ctx context.Context, userID string) (decimal.Decimal, error)
}
