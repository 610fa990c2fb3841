// Package gormstore persists the billing ledger with GORM. Balance
// mutations are single conditional UPDATE statements so concurrent
// writers serialize on row predicates instead of application locks.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectFreeze      = "freeze"
	errorSubjectTransaction = "transaction"
	errorSubjectUsage       = "usage"
	errorSubjectProject     = "project"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the billing tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserBalance{},
		&BalanceFreeze{},
		&BalanceTransaction{},
		&UsageCost{},
		&Project{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID string) (billing.BalanceSnapshot, error) {
	var row UserBalance
	err := store.db.WithContext(ctx).
		Where(UserBalance{UserID: userID}).
		Attrs(UserBalance{
			Balance:      decimal.Zero,
			FrozenAmount: decimal.Zero,
			TotalSpent:   decimal.Zero,
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return billing.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row), nil
}

// ReserveFunds is the guarded decrement: it succeeds only when the row
// still holds enough balance at execution time.
func (store *Store) ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]any{
			"balance":       gorm.Expr("balance - ?", amount),
			"frozen_amount": gorm.Expr("frozen_amount + ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) AddFunds(ctx context.Context, userID string, amount decimal.Decimal) (billing.BalanceSnapshot, error) {
	if _, err := store.GetOrCreateBalance(ctx, userID); err != nil {
		return billing.BalanceSnapshot{}, err
	}
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return billing.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return store.readBalance(ctx, userID)
}

func (store *Store) SettleFrozen(ctx context.Context, userID string, reserved, charged, refund decimal.Decimal) (billing.BalanceSnapshot, error) {
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"frozen_amount": gorm.Expr("frozen_amount - ?", reserved),
			"balance":       gorm.Expr("balance + ?", refund),
			"total_spent":   gorm.Expr("total_spent + ?", charged),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return billing.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return store.readBalance(ctx, userID)
}

func (store *Store) ReturnFrozen(ctx context.Context, userID string, amount decimal.Decimal) error {
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"frozen_amount": gorm.Expr("frozen_amount - ?", amount),
			"balance":       gorm.Expr("balance + ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) readBalance(ctx context.Context, userID string) (billing.BalanceSnapshot, error) {
	var row UserBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		return billing.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row), nil
}

func (store *Store) CreateFreeze(ctx context.Context, freeze billing.FreezeRecord) error {
	row := BalanceFreeze{
		ID:             freeze.ID,
		UserID:         freeze.UserID,
		Amount:         freeze.Amount,
		Status:         freeze.Status.String(),
		Source:         freeze.Source,
		TaskID:         freeze.TaskID,
		RequestID:      freeze.RequestID,
		IdempotencyKey: optionalString(freeze.IdempotencyKey),
		Metadata:       datatypesJSON(freeze.Metadata),
		CreatedAt:      freeze.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectFreeze, errorCodeDuplicate, billing.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetFreeze(ctx context.Context, freezeID string) (billing.FreezeRecord, error) {
	var row BalanceFreeze
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", freezeID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, billing.ErrUnknownFreeze)
		}
		return billing.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, err)
	}
	return mapFreeze(row)
}

func (store *Store) GetFreezeByIdempotencyKey(ctx context.Context, idempotencyKey string) (billing.FreezeRecord, bool, error) {
	var row BalanceFreeze
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.FreezeRecord{}, false, nil
		}
		return billing.FreezeRecord{}, false, wrapStoreError(errorSubjectFreeze, errorCodeGet, err)
	}
	freeze, mapErr := mapFreeze(row)
	if mapErr != nil {
		return billing.FreezeRecord{}, false, mapErr
	}
	return freeze, true, nil
}

// UpdateFreezeStatus flips the status only when the stored status still
// matches from; zero rows means another caller resolved the freeze.
func (store *Store) UpdateFreezeStatus(ctx context.Context, freezeID string, from, to billing.FreezeStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&BalanceFreeze{}).
		Where("id = ? AND status = ?", freezeID, from.String()).
		Updates(map[string]any{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectFreeze, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ExpandFreeze(ctx context.Context, freezeID string, delta decimal.Decimal) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&BalanceFreeze{}).
		Where("id = ? AND status = ?", freezeID, billing.FreezePending.String()).
		Updates(map[string]any{
			"amount":     gorm.Expr("amount + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectFreeze, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction billing.TransactionRecord) error {
	row := BalanceTransaction{
		ID:              transaction.ID,
		UserID:          transaction.UserID,
		Type:            transaction.Type.String(),
		Amount:          transaction.Amount,
		BalanceAfter:    transaction.BalanceAfter,
		Description:     transaction.Description,
		RelatedID:       transaction.RelatedID,
		FreezeID:        transaction.FreezeID,
		OperatorID:      transaction.OperatorID,
		ExternalOrderID: transaction.ExternalOrderID,
		IdempotencyKey:  optionalString(transaction.IdempotencyKey),
		ProjectID:       transaction.ProjectID,
		EpisodeID:       transaction.EpisodeID,
		TaskType:        transaction.TaskType,
		BillingMeta:     datatypesJSON(transaction.BillingMeta),
		CreatedAt:       transaction.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) HasTransactionWithIdempotencyKey(ctx context.Context, userID string, transactionType billing.TransactionType, idempotencyKey string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&BalanceTransaction{}).
		Where("user_id = ? AND type = ? AND idempotency_key = ?", userID, transactionType.String(), idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) InsertUsageCost(ctx context.Context, usage billing.UsageCostRecord) error {
	row := UsageCost{
		ID:        usage.ID,
		ProjectID: usage.ProjectID,
		UserID:    usage.UserID,
		APIType:   usage.APIType,
		Model:     usage.Model,
		Action:    usage.Action,
		Quantity:  usage.Quantity,
		Unit:      usage.Unit,
		Cost:      usage.Cost,
		Metadata:  datatypesJSON(usage.Metadata),
		CreatedAt: usage.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Project{}).
		Where("id = ?", projectID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectProject, errorCodeGet, err)
	}
	return count > 0, nil
}

type sqlCost struct {
	Total decimal.Decimal
}

func (store *Store) SumProjectCost(ctx context.Context, projectID string) (decimal.Decimal, error) {
	var sum sqlCost
	err := store.db.WithContext(ctx).
		Model(&UsageCost{}).
		Select("coalesce(sum(cost),0) as total").
		Where("project_id = ?", projectID).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) GroupProjectCostByAPIType(ctx context.Context, projectID string) ([]billing.CostAggregate, error) {
	return store.groupUsage(ctx, "api_type", "project_id = ?", projectID)
}

func (store *Store) GroupProjectCostByAction(ctx context.Context, projectID string) ([]billing.CostAggregate, error) {
	return store.groupUsage(ctx, "action", "project_id = ?", projectID)
}

func (store *Store) GroupUserCostByProject(ctx context.Context, userID string) ([]billing.CostAggregate, error) {
	return store.groupUsage(ctx, "project_id", "user_id = ?", userID)
}

func (store *Store) groupUsage(ctx context.Context, column, predicate string, argument any) ([]billing.CostAggregate, error) {
	var rows []billing.CostAggregate
	err := store.db.WithContext(ctx).
		Model(&UsageCost{}).
		Select(column + " as key, count(*) as count, coalesce(sum(cost),0) as cost").
		Where(predicate, argument).
		Group(column).
		Order(column).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return rows, nil
}

func (store *Store) ListProjectUsage(ctx context.Context, projectID string, limit int) ([]billing.UsageCostRecord, error) {
	var rows []UsageCost
	err := store.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	return mapUsageRows(rows), nil
}

func (store *Store) SumUserCost(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum sqlCost
	err := store.db.WithContext(ctx).
		Model(&UsageCost{}).
		Select("coalesce(sum(cost),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListUserUsage(ctx context.Context, userID string, offset, limit int) ([]billing.UsageCostRecord, error) {
	var rows []UsageCost
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	return mapUsageRows(rows), nil
}

func (store *Store) CountUserUsage(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&UsageCost{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return count, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.TransactionRecord, error) {
	var rows []BalanceTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	records := make([]billing.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) ListStalePendingFreezes(ctx context.Context, before time.Time, limit int) ([]billing.FreezeRecord, error) {
	var rows []BalanceFreeze
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", billing.FreezePending.String(), before).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectFreeze, errorCodeList, err)
	}
	records := make([]billing.FreezeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapFreeze(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) ListBalances(ctx context.Context) ([]billing.BalanceSnapshot, error) {
	var rows []UserBalance
	err := store.db.WithContext(ctx).
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	snapshots := make([]billing.BalanceSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, mapBalance(row))
	}
	return snapshots, nil
}

func (store *Store) SumTransactionNet(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum sqlCost
	err := store.db.WithContext(ctx).
		Model(&BalanceTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func mapBalance(row UserBalance) billing.BalanceSnapshot {
	return billing.BalanceSnapshot{
		UserID:       row.UserID,
		Balance:      row.Balance,
		FrozenAmount: row.FrozenAmount,
		TotalSpent:   row.TotalSpent,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func mapFreeze(row BalanceFreeze) (billing.FreezeRecord, error) {
	status, err := billing.ParseFreezeStatus(row.Status)
	if err != nil {
		return billing.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeInvalid, err)
	}
	return billing.FreezeRecord{
		ID:             row.ID,
		UserID:         row.UserID,
		Amount:         row.Amount,
		Status:         status,
		Source:         row.Source,
		TaskID:         row.TaskID,
		RequestID:      row.RequestID,
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		Metadata:       string(row.Metadata),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func mapTransaction(row BalanceTransaction) (billing.TransactionRecord, error) {
	transactionType, err := billing.ParseTransactionType(row.Type)
	if err != nil {
		return billing.TransactionRecord{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return billing.TransactionRecord{
		ID:              row.ID,
		UserID:          row.UserID,
		Type:            transactionType,
		Amount:          row.Amount,
		BalanceAfter:    row.BalanceAfter,
		Description:     row.Description,
		RelatedID:       row.RelatedID,
		FreezeID:        row.FreezeID,
		OperatorID:      row.OperatorID,
		ExternalOrderID: row.ExternalOrderID,
		IdempotencyKey:  stringOrEmpty(row.IdempotencyKey),
		ProjectID:       row.ProjectID,
		EpisodeID:       row.EpisodeID,
		TaskType:        row.TaskType,
		BillingMeta:     string(row.BillingMeta),
		CreatedAt:       row.CreatedAt,
	}, nil
}

func mapUsageRows(rows []UsageCost) []billing.UsageCostRecord {
	records := make([]billing.UsageCostRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, billing.UsageCostRecord{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			UserID:    row.UserID,
			APIType:   row.APIType,
			Model:     row.Model,
			Action:    row.Action,
			Quantity:  row.Quantity,
			Unit:      row.Unit,
			Cost:      row.Cost,
			Metadata:  string(row.Metadata),
			CreatedAt: row.CreatedAt,
		})
	}
	return records
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
