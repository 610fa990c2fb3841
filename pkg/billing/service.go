package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the user's ledger row, creating it lazily on first read.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (BalanceSnapshot, error) {
	return service.store.GetOrCreateBalance(ctx, userID.String())
}

// Freeze reserves amount against the user's balance and returns the
// freeze id. An empty id with a nil error means the reservation was
// declined: non-positive input or insufficient funds. Supplying the
// same idempotency key always resolves to the same freeze id.
func (service *Service) Freeze(ctx context.Context, userID UserID, amount decimal.Decimal, options FreezeOptions) (string, error) {
	normalized := NormalizeMoney(amount)
	if !normalized.IsPositive() {
		return "", nil
	}
	metadata, err := MetadataFromMap(options.Metadata)
	if err != nil {
		return "", WrapError(operationFreeze, "metadata", "invalid", err)
	}
	source := options.Source
	if source == "" {
		source = defaultFreezeSource
	}

	var freezeID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if options.IdempotencyKey != "" {
			existing, found, err := transactionStore.GetFreezeByIdempotencyKey(ctx, options.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				freezeID = existing.ID
				return nil
			}
		}
		if _, err := transactionStore.GetOrCreateBalance(ctx, userID.String()); err != nil {
			return err
		}
		reserved, err := transactionStore.ReserveFunds(ctx, userID.String(), normalized)
		if err != nil {
			return err
		}
		if !reserved {
			return nil
		}
		record := FreezeRecord{
			ID:             newFreezeID(),
			UserID:         userID.String(),
			Amount:         normalized,
			Status:         FreezePending,
			Source:         source,
			TaskID:         options.TaskID,
			RequestID:      options.RequestID,
			IdempotencyKey: options.IdempotencyKey,
			Metadata:       metadata.String(),
			CreatedAt:      service.nowFn(),
		}
		if err := transactionStore.CreateFreeze(ctx, record); err != nil {
			return err
		}
		freezeID = record.ID
		return nil
	})
	if operationError != nil && options.IdempotencyKey != "" && errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost the unique-constraint race: adopt the winning row.
		existing, found, readErr := service.store.GetFreezeByIdempotencyKey(ctx, options.IdempotencyKey)
		if readErr == nil && found {
			freezeID = existing.ID
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationFreeze,
		UserID:         userID.String(),
		FreezeID:       freezeID,
		Amount:         normalized.String(),
		IdempotencyKey: options.IdempotencyKey,
		Error:          operationError,
	})
	return freezeID, operationError
}

// IncreasePendingFreezeAmount expands an existing pending reservation.
// Returns false with a nil error when the user lacks funds for the
// delta; a negative delta or a resolved freeze is a typed error.
func (service *Service) IncreasePendingFreezeAmount(ctx context.Context, freezeID string, delta decimal.Decimal) (bool, error) {
	if freezeID == "" {
		return false, WrapError(operationExpandFreeze, "freeze_id", "empty", ErrInvalidFreezeID)
	}
	normalizedDelta := NormalizeMoney(delta)
	if normalizedDelta.IsNegative() {
		return false, WrapError(operationExpandFreeze, "delta", "negative", ErrInvalidDelta)
	}
	if normalizedDelta.IsZero() {
		return true, nil
	}

	expanded := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		freeze, err := transactionStore.GetFreeze(ctx, freezeID)
		if err != nil {
			return err
		}
		if freeze.Status == FreezeConfirmed {
			expanded = true
			return nil
		}
		if freeze.Status != FreezePending {
			return WrapError(operationExpandFreeze, "freeze", "not_pending", ErrFreezeNotPending)
		}
		reserved, err := transactionStore.ReserveFunds(ctx, freeze.UserID, normalizedDelta)
		if err != nil {
			return err
		}
		if !reserved {
			return nil
		}
		grown, err := transactionStore.ExpandFreeze(ctx, freezeID, normalizedDelta)
		if err != nil {
			return err
		}
		if !grown {
			return WrapError(operationExpandFreeze, "freeze", "not_pending", ErrFreezeNotPending)
		}
		expanded = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpandFreeze,
		FreezeID:  freezeID,
		Amount:    normalizedDelta.String(),
		Error:     operationError,
	})
	return expanded, operationError
}

// ConfirmChargeWithRecord converts a pending freeze into a final
// charge, refunding the unused remainder and writing the audit trail.
// Re-confirming an already confirmed freeze is a no-op; confirming a
// rolled-back freeze is an invariant violation.
func (service *Service) ConfirmChargeWithRecord(ctx context.Context, freezeID string, record RecordParams, options ConfirmOptions) error {
	if freezeID == "" {
		return WrapError(operationConfirm, "freeze_id", "empty", ErrInvalidFreezeID)
	}
	var loggedUserID string
	var loggedAmount decimal.Decimal
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		freeze, err := transactionStore.GetFreeze(ctx, freezeID)
		if err != nil {
			return err
		}
		loggedUserID = freeze.UserID
		reserved := NormalizeMoney(freeze.Amount)

		if freeze.Status == FreezeConfirmed {
			return nil
		}
		if freeze.Status != FreezePending {
			return WrapError(operationConfirm, "freeze", "not_pending", ErrFreezeNotPending)
		}

		charged := reserved
		if options.ChargedAmount != nil {
			charged = NormalizeMoney(*options.ChargedAmount)
		}
		if charged.IsNegative() || MoneyExceeds(charged, reserved) {
			return WrapError(operationConfirm, "amount", "out_of_range",
				fmt.Errorf("%w: charged %s, reserved %s", ErrInvalidChargedAmount, charged.String(), reserved.String()))
		}
		loggedAmount = charged

		refund := NormalizeMoney(reserved.Sub(charged))
		if refund.IsNegative() {
			refund = decimal.Zero
		}

		switched, err := transactionStore.UpdateFreezeStatus(ctx, freezeID, FreezePending, FreezeConfirmed)
		if err != nil {
			return err
		}
		if !switched {
			latest, err := transactionStore.GetFreeze(ctx, freezeID)
			if err != nil {
				return err
			}
			if latest.Status == FreezeConfirmed {
				return nil
			}
			return WrapError(operationConfirm, "freeze", "not_pending", ErrFreezeNotPending)
		}

		snapshot, err := transactionStore.SettleFrozen(ctx, freeze.UserID, reserved, charged, refund)
		if err != nil {
			return err
		}

		if charged.IsPositive() {
			return service.recordUsage(ctx, transactionStore, usageEvent{
				RecordParams: record,
				UserID:       freeze.UserID,
				Cost:         charged,
				BalanceAfter: snapshot.Balance,
				FreezeID:     freeze.ID,
			})
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirm,
		UserID:    loggedUserID,
		FreezeID:  freezeID,
		Amount:    loggedAmount.String(),
		Error:     operationError,
	})
	return operationError
}

// RollbackFreeze releases a pending reservation back into balance.
// Rolling back an already rolled-back freeze is a no-op; a confirmed
// charge cannot be rolled back.
func (service *Service) RollbackFreeze(ctx context.Context, freezeID string) error {
	if freezeID == "" {
		return WrapError(operationRollback, "freeze_id", "empty", ErrInvalidFreezeID)
	}
	var loggedUserID string
	var loggedAmount decimal.Decimal
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		freeze, err := transactionStore.GetFreeze(ctx, freezeID)
		if err != nil {
			return err
		}
		loggedUserID = freeze.UserID
		reserved := NormalizeMoney(freeze.Amount)
		loggedAmount = reserved

		if freeze.Status == FreezeRolledBack {
			return nil
		}
		if freeze.Status == FreezeConfirmed {
			return WrapError(operationRollback, "freeze", "already_confirmed", ErrFreezeAlreadyConfirmed)
		}
		if freeze.Status != FreezePending {
			return WrapError(operationRollback, "freeze", "not_pending", ErrFreezeNotPending)
		}

		switched, err := transactionStore.UpdateFreezeStatus(ctx, freezeID, FreezePending, FreezeRolledBack)
		if err != nil {
			return err
		}
		if !switched {
			latest, err := transactionStore.GetFreeze(ctx, freezeID)
			if err != nil {
				return err
			}
			if latest.Status == FreezeRolledBack {
				return nil
			}
			if latest.Status == FreezeConfirmed {
				return WrapError(operationRollback, "freeze", "already_confirmed", ErrFreezeAlreadyConfirmed)
			}
			return WrapError(operationRollback, "freeze", "not_pending", ErrFreezeNotPending)
		}

		return transactionStore.ReturnFrozen(ctx, freeze.UserID, reserved)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRollback,
		UserID:    loggedUserID,
		FreezeID:  freezeID,
		Amount:    loggedAmount.String(),
		Error:     operationError,
	})
	return operationError
}

// AddBalance credits the user's balance (recharge or adjustment) and
// writes one audit transaction. Repeats with the same idempotency key
// converge without duplicating rows.
func (service *Service) AddBalance(ctx context.Context, userID UserID, amount decimal.Decimal, options AddBalanceOptions) error {
	normalized := NormalizeMoney(amount)
	if !normalized.IsPositive() {
		return WrapError(operationAddBalance, "amount", "non_positive",
			fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, normalized.String()))
	}
	transactionType := options.Type
	if transactionType == "" {
		transactionType = TransactionRecharge
	}
	if transactionType != TransactionRecharge && transactionType != TransactionAdjust {
		return WrapError(operationAddBalance, "type", "invalid",
			fmt.Errorf("%w: %q", ErrInvalidTransactionType, transactionType))
	}

	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if options.IdempotencyKey != "" {
			exists, err := transactionStore.HasTransactionWithIdempotencyKey(ctx, userID.String(), transactionType, options.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		snapshot, err := transactionStore.AddFunds(ctx, userID.String(), normalized)
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, TransactionRecord{
			UserID:          userID.String(),
			Type:            transactionType,
			Amount:          normalized,
			BalanceAfter:    snapshot.Balance,
			Description:     addBalanceDescription(options),
			RelatedID:       options.ExternalOrderID,
			OperatorID:      options.OperatorID,
			ExternalOrderID: options.ExternalOrderID,
			IdempotencyKey:  options.IdempotencyKey,
			CreatedAt:       service.nowFn(),
		})
	})
	if operationError != nil && options.IdempotencyKey != "" && errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost the unique-constraint race: the winner already credited.
		exists, readErr := service.store.HasTransactionWithIdempotencyKey(ctx, userID.String(), transactionType, options.IdempotencyKey)
		if readErr == nil && exists {
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationAddBalance,
		UserID:         userID.String(),
		Amount:         normalized.String(),
		IdempotencyKey: options.IdempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// RecordShadowUsage audits a cost without any monetary effect. Used by
// shadow mode so cost visibility exists before enforcement is on.
func (service *Service) RecordShadowUsage(ctx context.Context, userID UserID, params ShadowUsageParams) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		snapshot, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		taskType := params.TaskType
		if taskType == "" {
			taskType = params.Action
		}
		return transactionStore.InsertTransaction(ctx, TransactionRecord{
			UserID:       userID.String(),
			Type:         TransactionShadowConsume,
			Amount:       decimal.Zero,
			BalanceAfter: snapshot.Balance,
			Description:  fmt.Sprintf("[SHADOW] %s - %s - %s", params.Action, params.Model, params.Cost.StringFixed(4)),
			ProjectID:    params.ProjectID,
			EpisodeID:    params.EpisodeID,
			TaskType:     taskType,
			BillingMeta: BuildBillingMeta(BillingMetaParams{
				Quantity: params.Quantity,
				Unit:     params.Unit,
				Model:    params.Model,
				APIType:  params.APIType,
				Metadata: params.Metadata,
			}),
			CreatedAt: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationShadowUsage,
		UserID:    userID.String(),
		Amount:    params.Cost.String(),
		Error:     operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func addBalanceDescription(options AddBalanceOptions) string {
	reason := options.Reason
	if reason == "" {
		reason = "balance recharge"
	}
	audit, err := json.Marshal(map[string]string{
		"reason":          options.Reason,
		"operatorId":      options.OperatorID,
		"externalOrderId": options.ExternalOrderID,
		"idempotencyKey":  options.IdempotencyKey,
	})
	if err != nil {
		return reason
	}
	return fmt.Sprintf("%s | audit=%s", reason, audit)
}

func newFreezeID() string {
	return freezeIDPrefix + uuid.NewString()
}
