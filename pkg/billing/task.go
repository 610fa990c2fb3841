package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// BillingStatus tracks a task through the billing lifecycle:
// skipped is terminal; quoted settles or fails; frozen settles or
// rolls back.
type BillingStatus string

const (
	BillingSkipped    BillingStatus = "skipped"
	BillingQuoted     BillingStatus = "quoted"
	BillingFrozen     BillingStatus = "frozen"
	BillingSettled    BillingStatus = "settled"
	BillingRolledBack BillingStatus = "rolled_back"
	BillingFailed     BillingStatus = "failed"
)

// ParseBillingStatus validates a stored billing status.
func ParseBillingStatus(raw string) (BillingStatus, error) {
	switch BillingStatus(raw) {
	case BillingSkipped, BillingQuoted, BillingFrozen, BillingSettled, BillingRolledBack, BillingFailed:
		return BillingStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBillingStatus, raw)
}

// IsTerminalBillingStatus reports whether no further billing action applies.
func IsTerminalBillingStatus(status BillingStatus) bool {
	return status == BillingSkipped || status == BillingSettled ||
		status == BillingRolledBack || status == BillingFailed
}

// TaskRef identifies the task a billing call acts on.
type TaskRef struct {
	ID        string
	UserID    string
	ProjectID string
	EpisodeID string
}

// TaskBillingInfo joins a task's lifecycle with the ledger. It is
// owned by the task entity; the ledger only references it via FreezeID.
type TaskBillingInfo struct {
	Billable      bool            `json:"billable"`
	Source        string          `json:"source"`
	TaskType      TaskType        `json:"taskType"`
	APIType       string          `json:"apiType"`
	Model         string          `json:"model"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
	MaxFrozenCost decimal.Decimal `json:"maxFrozenCost"`
	ChargedCost   decimal.Decimal `json:"chargedCost"`
	Status        BillingStatus   `json:"status"`
	FreezeID      string          `json:"freezeId,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// BillingInfoFromQuote seeds the billing info attached to a newly
// created task from its quote.
func BillingInfoFromQuote(taskType TaskType, quote Quote) TaskBillingInfo {
	if quote == nil {
		return TaskBillingInfo{Billable: false, TaskType: taskType, Status: BillingSkipped}
	}
	return TaskBillingInfo{
		Billable:      true,
		Source:        "task",
		TaskType:      taskType,
		APIType:       quote.APIType(),
		Model:         quote.Model(),
		Quantity:      quote.Quantity(),
		Unit:          quote.Unit(),
		MaxFrozenCost: quote.MaxFrozenCost(),
		Status:        BillingQuoted,
		Metadata:      quote.Meta(),
	}
}

// NeedsRollback reports whether failing the task now would strand
// reserved funds.
func NeedsRollback(info TaskBillingInfo) bool {
	return info.Billable && info.Status == BillingFrozen
}

// UsageResult carries the measured usage of a finished task, in the
// quote's unit. Unmeasured usage settles at the quoted quantity.
type UsageResult struct {
	Quantity decimal.Decimal
	Measured bool
	Metadata map[string]any
}

// Orchestrator drives the per-task billing state machine around the
// ledger, choosing behavior per billing mode.
type Orchestrator struct {
	ledger      *Service
	pricer      Pricer
	resolveMode ModeResolver
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(ledger *Service, pricer Pricer, resolver ModeResolver) (*Orchestrator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: mode resolver is nil", ErrInvalidServiceConfig)
	}
	return &Orchestrator{ledger: ledger, pricer: pricer, resolveMode: resolver}, nil
}

// PrepareTaskBilling runs before the task is queued. In enforce mode it
// reserves the quoted maximum; a declined reservation surfaces as an
// InsufficientBalanceError and the task must not be queued.
func (orchestrator *Orchestrator) PrepareTaskBilling(ctx context.Context, task TaskRef, info TaskBillingInfo) (TaskBillingInfo, error) {
	if !info.Billable {
		info.Status = BillingSkipped
		return info, nil
	}
	switch orchestrator.resolveMode() {
	case ModeOff:
		info.Status = BillingSkipped
		return info, nil
	case ModeShadow:
		info.Status = BillingQuoted
		return info, nil
	}

	maxFrozen := NormalizeMoney(info.MaxFrozenCost)
	if !maxFrozen.IsPositive() {
		// Uncatalogued model: no estimate, nothing to reserve.
		info.Status = BillingQuoted
		return info, nil
	}
	if task.ID == "" {
		// The freeze key derives from the task id; an empty id would
		// collide every reservation onto one key.
		return info, WrapError("freeze", "idempotency_key", "invalid",
			fmt.Errorf("%w: empty task id", ErrInvalidIdempotencyKey))
	}
	userID, err := NewUserID(task.UserID)
	if err != nil {
		return info, err
	}
	freezeID, err := orchestrator.ledger.Freeze(ctx, userID, maxFrozen, FreezeOptions{
		Source:         "task",
		TaskID:         task.ID,
		IdempotencyKey: taskFreezeIdempotencyKey(task.ID),
		Metadata: map[string]any{
			"taskType": string(info.TaskType),
			"action":   string(info.TaskType),
			"model":    info.Model,
		},
	})
	if err != nil {
		return info, err
	}
	if freezeID == "" {
		info.Status = BillingFailed
		available := decimal.Zero
		if snapshot, balanceErr := orchestrator.ledger.GetBalance(ctx, userID); balanceErr == nil {
			available = snapshot.Balance
		}
		return info, &InsufficientBalanceError{Required: maxFrozen, Available: available}
	}
	info.Status = BillingFrozen
	info.FreezeID = freezeID
	return info, nil
}

// SettleTaskBilling runs after the work succeeded. The actual cost is
// recomputed from measured usage and clamped so a task is never charged
// more than was reserved.
func (orchestrator *Orchestrator) SettleTaskBilling(ctx context.Context, task TaskRef, info TaskBillingInfo, usage UsageResult) (TaskBillingInfo, error) {
	if !info.Billable || info.Status == BillingSkipped {
		return info, nil
	}
	if info.Status == BillingSettled {
		return info, nil
	}
	if info.Status != BillingQuoted && info.Status != BillingFrozen {
		return info, WrapError("settle", "billing", "not_open",
			fmt.Errorf("%w: %q", ErrInvalidBillingStatus, info.Status))
	}
	if info.Status == BillingFrozen && info.FreezeID == "" {
		return info, WrapError("settle", "billing", "missing_freeze",
			fmt.Errorf("%w: frozen status without a freeze id", ErrBillingInfoMissing))
	}

	quantity := info.Quantity
	if usage.Measured {
		quantity = usage.Quantity
	}
	metadata := mergeMetadata(info.Metadata, usage.Metadata)
	charged, err := orchestrator.actualCost(info, quantity, metadata)
	if err != nil {
		return info, err
	}
	userID, err := NewUserID(task.UserID)
	if err != nil {
		return info, err
	}

	if info.Status == BillingQuoted {
		if err := orchestrator.ledger.RecordShadowUsage(ctx, userID, ShadowUsageParams{
			ProjectID: task.ProjectID,
			EpisodeID: task.EpisodeID,
			TaskType:  string(info.TaskType),
			Action:    string(info.TaskType),
			APIType:   info.APIType,
			Model:     info.Model,
			Quantity:  quantity,
			Unit:      info.Unit,
			Cost:      charged,
			Metadata:  metadata,
		}); err != nil {
			return info, err
		}
		info.Status = BillingSettled
		info.ChargedCost = charged
		return info, nil
	}

	if err := orchestrator.ledger.ConfirmChargeWithRecord(ctx, info.FreezeID, RecordParams{
		ProjectID: task.ProjectID,
		EpisodeID: task.EpisodeID,
		TaskType:  string(info.TaskType),
		Action:    string(info.TaskType),
		APIType:   info.APIType,
		Model:     info.Model,
		Quantity:  quantity,
		Unit:      info.Unit,
		Metadata:  metadata,
	}, ConfirmOptions{ChargedAmount: &charged}); err != nil {
		return info, err
	}
	info.Status = BillingSettled
	info.ChargedCost = charged
	return info, nil
}

// RollbackTaskBilling runs when the work failed or was cancelled before
// settlement. Reserved funds return to the balance; nothing was ever
// reserved in off or shadow mode.
func (orchestrator *Orchestrator) RollbackTaskBilling(ctx context.Context, task TaskRef, info TaskBillingInfo) (TaskBillingInfo, error) {
	if !info.Billable || info.Status == BillingSkipped {
		return info, nil
	}
	if info.Status == BillingRolledBack {
		return info, nil
	}
	if info.FreezeID != "" {
		if err := orchestrator.ledger.RollbackFreeze(ctx, info.FreezeID); err != nil {
			return info, err
		}
	}
	info.Status = BillingRolledBack
	return info, nil
}

// actualCost reprices the finished task, falling back to the quoted
// maximum when the model is uncatalogued, and clamps to the reserved
// upper bound.
func (orchestrator *Orchestrator) actualCost(info TaskBillingInfo, quantity decimal.Decimal, metadata map[string]any) (decimal.Decimal, error) {
	maxFrozen := NormalizeMoney(info.MaxFrozenCost)
	if orchestrator.pricer == nil {
		return maxFrozen, nil
	}
	cost, err := orchestrator.pricer.QuoteCost(info.APIType, info.Model, quantity, info.Unit, metadata)
	if err != nil {
		if errors.Is(err, ErrUnknownModelPricing) {
			return maxFrozen, nil
		}
		return decimal.Zero, err
	}
	cost = NormalizeMoney(cost)
	if cost.GreaterThan(maxFrozen) {
		return maxFrozen, nil
	}
	if cost.IsNegative() {
		return decimal.Zero, nil
	}
	return cost, nil
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}

func taskFreezeIdempotencyKey(taskID string) string {
	return fmt.Sprintf("task:%s:freeze", taskID)
}
