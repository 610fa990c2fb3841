// Package reconcile repairs billing state that drifted from task state.
// Tasks finish on worker machines that can crash between the generation
// result and the billing settle, so a background sweep closes whatever
// the request path left open.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

const (
	defaultInterval   = 10 * time.Minute
	defaultStaleAfter = 30 * time.Minute
	defaultBatchSize  = 100
)

// TaskState is a finished task whose billing is still open.
type TaskState struct {
	Ref       billing.TaskRef
	Billing   billing.TaskBillingInfo
	Succeeded bool
	Usage     billing.UsageResult
}

// TaskSource exposes the task records the sweep reconciles against.
// The task runtime itself lives outside this module.
type TaskSource interface {
	// ListOpenBilling returns tasks whose run already reached a terminal
	// state but whose billing status is still quoted or frozen.
	ListOpenBilling(ctx context.Context, limit int) ([]TaskState, error)
	// TaskOpen reports whether the task still has a live run. Unknown
	// task ids report false.
	TaskOpen(ctx context.Context, taskID string) (bool, error)
	// SaveBilling persists repaired billing info back on the task.
	SaveBilling(ctx context.Context, taskID string, info billing.TaskBillingInfo) error
}

// Discrepancy is one user whose ledger row disagrees with the
// transaction log.
type Discrepancy struct {
	UserID   string
	Held     decimal.Decimal
	Recorded decimal.Decimal
}

// Report sums up one sweep.
type Report struct {
	SettledTasks    int
	RolledBackTasks int
	ReleasedFreezes int
	Discrepancies   []Discrepancy
	Errors          int
}

// Config tunes the sweep cadence.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

func (config Config) withDefaults() Config {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaultStaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return config
}

// Sweeper runs the three reconcile passes.
type Sweeper struct {
	store        billing.Store
	ledger       *billing.Service
	orchestrator *billing.Orchestrator
	tasks        TaskSource
	logger       *zap.Logger
	config       Config
	nowFn        func() time.Time
}

// NewSweeper wires a Sweeper. tasks may be nil, in which case the
// orphan-repair pass is skipped and stale freezes are released
// unconditionally.
func NewSweeper(store billing.Store, ledger *billing.Service, orchestrator *billing.Orchestrator, tasks TaskSource, logger *zap.Logger, config Config) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", billing.ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", billing.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:        store,
		ledger:       ledger,
		orchestrator: orchestrator,
		tasks:        tasks,
		logger:       logger,
		config:       config.withDefaults(),
		nowFn:        time.Now,
	}, nil
}

// Run executes sweeps on the configured interval until ctx is done.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := sweeper.RunOnce(ctx)
			if err != nil {
				sweeper.logger.Error("reconcile sweep failed", zap.Error(err))
				continue
			}
			sweeper.logger.Info("reconcile sweep finished",
				zap.Int("settledTasks", report.SettledTasks),
				zap.Int("rolledBackTasks", report.RolledBackTasks),
				zap.Int("releasedFreezes", report.ReleasedFreezes),
				zap.Int("discrepancies", len(report.Discrepancies)),
				zap.Int("errors", report.Errors))
		}
	}
}

// RunOnce executes the three passes and returns the sweep report. A
// failure on one row is counted and logged, never fatal for the sweep.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if err := sweeper.repairOrphanBilling(ctx, &report); err != nil {
		return report, err
	}
	if err := sweeper.releaseStaleFreezes(ctx, &report); err != nil {
		return report, err
	}
	if err := sweeper.auditConservation(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (sweeper *Sweeper) repairOrphanBilling(ctx context.Context, report *Report) error {
	if sweeper.tasks == nil || sweeper.orchestrator == nil {
		return nil
	}
	open, err := sweeper.tasks.ListOpenBilling(ctx, sweeper.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list open billing: %w", err)
	}
	for _, task := range open {
		repaired, err := sweeper.repairTask(ctx, task)
		if err != nil {
			report.Errors++
			sweeper.logger.Warn("orphan billing repair failed",
				zap.String("taskId", task.Ref.ID),
				zap.String("billingStatus", string(task.Billing.Status)),
				zap.Error(err))
			continue
		}
		if err := sweeper.tasks.SaveBilling(ctx, task.Ref.ID, repaired); err != nil {
			report.Errors++
			sweeper.logger.Warn("saving repaired billing failed",
				zap.String("taskId", task.Ref.ID), zap.Error(err))
			continue
		}
		if repaired.Status == billing.BillingSettled {
			report.SettledTasks++
		} else {
			report.RolledBackTasks++
		}
	}
	return nil
}

func (sweeper *Sweeper) repairTask(ctx context.Context, task TaskState) (billing.TaskBillingInfo, error) {
	if task.Succeeded {
		return sweeper.orchestrator.SettleTaskBilling(ctx, task.Ref, task.Billing, task.Usage)
	}
	return sweeper.orchestrator.RollbackTaskBilling(ctx, task.Ref, task.Billing)
}

func (sweeper *Sweeper) releaseStaleFreezes(ctx context.Context, report *Report) error {
	cutoff := sweeper.nowFn().Add(-sweeper.config.StaleAfter)
	stale, err := sweeper.store.ListStalePendingFreezes(ctx, cutoff, sweeper.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale freezes: %w", err)
	}
	for _, freeze := range stale {
		if sweeper.tasks != nil && freeze.TaskID != "" {
			stillOpen, err := sweeper.tasks.TaskOpen(ctx, freeze.TaskID)
			if err != nil {
				report.Errors++
				sweeper.logger.Warn("stale freeze task lookup failed",
					zap.String("freezeId", freeze.ID),
					zap.String("taskId", freeze.TaskID),
					zap.Error(err))
				continue
			}
			if stillOpen {
				continue
			}
		}
		err := sweeper.ledger.RollbackFreeze(ctx, freeze.ID)
		if err != nil {
			// Already resolved between the listing and the rollback.
			if errors.Is(err, billing.ErrFreezeNotPending) || errors.Is(err, billing.ErrFreezeAlreadyConfirmed) {
				continue
			}
			report.Errors++
			sweeper.logger.Warn("stale freeze rollback failed",
				zap.String("freezeId", freeze.ID), zap.Error(err))
			continue
		}
		report.ReleasedFreezes++
		sweeper.logger.Info("released stale pending freeze",
			zap.String("freezeId", freeze.ID),
			zap.String("userId", freeze.UserID),
			zap.String("amount", freeze.Amount.String()))
	}
	return nil
}

// auditConservation checks balance+frozen against the signed transaction
// net per user. Discrepancies are reported, never auto-corrected.
func (sweeper *Sweeper) auditConservation(ctx context.Context, report *Report) error {
	balances, err := sweeper.store.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	for _, snapshot := range balances {
		recorded, err := sweeper.store.SumTransactionNet(ctx, snapshot.UserID)
		if err != nil {
			report.Errors++
			sweeper.logger.Warn("transaction net sum failed",
				zap.String("userId", snapshot.UserID), zap.Error(err))
			continue
		}
		held := snapshot.Balance.Add(snapshot.FrozenAmount)
		if billing.MoneyEqual(held, recorded) {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			UserID:   snapshot.UserID,
			Held:     held,
			Recorded: recorded,
		})
		sweeper.logger.Warn("ledger conservation mismatch",
			zap.String("userId", snapshot.UserID),
			zap.String("held", held.String()),
			zap.String("recorded", recorded.String()))
	}
	return nil
}
