package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Billing that is not attached to a real project (shared asset hub,
// system jobs) keeps the transaction audit trail but no UsageCost row.
var virtualProjectIDs = map[string]struct{}{
	"asset-hub":        {},
	"global-asset-hub": {},
	"system":           {},
}

func isProjectScoped(projectID string) bool {
	if projectID == "" {
		return false
	}
	_, virtual := virtualProjectIDs[projectID]
	return !virtual
}

// BillingMetaParams feeds the serialized cost-detail summary attached
// to transactions and read back by the reporting UI.
type BillingMetaParams struct {
	Quantity decimal.Decimal
	Unit     string
	Model    string
	APIType  string
	Metadata map[string]any
}

// BuildBillingMeta serializes the display summary for one consumption
// event: quantity/unit/short model name plus capability fields pulled
// from the pricing selections.
func BuildBillingMeta(params BillingMetaParams) string {
	modelShort := params.Model
	if idx := strings.LastIndex(modelShort, "::"); idx >= 0 {
		modelShort = modelShort[idx+2:]
	}
	meta := map[string]any{
		"quantity": params.Quantity,
		"unit":     params.Unit,
		"model":    modelShort,
		"apiType":  params.APIType,
	}
	if selections, ok := params.Metadata["pricingSelections"].(map[string]any); ok {
		for _, key := range []string{"resolution", "duration", "generateAudio", "generationMode"} {
			if value, ok := selections[key]; ok {
				meta[key] = value
			}
		}
	}
	for _, key := range []string{"inputTokens", "outputTokens"} {
		if value, ok := params.Metadata[key]; ok {
			meta[key] = value
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type usageEvent struct {
	RecordParams
	UserID       string
	Cost         decimal.Decimal
	BalanceAfter decimal.Decimal
	FreezeID     string
}

// recordUsage writes the per-project UsageCost row (when the charge is
// project-scoped) and the consume transaction. Called inside the
// settle transaction.
func (service *Service) recordUsage(ctx context.Context, store Store, event usageEvent) error {
	scoped := isProjectScoped(event.ProjectID)
	if scoped {
		exists, err := store.ProjectExists(ctx, event.ProjectID)
		if err != nil {
			return err
		}
		if !exists {
			return WrapError(operationConfirm, "project", "not_found",
				fmt.Errorf("%w: %s", ErrInvalidProject, event.ProjectID))
		}
		metadata, err := MetadataFromMap(event.Metadata)
		if err != nil {
			return err
		}
		if err := store.InsertUsageCost(ctx, UsageCostRecord{
			ProjectID: event.ProjectID,
			UserID:    event.UserID,
			APIType:   event.APIType,
			Model:     event.Model,
			Action:    event.Action,
			Quantity:  event.Quantity,
			Unit:      event.Unit,
			Cost:      event.Cost,
			Metadata:  metadata.String(),
			CreatedAt: service.nowFn(),
		}); err != nil {
			return err
		}
	}

	description := fmt.Sprintf("%s - %s", event.Action, event.Model)
	projectID := event.ProjectID
	if !scoped {
		description += " (Asset Hub)"
		projectID = ""
	}
	taskType := event.TaskType
	if taskType == "" {
		taskType = event.Action
	}
	return store.InsertTransaction(ctx, TransactionRecord{
		UserID:       event.UserID,
		Type:         TransactionConsume,
		Amount:       event.Cost.Neg(),
		BalanceAfter: event.BalanceAfter,
		Description:  description,
		RelatedID:    event.FreezeID,
		FreezeID:     event.FreezeID,
		ProjectID:    projectID,
		EpisodeID:    event.EpisodeID,
		TaskType:     taskType,
		BillingMeta: BuildBillingMeta(BillingMetaParams{
			Quantity: event.Quantity,
			Unit:     event.Unit,
			Model:    event.Model,
			APIType:  event.APIType,
			Metadata: event.Metadata,
		}),
		CreatedAt: service.nowFn(),
	})
}

// ProjectCostDetails aggregates a project's billing history.
type ProjectCostDetails struct {
	Total         decimal.Decimal
	ByAPIType     []CostAggregate
	ByAction      []CostAggregate
	RecentRecords []UsageCostRecord
}

// UserCostSummary aggregates a user's billing across projects.
type UserCostSummary struct {
	Total     decimal.Decimal
	ByProject []CostAggregate
}

// UserCostPage is one page of a user's usage-cost history.
type UserCostPage struct {
	Records    []UsageCostRecord
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

const recentUsageLimit = 50

// ProjectTotalCost sums all usage costs recorded against a project.
func (service *Service) ProjectTotalCost(ctx context.Context, projectID string) (decimal.Decimal, error) {
	return service.store.SumProjectCost(ctx, projectID)
}

// GetProjectCostDetails returns a project's cost breakdown and recent records.
func (service *Service) GetProjectCostDetails(ctx context.Context, projectID string) (ProjectCostDetails, error) {
	total, err := service.store.SumProjectCost(ctx, projectID)
	if err != nil {
		return ProjectCostDetails{}, err
	}
	byAPIType, err := service.store.GroupProjectCostByAPIType(ctx, projectID)
	if err != nil {
		return ProjectCostDetails{}, err
	}
	byAction, err := service.store.GroupProjectCostByAction(ctx, projectID)
	if err != nil {
		return ProjectCostDetails{}, err
	}
	recent, err := service.store.ListProjectUsage(ctx, projectID, recentUsageLimit)
	if err != nil {
		return ProjectCostDetails{}, err
	}
	return ProjectCostDetails{
		Total:         total,
		ByAPIType:     byAPIType,
		ByAction:      byAction,
		RecentRecords: recent,
	}, nil
}

// GetUserCostSummary totals a user's spend and groups it by project.
func (service *Service) GetUserCostSummary(ctx context.Context, userID UserID) (UserCostSummary, error) {
	total, err := service.store.SumUserCost(ctx, userID.String())
	if err != nil {
		return UserCostSummary{}, err
	}
	byProject, err := service.store.GroupUserCostByProject(ctx, userID.String())
	if err != nil {
		return UserCostSummary{}, err
	}
	return UserCostSummary{Total: total, ByProject: byProject}, nil
}

// GetUserCostDetails pages through a user's usage-cost history.
func (service *Service) GetUserCostDetails(ctx context.Context, userID UserID, page, pageSize int) (UserCostPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	records, err := service.store.ListUserUsage(ctx, userID.String(), (page-1)*pageSize, pageSize)
	if err != nil {
		return UserCostPage{}, err
	}
	total, err := service.store.CountUserUsage(ctx, userID.String())
	if err != nil {
		return UserCostPage{}, err
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return UserCostPage{
		Records:    records,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// ListTransactions returns the user's most recent audit-trail rows.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]TransactionRecord, error) {
	if limit < 1 {
		limit = 20
	}
	return service.store.ListTransactions(ctx, userID.String(), limit)
}
