package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestAddBalanceCreditsAndAudits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-topup")

	err := service.AddBalance(context.Background(), userID, mustMoney(test, "50"), AddBalanceOptions{
		Reason:          "initial recharge",
		OperatorID:      "op-1",
		ExternalOrderID: "order-9",
	})
	if err != nil {
		test.Fatalf("add balance: %v", err)
	}

	snapshot := store.mustBalance(test, "user-topup")
	assertMoney(test, "balance", snapshot.Balance, "50")

	if len(store.txRows) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.txRows))
	}
	row := store.txRows[0]
	if row.Type != TransactionRecharge {
		test.Fatalf("expected recharge, got %s", row.Type)
	}
	assertMoney(test, "amount", row.Amount, "50")
	assertMoney(test, "balance after", row.BalanceAfter, "50")
	assertContains(test, "description", row.Description, "initial recharge")
	assertContains(test, "description", row.Description, "op-1")
	if row.ExternalOrderID != "order-9" {
		test.Fatalf("expected external order id, got %q", row.ExternalOrderID)
	}
}

func TestAddBalanceIdempotencyKeySkipsRepeat(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-repeat-topup")
	options := AddBalanceOptions{IdempotencyKey: "order-once"}

	for attempt := 0; attempt < 2; attempt++ {
		if err := service.AddBalance(context.Background(), userID, mustMoney(test, "50"), options); err != nil {
			test.Fatalf("add balance attempt %d: %v", attempt, err)
		}
	}

	snapshot := store.mustBalance(test, "user-repeat-topup")
	assertMoney(test, "balance", snapshot.Balance, "50")
	if len(store.txRows) != 1 {
		test.Fatalf("expected 1 transaction after repeat, got %d", len(store.txRows))
	}
}

func TestAddBalanceLostIdempotencyRaceAdoptsWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-racing-topup")

	// Another writer lands the same key between the pre-read and the
	// insert; the unique constraint fires and the loser must converge.
	store.insertTransactionHook = func(stub *stubStore, record TransactionRecord) error {
		stub.txRows = append(stub.txRows, TransactionRecord{
			ID:             "txn-winner",
			UserID:         record.UserID,
			Type:           record.Type,
			Amount:         record.Amount,
			IdempotencyKey: record.IdempotencyKey,
		})
		return WrapError("store", "transaction", "duplicate", ErrDuplicateIdempotencyKey)
	}

	err := service.AddBalance(context.Background(), userID, mustMoney(test, "50"), AddBalanceOptions{IdempotencyKey: "order-raced"})
	if err != nil {
		test.Fatalf("expected lost race to converge, got %v", err)
	}
	if len(store.txRows) != 1 {
		test.Fatalf("expected 1 transaction after race, got %d", len(store.txRows))
	}
	if store.txRows[0].ID != "txn-winner" {
		test.Fatalf("expected the winning transaction to stand, got %q", store.txRows[0].ID)
	}
}

func TestAddBalanceRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-bad-topup")

	for _, raw := range []string{"0", "-5"} {
		err := service.AddBalance(context.Background(), userID, mustMoney(test, raw), AddBalanceOptions{})
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %s: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestAddBalanceRejectsConsumeType(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-bad-type")

	err := service.AddBalance(context.Background(), userID, mustMoney(test, "5"), AddBalanceOptions{Type: TransactionConsume})
	if !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestAddBalanceAdjustType(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-adjust")

	err := service.AddBalance(context.Background(), userID, mustMoney(test, "5"), AddBalanceOptions{Type: TransactionAdjust, Reason: "support credit"})
	if err != nil {
		test.Fatalf("add balance: %v", err)
	}
	if store.txRows[0].Type != TransactionAdjust {
		test.Fatalf("expected adjust transaction, got %s", store.txRows[0].Type)
	}
}

func TestRecordShadowUsageWritesZeroAmountAudit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance("user-shadow", mustMoney(test, "10"))
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-shadow")

	err := service.RecordShadowUsage(context.Background(), userID, ShadowUsageParams{
		ProjectID: "project-1",
		Action:    "image_panel",
		APIType:   APITypeImage,
		Model:     "nano-banana",
		Quantity:  decimal.NewFromInt(2),
		Unit:      UnitImage,
		Cost:      mustMoney(test, "1.25"),
	})
	if err != nil {
		test.Fatalf("shadow usage: %v", err)
	}

	snapshot := store.mustBalance(test, "user-shadow")
	assertMoney(test, "balance", snapshot.Balance, "10")
	assertMoney(test, "spent", snapshot.TotalSpent, "0")

	if len(store.txRows) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.txRows))
	}
	row := store.txRows[0]
	if row.Type != TransactionShadowConsume {
		test.Fatalf("expected shadow consume, got %s", row.Type)
	}
	assertMoney(test, "amount", row.Amount, "0")
	assertContains(test, "description", row.Description, "[SHADOW] image_panel - nano-banana - 1.2500")
	if len(store.usageRows) != 0 {
		test.Fatalf("expected no usage cost rows in shadow mode, got %d", len(store.usageRows))
	}
}

func TestGetProjectCostDetailsAggregates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.usageRows = []UsageCostRecord{
		{ProjectID: "project-1", UserID: "user-1", APIType: APITypeImage, Action: "image_panel", Cost: mustMoney(test, "2")},
		{ProjectID: "project-1", UserID: "user-1", APIType: APITypeImage, Action: "panel_variant", Cost: mustMoney(test, "1")},
		{ProjectID: "project-1", UserID: "user-1", APIType: APITypeVideo, Action: "video_panel", Cost: mustMoney(test, "4")},
		{ProjectID: "project-2", UserID: "user-1", APIType: APITypeVideo, Action: "video_panel", Cost: mustMoney(test, "8")},
	}
	service := mustNewService(test, store)

	details, err := service.GetProjectCostDetails(context.Background(), "project-1")
	if err != nil {
		test.Fatalf("project cost details: %v", err)
	}
	assertMoney(test, "total", details.Total, "7")
	if len(details.ByAPIType) != 2 {
		test.Fatalf("expected 2 api-type buckets, got %d", len(details.ByAPIType))
	}
	if details.ByAPIType[0].Key != APITypeImage || details.ByAPIType[0].Count != 2 {
		test.Fatalf("unexpected image bucket: %+v", details.ByAPIType[0])
	}
	assertMoney(test, "image bucket", details.ByAPIType[0].Cost, "3")
	if len(details.ByAction) != 3 {
		test.Fatalf("expected 3 action buckets, got %d", len(details.ByAction))
	}
	if len(details.RecentRecords) != 3 {
		test.Fatalf("expected 3 recent records, got %d", len(details.RecentRecords))
	}
}

func TestGetUserCostSummaryGroupsByProject(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.usageRows = []UsageCostRecord{
		{ProjectID: "project-1", UserID: "user-1", Cost: mustMoney(test, "3")},
		{ProjectID: "project-2", UserID: "user-1", Cost: mustMoney(test, "5")},
		{ProjectID: "project-2", UserID: "user-2", Cost: mustMoney(test, "7")},
	}
	service := mustNewService(test, store)

	summary, err := service.GetUserCostSummary(context.Background(), mustUserID(test, "user-1"))
	if err != nil {
		test.Fatalf("user cost summary: %v", err)
	}
	assertMoney(test, "total", summary.Total, "8")
	if len(summary.ByProject) != 2 {
		test.Fatalf("expected 2 project buckets, got %d", len(summary.ByProject))
	}
}

func TestGetUserCostDetailsPaginates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.usageRows = []UsageCostRecord{
		{ID: "usage-1", UserID: "user-1", Cost: mustMoney(test, "1")},
		{ID: "usage-2", UserID: "user-1", Cost: mustMoney(test, "2")},
		{ID: "usage-3", UserID: "user-1", Cost: mustMoney(test, "3")},
	}
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	page, err := service.GetUserCostDetails(context.Background(), userID, 2, 2)
	if err != nil {
		test.Fatalf("user cost details: %v", err)
	}
	if page.Total != 3 || page.TotalPages != 2 {
		test.Fatalf("unexpected totals: %+v", page)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "usage-3" {
		test.Fatalf("unexpected page records: %+v", page.Records)
	}

	defaulted, err := service.GetUserCostDetails(context.Background(), userID, 0, 0)
	if err != nil {
		test.Fatalf("user cost details with defaults: %v", err)
	}
	if defaulted.Page != 1 || defaulted.PageSize != 20 {
		test.Fatalf("expected defaulted paging, got page=%d size=%d", defaulted.Page, defaulted.PageSize)
	}
}

func TestListTransactionsReturnsMostRecent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.txRows = []TransactionRecord{
		{ID: "txn-1", UserID: "user-1", Type: TransactionRecharge, Amount: mustMoney(test, "10")},
		{ID: "txn-2", UserID: "user-2", Type: TransactionRecharge, Amount: mustMoney(test, "10")},
		{ID: "txn-3", UserID: "user-1", Type: TransactionConsume, Amount: mustMoney(test, "-2")},
	}
	service := mustNewService(test, store)

	rows, err := service.ListTransactions(context.Background(), mustUserID(test, "user-1"), 1)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "txn-3" {
		test.Fatalf("unexpected rows: %+v", rows)
	}
}
