package billingapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MR-liu/waoowaoo-sub003/internal/billingapi"
	"github.com/MR-liu/waoowaoo-sub003/internal/store/gormstore"
	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

const (
	signingKey = "test-signing-key"
	authIssuer = "billingd"
)

type harness struct {
	store  *gormstore.Store
	ledger *billing.Service
	server *httptest.Server
	client *http.Client
}

func newHarness(test *testing.T) harness {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "billing.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(database)
	ledger, err := billing.NewService(store, time.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	server, err := billingapi.NewServer(billingapi.Config{
		AuthSigningKey: signingKey,
		AuthIssuer:     authIssuer,
	}, ledger, zap.NewNop())
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	testServer := httptest.NewServer(server.Router())
	test.Cleanup(testServer.Close)
	return harness{
		store:  store,
		ledger: ledger,
		server: testServer,
		client: testServer.Client(),
	}
}

func mustToken(test *testing.T, subject string, roles []string) string {
	test.Helper()
	claims := billingapi.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    authIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(test *testing.T, harness harness, method, path, token string, body any) (*http.Response, map[string]any) {
	test.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	request, err := http.NewRequest(method, harness.server.URL+path, payload)
	if err != nil {
		test.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := harness.client.Do(request)
	if err != nil {
		test.Fatalf("request %s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	return response, decoded
}

func balanceField(test *testing.T, body map[string]any, field string) string {
	test.Helper()
	balance, ok := body["balance"].(map[string]any)
	if !ok {
		test.Fatalf("missing balance object in %v", body)
	}
	value, ok := balance[field].(string)
	if !ok {
		test.Fatalf("missing %s in %v", field, balance)
	}
	return value
}

func TestHealthNeedsNoAuth(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	response, body := doRequest(test, harness, http.MethodGet, "/healthz", "", nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if body["status"] != "ok" {
		test.Fatalf("unexpected body: %v", body)
	}
}

func TestBalanceRejectsMissingToken(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	response, _ := doRequest(test, harness, http.MethodGet, "/api/billing/balance", "", nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestBalanceRejectsWrongSigningKey(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    authIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-key"))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	response, _ := doRequest(test, harness, http.MethodGet, "/api/billing/balance", forged, nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestBalanceRejectsBlankSubject(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	response, _ := doRequest(test, harness, http.MethodGet, "/api/billing/balance", mustToken(test, "   ", nil), nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestBalanceReturnsSubjectLedgerRow(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	response, body := doRequest(test, harness, http.MethodGet, "/api/billing/balance", mustToken(test, "user-1", nil), nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if got := balanceField(test, body, "balance"); got != "0" {
		test.Fatalf("expected zero balance, got %s", got)
	}
}

func TestRechargeRequiresOperatorRole(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	payload := map[string]any{"user_id": "user-1", "amount": "50"}
	response, _ := doRequest(test, harness, http.MethodPost, "/api/billing/recharge", mustToken(test, "user-1", nil), payload)
	if response.StatusCode != http.StatusForbidden {
		test.Fatalf("expected 403, got %d", response.StatusCode)
	}
}

func TestRechargeCreditsTargetUser(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	payload := map[string]any{
		"user_id":         "user-1",
		"amount":          "50",
		"reason":          "manual top up",
		"idempotency_key": "order-1",
	}
	operatorToken := mustToken(test, "ops-1", []string{"operator"})
	response, body := doRequest(test, harness, http.MethodPost, "/api/billing/recharge", operatorToken, payload)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d: %v", response.StatusCode, body)
	}
	if got := balanceField(test, body, "balance"); got != "50" {
		test.Fatalf("expected balance 50, got %s", got)
	}

	// Replaying the idempotency key keeps the balance unchanged.
	response, body = doRequest(test, harness, http.MethodPost, "/api/billing/recharge", operatorToken, payload)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200 on replay, got %d", response.StatusCode)
	}
	if got := balanceField(test, body, "balance"); got != "50" {
		test.Fatalf("expected balance 50 after replay, got %s", got)
	}
}

func TestRechargeRejectsBadAmount(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	operatorToken := mustToken(test, "ops-1", []string{"operator"})
	for _, amount := range []string{"not-a-number", "0", "-5"} {
		payload := map[string]any{"user_id": "user-1", "amount": amount}
		response, _ := doRequest(test, harness, http.MethodPost, "/api/billing/recharge", operatorToken, payload)
		if response.StatusCode != http.StatusBadRequest {
			test.Fatalf("amount %q: expected 400, got %d", amount, response.StatusCode)
		}
	}
}

func TestTransactionsListRecentAudit(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	operatorToken := mustToken(test, "ops-1", []string{"operator"})
	payload := map[string]any{"user_id": "user-1", "amount": "25", "reason": "grant"}
	if response, _ := doRequest(test, harness, http.MethodPost, "/api/billing/recharge", operatorToken, payload); response.StatusCode != http.StatusOK {
		test.Fatalf("recharge failed with %d", response.StatusCode)
	}

	response, body := doRequest(test, harness, http.MethodGet, "/api/billing/transactions", mustToken(test, "user-1", nil), nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	transactions, ok := body["transactions"].([]any)
	if !ok || len(transactions) != 1 {
		test.Fatalf("expected one transaction, got %v", body)
	}
	first, ok := transactions[0].(map[string]any)
	if !ok || first["type"] != "recharge" || first["amount"] != "25" {
		test.Fatalf("unexpected transaction: %v", transactions[0])
	}
}

func seedUsage(test *testing.T, harness harness, id, projectID, apiType, action, cost string) {
	test.Helper()
	amount, err := decimal.NewFromString(cost)
	if err != nil {
		test.Fatalf("parse cost: %v", err)
	}
	err = harness.store.InsertUsageCost(context.Background(), billing.UsageCostRecord{
		ID:        id,
		ProjectID: projectID,
		UserID:    "user-1",
		APIType:   apiType,
		Model:     "nano-banana",
		Action:    action,
		Quantity:  decimal.NewFromInt(1),
		Unit:      "image",
		Cost:      amount,
		Metadata:  "{}",
	})
	if err != nil {
		test.Fatalf("insert usage: %v", err)
	}
}

func TestProjectCostsAggregates(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	seedUsage(test, harness, "usage-1", "project-1", "image", "image_panel", "1.5")
	seedUsage(test, harness, "usage-2", "project-1", "image", "character_image", "0.5")
	seedUsage(test, harness, "usage-3", "project-2", "video", "video_panel", "4")

	response, body := doRequest(test, harness, http.MethodGet, "/api/projects/project-1/costs", mustToken(test, "user-1", nil), nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if body["total"] != "2" {
		test.Fatalf("expected total 2, got %v", body["total"])
	}
	byAPIType, ok := body["by_api_type"].([]any)
	if !ok || len(byAPIType) != 1 {
		test.Fatalf("expected one api bucket, got %v", body["by_api_type"])
	}
	records, ok := body["records"].([]any)
	if !ok || len(records) != 2 {
		test.Fatalf("expected two records, got %v", body["records"])
	}
}

func TestUsageSummaryAndPagination(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	for index := 1; index <= 3; index++ {
		seedUsage(test, harness, fmt.Sprintf("usage-%d", index), "project-1", "image", "image_panel", "1")
	}

	response, body := doRequest(test, harness, http.MethodGet, "/api/billing/usage?page=2&page_size=2", mustToken(test, "user-1", nil), nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if body["total"] != "3" {
		test.Fatalf("expected total 3, got %v", body["total"])
	}
	records, ok := body["records"].([]any)
	if !ok || len(records) != 1 {
		test.Fatalf("expected one record on page 2, got %v", body["records"])
	}
	pagination, ok := body["pagination"].(map[string]any)
	if !ok || pagination["total_pages"] != float64(2) {
		test.Fatalf("unexpected pagination: %v", body["pagination"])
	}
}
