// Package billingapi is the thin HTTP facade over the billing ledger.
// Task freeze/settle stays in-process with the task runtime; this
// surface covers balances, recharges, and cost reporting.
package billingapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

// Server serves the billing HTTP API.
type Server struct {
	cfg    Config
	logger *zap.Logger
	ledger *billing.Service
	router *gin.Engine
}

// NewServer wires the facade over a ledger service.
func NewServer(cfg Config, ledger *billing.Service, logger *zap.Logger) (*Server, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", billing.ErrInvalidServiceConfig)
	}
	if cfg.AuthSigningKey == "" {
		return nil, fmt.Errorf("%w: auth signing key is empty", billing.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg.withDefaults(), logger: logger, ledger: ledger}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the handler for tests and embedding.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(server.cfg.AuthSigningKey), server.cfg.AuthIssuer))

	api.GET("/billing/balance", server.handleBalance)
	api.GET("/billing/transactions", server.handleTransactions)
	api.GET("/billing/usage", server.handleUsage)
	api.GET("/projects/:projectId/costs", server.handleProjectCosts)

	operator := api.Group("")
	operator.Use(requireRole(roleOperator))
	operator.POST("/billing/recharge", server.handleRecharge)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.subjectUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	snapshot, err := server.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		server.respondDomainError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(snapshot)})
}

type rechargeRequest struct {
	UserID          string         `json:"user_id"`
	Amount          string         `json:"amount"`
	Type            string         `json:"type"`
	Reason          string         `json:"reason"`
	ExternalOrderID string         `json:"external_order_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Metadata        map[string]any `json:"metadata"`
}

func (server *Server) handleRecharge(ctx *gin.Context) {
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user_id is required"))
		return
	}
	amount, err := decimal.NewFromString(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a decimal string"))
		return
	}
	transactionType := billing.TransactionRecharge
	if request.Type != "" {
		transactionType, err = billing.ParseTransactionType(request.Type)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "unknown transaction type"))
			return
		}
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	operatorID := ""
	if claims := getClaims(ctx); claims != nil {
		operatorID = claims.Subject
	}
	err = server.ledger.AddBalance(requestCtx, userID, amount, billing.AddBalanceOptions{
		Reason:          request.Reason,
		OperatorID:      operatorID,
		ExternalOrderID: request.ExternalOrderID,
		IdempotencyKey:  request.IdempotencyKey,
		Type:            transactionType,
	})
	if err != nil {
		server.respondDomainError(ctx, "recharge failed", err)
		return
	}
	snapshot, err := server.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		server.respondDomainError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(snapshot)})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	userID, ok := server.subjectUserID(ctx)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	records, err := server.ledger.ListTransactions(requestCtx, userID, limit)
	if err != nil {
		server.respondDomainError(ctx, "transaction list failed", err)
		return
	}
	payload := make([]transactionPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, transactionPayloadFrom(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleUsage(ctx *gin.Context) {
	userID, ok := server.subjectUserID(ctx)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(ctx.Query("page"))
	pageSize, _ := strconv.Atoi(ctx.Query("page_size"))

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	summary, err := server.ledger.GetUserCostSummary(requestCtx, userID)
	if err != nil {
		server.respondDomainError(ctx, "usage summary failed", err)
		return
	}
	details, err := server.ledger.GetUserCostDetails(requestCtx, userID, page, pageSize)
	if err != nil {
		server.respondDomainError(ctx, "usage details failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total":      summary.Total.String(),
		"by_project": aggregatePayloadFrom(summary.ByProject),
		"records":    usagePayloadFrom(details.Records),
		"pagination": gin.H{
			"page":        details.Page,
			"page_size":   details.PageSize,
			"total":       details.Total,
			"total_pages": details.TotalPages,
		},
	})
}

func (server *Server) handleProjectCosts(ctx *gin.Context) {
	projectID := ctx.Param("projectId")

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	details, err := server.ledger.GetProjectCostDetails(requestCtx, projectID)
	if err != nil {
		server.respondDomainError(ctx, "project costs failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total":       details.Total.String(),
		"by_api_type": aggregatePayloadFrom(details.ByAPIType),
		"by_action":   aggregatePayloadFrom(details.ByAction),
		"records":     usagePayloadFrom(details.RecentRecords),
	})
}

func (server *Server) subjectUserID(ctx *gin.Context) (billing.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return billing.UserID{}, false
	}
	userID, err := billing.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return billing.UserID{}, false
	}
	return userID, true
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) respondDomainError(ctx *gin.Context, message string, err error) {
	var insufficient *billing.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_balance",
				"message":   insufficient.Error(),
				"required":  insufficient.Required.String(),
				"available": insufficient.Available.String(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, billing.ErrInvalidProject):
		ctx.JSON(http.StatusNotFound, errorResponse("project_not_found", "project not found"))
	case errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrInvalidTransactionType),
		errors.Is(err, billing.ErrInvalidUserID),
		errors.Is(err, billing.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	UserID       string `json:"user_id"`
	Balance      string `json:"balance"`
	FrozenAmount string `json:"frozen_amount"`
	TotalSpent   string `json:"total_spent"`
	UpdatedAt    int64  `json:"updated_unix_utc"`
}

func balancePayloadFrom(snapshot billing.BalanceSnapshot) balancePayload {
	return balancePayload{
		UserID:       snapshot.UserID,
		Balance:      snapshot.Balance.String(),
		FrozenAmount: snapshot.FrozenAmount.String(),
		TotalSpent:   snapshot.TotalSpent.String(),
		UpdatedAt:    snapshot.UpdatedAt.UTC().Unix(),
	}
}

type transactionPayload struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Amount         string          `json:"amount"`
	BalanceAfter   string          `json:"balance_after"`
	Description    string          `json:"description"`
	ProjectID      string          `json:"project_id,omitempty"`
	TaskType       string          `json:"task_type,omitempty"`
	BillingMeta    json.RawMessage `json:"billing_meta,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func transactionPayloadFrom(record billing.TransactionRecord) transactionPayload {
	var meta json.RawMessage
	if record.BillingMeta != "" {
		meta = json.RawMessage(record.BillingMeta)
	}
	return transactionPayload{
		ID:             record.ID,
		Type:           record.Type.String(),
		Amount:         record.Amount.String(),
		BalanceAfter:   record.BalanceAfter.String(),
		Description:    record.Description,
		ProjectID:      record.ProjectID,
		TaskType:       record.TaskType,
		BillingMeta:    meta,
		CreatedUnixUTC: record.CreatedAt.UTC().Unix(),
	}
}

type aggregatePayload struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
	Cost  string `json:"cost"`
}

func aggregatePayloadFrom(aggregates []billing.CostAggregate) []aggregatePayload {
	payload := make([]aggregatePayload, 0, len(aggregates))
	for _, aggregate := range aggregates {
		payload = append(payload, aggregatePayload{
			Key:   aggregate.Key,
			Count: aggregate.Count,
			Cost:  aggregate.Cost.String(),
		})
	}
	return payload
}

type usagePayload struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	APIType        string          `json:"api_type"`
	Model          string          `json:"model"`
	Action         string          `json:"action"`
	Quantity       string          `json:"quantity"`
	Unit           string          `json:"unit"`
	Cost           string          `json:"cost"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func usagePayloadFrom(records []billing.UsageCostRecord) []usagePayload {
	payload := make([]usagePayload, 0, len(records))
	for _, record := range records {
		var metadata json.RawMessage
		if record.Metadata != "" {
			metadata = json.RawMessage(record.Metadata)
		}
		payload = append(payload, usagePayload{
			ID:             record.ID,
			ProjectID:      record.ProjectID,
			APIType:        record.APIType,
			Model:          record.Model,
			Action:         record.Action,
			Quantity:       record.Quantity.String(),
			Unit:           record.Unit,
			Cost:           record.Cost.String(),
			Metadata:       metadata,
			CreatedUnixUTC: record.CreatedAt.UTC().Unix(),
		})
	}
	return payload
}
