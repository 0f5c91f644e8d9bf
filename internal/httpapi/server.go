package httpapi

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
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"github.com/wanderbit/coinwallet/pkg/wallet"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"

	errorCodeUnauthorized        = "unauthorized"
	errorCodeInvalidPayload      = "invalid_payload"
	errorCodeInvalidAmount       = "invalid_amount"
	errorCodeInvalidType         = "invalid_type"
	errorCodeInvalidTimestamp    = "invalid_timestamp"
	errorCodeInvalidLocation     = "invalid_location"
	errorCodeInvalidDate         = "invalid_date"
	errorCodeInvalidPage         = "invalid_page"
	errorCodeInvalidBatchSize    = "invalid_batch_size"
	errorCodeUnknownOption       = "unknown_option"
	errorCodeOptionUnavailable   = "option_unavailable"
	errorCodeBelowMinimum        = "below_minimum"
	errorCodeInsufficientBalance = "insufficient_balance"
	errorCodeTryAgain            = "try_again"
	errorCodeInternal            = "internal_error"

	// Boundary bound on a single collection amount; the fraud validator
	// enforces the same ceiling for events that reach it through sync.
	maxSubmitAmount = 100
)

// Run boots the HTTP surface over an in-process wallet service.
func Run(ctx context.Context, cfg Config, service *wallet.Service) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/wallet", handler.handleWallet)
	api.POST("/transactions", handler.handleSubmit)
	api.GET("/transactions", handler.handleHistory)
	api.POST("/sync", handler.handleSync)
	api.POST("/redemptions", handler.handleRedeem)
	api.GET("/redemptions/options", handler.handleOptions)
	api.GET("/stats/daily", handler.handleDailyStats)
	api.GET("/stats/summary", handler.handleEarningsSummary)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *wallet.Service
	cfg     Config
}

type transactionPayload struct {
	Amount         int64          `json:"amount"`
	Type           string         `json:"type"`
	Timestamp      string         `json:"timestamp"`
	Location       string         `json:"location"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type syncPayload struct {
	Events []transactionPayload `json:"events"`
}

type redeemPayload struct {
	OptionID   string `json:"option_id"`
	CoinAmount int64  `json:"coin_amount"`
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletJSON(balance)})
}

func (handler *httpHandler) handleSubmit(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	var payload transactionPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	event, validationCode, err := parseEvent(userID, payload)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(validationCode, err.Error()))
		return
	}

	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	result, err := handler.service.Submit(requestCtx, event)
	if err != nil {
		var fraudError *wallet.FraudError
		if errors.As(err, &fraudError) {
			ctx.JSON(http.StatusOK, gin.H{"accepted": false, "reason": string(fraudError.Reason)})
			return
		}
		if errors.Is(err, wallet.ErrDuplicateTransaction) {
			handler.respondDuplicateSubmit(ctx, userID)
			return
		}
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"accepted":       true,
		"transaction_id": result.TransactionID,
		"new_balance":    result.NewBalance,
	})
}

// respondDuplicateSubmit treats a resubmitted event as already applied: no
// double credit, current balance returned.
func (handler *httpHandler) respondDuplicateSubmit(ctx *gin.Context, userID wallet.UserID) {
	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"accepted":    true,
		"duplicate":   true,
		"new_balance": balance.BalanceCoins,
	})
}

func (handler *httpHandler) handleSync(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	var payload syncPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	events := make([]wallet.CollectionEvent, 0, len(payload.Events))
	for index, item := range payload.Events {
		event, validationCode, err := parseEvent(userID, item)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(validationCode, fmt.Sprintf("event %d: %v", index, err)))
			return
		}
		events = append(events, event)
	}

	requestCtx, cancel := handler.syncContext(ctx, len(events))
	defer cancel()
	result, err := handler.service.SyncBatch(requestCtx, userID, events)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidBatchSize) {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidBatchSize, err.Error()))
			return
		}
		handler.respondDomainError(ctx, err)
		return
	}
	items := make([]gin.H, 0, len(result.Items))
	for _, item := range result.Items {
		entry := gin.H{"index": item.Index, "status": string(item.Status)}
		if item.Reason != "" {
			entry["reason"] = string(item.Reason)
		}
		if item.TransactionID != "" {
			entry["transaction_id"] = item.TransactionID
		}
		items = append(items, entry)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"processed":   result.Processed,
		"failed":      result.Failed,
		"new_balance": result.NewBalance,
		"items":       items,
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	page, err := queryInt(ctx, "page", 1)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPage, err.Error()))
		return
	}
	limit, err := queryInt(ctx, "limit", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPage, err.Error()))
		return
	}
	typeFilter := ctx.Query("type")

	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	transactions, total, err := handler.service.History(requestCtx, userID, page, limit, typeFilter)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	items := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		items = append(items, gin.H{
			"transaction_id": transaction.TransactionID,
			"amount":         transaction.Amount,
			"type":           transaction.Type.String(),
			"location":       fmt.Sprintf("%v,%v", transaction.Lat, transaction.Lng),
			"occurred_at":    time.Unix(transaction.OccurredAtUnixUTC, 0).UTC().Format(time.RFC3339),
			"recorded_at":    time.Unix(transaction.RecordedAtUnixUTC, 0).UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": items, "total": total, "page": page})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	var payload redeemPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	amount, err := wallet.NewCoinAmount(payload.CoinAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAmount, "coin_amount must be positive"))
		return
	}

	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	result, err := handler.service.Redeem(requestCtx, userID, payload.OptionID, amount)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"redemption_id": result.RedemptionID,
		"new_balance":   result.NewBalance,
	})
}

func (handler *httpHandler) handleOptions(ctx *gin.Context) {
	if _, ok := handler.authenticatedUser(ctx); !ok {
		return
	}
	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	options, err := handler.service.ListRedemptionOptions(requestCtx)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	items := make([]gin.H, 0, len(options))
	for _, option := range options {
		items = append(items, gin.H{
			"option_id":      option.OptionID,
			"name":           option.Name,
			"min_coins":      option.MinCoins,
			"cents_per_coin": option.CentsPerCoin,
			"active":         option.Active,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"options": items})
}

func (handler *httpHandler) handleDailyStats(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	stats, err := handler.service.DailyStats(requestCtx, userID, ctx.Query("date"))
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"date":              stats.Date,
		"coins_collected":   stats.CoinsCollected,
		"transaction_count": stats.TransactionCount,
		"distance_meters":   stats.DistanceMeters,
	})
}

func (handler *httpHandler) handleEarningsSummary(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.storeContext(ctx)
	defer cancel()
	summary, err := handler.service.EarningsSummary(requestCtx, userID, ctx.Query("from"), ctx.Query("to"))
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"from":              summary.FromDate,
		"to":                summary.ToDate,
		"coins_collected":   summary.CoinsCollected,
		"transaction_count": summary.TransactionCount,
		"distance_meters":   summary.DistanceMeters,
		"active_days":       summary.ActiveDays,
	})
}

func (handler *httpHandler) authenticatedUser(ctx *gin.Context) (wallet.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return wallet.UserID{}, false
	}
	userID, err := wallet.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid session subject"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) storeContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
}

// syncContext scales the timeout with the batch size; items still fail
// individually on a store blip rather than aborting the batch.
func (handler *httpHandler) syncContext(ctx *gin.Context, items int) (context.Context, context.CancelFunc) {
	if items < 1 {
		items = 1
	}
	return context.WithTimeout(ctx.Request.Context(), time.Duration(items)*handler.cfg.StoreTimeout)
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	status, code := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("wallet operation failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, publicMessage(status, err)))
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrUnknownOption):
		return http.StatusNotFound, errorCodeUnknownOption
	case errors.Is(err, wallet.ErrOptionUnavailable):
		return http.StatusConflict, errorCodeOptionUnavailable
	case errors.Is(err, wallet.ErrBelowMinimum):
		return http.StatusConflict, errorCodeBelowMinimum
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusConflict, errorCodeInsufficientBalance
	case errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, errorCodeInvalidAmount
	case errors.Is(err, wallet.ErrInvalidTransactionType):
		return http.StatusBadRequest, errorCodeInvalidType
	case errors.Is(err, wallet.ErrInvalidDate):
		return http.StatusBadRequest, errorCodeInvalidDate
	case errors.Is(err, wallet.ErrInvalidPage):
		return http.StatusBadRequest, errorCodeInvalidPage
	case errors.Is(err, wallet.ErrInvalidBatchSize):
		return http.StatusBadRequest, errorCodeInvalidBatchSize
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorCodeTryAgain
	default:
		return http.StatusInternalServerError, errorCodeInternal
	}
}

func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "operation failed"
	}
	if status == http.StatusServiceUnavailable {
		return "temporary failure, retry the request"
	}
	return err.Error()
}

func parseEvent(userID wallet.UserID, payload transactionPayload) (wallet.CollectionEvent, string, error) {
	if payload.Amount < 1 || payload.Amount > maxSubmitAmount {
		return wallet.CollectionEvent{}, errorCodeInvalidAmount, fmt.Errorf("amount must be in [1,%d]", maxSubmitAmount)
	}
	amount, err := wallet.NewCoinAmount(payload.Amount)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidAmount, err
	}
	transactionType, err := wallet.ParseTransactionType(payload.Type)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidType, err
	}
	occurredAt, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidTimestamp, fmt.Errorf("timestamp must be RFC3339: %w", err)
	}
	location, err := wallet.ParseLocation(payload.Location)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidLocation, err
	}
	rawKey := payload.IdempotencyKey
	if rawKey == "" {
		// Derived dedupe key: a resubmission of the same event collides.
		rawKey = fmt.Sprintf("%s:%s:%d:%d:%s", userID.String(), transactionType, payload.Amount, occurredAt.Unix(), payload.Location)
	}
	idempotencyKey, err := wallet.NewIdempotencyKey(rawKey)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidPayload, err
	}
	metadata, err := wallet.NewMetadataJSON(marshalMetadata(payload.Metadata))
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidPayload, err
	}
	event, err := wallet.NewCollectionEvent(userID, amount, transactionType, occurredAt.Unix(), location, idempotencyKey, metadata)
	if err != nil {
		return wallet.CollectionEvent{}, errorCodeInvalidTimestamp, err
	}
	return event, "", nil
}

func walletJSON(balance wallet.WalletBalance) gin.H {
	return gin.H{
		"balance":             balance.BalanceCoins,
		"lifetime_earnings":   balance.LifetimeEarnedCoins,
		"lifetime_redeemed":   balance.LifetimeRedeemedCoins,
		"pending_redemptions": balance.PendingRedemptionCoins,
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func queryInt(ctx *gin.Context, key string, fallback int) (int, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return value, nil
}
