package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/walduae101/siraj-sub002/internal/backfill"
	"github.com/walduae101/siraj-sub002/internal/reconcile"
	"github.com/walduae101/siraj-sub002/internal/risk"
	"github.com/walduae101/siraj-sub002/internal/webhook"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
)

const (
	headerSignature = "Paynow-Signature"
	headerTimestamp = "Paynow-Timestamp"

	maxWebhookBodyBytes = 1 << 20
	walletHistoryLimit  = 50
)

// Dependencies collects the services the HTTP surface fronts.
type Dependencies struct {
	Ledger     *wallet.Service
	Risk       *risk.Service
	Resolver   *risk.Resolver
	Reconciler *reconcile.Job
	Backfill   *backfill.Runner
	Processor  *webhook.Processor
	Validator  IDTokenValidator
}

// Run boots the HTTP server and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{cfg: cfg, deps: deps, logger: logger}
	router := setupRouter(cfg, handler, deps.Validator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletd listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, validator IDTokenValidator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/paynow/webhook", handler.handleWebhook)

	admin := router.Group("/admin")
	admin.Use(adminAuthMiddleware([]byte(cfg.AdminJWTSecret), cfg.AdminJWTIssuer))
	admin.POST("/risk/action", handler.handleRiskAction)
	admin.GET("/wallets/:uid", handler.handleWalletView)

	if validator == nil {
		validator = GoogleIDTokenValidator
	}
	jobs := router.Group("/jobs")
	jobs.Use(jobAuthMiddleware(validator, cfg.OIDCAudience))
	jobs.POST("/risk/resolve", handler.handleResolveHolds)
	jobs.POST("/reconcile", handler.handleReconcile)
	jobs.POST("/backfill", handler.handleBackfill)

	return router
}

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// handleWebhook verifies and ingests one provider delivery. Transport
// failures get a 400 so the provider retries with a fixed request; anything
// past verification is acknowledged with a 200 even when processing fails,
// so the provider does not retry deliveries only an operator can fix.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "malformed_payload"})
		return
	}
	timestamp := ctx.GetHeader(headerTimestamp)
	if err := webhook.CheckTimestamp(timestamp, time.Now().UTC()); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "stale_timestamp"})
		return
	}
	signature := ctx.GetHeader(headerSignature)
	if err := webhook.VerifySignature([]byte(handler.cfg.WebhookSecret), timestamp, body, signature); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "bad_sig"})
		return
	}
	envelope, err := webhook.ParseEnvelope(body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "malformed_payload"})
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	outcome, err := handler.deps.Processor.Process(requestCtx, envelope, body, ctx.ClientIP())
	if err != nil {
		handler.logger.Error("webhook processing failed",
			zap.String("event_id", envelope.ID),
			zap.Bool("transport_accepted", true),
			zap.Bool("processing_failed", true),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"duplicate": outcome.Duplicate,
		"decision":  outcome.Decision,
	})
}

type riskActionRequest struct {
	RiskEventID string `json:"risk_event_id" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Reason      string `json:"reason"`
}

func (handler *httpHandler) handleRiskAction(ctx *gin.Context) {
	var request riskActionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "risk_event_id and action are required"))
		return
	}
	action, err := risk.ParseAdminAction(request.Action)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", fmt.Sprintf("unknown action %q", request.Action)))
		return
	}
	actor := ctx.GetString(contextKeyAdminSubject)

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	decision, err := handler.deps.Risk.ApplyAdminAction(requestCtx, request.RiskEventID, action, actor, request.Reason)
	switch {
	case errors.Is(err, risk.ErrUnknownRiskEvent):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown risk event"))
		return
	case errors.Is(err, risk.ErrHoldAlreadyResolved):
		ctx.JSON(http.StatusConflict, errorResponse("already_resolved", "hold is already resolved"))
		return
	case err != nil:
		handler.logger.Error("risk action failed",
			zap.String("risk_event_id", request.RiskEventID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "risk action failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"risk_event_id": request.RiskEventID,
		"decision":      decision.String(),
	})
}

func (handler *httpHandler) handleWalletView(ctx *gin.Context) {
	userID, err := wallet.NewUserID(ctx.Param("uid"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_uid", "uid must be non-empty"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	walletRow, err := handler.deps.Ledger.GetWallet(requestCtx, userID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.String("uid", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "wallet unavailable"))
		return
	}
	entries, err := handler.deps.Ledger.ListEntries(requestCtx, userID, time.Now().UTC().Add(time.Second).Unix(), walletHistoryLimit)
	if err != nil {
		handler.logger.Error("entries fetch failed", zap.String("uid", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "entries unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, walletView(walletRow, entries))
}

func (handler *httpHandler) handleResolveHolds(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	summary, err := handler.deps.Resolver.Run(requestCtx)
	if err != nil {
		handler.logger.Error("hold resolver run failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "resolver run failed"))
		return
	}
	ctx.JSON(http.StatusOK, summary)
}

type reconcileRequest struct {
	Date string `json:"date"`
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	var request reconcileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	day := time.Now().UTC()
	if request.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", request.Date, time.UTC)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_date", "date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	summary, err := handler.deps.Reconciler.Run(requestCtx, day)
	if err != nil {
		handler.logger.Error("reconciliation run failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "reconciliation run failed"))
		return
	}
	ctx.JSON(http.StatusOK, summary)
}

func (handler *httpHandler) handleBackfill(ctx *gin.Context) {
	var request backfill.Request
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "start_date and end_date are required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	report, err := handler.deps.Backfill.Run(requestCtx, request)
	switch {
	case errors.Is(err, backfill.ErrInvalidDateRange):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_date_range", err.Error()))
		return
	case errors.Is(err, backfill.ErrUnknownRequestType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", err.Error()))
		return
	case err != nil:
		handler.logger.Error("backfill run failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "backfill run failed"))
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func walletView(walletRow wallet.Wallet, entries []wallet.LedgerEntry) gin.H {
	lots := make([]gin.H, 0, len(walletRow.Lots))
	for _, lot := range walletRow.Lots {
		lots = append(lots, gin.H{
			"lot_id":           lot.LotID,
			"amount":           lot.Amount,
			"amount_remaining": lot.AmountRemaining,
			"expires_at":       lot.ExpiresAtUnixUTC,
		})
	}
	history := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		history = append(history, gin.H{
			"entry_id":        entry.EntryID,
			"kind":            entry.Kind.String(),
			"status":          entry.Status.String(),
			"bucket":          entry.Bucket.String(),
			"amount":          entry.Amount.Int64(),
			"idempotency_key": entry.IdempotencyKey,
			"created_at":      entry.CreatedUnixUTC,
			"created_by":      entry.CreatedBy,
		})
	}
	return gin.H{
		"uid":          walletRow.UserID,
		"paid":         walletRow.Paid,
		"promo":        walletRow.Promo,
		"risk_flagged": walletRow.RiskFlagged,
		"lots":         lots,
		"entries":      history,
	}
}
