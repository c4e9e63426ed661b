package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
)

const actorReconciler = "reconciler"

// ErrInvalidJobDeps reports bad Job wiring.
var ErrInvalidJobDeps = errors.New("invalid reconcile job dependencies")

// Result is one user's reconciliation outcome for a run.
type Result struct {
	RunID          string
	UserID         string
	Expected       wallet.Balance
	Stored         wallet.Balance
	Delta          wallet.Balance
	Adjusted       bool
	CreatedUnixUTC int64
}

// Summary aggregates a full reconciliation run.
type Summary struct {
	RunID      string `json:"run_id"`
	Total      int    `json:"total"`
	Clean      int    `json:"clean"`
	Adjusted   int    `json:"adjusted"`
	Errors     int    `json:"errors"`
	TotalDelta int64  `json:"total_delta"`
}

// ResultStore persists per-user reconciliation results.
type ResultStore interface {
	InsertReconciliationResult(ctx context.Context, result Result) error
}

// Job compares stored wallet balances against the posted ledger sums and
// writes adjust entries to bring the two back in line.
type Job struct {
	store   wallet.Store
	results ResultStore
	ledger  *wallet.Service
	nowFn   func() int64
	idFn    func() string
	logger  *zap.Logger
}

// NewJob wires a reconciliation Job.
func NewJob(store wallet.Store, results ResultStore, ledger *wallet.Service, now func() int64, logger *zap.Logger) (*Job, error) {
	if store == nil || results == nil || ledger == nil || now == nil {
		return nil, fmt.Errorf("%w: store, results, ledger, and clock are required", ErrInvalidJobDeps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		store:   store,
		results: results,
		ledger:  ledger,
		nowFn:   now,
		idFn:    uuid.NewString,
		logger:  logger,
	}, nil
}

// Run reconciles every active wallet against ledger activity before the end
// of the given day. A failing user is recorded and skipped, never fatal.
func (job *Job) Run(ctx context.Context, day time.Time) (Summary, error) {
	// The wallet row reflects all history, so the ledger sum must too: the
	// cutoff never falls behind the clock even when reconciling a past day.
	cutoff := day.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour).Unix()
	if now := job.nowFn() + 1; now > cutoff {
		cutoff = now
	}
	runID := job.idFn()
	summary := Summary{RunID: runID}

	userIDs, err := job.store.ListActiveUserIDs(ctx, cutoff)
	if err != nil {
		return summary, err
	}
	for _, userID := range userIDs {
		summary.Total++
		result, err := job.reconcileUser(ctx, runID, userID, cutoff)
		if err != nil {
			summary.Errors++
			job.logger.Error("reconcile user failed",
				zap.String("run_id", runID),
				zap.String("uid", userID),
				zap.Error(err),
			)
			continue
		}
		if result.Adjusted {
			summary.Adjusted++
		} else {
			summary.Clean++
		}
		summary.TotalDelta += abs(result.Delta.Paid) + abs(result.Delta.Promo)
	}
	job.logger.Info("reconciliation run finished",
		zap.String("run_id", runID),
		zap.Int("total", summary.Total),
		zap.Int("clean", summary.Clean),
		zap.Int("adjusted", summary.Adjusted),
		zap.Int("errors", summary.Errors),
		zap.Int64("total_delta", summary.TotalDelta),
	)
	return summary, nil
}

func (job *Job) reconcileUser(ctx context.Context, runID string, rawUserID string, cutoffUnixUTC int64) (Result, error) {
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		return Result{}, err
	}
	// Sweep expired promo lots first so the wallet and the posted sum move
	// together before they are compared.
	swept, err := job.ledger.ExpirePromoLots(ctx, userID, actorReconciler)
	if err != nil {
		return Result{}, err
	}
	if swept > 0 {
		job.logger.Info("expired promo lots swept",
			zap.String("run_id", runID),
			zap.String("uid", rawUserID),
			zap.Int("lots", swept),
		)
	}
	expected, err := job.store.SumPostedByBucket(ctx, rawUserID, cutoffUnixUTC)
	if err != nil {
		return Result{}, err
	}
	walletRow, err := job.store.GetWallet(ctx, rawUserID)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		RunID:          runID,
		UserID:         rawUserID,
		Expected:       expected,
		Stored:         wallet.Balance{Paid: walletRow.Paid, Promo: walletRow.Promo},
		CreatedUnixUTC: job.nowFn(),
	}
	result.Delta = wallet.Balance{
		Paid:  expected.Paid - result.Stored.Paid,
		Promo: expected.Promo - result.Stored.Promo,
	}
	if result.Delta.Paid != 0 {
		if err := job.writeAdjustment(ctx, userID, runID, wallet.BucketPaid, result.Delta.Paid); err != nil {
			return Result{}, err
		}
		result.Adjusted = true
	}
	if result.Delta.Promo != 0 {
		if err := job.writeAdjustment(ctx, userID, runID, wallet.BucketPromo, result.Delta.Promo); err != nil {
			return Result{}, err
		}
		result.Adjusted = true
	}
	if result.Adjusted {
		job.logger.Warn("wallet drift corrected",
			zap.String("run_id", runID),
			zap.String("uid", rawUserID),
			zap.Int64("delta_paid", result.Delta.Paid),
			zap.Int64("delta_promo", result.Delta.Promo),
		)
	}
	if err := job.results.InsertReconciliationResult(ctx, result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (job *Job) writeAdjustment(ctx context.Context, userID wallet.UserID, runID string, bucket wallet.Bucket, delta int64) error {
	draft := wallet.EntryDraft{
		Kind:   wallet.EntryAdjust,
		Status: wallet.StatusPosted,
		Bucket: bucket,
		Amount: wallet.Points(delta),
		Source: wallet.Source{EventID: "recon:" + runID + ":" + bucket.String()},
	}
	_, err := job.ledger.CreateLedgerEntry(ctx, userID, draft, actorReconciler)
	return err
}

func abs(value int64) int64 {
	if value < 0 {
		return -value
	}
	return value
}
