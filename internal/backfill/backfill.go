package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/walduae101/siraj-sub002/internal/webhook"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
)

// Run types selectable in a Request.
const (
	TypeReplay   = "replay"
	TypeReversal = "reversal"
)

const (
	defaultMaxEvents = 10000
	dateLayout       = "2006-01-02"
	actorBackfill    = "backfill"
)

// ErrInvalidRunnerDeps reports bad Runner wiring.
var ErrInvalidRunnerDeps = errors.New("invalid backfill runner dependencies")

// ErrInvalidDateRange reports an unparseable or inverted replay window.
var ErrInvalidDateRange = errors.New("invalid date range")

// ErrUnknownRequestType reports a Request.Type outside replay/reversal.
var ErrUnknownRequestType = errors.New("unknown backfill request type")

// Request describes one replay window. Dates are inclusive UTC days in
// YYYY-MM-DD form. Type defaults to replay.
type Request struct {
	Type      string `json:"type"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	DryRun    bool   `json:"dry_run"`
	MaxEvents int    `json:"max_events"`
}

// Report summarizes one replay run.
type Report struct {
	Total     int  `json:"total"`
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
	Errors    int  `json:"errors"`
	DryRun    bool `json:"dry_run"`
}

// Ledger is the slice of the wallet service the reversal path needs.
type Ledger interface {
	FindBySource(ctx context.Context, userID wallet.UserID, source wallet.Source) (wallet.LedgerEntry, bool, error)
	CreateLedgerEntry(ctx context.Context, userID wallet.UserID, draft wallet.EntryDraft, actor string) (wallet.Receipt, error)
}

// Runner replays stored provider deliveries through the normal ingestion
// path. Ledger idempotency makes replays safe to repeat.
type Runner struct {
	events    webhook.EventStore
	processor *webhook.Processor
	ledger    Ledger
	logger    *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(events webhook.EventStore, processor *webhook.Processor, ledger Ledger, logger *zap.Logger) (*Runner, error) {
	if events == nil || processor == nil || ledger == nil {
		return nil, fmt.Errorf("%w: events, processor, and ledger are required", ErrInvalidRunnerDeps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{events: events, processor: processor, ledger: ledger, logger: logger}, nil
}

// Run dispatches a Request to the matching operation.
func (runner *Runner) Run(ctx context.Context, request Request) (Report, error) {
	switch request.Type {
	case TypeReplay, "":
		return runner.ReplayWebhookEvents(ctx, request)
	case TypeReversal:
		return runner.CreateReversalEntries(ctx, request)
	}
	return Report{}, fmt.Errorf("%w: %q", ErrUnknownRequestType, request.Type)
}

// ReplayWebhookEvents re-runs every stored delivery in the window. Dry runs
// count what a real run would process without writing anything.
func (runner *Runner) ReplayWebhookEvents(ctx context.Context, request Request) (Report, error) {
	startUnixUTC, endUnixUTC, err := parseWindow(request.StartDate, request.EndDate)
	if err != nil {
		return Report{}, err
	}
	maxEvents := request.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	stored, err := runner.events.ListRawEvents(ctx, startUnixUTC, endUnixUTC, maxEvents)
	if err != nil {
		return Report{}, err
	}
	report := Report{Total: len(stored), DryRun: request.DryRun}
	for _, raw := range stored {
		envelope, err := webhook.ParseEnvelope(raw.Body)
		if err != nil {
			report.Errors++
			runner.logger.Error("stored delivery unparseable",
				zap.String("event_id", raw.EventID),
				zap.Error(err),
			)
			continue
		}
		if request.DryRun {
			if _, err := webhook.DecodeEvent(envelope); err != nil {
				report.Errors++
				continue
			}
			report.Processed++
			continue
		}
		outcome, err := runner.processor.Process(ctx, envelope, raw.Body, "")
		if err != nil {
			report.Errors++
			runner.logger.Error("replay failed",
				zap.String("event_id", raw.EventID),
				zap.Error(err),
			)
			continue
		}
		if !outcome.Handled {
			report.Skipped++
			continue
		}
		report.Processed++
	}
	runner.logger.Info("replay finished",
		zap.Int("total", report.Total),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Bool("dry_run", report.DryRun),
	)
	return report, nil
}

// CreateReversalEntries debits every posted order credit in the window.
// Reversal entries are keyed on the original event id, so repeat runs are
// no-ops. Dry runs count reversible entries without writing anything.
func (runner *Runner) CreateReversalEntries(ctx context.Context, request Request) (Report, error) {
	startUnixUTC, endUnixUTC, err := parseWindow(request.StartDate, request.EndDate)
	if err != nil {
		return Report{}, err
	}
	maxEvents := request.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	stored, err := runner.events.ListRawEvents(ctx, startUnixUTC, endUnixUTC, maxEvents)
	if err != nil {
		return Report{}, err
	}
	report := Report{Total: len(stored), DryRun: request.DryRun}
	for _, raw := range stored {
		reversed, err := runner.reverseStoredEvent(ctx, raw, request.DryRun)
		if err != nil {
			report.Errors++
			runner.logger.Error("reversal failed",
				zap.String("event_id", raw.EventID),
				zap.Error(err),
			)
			continue
		}
		if !reversed {
			report.Skipped++
			continue
		}
		report.Processed++
	}
	runner.logger.Info("reversal run finished",
		zap.Int("total", report.Total),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Bool("dry_run", report.DryRun),
	)
	return report, nil
}

func (runner *Runner) reverseStoredEvent(ctx context.Context, raw webhook.RawEvent, dryRun bool) (bool, error) {
	envelope, err := webhook.ParseEnvelope(raw.Body)
	if err != nil {
		return false, err
	}
	event, err := webhook.DecodeEvent(envelope)
	if err != nil {
		return false, err
	}
	order, ok := event.(webhook.OrderCompleted)
	if !ok {
		return false, nil
	}
	userID, err := wallet.NewUserID(order.UserID)
	if err != nil {
		return false, err
	}
	original, found, err := runner.ledger.FindBySource(ctx, userID, wallet.Source{EventID: envelope.ID})
	if err != nil {
		return false, err
	}
	if !found || original.Status != wallet.StatusPosted {
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	draft := wallet.EntryDraft{
		Kind:   wallet.EntryReversal,
		Status: wallet.StatusPosted,
		Bucket: original.Bucket,
		Amount: wallet.Points(-original.Amount.Int64()),
		Source: wallet.Source{EventID: "reverse:" + envelope.ID, OrderID: order.OrderID},
	}
	receipt, err := runner.ledger.CreateLedgerEntry(ctx, userID, draft, actorBackfill)
	if err != nil {
		return false, err
	}
	runner.logger.Info("credit reversed",
		zap.String("event_id", envelope.ID),
		zap.String("uid", userID.String()),
		zap.Int64("amount", original.Amount.Int64()),
		zap.Bool("duplicate", receipt.Duplicate),
	)
	return true, nil
}

// parseWindow turns inclusive YYYY-MM-DD dates into a [start, end) unix
// second range.
func parseWindow(startDate string, endDate string) (int64, int64, error) {
	start, err := time.ParseInLocation(dateLayout, startDate, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: start %q", ErrInvalidDateRange, startDate)
	}
	end, err := time.ParseInLocation(dateLayout, endDate, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: end %q", ErrInvalidDateRange, endDate)
	}
	if end.Before(start) {
		return 0, 0, fmt.Errorf("%w: end before start", ErrInvalidDateRange)
	}
	return start.Unix(), end.Add(24 * time.Hour).Unix(), nil
}
