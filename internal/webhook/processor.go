package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/walduae101/siraj-sub002/internal/risk"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
)

// Raw event processing states.
const (
	RawStatusReceived  = "received"
	RawStatusProcessed = "processed"
	RawStatusIgnored   = "ignored"
	RawStatusFailed    = "failed"
)

const actorWebhook = "webhook"

// ErrInvalidProcessorDeps reports bad Processor wiring.
var ErrInvalidProcessorDeps = errors.New("invalid processor dependencies")

// RawEvent is a stored provider delivery, kept verbatim for replay.
type RawEvent struct {
	EventID         string
	EventType       string
	Body            []byte
	ProcessStatus   string
	ProcessError    string
	ReceivedUnixUTC int64
}

// EventStore persists raw provider deliveries.
type EventStore interface {
	InsertRawEvent(ctx context.Context, event RawEvent) error
	MarkRawEvent(ctx context.Context, eventID string, status string, processError string) error
	ListRawEvents(ctx context.Context, startUnixUTC int64, endUnixUTC int64, limit int) ([]RawEvent, error)
}

// Outcome summarizes what one delivery did.
type Outcome struct {
	EventID   string `json:"event_id"`
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate"`
	Decision  string `json:"decision,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
}

// Processor turns verified provider events into ledger writes behind the
// risk evaluator.
type Processor struct {
	ledger *wallet.Service
	risk   *risk.Service
	events EventStore
	logger *zap.Logger
	nowFn  func() int64
}

// NewProcessor wires a Processor.
func NewProcessor(ledger *wallet.Service, riskService *risk.Service, events EventStore, now func() int64, logger *zap.Logger) (*Processor, error) {
	if ledger == nil || riskService == nil || events == nil || now == nil {
		return nil, fmt.Errorf("%w: ledger, risk, events, and clock are required", ErrInvalidProcessorDeps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{ledger: ledger, risk: riskService, events: events, logger: logger, nowFn: now}, nil
}

// Process records the raw delivery and applies the typed event. Duplicate
// deliveries are a no-op that reports the prior result.
func (processor *Processor) Process(ctx context.Context, envelope Envelope, raw []byte, remoteIP string) (Outcome, error) {
	record := RawEvent{
		EventID:         envelope.ID,
		EventType:       envelope.EventType,
		Body:            raw,
		ProcessStatus:   RawStatusReceived,
		ReceivedUnixUTC: processor.nowFn(),
	}
	if err := processor.events.InsertRawEvent(ctx, record); err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	outcome, err := processor.apply(ctx, envelope, remoteIP)
	switch {
	case err != nil:
		if markErr := processor.events.MarkRawEvent(ctx, envelope.ID, RawStatusFailed, err.Error()); markErr != nil {
			processor.logger.Error("mark raw event failed", zap.String("event_id", envelope.ID), zap.Error(markErr))
		}
	case !outcome.Handled:
		if markErr := processor.events.MarkRawEvent(ctx, envelope.ID, RawStatusIgnored, ""); markErr != nil {
			processor.logger.Error("mark raw event failed", zap.String("event_id", envelope.ID), zap.Error(markErr))
		}
	default:
		if markErr := processor.events.MarkRawEvent(ctx, envelope.ID, RawStatusProcessed, ""); markErr != nil {
			processor.logger.Error("mark raw event failed", zap.String("event_id", envelope.ID), zap.Error(markErr))
		}
	}
	return outcome, err
}

func (processor *Processor) apply(ctx context.Context, envelope Envelope, remoteIP string) (Outcome, error) {
	event, err := DecodeEvent(envelope)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	switch typed := event.(type) {
	case OrderCompleted:
		source := wallet.Source{
			EventID:        envelope.ID,
			OrderID:        typed.OrderID,
			ProductID:      typed.ProductID,
			ProductVersion: typed.ProductVersion,
		}
		return processor.applyCredit(ctx, envelope, typed.UserID, creditDraftInput{
			kind:      wallet.EntryPurchase,
			bucket:    wallet.BucketPaid,
			points:    typed.Points,
			source:    source,
			ipAddress: firstNonEmpty(typed.IPAddress, remoteIP),
		})
	case PromoGranted:
		source := wallet.Source{EventID: envelope.ID}
		return processor.applyCredit(ctx, envelope, typed.UserID, creditDraftInput{
			kind:             wallet.EntryPromoCredit,
			bucket:           wallet.BucketPromo,
			points:           typed.Points,
			source:           source,
			expiresAtUnixUTC: typed.ExpiresAtUnixUTC,
			ipAddress:        remoteIP,
		})
	case OrderRefunded:
		return processor.applyRefund(ctx, envelope, typed)
	case UnknownEvent:
		processor.logger.Info("unknown event type ignored",
			zap.String("event_id", envelope.ID),
			zap.String("event_type", typed.EventType),
		)
		return Outcome{EventID: envelope.ID, Handled: false, Decision: "ignored"}, nil
	}
	return Outcome{EventID: envelope.ID}, nil
}

type creditDraftInput struct {
	kind             wallet.EntryKind
	bucket           wallet.Bucket
	points           int64
	source           wallet.Source
	expiresAtUnixUTC int64
	ipAddress        string
}

func (processor *Processor) applyCredit(ctx context.Context, envelope Envelope, rawUserID string, input creditDraftInput) (Outcome, error) {
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	if existing, found, err := processor.ledger.FindBySource(ctx, userID, input.source); err != nil {
		return Outcome{EventID: envelope.ID}, err
	} else if found {
		return Outcome{
			EventID:   envelope.ID,
			Handled:   true,
			Duplicate: true,
			Decision:  existing.Status.String(),
			EntryID:   existing.EntryID,
		}, nil
	}
	walletRow, err := processor.ledger.GetWallet(ctx, userID)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	assessment, err := processor.risk.EvaluateCandidate(ctx, risk.Candidate{
		UserID:      userID.String(),
		EventType:   envelope.EventType,
		Amount:      input.points,
		IPAddress:   input.ipAddress,
		UserFlagged: walletRow.RiskFlagged,
	})
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	riskEvent, err := processor.risk.RecordEvent(ctx, risk.Event{
		UserID:           userID.String(),
		EventType:        envelope.EventType,
		RiskScore:        assessment.Score,
		Decision:         assessment.Decision,
		Amount:           input.points,
		Bucket:           input.bucket.String(),
		Kind:             input.kind.String(),
		ExpiresAtUnixUTC: input.expiresAtUnixUTC,
		SourceEventID:    envelope.ID,
		IPAddress:        input.ipAddress,
	})
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	draft := wallet.EntryDraft{
		Kind:             input.kind,
		Status:           statusForDecision(assessment.Decision),
		Bucket:           input.bucket,
		Amount:           wallet.Points(input.points),
		Source:           input.source,
		ExpiresAtUnixUTC: input.expiresAtUnixUTC,
		MetadataJSON:     riskMetadata(riskEvent.RiskEventID, assessment.Score),
	}
	receipt, err := processor.ledger.CreateLedgerEntry(ctx, userID, draft, actorWebhook)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	processor.logger.Info("credit applied",
		zap.String("event_id", envelope.ID),
		zap.String("uid", userID.String()),
		zap.String("decision", assessment.Decision.String()),
		zap.Int("risk_score", assessment.Score),
		zap.Bool("duplicate", receipt.Duplicate),
	)
	return Outcome{
		EventID:   envelope.ID,
		Handled:   true,
		Duplicate: receipt.Duplicate,
		Decision:  assessment.Decision.String(),
		EntryID:   receipt.EntryID,
	}, nil
}

func (processor *Processor) applyRefund(ctx context.Context, envelope Envelope, event OrderRefunded) (Outcome, error) {
	userID, err := wallet.NewUserID(event.UserID)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	draft := wallet.EntryDraft{
		Kind:   wallet.EntryReversal,
		Status: wallet.StatusPosted,
		Bucket: wallet.BucketPaid,
		Amount: wallet.Points(-event.Points),
		Source: wallet.Source{EventID: envelope.ID, OrderID: event.OrderID},
	}
	receipt, err := processor.ledger.CreateLedgerEntry(ctx, userID, draft, actorWebhook)
	if err != nil {
		return Outcome{EventID: envelope.ID}, err
	}
	processor.logger.Info("refund applied",
		zap.String("event_id", envelope.ID),
		zap.String("uid", userID.String()),
		zap.String("order_id", event.OrderID),
		zap.Bool("duplicate", receipt.Duplicate),
	)
	return Outcome{
		EventID:   envelope.ID,
		Handled:   true,
		Duplicate: receipt.Duplicate,
		Decision:  wallet.StatusPosted.String(),
		EntryID:   receipt.EntryID,
	}, nil
}

func statusForDecision(decision risk.Decision) wallet.EntryStatus {
	switch decision {
	case risk.DecisionHold:
		return wallet.StatusHeld
	case risk.DecisionReversed:
		return wallet.StatusReversed
	}
	return wallet.StatusPosted
}

func riskMetadata(riskEventID string, score int) string {
	payload, err := json.Marshal(map[string]interface{}{
		"riskEventId": riskEventID,
		"riskScore":   score,
	})
	if err != nil {
		return "{}"
	}
	return string(payload)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
