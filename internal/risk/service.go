package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
)

const (
	actorSystem = "system"

	reasonAdminRelease = "admin release"
	reasonAdminReverse = "admin reverse"
	reasonAdminBan     = "admin ban"
)

// Ledger is the slice of the wallet service the risk subsystem needs.
type Ledger interface {
	CreateLedgerEntry(ctx context.Context, userID wallet.UserID, draft wallet.EntryDraft, actor string) (wallet.Receipt, error)
}

// Service evaluates candidates, records risk events, and applies admin
// actions to open holds.
type Service struct {
	store  Store
	ledger Ledger
	nowFn  func() int64
	idFn   func() string
	logger *zap.Logger
}

// NewService wires a risk Service.
func NewService(store Store, ledger Ledger, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil || ledger == nil || now == nil {
		return nil, fmt.Errorf("%w: store, ledger, and clock are required", ErrInvalidServiceDeps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ledger: ledger, nowFn: now, idFn: uuid.NewString, logger: logger}, nil
}

// EvaluateCandidate fetches recent history and scores the candidate.
func (service *Service) EvaluateCandidate(ctx context.Context, candidate Candidate) (Assessment, error) {
	history, err := service.store.RecentHistory(ctx, candidate.UserID, candidate.IPAddress, service.nowFn())
	if err != nil {
		return Assessment{}, err
	}
	return Assess(history, candidate), nil
}

// RecordEvent persists a risk event, assigning an id when absent.
func (service *Service) RecordEvent(ctx context.Context, event Event) (Event, error) {
	if event.RiskEventID == "" {
		event.RiskEventID = service.idFn()
	}
	if event.CreatedUnixUTC == 0 {
		event.CreatedUnixUTC = service.nowFn()
	}
	if err := service.store.InsertRiskEvent(ctx, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// ApplyAdminAction resolves an open hold by manual decision. Ban reverses
// the hold and flags the user so future credits are held on arrival.
func (service *Service) ApplyAdminAction(ctx context.Context, riskEventID string, action AdminAction, actor string, reason string) (Decision, error) {
	event, err := service.store.GetRiskEvent(ctx, riskEventID)
	if err != nil {
		return "", err
	}
	if !event.Open() {
		return "", ErrHoldAlreadyResolved
	}
	switch action {
	case ActionRelease:
		if reason == "" {
			reason = reasonAdminRelease
		}
		return DecisionPosted, service.resolve(ctx, event, DecisionPosted, actor, reason)
	case ActionReverse:
		if reason == "" {
			reason = reasonAdminReverse
		}
		return DecisionReversed, service.resolve(ctx, event, DecisionReversed, actor, reason)
	case ActionBan:
		if reason == "" {
			reason = reasonAdminBan
		}
		if err := service.resolve(ctx, event, DecisionReversed, actor, reason); err != nil {
			return "", err
		}
		if err := service.store.SetRiskFlagged(ctx, event.UserID, true); err != nil {
			return "", err
		}
		return DecisionReversed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// resolve writes the resolving ledger entry, then marks the risk event.
// The ledger write is idempotent, so a crash between the two steps heals
// on the next resolver pass.
func (service *Service) resolve(ctx context.Context, event Event, decision Decision, actor string, reason string) error {
	draft, userID, err := resolutionDraft(event, decision)
	if err != nil {
		return err
	}
	receipt, err := service.ledger.CreateLedgerEntry(ctx, userID, draft, actor)
	if err != nil {
		return err
	}
	if err := service.store.ResolveRiskEvent(ctx, event.RiskEventID, decision, actor, reason, service.nowFn()); err != nil {
		return err
	}
	service.logger.Info("risk hold resolved",
		zap.String("risk_event_id", event.RiskEventID),
		zap.String("uid", event.UserID),
		zap.String("decision", decision.String()),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.String("entry_id", receipt.EntryID),
		zap.Int64("balance_paid", receipt.Balance.Paid),
		zap.Int64("balance_promo", receipt.Balance.Promo),
	)
	return nil
}

func resolutionDraft(event Event, decision Decision) (wallet.EntryDraft, wallet.UserID, error) {
	userID, err := wallet.NewUserID(event.UserID)
	if err != nil {
		return wallet.EntryDraft{}, wallet.UserID{}, err
	}
	kind, err := wallet.ParseEntryKind(event.Kind)
	if err != nil {
		return wallet.EntryDraft{}, wallet.UserID{}, err
	}
	bucket, err := wallet.ParseBucket(event.Bucket)
	if err != nil {
		return wallet.EntryDraft{}, wallet.UserID{}, err
	}
	status := wallet.StatusPosted
	if decision == DecisionReversed {
		status = wallet.StatusReversed
	}
	draft := wallet.EntryDraft{
		Kind:   kind,
		Status: status,
		Bucket: bucket,
		Amount: wallet.Points(event.Amount),
		Source: wallet.Source{
			EventID:     event.SourceEventID,
			RiskEventID: event.RiskEventID,
		},
		ExpiresAtUnixUTC: event.ExpiresAtUnixUTC,
	}
	return draft, userID, nil
}
