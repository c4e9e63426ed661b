package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultHoldBatchLimit = 500

	reasonScoreDropped = "re-evaluated below hold band"
	reasonScoreRaised  = "re-evaluated above hold band"
)

// ResolverSummary aggregates one resolver run.
type ResolverSummary struct {
	Processed int `json:"processed"`
	Released  int `json:"released"`
	Reversed  int `json:"reversed"`
	Held      int `json:"held"`
	Errors    int `json:"errors"`
}

// Resolver re-evaluates open holds in batch and resolves the ones whose
// score has left the hold band. Scores still inside the band stay held;
// only an admin action moves them.
type Resolver struct {
	store   Store
	service *Service
	logger  *zap.Logger
	limit   int
}

// NewResolver wires a Resolver.
func NewResolver(store Store, service *Service, logger *zap.Logger) (*Resolver, error) {
	if store == nil || service == nil {
		return nil, fmt.Errorf("%w: store and service are required", ErrInvalidServiceDeps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, service: service, logger: logger, limit: defaultHoldBatchLimit}, nil
}

// Run processes every open hold once. Per-item failures are logged and
// counted; they never abort the batch.
func (resolver *Resolver) Run(ctx context.Context) (ResolverSummary, error) {
	holds, err := resolver.store.ListOpenHolds(ctx, resolver.limit)
	if err != nil {
		return ResolverSummary{}, err
	}
	summary := ResolverSummary{}
	for _, hold := range holds {
		summary.Processed++
		if err := resolver.resolveOne(ctx, hold, &summary); err != nil {
			summary.Errors++
			resolver.logger.Error("hold resolution failed",
				zap.String("risk_event_id", hold.RiskEventID),
				zap.String("uid", hold.UserID),
				zap.Error(err),
			)
		}
	}
	resolver.logger.Info("hold resolver run complete",
		zap.Int("processed", summary.Processed),
		zap.Int("released", summary.Released),
		zap.Int("reversed", summary.Reversed),
		zap.Int("held", summary.Held),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

func (resolver *Resolver) resolveOne(ctx context.Context, hold Event, summary *ResolverSummary) error {
	assessment, err := resolver.service.EvaluateCandidate(ctx, Candidate{
		UserID:    hold.UserID,
		EventType: hold.EventType,
		Amount:    hold.Amount,
		IPAddress: hold.IPAddress,
	})
	if err != nil {
		return err
	}
	switch {
	case assessment.Score < holdLowerBound:
		if err := resolver.service.resolve(ctx, hold, DecisionPosted, actorSystem, reasonScoreDropped); err != nil {
			return err
		}
		summary.Released++
	case assessment.Score > holdUpperBound:
		if err := resolver.service.resolve(ctx, hold, DecisionReversed, actorSystem, reasonScoreRaised); err != nil {
			return err
		}
		summary.Reversed++
	default:
		// Hold band is sticky on re-evaluation.
		summary.Held++
		resolver.logger.Info("hold re-affirmed",
			zap.String("risk_event_id", hold.RiskEventID),
			zap.String("uid", hold.UserID),
			zap.Int("score", assessment.Score),
		)
	}
	return nil
}
