package risk

import (
	"context"
	"errors"
	"fmt"
)

// Decision is the outcome of a velocity evaluation.
type Decision string

const (
	DecisionPosted   Decision = "posted"
	DecisionHold     Decision = "hold"
	DecisionReversed Decision = "reversed"
)

// String returns the stored representation.
func (decision Decision) String() string {
	return string(decision)
}

// ParseDecision validates a stored decision value.
func ParseDecision(raw string) (Decision, error) {
	decision := Decision(raw)
	switch decision {
	case DecisionPosted, DecisionHold, DecisionReversed:
		return decision, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
}

// AdminAction names a manual intervention on an open hold.
type AdminAction string

const (
	ActionRelease AdminAction = "release"
	ActionReverse AdminAction = "reverse"
	ActionBan     AdminAction = "ban"
)

// ParseAdminAction validates an action value from the admin API.
func ParseAdminAction(raw string) (AdminAction, error) {
	action := AdminAction(raw)
	switch action {
	case ActionRelease, ActionReverse, ActionBan:
		return action, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

// Event records one velocity evaluation and, for holds, carries enough of
// the original draft to post or reverse it later.
type Event struct {
	RiskEventID      string
	UserID           string
	EventType        string
	RiskScore        int
	Decision         Decision
	Amount           int64
	Bucket           string
	Kind             string
	ExpiresAtUnixUTC int64
	SourceEventID    string
	IPAddress        string
	Reason           string
	ResolvedUnixUTC  int64
	ResolvedBy       string
	CreatedUnixUTC   int64
}

// Open reports whether the event is an unresolved hold.
func (event Event) Open() bool {
	return event.Decision == DecisionHold && event.ResolvedUnixUTC == 0
}

// History summarizes a user's recent activity for scoring.
type History struct {
	UserEventsLastHour  int
	IPEventsLastHour    int
	AverageCreditPoints int64
}

// Candidate is the event under evaluation.
type Candidate struct {
	UserID      string
	EventType   string
	Amount      int64
	IPAddress   string
	UserFlagged bool
}

// Assessment pairs a bounded score with its threshold decision.
type Assessment struct {
	Score    int
	Decision Decision
}

// Store is the persistence contract for risk events.
type Store interface {
	InsertRiskEvent(ctx context.Context, event Event) error
	GetRiskEvent(ctx context.Context, riskEventID string) (Event, error)
	ListOpenHolds(ctx context.Context, limit int) ([]Event, error)
	ResolveRiskEvent(ctx context.Context, riskEventID string, decision Decision, actor string, reason string, resolvedUnixUTC int64) error
	RecentHistory(ctx context.Context, userID string, ipAddress string, nowUnixUTC int64) (History, error)
	SetRiskFlagged(ctx context.Context, userID string, flagged bool) error
}

// Error values returned by the risk service.
var (
	ErrUnknownRiskEvent    = errors.New("unknown risk event")
	ErrHoldAlreadyResolved = errors.New("hold already resolved")
	ErrInvalidDecision     = errors.New("invalid decision")
	ErrInvalidAction       = errors.New("invalid admin action")
	ErrInvalidServiceDeps  = errors.New("invalid risk service dependencies")
)
