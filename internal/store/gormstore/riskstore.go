package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/walduae101/siraj-sub002/internal/risk"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"gorm.io/gorm"
)

const (
	historyFrequencyWindow = time.Hour
	historyAverageWindow   = 30 * 24 * time.Hour
)

// InsertRiskEvent persists one velocity evaluation.
func (store *Store) InsertRiskEvent(ctx context.Context, event risk.Event) error {
	model := RiskEvent{
		RiskEventID:   event.RiskEventID,
		UserID:        event.UserID,
		EventType:     event.EventType,
		RiskScore:     event.RiskScore,
		Decision:      event.Decision.String(),
		Amount:        event.Amount,
		Bucket:        event.Bucket,
		Kind:          event.Kind,
		SourceEventID: event.SourceEventID,
		IPAddress:     event.IPAddress,
		Reason:        event.Reason,
		ResolvedBy:    event.ResolvedBy,
		CreatedAt:     timeFromUnix(event.CreatedUnixUTC),
	}
	if event.ExpiresAtUnixUTC != 0 {
		expires := time.Unix(event.ExpiresAtUnixUTC, 0).UTC()
		model.ExpiresAt = &expires
	}
	if event.ResolvedUnixUTC != 0 {
		resolved := time.Unix(event.ResolvedUnixUTC, 0).UTC()
		model.ResolvedAt = &resolved
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRiskEvent, errorCodeInsert, err)
	}
	return nil
}

// GetRiskEvent loads one risk event by id.
func (store *Store) GetRiskEvent(ctx context.Context, riskEventID string) (risk.Event, error) {
	var model RiskEvent
	err := store.db.WithContext(ctx).Where("risk_event_id = ?", riskEventID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return risk.Event{}, wrapStoreError(errorSubjectRiskEvent, errorCodeGet, risk.ErrUnknownRiskEvent)
	}
	if err != nil {
		return risk.Event{}, wrapStoreError(errorSubjectRiskEvent, errorCodeGet, err)
	}
	return mapRiskEvent(model)
}

// ListOpenHolds lists unresolved holds oldest-first.
func (store *Store) ListOpenHolds(ctx context.Context, limit int) ([]risk.Event, error) {
	var rows []RiskEvent
	err := store.db.WithContext(ctx).
		Where("decision = ? AND resolved_at IS NULL", risk.DecisionHold.String()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRiskEvent, errorCodeList, err)
	}
	events := make([]risk.Event, 0, len(rows))
	for _, row := range rows {
		event, err := mapRiskEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRiskEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// ResolveRiskEvent stamps an open hold with its terminal decision.
func (store *Store) ResolveRiskEvent(ctx context.Context, riskEventID string, decision risk.Decision, actor string, reason string, resolvedUnixUTC int64) error {
	resolved := time.Unix(resolvedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&RiskEvent{}).
		Where("risk_event_id = ? AND resolved_at IS NULL", riskEventID).
		Updates(map[string]interface{}{
			"decision":    decision.String(),
			"resolved_at": &resolved,
			"resolved_by": actor,
			"reason":      reason,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRiskEvent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRiskEvent, errorCodeUpdate, risk.ErrHoldAlreadyResolved)
	}
	return nil
}

// RecentHistory summarizes the user's and ip's last-hour event counts plus
// the user's trailing average credit size.
func (store *Store) RecentHistory(ctx context.Context, userID string, ipAddress string, nowUnixUTC int64) (risk.History, error) {
	now := timeFromUnix(nowUnixUTC)
	frequencyCutoff := now.Add(-historyFrequencyWindow)
	averageCutoff := now.Add(-historyAverageWindow)

	var history risk.History
	var userCount int64
	err := store.db.WithContext(ctx).
		Model(&RiskEvent{}).
		Where("user_id = ? AND created_at > ?", userID, frequencyCutoff).
		Count(&userCount).Error
	if err != nil {
		return risk.History{}, wrapStoreError(errorSubjectRiskEvent, errorCodeSum, err)
	}
	history.UserEventsLastHour = int(userCount)

	if ipAddress != "" {
		var ipCount int64
		err = store.db.WithContext(ctx).
			Model(&RiskEvent{}).
			Where("ip_address = ? AND created_at > ?", ipAddress, frequencyCutoff).
			Count(&ipCount).Error
		if err != nil {
			return risk.History{}, wrapStoreError(errorSubjectRiskEvent, errorCodeSum, err)
		}
		history.IPEventsLastHour = int(ipCount)
	}

	var average sqlAverage
	err = store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(avg(amount),0) as average").
		Where("user_id = ? AND status = ? AND amount > 0 AND created_at > ?",
			userID, wallet.StatusPosted.String(), averageCutoff).
		Scan(&average).Error
	if err != nil {
		return risk.History{}, wrapStoreError(errorSubjectRiskEvent, errorCodeSum, err)
	}
	history.AverageCreditPoints = int64(average.Average)
	return history, nil
}

type sqlAverage struct {
	Average float64
}

func mapRiskEvent(model RiskEvent) (risk.Event, error) {
	decision, err := risk.ParseDecision(model.Decision)
	if err != nil {
		return risk.Event{}, err
	}
	event := risk.Event{
		RiskEventID:    model.RiskEventID,
		UserID:         model.UserID,
		EventType:      model.EventType,
		RiskScore:      model.RiskScore,
		Decision:       decision,
		Amount:         model.Amount,
		Bucket:         model.Bucket,
		Kind:           model.Kind,
		SourceEventID:  model.SourceEventID,
		IPAddress:      model.IPAddress,
		Reason:         model.Reason,
		ResolvedBy:     model.ResolvedBy,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.ExpiresAt != nil {
		event.ExpiresAtUnixUTC = model.ExpiresAt.Unix()
	}
	if model.ResolvedAt != nil {
		event.ResolvedUnixUTC = model.ResolvedAt.Unix()
	}
	return event, nil
}
