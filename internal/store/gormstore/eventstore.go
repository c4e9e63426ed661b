package gormstore

import (
	"context"
	"time"

	"github.com/walduae101/siraj-sub002/internal/reconcile"
	"github.com/walduae101/siraj-sub002/internal/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// InsertRawEvent stores a provider delivery verbatim. Duplicate event ids
// are ignored so re-delivery never fails ingestion.
func (store *Store) InsertRawEvent(ctx context.Context, event webhook.RawEvent) error {
	model := WebhookEvent{
		EventID:       event.EventID,
		EventType:     event.EventType,
		Body:          datatypes.JSON(event.Body),
		ProcessStatus: event.ProcessStatus,
		ProcessError:  event.ProcessError,
		ReceivedAt:    timeFromUnix(event.ReceivedUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	return nil
}

// MarkRawEvent updates the processing state of a stored delivery.
func (store *Store) MarkRawEvent(ctx context.Context, eventID string, status string, processError string) error {
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"process_status": status,
			"process_error":  processError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, result.Error)
	}
	return nil
}

// ListRawEvents lists stored deliveries in a received-at range, oldest
// first, capped at limit.
func (store *Store) ListRawEvents(ctx context.Context, startUnixUTC int64, endUnixUTC int64, limit int) ([]webhook.RawEvent, error) {
	start := time.Unix(startUnixUTC, 0).UTC()
	end := time.Unix(endUnixUTC, 0).UTC()
	var rows []WebhookEvent
	err := store.db.WithContext(ctx).
		Where("received_at >= ? AND received_at < ?", start, end).
		Order("received_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWebhookEvent, errorCodeList, err)
	}
	events := make([]webhook.RawEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, webhook.RawEvent{
			EventID:         row.EventID,
			EventType:       row.EventType,
			Body:            []byte(row.Body),
			ProcessStatus:   row.ProcessStatus,
			ProcessError:    row.ProcessError,
			ReceivedUnixUTC: row.ReceivedAt.Unix(),
		})
	}
	return events, nil
}

// InsertReconciliationResult records one user's reconciliation outcome.
func (store *Store) InsertReconciliationResult(ctx context.Context, result reconcile.Result) error {
	model := ReconciliationResult{
		RunID:         result.RunID,
		UserID:        result.UserID,
		ExpectedPaid:  result.Expected.Paid,
		ExpectedPromo: result.Expected.Promo,
		StoredPaid:    result.Stored.Paid,
		StoredPromo:   result.Stored.Promo,
		DeltaPaid:     result.Delta.Paid,
		DeltaPromo:    result.Delta.Promo,
		Adjusted:      result.Adjusted,
		CreatedAt:     timeFromUnix(result.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReconciliation, errorCodeInsert, err)
	}
	return nil
}
