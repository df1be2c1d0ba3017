package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxDispatcher polls PENDING outbox rows, claims a batch, publishes each
// to Pub/Sub and marks the result. A crashed dispatcher's claims expire after
// LockTimeout and are reclaimed by the next poll, so delivery is at-least-once
// and consumers dedupe on (business_id, sequence).
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	// MaxAttempts exhausted moves the event to the dead-letter store.
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.New().String(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

// Run loops until the context ends. Each iteration claims one batch and
// publishes it; an empty claim sleeps through the poll interval.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	d.Logger.WithFields(logrus.Fields{
		"dispatcher_id": d.DispatcherID,
		"batch_size":    d.BatchSize,
	}).Info("outbox dispatcher started")
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Logger.WithField("dispatcher_id", d.DispatcherID).Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			events, err := d.claimBatch(ctx)
			if err != nil {
				config.LogError(d.Logger, "workflow", "OutboxDispatcher.Run", "claim batch", nil, err)
				continue
			}
			for i := range events {
				d.dispatchOne(ctx, &events[i])
			}
			d.updatePendingGauge(ctx)
		}
	}
}

// claimBatch locks up to BatchSize dispatchable rows: PENDING rows whose
// backoff has elapsed, plus PROCESSING rows whose claim went stale. SKIP
// LOCKED keeps concurrent dispatchers out of each other's way.
func (d *OutboxDispatcher) claimBatch(ctx context.Context) ([]models.OutboxEvent, error) {
	var claimed []models.OutboxEvent
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int
		err := tx.Raw(`
			SELECT id FROM outbox_events
			WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			   OR (status = ? AND locked_at < ?)
			ORDER BY id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			models.OutboxStatusPending, now, models.OutboxStatusProcessing, staleBefore, d.BatchSize).
			Scan(&ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		err = tx.Model(&models.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":    models.OutboxStatusProcessing,
				"locked_at": &now,
				"locked_by": d.DispatcherID,
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("id ASC").Find(&claimed).Error
	})
	return claimed, err
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, event *models.OutboxEvent) {
	msg := config.InventoryEventMessage{
		ID:            event.ID,
		BusinessId:    event.BusinessId,
		Sequence:      event.Sequence,
		AggregateType: event.AggregateType,
		AggregateId:   event.AggregateId,
		EventType:     event.EventType,
		OccurredAt:    event.OccurredAt,
		Payload:       event.Payload,
		CorrelationId: event.CorrelationId,
	}
	messageId, err := config.PublishInventoryEventWithResult(ctx, event.BusinessId, msg)
	if err != nil {
		config.OutboxPublishedTotal.WithLabelValues("error").Inc()
		d.markFailed(ctx, event, err)
		return
	}
	config.OutboxPublishedTotal.WithLabelValues("ok").Inc()
	d.markSent(ctx, event, messageId)
}

func (d *OutboxDispatcher) markSent(ctx context.Context, event *models.OutboxEvent, messageId string) {
	now := time.Now().UTC()
	err := d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND locked_by = ?", event.ID, d.DispatcherID).
		Updates(map[string]interface{}{
			"status":       models.OutboxStatusCompleted,
			"published_at": &now,
			"locked_at":    nil,
			"locked_by":    nil,
			"last_error":   nil,
		}).Error
	if err != nil {
		config.LogError(d.Logger, "workflow", "OutboxDispatcher.markSent", "mark sent", event.ID, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"outbox_event_id": event.ID,
		"business_id":     event.BusinessId,
		"sequence":        event.Sequence,
		"event_type":      event.EventType,
		"message_id":      messageId,
	}).Debug("outbox event published")
}

// markFailed schedules a retry with exponential backoff, or dead-letters the
// event when the attempt budget is spent.
func (d *OutboxDispatcher) markFailed(ctx context.Context, event *models.OutboxEvent, publishErr error) {
	attempts := event.Attempts + 1
	errText := publishErr.Error()
	if len(errText) > 2000 {
		errText = errText[:2000]
	}

	if attempts >= d.MaxAttempts {
		err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dead := models.OutboxDeadLetter{
				BusinessId:    event.BusinessId,
				OutboxEventId: event.ID,
				Sequence:      event.Sequence,
				AggregateType: event.AggregateType,
				AggregateId:   event.AggregateId,
				EventType:     event.EventType,
				Payload:       event.Payload,
				Attempts:      attempts,
				FinalError:    errText,
			}
			if err := tx.Create(&dead).Error; err != nil {
				return err
			}
			return tx.Model(&models.OutboxEvent{}).
				Where("id = ?", event.ID).
				Updates(map[string]interface{}{
					"status":     models.OutboxStatusDead,
					"attempts":   attempts,
					"last_error": errText,
					"locked_at":  nil,
					"locked_by":  nil,
				}).Error
		})
		if err != nil {
			config.LogError(d.Logger, "workflow", "OutboxDispatcher.markFailed", "dead-letter event", event.ID, err)
			return
		}
		config.OutboxDeadTotal.Inc()
		d.Logger.WithFields(logrus.Fields{
			"outbox_event_id": event.ID,
			"business_id":     event.BusinessId,
			"attempts":        attempts,
		}).Error("outbox event dead-lettered")
		return
	}

	nextAttempt := time.Now().UTC().Add(backoffDelay(d.InitialBackoff, attempts))
	err := d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusPending,
			"attempts":        attempts,
			"last_error":      errText,
			"next_attempt_at": &nextAttempt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil {
		config.LogError(d.Logger, "workflow", "OutboxDispatcher.markFailed", "schedule retry", event.ID, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"outbox_event_id": event.ID,
		"attempts":        attempts,
		"next_attempt_at": nextAttempt,
	}).Warn("outbox publish failed; retry scheduled")
}

func (d *OutboxDispatcher) updatePendingGauge(ctx context.Context) {
	var pending int64
	err := d.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ?", models.OutboxStatusPending).
		Count(&pending).Error
	if err == nil {
		config.OutboxPendingGauge.Set(float64(pending))
	}
}

// backoffDelay doubles per attempt from base, capped at ten minutes.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Minute
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
