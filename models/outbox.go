package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxEvent is written in the same transaction as the mutation it
// describes. A separate dispatcher claims and publishes pending rows.
type OutboxEvent struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index:idx_outbox_biz_seq,priority:1;size:64;not null" json:"business_id"`
	// Sequence increases strictly per tenant; the auto-increment ID orders
	// events globally.
	Sequence int64 `gorm:"index:idx_outbox_biz_seq,priority:2;not null" json:"sequence"`

	AggregateType string          `gorm:"size:30;not null" json:"aggregate_type"`
	AggregateId   string          `gorm:"size:64;index;not null" json:"aggregate_id"`
	EventType     string          `gorm:"size:60;not null;index" json:"event_type"`
	Payload       json.RawMessage `gorm:"type:json" json:"payload"`

	Status        string     `gorm:"size:15;not null;index" json:"status"`
	Attempts      int        `gorm:"default:0" json:"attempts"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at"`
	LockedBy      *string    `gorm:"size:36" json:"locked_by"`

	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	OccurredAt    time.Time  `gorm:"not null" json:"occurred_at"`
	PublishedAt   *time.Time `json:"published_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// OutboxDeadLetter archives events that exhausted their retry budget, keeping
// the final error for operator remediation.
type OutboxDeadLetter struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;size:64;not null" json:"business_id"`
	OutboxEventId int             `gorm:"index;not null" json:"outbox_event_id"`
	Sequence      int64           `gorm:"not null" json:"sequence"`
	AggregateType string          `gorm:"size:30;not null" json:"aggregate_type"`
	AggregateId   string          `gorm:"size:64;not null" json:"aggregate_id"`
	EventType     string          `gorm:"size:60;not null" json:"event_type"`
	Payload       json.RawMessage `gorm:"type:json" json:"payload"`
	Attempts      int             `gorm:"not null" json:"attempts"`
	FinalError    string          `gorm:"type:text;not null" json:"final_error"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// OutboxSequence holds the per-tenant counter, locked FOR UPDATE while a
// transaction allocates the next value.
type OutboxSequence struct {
	BusinessId string `gorm:"size:64;primary_key" json:"business_id"`
	NextValue  int64  `gorm:"not null;default:1" json:"next_value"`
}

// NextOutboxSequence allocates the tenant's next sequence number inside tx.
// The row lock serializes concurrent allocators; two committed events can
// never share a sequence.
func NextOutboxSequence(tx *gorm.DB, businessId string) (int64, error) {
	var seq OutboxSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seq = OutboxSequence{BusinessId: businessId, NextValue: 1}
		if cerr := tx.Create(&seq).Error; cerr != nil {
			return 0, cerr
		}
	} else if err != nil {
		return 0, err
	}
	value := seq.NextValue
	if uerr := tx.Model(&OutboxSequence{}).
		Where("business_id = ?", businessId).
		Update("next_value", value+1).Error; uerr != nil {
		return 0, uerr
	}
	return value, nil
}

// AppendOutboxEvent writes the event row inside the caller's transaction.
// Publishing happens asynchronously after commit (outbox pattern).
func AppendOutboxEvent(ctx context.Context, tx *gorm.DB, businessId, aggregateType, aggregateId, eventType string, payload any, occurredAt time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sequence, err := NextOutboxSequence(tx, businessId)
	if err != nil {
		return nil, err
	}
	event := OutboxEvent{
		BusinessId:    businessId,
		Sequence:      sequence,
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		EventType:     eventType,
		Payload:       raw,
		Status:        OutboxStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		OccurredAt:    occurredAt,
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
