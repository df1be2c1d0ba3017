package models

import "time"

// IdempotencyKey provides durable, DB-backed exactly-once semantics for
// externally triggered postings. Unique constraint: (business_id, idem_key).
// Same key + same request_hash replays the stored response; same key +
// different hash is a conflict.
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	BusinessId  string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"business_id"`
	IdemKey     string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idem_key"`
	RequestHash string            `gorm:"size:64;not null" json:"request_hash"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`

	// Response reference: what the guarded operation produced.
	ResponseType *string `gorm:"size:30" json:"response_type"`
	ResponseId   *string `gorm:"size:64" json:"response_id"`
	OutcomeCode  *string `gorm:"size:40" json:"outcome_code"`
	LastError    *string `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
