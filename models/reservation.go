package models

import (
	"time"

	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reservation commits future supply against availability for a demand line,
// independent of physical movement.
type Reservation struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;index:uniq_reservation_key,unique,priority:1;size:64;not null" json:"business_id"`
	// ClientKey is the caller-supplied idempotency token for reserve().
	ClientKey  string `gorm:"index:uniq_reservation_key,unique,priority:2;size:100;not null" json:"client_key"`
	DemandType string `gorm:"size:30;not null" json:"demand_type"` // e.g. SALES_ORDER_LINE
	DemandId   string `gorm:"size:64;index;not null" json:"demand_id"`

	ItemId      int    `gorm:"index;not null" json:"item_id"`
	LocationId  int    `gorm:"index;not null" json:"location_id"`
	WarehouseId int    `gorm:"index;not null" json:"warehouse_id"`
	Uom         string `gorm:"size:10;not null" json:"uom"` // canonical

	QuantityReserved  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity_reserved"`
	QuantityFulfilled decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_fulfilled"`

	Status    ReservationStatus `gorm:"size:15;not null;index" json:"status"`
	ExpiresAt *time.Time        `gorm:"index" json:"expires_at"`
	// SweepId marks which expiry sweep claimed this row; audit only.
	SweepId *string `gorm:"size:36" json:"sweep_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReservationEvent is the append-only audit trail of status transitions.
type ReservationEvent struct {
	ID            int               `gorm:"primary_key" json:"id"`
	BusinessId    string            `gorm:"index;size:64;not null" json:"business_id"`
	ReservationId int               `gorm:"index;not null" json:"reservation_id"`
	FromStatus    ReservationStatus `gorm:"size:15;not null" json:"from_status"`
	ToStatus      ReservationStatus `gorm:"size:15;not null" json:"to_status"`
	Quantity      *decimal.Decimal  `gorm:"type:decimal(20,4)" json:"quantity"`
	Reason        string            `gorm:"type:text" json:"reason"`
	ActorName     string            `gorm:"size:100" json:"actor_name"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// reservationTransitions is the only source of legal from→to edges.
var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusReserved:  {ReservationStatusAllocated, ReservationStatusCancelled, ReservationStatusExpired},
	ReservationStatusAllocated: {ReservationStatusFulfilled, ReservationStatusCancelled},
}

// ValidateReservationTransition guards every status change.
func ValidateReservationTransition(from, to ReservationStatus) error {
	for _, allowed := range reservationTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return utils.NewConflictError(utils.CodeInvalidTransition,
		"reservation transition %s -> %s is not allowed", from, to)
}

// ActiveCommitment is a reservation's contribution to the reserved/allocated
// figures: max(0, reserved - fulfilled) while the status is active.
func (r *Reservation) ActiveCommitment() decimal.Decimal {
	remaining := r.QuantityReserved.Sub(r.QuantityFulfilled)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// BeforeUpdate blocks any write to a terminal reservation.
func (r *Reservation) BeforeUpdate(tx *gorm.DB) error {
	if r == nil || r.ID == 0 {
		return nil
	}
	var stored string
	err := tx.Session(&gorm.Session{NewDB: true}).
		Model(&Reservation{}).
		Where("id = ?", r.ID).
		Select("status").
		Scan(&stored).Error
	if err != nil {
		return nil
	}
	if ReservationStatus(stored).Terminal() {
		return utils.NewConflictError(utils.CodeInvalidTransition,
			"reservation %d is %s and immutable", r.ID, stored)
	}
	return nil
}

// AppendReservationEvent records one audit row for a status transition.
func AppendReservationEvent(tx *gorm.DB, r *Reservation, from, to ReservationStatus, qty *decimal.Decimal, reason, actor string) error {
	event := ReservationEvent{
		BusinessId:    r.BusinessId,
		ReservationId: r.ID,
		FromStatus:    from,
		ToStatus:      to,
		Quantity:      qty,
		Reason:        reason,
		ActorName:     actor,
	}
	return tx.Create(&event).Error
}
