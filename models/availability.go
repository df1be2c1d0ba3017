package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Availability is the read-side projection per (warehouse, item, UOM
// [, location]). This package owns the arithmetic: no other code in the repo
// recomputes on-hand, reserved, allocated or available.
type Availability struct {
	OnHand    decimal.Decimal `json:"on_hand"`
	Reserved  decimal.Decimal `json:"reserved"`
	Allocated decimal.Decimal `json:"allocated"`
	Available decimal.Decimal `json:"available"`
}

// GetAvailability aggregates over all sellable locations of the warehouse, or
// over the single location when locationId is non-nil.
func GetAvailability(ctx context.Context, warehouseId int, itemId int, uom string, locationId *int) (*Availability, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var result *Availability
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var terr error
		result, terr = GetAvailabilityTx(tx, businessId, warehouseId, itemId, uom, locationId, time.Now().UTC())
		return terr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOnHand returns only the sellable on-hand figure.
func GetOnHand(ctx context.Context, warehouseId int, itemId int, uom string, locationId *int) (decimal.Decimal, error) {
	availability, err := GetAvailability(ctx, warehouseId, itemId, uom, locationId)
	if err != nil {
		return decimal.Zero, err
	}
	return availability.OnHand, nil
}

// GetAvailabilityTx is the transaction-scoped authority used by posting
// workflows, the invariant pass and the HTTP surface alike.
func GetAvailabilityTx(tx *gorm.DB, businessId string, warehouseId int, itemId int, uom string, locationId *int, now time.Time) (*Availability, error) {
	onHand, err := sellableOnHandTx(tx, businessId, warehouseId, itemId, uom, locationId, now)
	if err != nil {
		return nil, err
	}
	reserved, allocated, err := activeCommitmentsTx(tx, businessId, warehouseId, itemId, uom, locationId)
	if err != nil {
		return nil, err
	}
	// Available may be negative: backorder exposure is reported, never
	// auto-corrected.
	return &Availability{
		OnHand:    onHand,
		Reserved:  reserved,
		Allocated: allocated,
		Available: onHand.Sub(reserved).Sub(allocated),
	}, nil
}

// sellableOnHandTx sums posted canonical deltas at sellable locations, minus
// remaining quantity held in non-voided layers whose lot expiry has passed
// (expired stock is physically present but not sellable). Warehouse scope
// resolves through the live locations table, so stock follows its location
// when a subtree is reparented.
func sellableOnHandTx(tx *gorm.DB, businessId string, warehouseId int, itemId int, uom string, locationId *int, now time.Time) (decimal.Decimal, error) {
	var posted decimal.Decimal
	postedQuery := tx.Model(&InventoryMovementLine{}).
		Joins("INNER JOIN inventory_movements ON inventory_movements.id = inventory_movement_lines.movement_id").
		Joins("INNER JOIN locations ON locations.id = inventory_movement_lines.location_id").
		Where("inventory_movement_lines.business_id = ?", businessId).
		Where("inventory_movements.status = ?", MovementStatusPosted).
		Where("locations.warehouse_id = ?", warehouseId).
		Where("inventory_movement_lines.item_id = ?", itemId).
		Where("inventory_movement_lines.canonical_uom = ?", uom).
		Where("locations.is_sellable = 1")
	if locationId != nil {
		postedQuery = postedQuery.Where("inventory_movement_lines.location_id = ?", *locationId)
	}
	if err := postedQuery.
		Select("COALESCE(SUM(inventory_movement_lines.canonical_qty), 0)").
		Scan(&posted).Error; err != nil {
		return decimal.Zero, err
	}

	var expired decimal.Decimal
	expiredQuery := tx.Model(&CostLayer{}).
		Joins("INNER JOIN locations ON locations.id = cost_layers.location_id").
		Where("cost_layers.business_id = ?", businessId).
		Where("cost_layers.item_id = ?", itemId).
		Where("cost_layers.uom = ?", uom).
		Where("cost_layers.is_voided = 0").
		Where("cost_layers.lot_expires_at IS NOT NULL AND cost_layers.lot_expires_at < ?", now).
		Where("locations.warehouse_id = ? AND locations.is_sellable = 1", warehouseId)
	if locationId != nil {
		expiredQuery = expiredQuery.Where("cost_layers.location_id = ?", *locationId)
	}
	if err := expiredQuery.
		Select("COALESCE(SUM(cost_layers.remaining_quantity), 0)").
		Scan(&expired).Error; err != nil {
		return decimal.Zero, err
	}

	return posted.Sub(expired), nil
}

// activeCommitmentsTx sums max(0, reserved - fulfilled) over RESERVED and
// ALLOCATED reservations at the matching canonical UOM.
func activeCommitmentsTx(tx *gorm.DB, businessId string, warehouseId int, itemId int, uom string, locationId *int) (reserved, allocated decimal.Decimal, err error) {
	type row struct {
		Status ReservationStatus
		Total  decimal.Decimal
	}
	var rows []row
	query := tx.Model(&Reservation{}).
		Joins("INNER JOIN locations ON locations.id = reservations.location_id").
		Where("reservations.business_id = ?", businessId).
		Where("locations.warehouse_id = ?", warehouseId).
		Where("reservations.item_id = ?", itemId).
		Where("reservations.uom = ?", uom).
		Where("reservations.status IN ?", []ReservationStatus{ReservationStatusReserved, ReservationStatusAllocated})
	if locationId != nil {
		query = query.Where("reservations.location_id = ?", *locationId)
	}
	err = query.
		Select("reservations.status AS status, COALESCE(SUM(GREATEST(quantity_reserved - quantity_fulfilled, 0)), 0) AS total").
		Group("reservations.status").
		Scan(&rows).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	reserved = decimal.Zero
	allocated = decimal.Zero
	for _, r := range rows {
		switch r.Status {
		case ReservationStatusReserved:
			reserved = r.Total
		case ReservationStatusAllocated:
			allocated = r.Total
		}
	}
	return reserved, allocated, nil
}

// PhysicalOnHandTx is the posting-time sufficiency figure: posted canonical
// deltas at one location regardless of sellability or lot expiry.
func PhysicalOnHandTx(tx *gorm.DB, businessId string, locationId int, itemId int, uom string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&InventoryMovementLine{}).
		Joins("INNER JOIN inventory_movements ON inventory_movements.id = inventory_movement_lines.movement_id").
		Where("inventory_movement_lines.business_id = ?", businessId).
		Where("inventory_movements.status = ?", MovementStatusPosted).
		Where("inventory_movement_lines.location_id = ?", locationId).
		Where("inventory_movement_lines.item_id = ?", itemId).
		Where("inventory_movement_lines.canonical_uom = ?", uom).
		Select("COALESCE(SUM(inventory_movement_lines.canonical_qty), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// CheckAvailabilityReconciliation verifies the standing invariant
// |onHand - (available + reserved + allocated)| <= ε for one scope.
func CheckAvailabilityReconciliation(tx *gorm.DB, businessId string, warehouseId int, itemId int, uom string, now time.Time) error {
	availability, err := GetAvailabilityTx(tx, businessId, warehouseId, itemId, uom, nil, now)
	if err != nil {
		return err
	}
	recomposed := availability.Available.Add(availability.Reserved).Add(availability.Allocated)
	if !utils.WithinEpsilon(availability.OnHand, recomposed) {
		return utils.NewInvariantError(utils.CodeAvailabilityDrift,
			"availability reconciliation failed for warehouse=%d item=%d uom=%s: onHand=%s recomposed=%s diff=%s",
			warehouseId, itemId, uom, availability.OnHand, recomposed, availability.OnHand.Sub(recomposed))
	}
	return nil
}
