package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReserveInput struct {
	ClientKey   string          `json:"client_key" binding:"required"`
	DemandType  string          `json:"demand_type" binding:"required"`
	DemandId    string          `json:"demand_id" binding:"required"`
	ItemId      int             `json:"item_id" binding:"required"`
	LocationId  int             `json:"location_id" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	Uom         string          `json:"uom"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	// AllowBackorder reserves past current availability; default is reject.
	AllowBackorder bool `json:"allow_backorder"`
}

// Reserve commits availability to a demand line. The client key makes retries
// replay the original reservation instead of double-committing.
func Reserve(ctx context.Context, input *ReserveInput) (*models.Reservation, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, utils.NewValidationError("reservation quantity must be positive, got %s", input.Quantity)
	}
	// expires_at may already be past; the next sweep claims such reservations.

	db := config.GetDB()
	var reservation *models.Reservation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findReservationByClientKey(tx, businessId, input.ClientKey)
		if err != nil {
			return err
		}
		if existing != nil {
			reservation = existing
			return nil
		}

		item, err := models.GetItem2(tx, businessId, input.ItemId)
		if err != nil {
			return err
		}
		location, err := models.GetLocation2(tx, businessId, input.LocationId)
		if err != nil {
			return err
		}
		canonicalQty, canonicalUom, err := item.CanonicalQty(input.Quantity, input.Uom)
		if err != nil {
			return err
		}

		if !input.AllowBackorder {
			availability, err := models.GetAvailabilityTx(tx, businessId, location.WarehouseId,
				input.ItemId, canonicalUom, nil, time.Now().UTC())
			if err != nil {
				return err
			}
			if availability.Available.LessThan(canonicalQty) {
				return utils.NewConflictError(utils.CodeStockInsufficient,
					"cannot reserve %s %s of item %d: available %s", canonicalQty, canonicalUom, input.ItemId, availability.Available)
			}
		}

		created := models.Reservation{
			BusinessId:       businessId,
			ClientKey:        input.ClientKey,
			DemandType:       input.DemandType,
			DemandId:         input.DemandId,
			ItemId:           input.ItemId,
			LocationId:       input.LocationId,
			WarehouseId:      location.WarehouseId,
			Uom:              canonicalUom,
			QuantityReserved: canonicalQty,
			Status:           models.ReservationStatusReserved,
			ExpiresAt:        input.ExpiresAt,
		}
		if err := tx.Create(&created).Error; err != nil {
			if isDuplicateKeyErr(err) {
				// Lost the race to a concurrent retry; replay its row.
				raced, lerr := findReservationByClientKey(tx, businessId, input.ClientKey)
				if lerr == nil && raced != nil {
					reservation = raced
					return nil
				}
			}
			return err
		}
		if err := models.AppendReservationEvent(tx, &created, models.ReservationStatusReserved,
			models.ReservationStatusReserved, &canonicalQty, "created", actorName(ctx)); err != nil {
			return err
		}
		if _, err := models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeReservation,
			reservationAggregateId(created.ID), models.EventTypeReservationCreated,
			reservationEventPayload(&created), time.Now().UTC()); err != nil {
			return err
		}
		reservation = &created
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "Reserve", "reserve stock", input, err)
		return nil, err
	}
	return reservation, nil
}

// AllocateReservation moves RESERVED to ALLOCATED (picking has begun).
func AllocateReservation(ctx context.Context, reservationId int) (*models.Reservation, error) {
	return transitionReservation(ctx, reservationId, models.ReservationStatusAllocated, nil, "allocated")
}

// FulfillReservation records quantity shipped against an ALLOCATED
// reservation. The reservation completes when cumulative fulfillment reaches
// the reserved quantity; partial fulfillment leaves it ALLOCATED.
func FulfillReservation(ctx context.Context, reservationId int, quantity decimal.Decimal) (*models.Reservation, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, utils.NewValidationError("fulfillment quantity must be positive, got %s", quantity)
	}

	db := config.GetDB()
	var result *models.Reservation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := lockReservation(tx, businessId, reservationId)
		if err != nil {
			return err
		}
		if reservation.Status != models.ReservationStatusAllocated {
			return utils.NewConflictError(utils.CodeInvalidTransition,
				"reservation %d is %s; only ALLOCATED reservations fulfill", reservationId, reservation.Status)
		}
		newFulfilled := reservation.QuantityFulfilled.Add(quantity)
		if newFulfilled.GreaterThan(reservation.QuantityReserved) &&
			!utils.WithinEpsilon(newFulfilled, reservation.QuantityReserved) {
			return utils.NewConflictError(utils.CodeOverFulfillment,
				"fulfilling %s would exceed reservation %d reserved quantity %s (already fulfilled %s)",
				quantity, reservationId, reservation.QuantityReserved, reservation.QuantityFulfilled)
		}

		updates := map[string]interface{}{"quantity_fulfilled": newFulfilled}
		toStatus := reservation.Status
		if utils.WithinEpsilon(newFulfilled, reservation.QuantityReserved) {
			toStatus = models.ReservationStatusFulfilled
			updates["status"] = toStatus
		}
		if err := tx.Model(&models.Reservation{}).
			Where("id = ? AND business_id = ?", reservationId, businessId).
			Updates(updates).Error; err != nil {
			return err
		}
		if err := models.AppendReservationEvent(tx, reservation, reservation.Status, toStatus,
			&quantity, "fulfilled", actorName(ctx)); err != nil {
			return err
		}
		reservation.QuantityFulfilled = newFulfilled
		reservation.Status = toStatus
		if _, err := models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeReservation,
			reservationAggregateId(reservationId), models.EventTypeReservationChanged,
			reservationEventPayload(reservation), time.Now().UTC()); err != nil {
			return err
		}
		result = reservation
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "FulfillReservation", "fulfill reservation", reservationId, err)
		return nil, err
	}
	return result, nil
}

// CancelReservation releases the commitment from either active state.
func CancelReservation(ctx context.Context, reservationId int, reason string) (*models.Reservation, error) {
	return transitionReservation(ctx, reservationId, models.ReservationStatusCancelled, nil, reason)
}

// transitionReservation applies one guarded status change under a row lock.
func transitionReservation(ctx context.Context, reservationId int, to models.ReservationStatus, qty *decimal.Decimal, reason string) (*models.Reservation, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}

	db := config.GetDB()
	var result *models.Reservation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := lockReservation(tx, businessId, reservationId)
		if err != nil {
			return err
		}
		from := reservation.Status
		if err := models.ValidateReservationTransition(from, to); err != nil {
			return err
		}
		if err := tx.Model(&models.Reservation{}).
			Where("id = ? AND business_id = ? AND status = ?", reservationId, businessId, from).
			Update("status", to).Error; err != nil {
			return err
		}
		if err := models.AppendReservationEvent(tx, reservation, from, to, qty, reason, actorName(ctx)); err != nil {
			return err
		}
		reservation.Status = to
		if _, err := models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeReservation,
			reservationAggregateId(reservationId), models.EventTypeReservationChanged,
			reservationEventPayload(reservation), time.Now().UTC()); err != nil {
			return err
		}
		result = reservation
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "transitionReservation", "transition reservation", reservationId, err)
		return nil, err
	}
	return result, nil
}

// ExpireDueReservations claims every RESERVED row past its expires_at by
// stamping it EXPIRED with this sweep's id, then emits events for the claimed
// rows. Crashing between claim and emit never expires a row twice; the claim
// is the effect.
func ExpireDueReservations(ctx context.Context, now time.Time) (int, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	sweepId := uuid.New().String()
	// The sweep runs across tenants; the claim carries explicit business
	// scoping through the claimed rows themselves.
	ctx = utils.SetSkipTenantScopeInContext(ctx)

	var expired int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.Reservation{}).
			Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.ReservationStatusReserved, now).
			Updates(map[string]interface{}{"status": models.ReservationStatusExpired, "sweep_id": sweepId})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return nil
		}

		var claimed []models.Reservation
		if err := tx.Where("sweep_id = ?", sweepId).Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			r := &claimed[i]
			if err := models.AppendReservationEvent(tx, r, models.ReservationStatusReserved,
				models.ReservationStatusExpired, nil, "expired by sweep "+sweepId, "system"); err != nil {
				return err
			}
			eventCtx := utils.SetBusinessIdInContext(ctx, r.BusinessId)
			if _, err := models.AppendOutboxEvent(eventCtx, tx, r.BusinessId, models.AggregateTypeReservation,
				reservationAggregateId(r.ID), models.EventTypeReservationChanged,
				reservationEventPayload(r), now); err != nil {
				return err
			}
		}
		expired = len(claimed)
		return nil
	})
	if err != nil {
		config.SweepRunsTotal.WithLabelValues("error").Inc()
		config.LogError(logger, "workflow", "ExpireDueReservations", "expiry sweep "+sweepId, nil, err)
		return 0, err
	}
	config.SweepRunsTotal.WithLabelValues("ok").Inc()
	config.ReservationsExpiredTotal.Add(float64(expired))
	if expired > 0 {
		logger.WithFields(map[string]interface{}{
			"sweep_id": sweepId,
			"expired":  expired,
		}).Info("reservation expiry sweep completed")
	}
	return expired, nil
}

// RunExpirySweeper loops ExpireDueReservations until the context ends.
func RunExpirySweeper(ctx context.Context, interval time.Duration) {
	logger := config.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.WithField("interval", interval.String()).Info("reservation expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("reservation expiry sweeper stopped")
			return
		case <-ticker.C:
			_, _ = ExpireDueReservations(ctx, time.Now().UTC())
		}
	}
}

func findReservationByClientKey(tx *gorm.DB, businessId, clientKey string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := tx.Where("business_id = ? AND client_key = ?", businessId, clientKey).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func lockReservation(tx *gorm.DB, businessId string, reservationId int) (*models.Reservation, error) {
	var reservation models.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, reservationId).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewNotFoundError("reservation %d not found", reservationId)
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func reservationEventPayload(r *models.Reservation) map[string]any {
	return map[string]any{
		"reservation_id":     r.ID,
		"client_key":         r.ClientKey,
		"demand_type":        r.DemandType,
		"demand_id":          r.DemandId,
		"item_id":            r.ItemId,
		"warehouse_id":       r.WarehouseId,
		"location_id":        r.LocationId,
		"uom":                r.Uom,
		"quantity_reserved":  r.QuantityReserved,
		"quantity_fulfilled": r.QuantityFulfilled,
		"status":             r.Status,
	}
}

func actorName(ctx context.Context) string {
	if name, ok := utils.GetUserNameFromContext(ctx); ok && name != "" {
		return name
	}
	return "system"
}

func reservationAggregateId(id int) string {
	return strconv.Itoa(id)
}
