package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ProductionComponentInput struct {
	ItemId     int             `json:"item_id" binding:"required"`
	LocationId int             `json:"location_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
	Uom        string          `json:"uom"`
	IsScrap    bool            `json:"is_scrap"`
}

type PostProductionInput struct {
	FinishedItemId     int                        `json:"finished_item_id" binding:"required"`
	FinishedLocationId int                        `json:"finished_location_id" binding:"required"`
	FinishedQuantity   decimal.Decimal            `json:"finished_quantity" binding:"required"`
	FinishedUom        string                     `json:"finished_uom"`
	Components         []ProductionComponentInput `json:"components" binding:"required,dive"`
	OccurredAt         time.Time                  `json:"occurred_at" binding:"required"`
	Memo               string                     `json:"memo"`
	SourceId           *string                    `json:"source_id"` // production order reference
	IdempotencyKey     string                     `json:"idempotency_key"`
}

// PostProduction consumes component stock, writes off scrap, and receives the
// finished good at the cost the components carried in. Value is conserved:
// component cost = finished cost + scrap cost.
func PostProduction(ctx context.Context, input *PostProductionInput) (*models.InventoryMovement, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if err := validatePostProductionInput(input); err != nil {
		return nil, err
	}
	var requestHash string
	if input.IdempotencyKey != "" {
		var err error
		if requestHash, err = utils.HashRequestPayload(input); err != nil {
			return nil, err
		}
	}

	db := config.GetDB()
	var posted *models.InventoryMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		// Same production order posts once.
		if input.SourceId != nil {
			existing, err := models.FindMovementBySource(tx, businessId, "PRODUCTION", *input.SourceId, models.MovementTypeAdjustment)
			if err != nil {
				return err
			}
			if existing != nil {
				posted = existing
				return nil
			}
		}

		if input.IdempotencyKey != "" {
			idem, err := BeginIdempotency(tx, businessId, input.IdempotencyKey, requestHash)
			if err != nil {
				return err
			}
			if idem.Replay {
				if idem.Key.Status == models.IdempotencyStatusFailed {
					return utils.NewConflictError(utils.CodeIdempotencyConflict,
						"idempotency key %s previously failed with %s", input.IdempotencyKey, FailureOutcomeCode(idem.Key))
				}
				replayed, err := ReplayedMovement(tx, businessId, idem.Key)
				if err != nil {
					return err
				}
				posted = replayed
				return nil
			}
		}

		movement, err := postProductionTx(ctx, tx, businessId, input)
		if err != nil {
			return err
		}
		if input.IdempotencyKey != "" {
			if err := MarkIdempotencySucceeded(tx, businessId, input.IdempotencyKey,
				models.AggregateTypeMovement, movement.ID, ""); err != nil {
				return err
			}
		}
		posted = movement
		return nil
	})
	if err != nil {
		if input.IdempotencyKey != "" && !utils.IsConflict(err) {
			// Record the failure outside the rolled-back transaction so a
			// retry with the same key replays the failure deliberately.
			_ = db.WithContext(ctx).Transaction(func(itx *gorm.DB) error {
				return MarkIdempotencyFailed(itx, businessId, input.IdempotencyKey, requestHash, err)
			})
		}
		config.LogError(logger, "workflow", "PostProduction", "post production", input, err)
		return nil, err
	}
	return posted, nil
}

func validatePostProductionInput(input *PostProductionInput) error {
	if input.FinishedQuantity.LessThanOrEqual(decimal.Zero) {
		return utils.NewValidationError("finished quantity must be positive, got %s", input.FinishedQuantity)
	}
	if len(input.Components) == 0 {
		return utils.NewValidationError("production needs at least one component")
	}
	if input.OccurredAt.IsZero() {
		return utils.NewValidationError("occurred_at is required")
	}
	for i, c := range input.Components {
		if c.Quantity.LessThanOrEqual(decimal.Zero) {
			return utils.NewValidationError("component %d quantity must be positive", i)
		}
	}
	return nil
}

// postProductionTx reuses the movement pipeline: components and scrap become
// negative adjustment-style lines, the finished good a positive line priced
// at conserved cost after the component draws are known.
func postProductionTx(ctx context.Context, tx *gorm.DB, businessId string, input *PostProductionInput) (*models.InventoryMovement, error) {
	movementInput := &PostMovementInput{
		Type:       models.MovementTypeAdjustment,
		SourceType: strPtr("PRODUCTION"),
		SourceId:   input.SourceId,
		OccurredAt: input.OccurredAt,
		Memo:       input.Memo,
	}
	for _, c := range input.Components {
		movementInput.Lines = append(movementInput.Lines, MovementLineInput{
			ItemId:     c.ItemId,
			LocationId: c.LocationId,
			Quantity:   c.Quantity.Neg(),
			Uom:        c.Uom,
		})
	}

	movementId, correlationId := newMovementIdentity(ctx)
	lines, err := buildMovementLines(tx, businessId, movementId, movementInput)
	if err != nil {
		return nil, err
	}
	if err := checkStockSufficiency(tx, businessId, movementInput, lines); err != nil {
		return nil, err
	}

	movement := models.InventoryMovement{
		ID:            movementId,
		BusinessId:    businessId,
		Type:          models.MovementTypeAdjustment,
		Status:        models.MovementStatusDraft,
		SourceType:    movementInput.SourceType,
		SourceId:      input.SourceId,
		Memo:          input.Memo,
		CorrelationId: correlationId,
		OccurredAt:    input.OccurredAt.UTC(),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	componentValue := decimal.Zero
	scrapValue := decimal.Zero
	for i := range lines {
		consumptionType := models.ConsumptionTypeProductionInput
		if input.Components[i].IsScrap {
			consumptionType = models.ConsumptionTypeScrap
		}
		consumptions, err := ConsumeCostLayers(tx, businessId, lines[i].ItemId, lines[i].LocationId,
			lines[i].CanonicalUom, lines[i].CanonicalQty.Neg(), consumptionType, &movementId, correlationId)
		if err != nil {
			return nil, err
		}
		value := TotalConsumptionValue(consumptions)
		if input.Components[i].IsScrap {
			scrapValue = scrapValue.Add(value)
		} else {
			componentValue = componentValue.Add(value)
		}
		unitCost := value.Div(lines[i].CanonicalQty.Neg())
		extended := value
		lines[i].UnitCost = &unitCost
		lines[i].ExtendedCost = &extended
		if err := tx.Create(&lines[i]).Error; err != nil {
			return nil, err
		}
	}

	// Finished-good line and layer, priced so value is conserved.
	finishedItem, err := models.GetItem2(tx, businessId, input.FinishedItemId)
	if err != nil {
		return nil, err
	}
	finishedLocation, err := models.GetLocation2(tx, businessId, input.FinishedLocationId)
	if err != nil {
		return nil, err
	}
	finishedQty, finishedUom, err := finishedItem.CanonicalQty(input.FinishedQuantity, input.FinishedUom)
	if err != nil {
		return nil, err
	}
	finishedUnitCost := componentValue.Div(finishedQty)
	finishedValue := finishedQty.Mul(finishedUnitCost)
	finishedLine := models.InventoryMovementLine{
		BusinessId:   businessId,
		MovementId:   movementId,
		ItemId:       input.FinishedItemId,
		LocationId:   input.FinishedLocationId,
		WarehouseId:  finishedLocation.WarehouseId,
		EnteredUom:   enteredUomOrCanonical(input.FinishedUom, finishedUom),
		EnteredQty:   input.FinishedQuantity,
		CanonicalUom: finishedUom,
		CanonicalQty: finishedQty,
		UnitCost:     &finishedUnitCost,
		ExtendedCost: &finishedValue,
	}
	if err := tx.Create(&finishedLine).Error; err != nil {
		return nil, err
	}
	_, err = CreateCostLayer(tx, businessId, NewCostLayer{
		ItemId:         input.FinishedItemId,
		LocationId:     input.FinishedLocationId,
		Uom:            finishedUom,
		Quantity:       finishedQty,
		UnitCost:       finishedUnitCost,
		SourceType:     "PRODUCTION",
		SourceDocument: movementId,
		LayerDate:      dateOnly(input.OccurredAt),
	})
	if err != nil {
		return nil, err
	}
	lines = append(lines, finishedLine)

	work := NewUnitOfWork(businessId, config.GetLogger())
	for _, line := range lines {
		work.RegisterAvailabilityCheck(line.WarehouseId, line.ItemId, line.CanonicalUom)
	}
	work.Register("cost_conservation:"+movementId, func(*gorm.DB) error {
		return checkProductionValueConservation(movementId, componentValue.Add(scrapValue), finishedValue, scrapValue)
	})
	if err := work.RunChecks(tx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = tx.Model(&models.InventoryMovement{}).
		Where("id = ? AND business_id = ? AND status = ?", movementId, businessId, models.MovementStatusDraft).
		Updates(map[string]interface{}{"status": models.MovementStatusPosted, "posted_at": &now}).Error
	if err != nil {
		return nil, err
	}
	movement.Status = models.MovementStatusPosted
	movement.PostedAt = &now
	movement.Lines = lines

	_, err = models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeMovement, movementId,
		models.EventTypeMovementPosted, movementEventPayload(&movement), now)
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func strPtr(s string) *string { return &s }
