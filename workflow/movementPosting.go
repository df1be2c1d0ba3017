package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MovementLineInput struct {
	ItemId       int              `json:"item_id" binding:"required"`
	LocationId   int              `json:"location_id" binding:"required"`
	Quantity     decimal.Decimal  `json:"quantity" binding:"required"`
	Uom          string           `json:"uom"`
	UnitCost     *decimal.Decimal `json:"unit_cost"`
	LotNumber    *string          `json:"lot_number"`
	LotExpiresAt *time.Time       `json:"lot_expires_at"`
}

type PostMovementInput struct {
	Type           models.MovementType `json:"type" binding:"required"`
	SourceType     *string             `json:"source_type"`
	SourceId       *string             `json:"source_id"`
	OccurredAt     time.Time           `json:"occurred_at" binding:"required"`
	Memo           string              `json:"memo"`
	Lines          []MovementLineInput `json:"lines" binding:"required,dive"`
	AllowNegative  bool                `json:"allow_negative"`
	IdempotencyKey string              `json:"idempotency_key"`
}

// lineScope keys net canonical deltas for sufficiency checks.
type lineScope struct {
	ItemId     int
	LocationId int
	Uom        string
}

// PostMovement validates, prices and posts one ledger movement atomically with
// its cost-layer effects and outbox event. Re-posting the same
// (source_type, source_id, type) replays the first posting instead of
// duplicating stock.
func PostMovement(ctx context.Context, input *PostMovementInput) (*models.InventoryMovement, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if err := validatePostMovementInput(input); err != nil {
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

		// Source identity replay: the same upstream document posts once.
		if input.SourceType != nil && input.SourceId != nil {
			existing, err := models.FindMovementBySource(tx, businessId, *input.SourceType, *input.SourceId, input.Type)
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

		movement, err := postMovementTx(ctx, tx, businessId, input)
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
		config.LogError(logger, "workflow", "PostMovement", "post movement", input, err)
		return nil, err
	}
	return posted, nil
}

func validatePostMovementInput(input *PostMovementInput) error {
	if !input.Type.Valid() {
		return utils.NewValidationError("unknown movement type %q", input.Type)
	}
	if input.Type.RequiresSource() && (input.SourceType == nil || input.SourceId == nil) {
		return utils.NewValidationError("%s movements require source_type and source_id", input.Type)
	}
	if len(input.Lines) == 0 {
		return utils.NewValidationError("a movement needs at least one line")
	}
	if input.OccurredAt.IsZero() {
		return utils.NewValidationError("occurred_at is required")
	}
	for i, line := range input.Lines {
		if line.Quantity.IsZero() {
			return utils.NewValidationError("line %d quantity must be non-zero", i)
		}
		switch input.Type {
		case models.MovementTypeReceive:
			if line.Quantity.IsNegative() {
				return utils.NewValidationError("receive line %d quantity must be positive", i)
			}
			if line.UnitCost == nil || line.UnitCost.IsNegative() {
				return utils.NewValidationError("receive line %d requires a non-negative unit cost", i)
			}
		case models.MovementTypeIssue:
			if line.Quantity.IsPositive() {
				return utils.NewValidationError("issue line %d quantity must be negative", i)
			}
		}
	}
	return nil
}

// postMovementTx does the actual posting inside the caller's transaction:
// canonicalize lines, check sufficiency, write the draft, apply cost effects,
// run the invariant pass, flip to posted and emit the outbox event.
func postMovementTx(ctx context.Context, tx *gorm.DB, businessId string, input *PostMovementInput) (*models.InventoryMovement, error) {
	movementId, correlationId := newMovementIdentity(ctx)

	lines, err := buildMovementLines(tx, businessId, movementId, input)
	if err != nil {
		return nil, err
	}
	if err := checkStockSufficiency(tx, businessId, input, lines); err != nil {
		return nil, err
	}

	movement := models.InventoryMovement{
		ID:            movementId,
		BusinessId:    businessId,
		Type:          input.Type,
		Status:        models.MovementStatusDraft,
		SourceType:    input.SourceType,
		SourceId:      input.SourceId,
		Memo:          input.Memo,
		CorrelationId: correlationId,
		OccurredAt:    input.OccurredAt.UTC(),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}
	for i := range lines {
		if err := tx.Create(&lines[i]).Error; err != nil {
			return nil, err
		}
	}

	work := NewUnitOfWork(businessId, config.GetLogger())
	if err := applyCostEffects(tx, businessId, &movement, lines, input, correlationId, work); err != nil {
		return nil, err
	}
	for _, line := range lines {
		work.RegisterAvailabilityCheck(line.WarehouseId, line.ItemId, line.CanonicalUom)
	}
	if input.Type == models.MovementTypeTransfer {
		work.Register("transfer_balance:"+movementId, func(*gorm.DB) error {
			return checkTransferBalance(movementId, lines)
		})
	}
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

// buildMovementLines resolves each line's item UOM config and location, then
// converts the entered quantity to the item's canonical unit. Warehouse is
// denormalized from the location so availability reads never walk the tree.
func buildMovementLines(tx *gorm.DB, businessId, movementId string, input *PostMovementInput) ([]models.InventoryMovementLine, error) {
	lines := make([]models.InventoryMovementLine, 0, len(input.Lines))
	for i, in := range input.Lines {
		item, err := models.GetItem2(tx, businessId, in.ItemId)
		if err != nil {
			return nil, err
		}
		location, err := models.GetLocation2(tx, businessId, in.LocationId)
		if err != nil {
			return nil, err
		}
		canonicalQty, canonicalUom, err := item.CanonicalQty(in.Quantity, in.Uom)
		if err != nil {
			return nil, utils.NewValidationError("line %d: %s", i, err.Error())
		}
		line := models.InventoryMovementLine{
			BusinessId:   businessId,
			MovementId:   movementId,
			ItemId:       in.ItemId,
			LocationId:   in.LocationId,
			WarehouseId:  location.WarehouseId,
			EnteredUom:   enteredUomOrCanonical(in.Uom, canonicalUom),
			EnteredQty:   in.Quantity,
			CanonicalUom: canonicalUom,
			CanonicalQty: canonicalQty,
			LotNumber:    in.LotNumber,
		}
		if in.UnitCost != nil {
			unitCost := *in.UnitCost
			extended := canonicalQty.Abs().Mul(unitCost)
			line.UnitCost = &unitCost
			line.ExtendedCost = &extended
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func enteredUomOrCanonical(entered, canonical string) string {
	if entered == "" {
		return canonical
	}
	return entered
}

// checkStockSufficiency nets the canonical deltas per (item, location, uom)
// and refuses to drive physical on-hand negative. ADJUSTMENT movements may opt
// in to negative stock for count corrections.
func checkStockSufficiency(tx *gorm.DB, businessId string, input *PostMovementInput, lines []models.InventoryMovementLine) error {
	if input.Type == models.MovementTypeAdjustment && input.AllowNegative {
		return nil
	}
	net := map[lineScope]decimal.Decimal{}
	order := []lineScope{}
	for _, line := range lines {
		scope := lineScope{ItemId: line.ItemId, LocationId: line.LocationId, Uom: line.CanonicalUom}
		if _, seen := net[scope]; !seen {
			order = append(order, scope)
		}
		net[scope] = net[scope].Add(line.CanonicalQty)
	}
	for _, scope := range order {
		delta := net[scope]
		if !delta.IsNegative() {
			continue
		}
		onHand, err := models.PhysicalOnHandTx(tx, businessId, scope.LocationId, scope.ItemId, scope.Uom)
		if err != nil {
			return err
		}
		after := onHand.Add(delta)
		if after.IsNegative() && !utils.WithinEpsilon(after, decimal.Zero) {
			return utils.NewConflictError(utils.CodeStockInsufficient,
				"insufficient stock for item=%d location=%d uom=%s: on hand %s, movement needs %s",
				scope.ItemId, scope.LocationId, scope.Uom, onHand, delta.Neg())
		}
	}
	return nil
}

// applyCostEffects creates and consumes cost layers to mirror the ledger
// change. Transfers carry source cost to the destination and must conserve
// value.
func applyCostEffects(tx *gorm.DB, businessId string, movement *models.InventoryMovement, lines []models.InventoryMovementLine, input *PostMovementInput, correlationId string, work *UnitOfWork) error {
	movementId := movement.ID
	layerDate := dateOnly(movement.OccurredAt)
	sourceDoc := movementId
	if input.SourceId != nil {
		sourceDoc = *input.SourceId
	}

	switch input.Type {
	case models.MovementTypeReceive:
		for i, line := range lines {
			_, err := CreateCostLayer(tx, businessId, NewCostLayer{
				ItemId:         line.ItemId,
				LocationId:     line.LocationId,
				Uom:            line.CanonicalUom,
				Quantity:       line.CanonicalQty,
				UnitCost:       *line.UnitCost,
				SourceType:     string(input.Type),
				SourceDocument: sourceDoc,
				LayerDate:      layerDate,
				LotNumber:      input.Lines[i].LotNumber,
				LotExpiresAt:   input.Lines[i].LotExpiresAt,
			})
			if err != nil {
				return err
			}
		}
		return nil

	case models.MovementTypeIssue:
		for _, line := range lines {
			_, err := ConsumeCostLayers(tx, businessId, line.ItemId, line.LocationId, line.CanonicalUom,
				line.CanonicalQty.Neg(), models.ConsumptionTypeIssue, &movementId, correlationId)
			if err != nil {
				return err
			}
		}
		return nil

	case models.MovementTypeTransfer:
		return applyTransferCostEffects(tx, businessId, movement, lines, correlationId, work, layerDate)

	case models.MovementTypeAdjustment, models.MovementTypeCount:
		for _, line := range lines {
			if line.CanonicalQty.IsPositive() {
				unitCost := decimal.Zero
				if line.UnitCost != nil {
					unitCost = *line.UnitCost
				}
				_, err := CreateCostLayer(tx, businessId, NewCostLayer{
					ItemId:         line.ItemId,
					LocationId:     line.LocationId,
					Uom:            line.CanonicalUom,
					Quantity:       line.CanonicalQty,
					UnitCost:       unitCost,
					SourceType:     string(input.Type),
					SourceDocument: sourceDoc,
					LayerDate:      layerDate,
				})
				if err != nil {
					return err
				}
				continue
			}
			_, err := ConsumeCostLayers(tx, businessId, line.ItemId, line.LocationId, line.CanonicalUom,
				line.CanonicalQty.Neg(), models.ConsumptionTypeAdjustment, &movementId, correlationId)
			if err != nil {
				// Negative adjustments past the layer pool are allowed only when
				// the caller opted into negative stock; layers then drain to
				// zero and the remainder stays unlayered.
				if input.AllowNegative && utils.CodeOf(err) == utils.CodeStockInsufficient {
					continue
				}
				return err
			}
		}
		return nil

	case models.MovementTypeReceiptReversal:
		for _, line := range lines {
			_, err := ConsumeCostLayers(tx, businessId, line.ItemId, line.LocationId, line.CanonicalUom,
				line.CanonicalQty.Neg(), models.ConsumptionTypeAdjustment, &movementId, correlationId)
			if err != nil {
				return err
			}
		}
		return nil
	}
	return utils.NewValidationError("unknown movement type %q", input.Type)
}

// applyTransferCostEffects consumes source-side layers FIFO and lands the
// drawn value at the destination at the weighted average draw cost, per item.
func applyTransferCostEffects(tx *gorm.DB, businessId string, movement *models.InventoryMovement, lines []models.InventoryMovementLine, correlationId string, work *UnitOfWork, layerDate time.Time) error {
	movementId := movement.ID

	type itemFlow struct {
		drawnQty   decimal.Decimal
		drawnValue decimal.Decimal
	}
	flows := map[int]*itemFlow{}

	for _, line := range lines {
		if !line.CanonicalQty.IsNegative() {
			continue
		}
		consumptions, err := ConsumeCostLayers(tx, businessId, line.ItemId, line.LocationId, line.CanonicalUom,
			line.CanonicalQty.Neg(), models.ConsumptionTypeTransferOut, &movementId, correlationId)
		if err != nil {
			return err
		}
		flow, ok := flows[line.ItemId]
		if !ok {
			flow = &itemFlow{}
			flows[line.ItemId] = flow
		}
		flow.drawnQty = flow.drawnQty.Add(line.CanonicalQty.Neg())
		flow.drawnValue = flow.drawnValue.Add(TotalConsumptionValue(consumptions))
	}

	landedValue := decimal.Zero
	drawnValue := decimal.Zero
	for _, flow := range flows {
		drawnValue = drawnValue.Add(flow.drawnValue)
	}
	for _, line := range lines {
		if !line.CanonicalQty.IsPositive() {
			continue
		}
		flow, ok := flows[line.ItemId]
		if !ok || flow.drawnQty.IsZero() {
			return utils.NewInvariantError(utils.CodeUnbalancedTransfer,
				"transfer %s lands item %d with no matching source draw", movementId, line.ItemId)
		}
		unitCost := flow.drawnValue.Div(flow.drawnQty)
		_, err := CreateCostLayer(tx, businessId, NewCostLayer{
			ItemId:         line.ItemId,
			LocationId:     line.LocationId,
			Uom:            line.CanonicalUom,
			Quantity:       line.CanonicalQty,
			UnitCost:       unitCost,
			SourceType:     string(models.MovementTypeTransfer),
			SourceDocument: movementId,
			LayerDate:      layerDate,
		})
		if err != nil {
			return err
		}
		landedValue = landedValue.Add(line.CanonicalQty.Mul(unitCost))
	}

	work.Register("cost_conservation:"+movementId, func(*gorm.DB) error {
		return checkTransferValueConservation(movementId, drawnValue, landedValue)
	})
	return nil
}

// checkTransferBalance requires every line of a transfer to share one
// canonical UOM, the whole movement to net to zero, and each item to net to
// zero on its own.
func checkTransferBalance(movementId string, lines []models.InventoryMovementLine) error {
	sum, uom, single := models.CanonicalLineSum(lines)
	if !single {
		return utils.NewInvariantError(utils.CodeUnbalancedTransfer,
			"transfer %s mixes canonical UOMs across lines", movementId)
	}
	if !utils.WithinEpsilon(sum, decimal.Zero) {
		return utils.NewInvariantError(utils.CodeUnbalancedTransfer,
			"transfer %s does not balance: net %s %s", movementId, sum, uom)
	}
	sums := map[int]decimal.Decimal{}
	for _, line := range lines {
		sums[line.ItemId] = sums[line.ItemId].Add(line.CanonicalQty)
	}
	for itemId, s := range sums {
		if !utils.WithinEpsilon(s, decimal.Zero) {
			return utils.NewInvariantError(utils.CodeUnbalancedTransfer,
				"transfer %s does not balance for item %d: net %s %s", movementId, itemId, s, uom)
		}
	}
	return nil
}

// ReverseMovement posts a balancing movement with negated lines and links the
// pair. A movement reverses at most once.
func ReverseMovement(ctx context.Context, movementId string, memo string) (*models.InventoryMovement, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}

	db := config.GetDB()
	var reversal *models.InventoryMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		original, err := models.GetMovement2(tx, businessId, movementId)
		if err != nil {
			return err
		}
		if original.Status != models.MovementStatusPosted {
			return utils.NewValidationError("movement %s is not posted; only posted movements reverse", movementId)
		}
		if original.ReversedById != nil {
			return utils.NewConflictError(utils.CodeAlreadyReversed,
				"movement %s is already reversed by %s", movementId, *original.ReversedById)
		}
		if original.Type == models.MovementTypeReceiptReversal {
			return utils.NewValidationError("movement %s is itself a reversal", movementId)
		}

		reversalType := models.MovementTypeAdjustment
		if original.Type == models.MovementTypeReceive {
			reversalType = models.MovementTypeReceiptReversal
		}
		input := &PostMovementInput{
			Type:       reversalType,
			OccurredAt: time.Now().UTC(),
			Memo:       memo,
		}
		for _, line := range original.Lines {
			reversed := MovementLineInput{
				ItemId:     line.ItemId,
				LocationId: line.LocationId,
				Quantity:   line.EnteredQty.Neg(),
				Uom:        line.EnteredUom,
				UnitCost:   line.UnitCost,
				LotNumber:  line.LotNumber,
			}
			if line.CanonicalQty.IsNegative() {
				// The original line drew down layers; re-land the stock at
				// the value those draws carried, not at zero.
				drawn, derr := DrawnUnitCost(tx, businessId, original.ID,
					line.ItemId, line.LocationId, line.CanonicalUom)
				if derr != nil {
					return derr
				}
				if drawn != nil {
					reversed.UnitCost = drawn
				}
			}
			input.Lines = append(input.Lines, reversed)
		}
		posted, err := postMovementTx(ctx, tx, businessId, input)
		if err != nil {
			return err
		}

		err = tx.Model(&models.InventoryMovement{}).
			Where("id = ? AND business_id = ?", posted.ID, businessId).
			Update("reversal_of_id", movementId).Error
		if err != nil {
			return err
		}
		// Session bypasses the posted-immutability hook: reversal linkage is
		// the one sanctioned post-posting write.
		err = tx.Session(&gorm.Session{SkipHooks: true}).
			Model(&models.InventoryMovement{}).
			Where("id = ? AND business_id = ? AND reversed_by_id IS NULL", movementId, businessId).
			Update("reversed_by_id", posted.ID).Error
		if err != nil {
			return err
		}
		posted.ReversalOfId = &movementId

		_, err = models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeMovement, movementId,
			models.EventTypeMovementReversed, map[string]any{
				"movement_id": movementId,
				"reversal_id": posted.ID,
			}, time.Now().UTC())
		if err != nil {
			return err
		}
		reversal = posted
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "ReverseMovement", "reverse movement "+movementId, nil, err)
		return nil, err
	}
	return reversal, nil
}

func movementEventPayload(m *models.InventoryMovement) map[string]any {
	lines := make([]map[string]any, 0, len(m.Lines))
	for _, line := range m.Lines {
		lines = append(lines, map[string]any{
			"item_id":       line.ItemId,
			"location_id":   line.LocationId,
			"warehouse_id":  line.WarehouseId,
			"canonical_uom": line.CanonicalUom,
			"canonical_qty": line.CanonicalQty,
		})
	}
	return map[string]any{
		"movement_id": m.ID,
		"type":        m.Type,
		"occurred_at": m.OccurredAt,
		"posted_at":   m.PostedAt,
		"lines":       lines,
	}
}

// newMovementIdentity mints the movement id and threads the caller's
// correlation id through, minting one when the context has none.
func newMovementIdentity(ctx context.Context) (movementId, correlationId string) {
	movementId = uuid.New().String()
	correlationId, _ = utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.New().String()
	}
	return movementId, correlationId
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
