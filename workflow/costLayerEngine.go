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
	"gorm.io/gorm/clause"
)

type NewCostLayer struct {
	ItemId         int
	LocationId     int
	Uom            string // canonical
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	SourceType     string
	SourceDocument string
	LayerDate      time.Time
	LotNumber      *string
	LotExpiresAt   *time.Time
}

// CreateCostLayer appends one FIFO layer inside the caller's transaction.
// The per-(item, location, date) sequence keeps same-day layers ordered by
// arrival.
func CreateCostLayer(tx *gorm.DB, businessId string, input NewCostLayer) (*models.CostLayer, error) {
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, utils.NewValidationError("cost layer quantity must be positive, got %s", input.Quantity)
	}
	if input.UnitCost.IsNegative() {
		return nil, utils.NewValidationError("cost layer unit cost must not be negative, got %s", input.UnitCost)
	}

	var maxSeq int
	err := tx.Model(&models.CostLayer{}).
		Where("business_id = ? AND item_id = ? AND location_id = ? AND layer_date = ?",
			businessId, input.ItemId, input.LocationId, input.LayerDate).
		Select("COALESCE(MAX(layer_sequence), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}

	layer := models.CostLayer{
		BusinessId:        businessId,
		ItemId:            input.ItemId,
		LocationId:        input.LocationId,
		Uom:               input.Uom,
		LayerDate:         input.LayerDate,
		LayerSequence:     maxSeq + 1,
		OriginalQuantity:  input.Quantity,
		RemainingQuantity: input.Quantity,
		UnitCost:          input.UnitCost,
		SourceType:        input.SourceType,
		SourceDocument:    input.SourceDocument,
		LotNumber:         input.LotNumber,
		LotExpiresAt:      input.LotExpiresAt,
		IsVoided:          utils.NewFalse(),
	}
	if err := tx.Create(&layer).Error; err != nil {
		return nil, err
	}
	return &layer, nil
}

// LayerDraw is one planned partial draw from a layer.
type LayerDraw struct {
	LayerId  int
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// PlanFifoConsumption walks layers oldest-first, taking min(remaining,
// stillNeeded) from each. Callers pass layers already ordered by
// (layer_date, layer_sequence, id). The returned shortfall is zero when the
// request is fully satisfiable.
func PlanFifoConsumption(layers []models.CostLayer, qty decimal.Decimal) ([]LayerDraw, decimal.Decimal) {
	draws := make([]LayerDraw, 0, len(layers))
	needed := qty
	for _, layer := range layers {
		if needed.LessThanOrEqual(decimal.Zero) {
			break
		}
		if layer.RemainingQuantity.LessThanOrEqual(decimal.Zero) {
			continue
		}
		take := decimal.Min(layer.RemainingQuantity, needed)
		draws = append(draws, LayerDraw{
			LayerId:  layer.ID,
			Quantity: take,
			UnitCost: layer.UnitCost,
		})
		needed = needed.Sub(take)
	}
	return draws, needed
}

// ConsumeCostLayers draws qty from the item/location's layers FIFO. The
// candidate layers are locked FOR UPDATE so two consumers cannot over-draw
// the same remaining_quantity. Insufficient layers is a reportable conflict,
// not a silent partial success.
func ConsumeCostLayers(tx *gorm.DB, businessId string, itemId, locationId int, uom string, qty decimal.Decimal, consumptionType models.ConsumptionType, movementId *string, correlationId string) ([]models.CostLayerConsumption, error) {
	if !consumptionType.Valid() {
		return nil, utils.NewValidationError("unknown consumption type %q", consumptionType)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, utils.NewValidationError("consumption quantity must be positive, got %s", qty)
	}

	var layers []models.CostLayer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND item_id = ? AND location_id = ? AND uom = ?",
			businessId, itemId, locationId, uom).
		Where("is_voided = 0 AND remaining_quantity > 0").
		Order("layer_date ASC, layer_sequence ASC, id ASC").
		Find(&layers).Error
	if err != nil {
		return nil, err
	}

	draws, shortfall := PlanFifoConsumption(layers, qty)
	if shortfall.GreaterThan(decimal.Zero) {
		return nil, utils.NewConflictError(utils.CodeStockInsufficient,
			"insufficient cost layers for item=%d location=%d uom=%s: needed %s, short %s",
			itemId, locationId, uom, qty, shortfall)
	}

	consumptions := make([]models.CostLayerConsumption, 0, len(draws))
	for _, draw := range draws {
		if err := tx.Model(&models.CostLayer{}).
			Where("id = ? AND business_id = ?", draw.LayerId, businessId).
			Update("remaining_quantity", gorm.Expr("remaining_quantity - ?", draw.Quantity)).Error; err != nil {
			return nil, err
		}
		consumption := models.CostLayerConsumption{
			BusinessId:       businessId,
			CostLayerId:      draw.LayerId,
			MovementId:       movementId,
			ConsumedQuantity: draw.Quantity,
			UnitCost:         draw.UnitCost,
			ExtendedCost:     draw.Quantity.Mul(draw.UnitCost),
			ConsumptionType:  consumptionType,
			CorrelationId:    correlationId,
		}
		if err := tx.Create(&consumption).Error; err != nil {
			return nil, err
		}
		consumptions = append(consumptions, consumption)
	}
	return consumptions, nil
}

// VoidCostLayer freezes a layer. Voided rows keep their quantities and costs
// forever; only supersession (a replacement layer) corrects them.
func VoidCostLayer(tx *gorm.DB, businessId string, layerId int) error {
	var layer models.CostLayer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, layerId).
		First(&layer).Error
	if err != nil {
		return utils.NewNotFoundError("cost layer %d not found", layerId)
	}
	if layer.IsVoided != nil && *layer.IsVoided {
		return utils.NewConflictError(utils.CodeLayerVoided, "cost layer %d is already voided", layerId)
	}
	now := time.Now().UTC()
	return tx.Model(&models.CostLayer{}).
		Where("id = ?", layerId).
		Updates(map[string]interface{}{"is_voided": true, "voided_at": &now}).Error
}

// DrawnUnitCost averages what a movement's layer consumptions paid for one
// (item, location, uom) scope. Nil when the movement drew nothing there, e.g.
// a negative-stock adjustment that found no layers.
func DrawnUnitCost(tx *gorm.DB, businessId, movementId string, itemId, locationId int, uom string) (*decimal.Decimal, error) {
	var agg struct {
		Qty        decimal.Decimal
		TotalValue decimal.Decimal
	}
	err := tx.Model(&models.CostLayerConsumption{}).
		Joins("INNER JOIN cost_layers ON cost_layers.id = cost_layer_consumptions.cost_layer_id").
		Where("cost_layer_consumptions.business_id = ? AND cost_layer_consumptions.movement_id = ?", businessId, movementId).
		Where("cost_layers.item_id = ? AND cost_layers.location_id = ? AND cost_layers.uom = ?", itemId, locationId, uom).
		Select("COALESCE(SUM(cost_layer_consumptions.consumed_quantity), 0) AS qty, COALESCE(SUM(cost_layer_consumptions.extended_cost), 0) AS total_value").
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	if agg.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	unitCost := agg.TotalValue.Div(agg.Qty)
	return &unitCost, nil
}

// TotalConsumptionValue sums extended cost over a set of consumptions.
func TotalConsumptionValue(consumptions []models.CostLayerConsumption) decimal.Decimal {
	total := decimal.Zero
	for _, c := range consumptions {
		total = total.Add(c.ExtendedCost)
	}
	return total
}

// checkTransferValueConservation verifies that the value drawn from source
// layers equals the value landed in destination layers, within epsilon.
func checkTransferValueConservation(movementId string, drawn decimal.Decimal, landed decimal.Decimal) error {
	if utils.WithinEpsilon(drawn, landed) {
		return nil
	}
	return utils.NewInvariantError(utils.CodeCostConservation,
		"transfer %s cost conservation failed: drawn=%s landed=%s diff=%s",
		movementId, drawn, landed, drawn.Sub(landed))
}

// checkProductionValueConservation verifies component consumption cost equals
// finished-goods cost plus scrap cost, within epsilon.
func checkProductionValueConservation(movementId string, components, finishedGoods, scrap decimal.Decimal) error {
	if utils.WithinEpsilon(components, finishedGoods.Add(scrap)) {
		return nil
	}
	return utils.NewInvariantError(utils.CodeCostConservation,
		"production %s cost conservation failed: components=%s finished=%s scrap=%s diff=%s",
		movementId, components, finishedGoods, scrap, components.Sub(finishedGoods.Add(scrap)))
}

// RecordCostLayerInput is the request shape for standalone layer creation,
// used by document services that carry their own stock (opening balances,
// landed-cost true-ups) and by the HTTP surface.
type RecordCostLayerInput struct {
	ItemId         int             `json:"item_id" binding:"required"`
	LocationId     int             `json:"location_id" binding:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	Uom            string          `json:"uom"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SourceType     string          `json:"source_type"`
	SourceDocument string          `json:"source_document"`
	LayerDate      *time.Time      `json:"layer_date"`
	LotNumber      *string         `json:"lot_number"`
	LotExpiresAt   *time.Time      `json:"lot_expires_at"`
}

// RecordCostLayer creates one FIFO layer as its own unit of work: quantity is
// canonicalized against the item's UOM config, the tenant posting lock is
// held, and the layer lands in a single transaction.
func RecordCostLayer(ctx context.Context, input *RecordCostLayerInput) (*models.CostLayer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}

	db := config.GetDB()
	var layer *models.CostLayer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		item, err := models.GetItem2(tx, businessId, input.ItemId)
		if err != nil {
			return err
		}
		if _, err := models.GetLocation2(tx, businessId, input.LocationId); err != nil {
			return err
		}
		canonicalQty, canonicalUom, err := item.CanonicalQty(input.Quantity, input.Uom)
		if err != nil {
			return err
		}

		layerDate := time.Now().UTC()
		if input.LayerDate != nil {
			layerDate = *input.LayerDate
		}
		layer, err = CreateCostLayer(tx, businessId, NewCostLayer{
			ItemId:         input.ItemId,
			LocationId:     input.LocationId,
			Uom:            canonicalUom,
			Quantity:       canonicalQty,
			UnitCost:       input.UnitCost,
			SourceType:     input.SourceType,
			SourceDocument: input.SourceDocument,
			LayerDate:      dateOnly(layerDate),
			LotNumber:      input.LotNumber,
			LotExpiresAt:   input.LotExpiresAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// DrawCostLayersInput is the request shape for standalone FIFO consumption.
type DrawCostLayersInput struct {
	ItemId          int                    `json:"item_id" binding:"required"`
	LocationId      int                    `json:"location_id" binding:"required"`
	Quantity        decimal.Decimal        `json:"quantity"`
	Uom             string                 `json:"uom"`
	ConsumptionType models.ConsumptionType `json:"consumption_type"`
}

// DrawCostLayers consumes FIFO layers as its own unit of work, outside any
// movement posting. Document services use it for value-only events (e.g. a
// sale costing pass) where the physical movement is posted separately.
func DrawCostLayers(ctx context.Context, input *DrawCostLayersInput) ([]models.CostLayerConsumption, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}

	db := config.GetDB()
	var consumptions []models.CostLayerConsumption
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		item, err := models.GetItem2(tx, businessId, input.ItemId)
		if err != nil {
			return err
		}
		canonicalQty, canonicalUom, err := item.CanonicalQty(input.Quantity, input.Uom)
		if err != nil {
			return err
		}

		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		consumptions, err = ConsumeCostLayers(tx, businessId, input.ItemId, input.LocationId,
			canonicalUom, canonicalQty, input.ConsumptionType, nil, correlationId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return consumptions, nil
}
