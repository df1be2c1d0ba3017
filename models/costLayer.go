package models

import (
	"time"

	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CostLayer is one FIFO-ordered batch of received/produced quantity carrying
// its own unit cost. Layers are never deleted; they are voided and frozen.
type CostLayer struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;size:64;not null" json:"business_id"`

	ItemId     int    `gorm:"index:idx_layer_fifo,priority:2;not null" json:"item_id"`
	LocationId int    `gorm:"index:idx_layer_fifo,priority:3;not null" json:"location_id"`
	Uom        string `gorm:"size:10;not null" json:"uom"` // canonical

	// (LayerDate, LayerSequence) is the FIFO ordering key.
	LayerDate     time.Time `gorm:"index:idx_layer_fifo,priority:4;not null" json:"layer_date"`
	LayerSequence int       `gorm:"index:idx_layer_fifo,priority:5;not null" json:"layer_sequence"`

	OriginalQuantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"original_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_quantity"`
	// UnitCost is immutable after creation; consumptions copy it out.
	UnitCost decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`

	SourceType     string     `gorm:"size:30;not null" json:"source_type"`
	SourceDocument string     `gorm:"size:64;index;not null" json:"source_document"`
	LotNumber      *string    `gorm:"size:100;index" json:"lot_number"`
	LotExpiresAt   *time.Time `gorm:"index" json:"lot_expires_at"`

	IsVoided *bool      `gorm:"not null;default:false;index" json:"is_voided"`
	VoidedAt *time.Time `json:"voided_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CostLayerConsumption records one partial draw from a layer, carrying the
// layer's unit cost at the moment of consumption.
type CostLayerConsumption struct {
	ID          int     `gorm:"primary_key" json:"id"`
	BusinessId  string  `gorm:"index;size:64;not null" json:"business_id"`
	CostLayerId int     `gorm:"index;not null" json:"cost_layer_id"`
	MovementId  *string `gorm:"size:36;index" json:"movement_id"`

	ConsumedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"consumed_quantity"`
	UnitCost         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	ExtendedCost     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"extended_cost"`
	ConsumptionType  ConsumptionType `gorm:"size:20;not null;index" json:"consumption_type"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave enforces layer invariants: remaining within [0, original] and no
// drift on voided layers (only draining remaining to zero, or supersession
// via voiding itself, may touch a voided row).
func (cl *CostLayer) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if cl == nil {
		return nil
	}
	if cl.RemainingQuantity.IsNegative() {
		return utils.NewInvariantError(utils.CodeCostConservation,
			"cost layer %d remaining_quantity %s below zero", cl.ID, cl.RemainingQuantity)
	}
	if cl.RemainingQuantity.GreaterThan(cl.OriginalQuantity) {
		return utils.NewInvariantError(utils.CodeCostConservation,
			"cost layer %d remaining_quantity %s above original %s", cl.ID, cl.RemainingQuantity, cl.OriginalQuantity)
	}
	return nil
}

// BeforeUpdate freezes voided layers and the unit cost of every layer.
func (cl *CostLayer) BeforeUpdate(tx *gorm.DB) error {
	if cl == nil || cl.ID == 0 {
		return nil
	}
	var stored CostLayer
	err := tx.Session(&gorm.Session{NewDB: true}).
		Where("id = ?", cl.ID).
		First(&stored).Error
	if err != nil {
		return nil
	}
	if stored.IsVoided != nil && *stored.IsVoided {
		return utils.NewConflictError(utils.CodeLayerVoided,
			"cost layer %d is voided and frozen", cl.ID)
	}
	if !cl.UnitCost.IsZero() && !cl.UnitCost.Equal(stored.UnitCost) {
		return utils.NewInvariantError(utils.CodeCostConservation,
			"cost layer %d unit_cost is immutable (stored %s, attempted %s)", cl.ID, stored.UnitCost, cl.UnitCost)
	}
	return nil
}

func (cl *CostLayer) BeforeDelete(tx *gorm.DB) error {
	_ = tx
	return utils.NewConflictError(utils.CodeLayerVoided,
		"cost layers are never deleted; void layer %d instead", cl.ID)
}

// LotExpired reports whether the layer's lot is past its expiration at now.
func (cl *CostLayer) LotExpired(now time.Time) bool {
	return cl.LotExpiresAt != nil && cl.LotExpiresAt.Before(now)
}
