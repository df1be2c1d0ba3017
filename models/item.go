package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Item struct {
	ID           int           `gorm:"primary_key" json:"id"`
	BusinessId   string        `gorm:"index:uniq_item_sku,unique;size:64;not null" json:"business_id"`
	Sku          string        `gorm:"index:uniq_item_sku,unique;size:100;not null" json:"sku"`
	Name         string        `gorm:"size:255;not null" json:"name"`
	Dimension    *UOMDimension `gorm:"size:20" json:"dimension"`
	CanonicalUom *string       `gorm:"size:10" json:"canonical_uom"`
	StockingUom  *string       `gorm:"size:10" json:"stocking_uom"`
	IsActive     *bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Sku          string  `json:"sku" binding:"required"`
	Name         string  `json:"name" binding:"required"`
	Dimension    *string `json:"dimension"`
	CanonicalUom *string `json:"canonical_uom"`
	StockingUom  *string `json:"stocking_uom"`
}

// UOM fields are all-null or all-set together, and the canonical UOM must be
// the dimension's fixed symbol.
func (input *NewItem) validate() error {
	allNil := input.Dimension == nil && input.CanonicalUom == nil && input.StockingUom == nil
	allSet := input.Dimension != nil && input.CanonicalUom != nil && input.StockingUom != nil
	if !allNil && !allSet {
		return utils.NewValidationError("dimension, canonical_uom and stocking_uom must be set together")
	}
	if allNil {
		return nil
	}
	dim := UOMDimension(strings.ToUpper(*input.Dimension))
	fixed, ok := CanonicalSymbol(dim)
	if !ok {
		return utils.NewValidationError("unknown UOM dimension %q", *input.Dimension)
	}
	if *input.CanonicalUom != fixed {
		return utils.NewValidationError("canonical UOM for %s must be %q, got %q", dim, fixed, *input.CanonicalUom)
	}
	if stockDim, ok := UOMDimensionOf(*input.StockingUom); !ok || stockDim != dim {
		return utils.NewValidationError("stocking UOM %q does not belong to dimension %s", *input.StockingUom, dim)
	}
	return nil
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	item := Item{
		BusinessId:  businessId,
		Sku:         input.Sku,
		Name:        input.Name,
		StockingUom: input.StockingUom,
		IsActive:    utils.NewTrue(),
	}
	if input.Dimension != nil {
		dim := UOMDimension(strings.ToUpper(*input.Dimension))
		item.Dimension = &dim
		item.CanonicalUom = input.CanonicalUom
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItem2 is the tx-scoped fetch used inside posting transactions.
func GetItem2(tx *gorm.DB, businessId string, itemId int) (*Item, error) {
	var item Item
	err := tx.Where("business_id = ? AND id = ?", businessId, itemId).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewNotFoundError("item %d not found", itemId)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CanonicalQty normalizes an entered quantity on this item into its canonical
// UOM. Items without UOM config only accept quantities entered in "ea".
func (item *Item) CanonicalQty(qty decimal.Decimal, enteredUom string) (decimal.Decimal, string, error) {
	if item.Dimension == nil {
		if enteredUom != "" && enteredUom != "ea" {
			return decimal.Zero, "", utils.NewValidationError("item %s has no UOM config; quantities must be entered in ea", item.Sku)
		}
		return qty, "ea", nil
	}
	if enteredUom == "" {
		// Blank defaults to the item's stocking unit.
		if item.StockingUom != nil {
			enteredUom = *item.StockingUom
		} else if item.CanonicalUom != nil {
			enteredUom = *item.CanonicalUom
		}
	}
	return ToCanonical(qty, enteredUom, *item.Dimension)
}
