package models

import (
	"errors"
	"time"

	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryMovement is the append-only ledger header. Once posted it is
// immutable; corrections happen through balancing reversal movements.
type InventoryMovement struct {
	ID         string         `gorm:"size:36;primary_key" json:"id"` // uuid
	BusinessId string         `gorm:"index;index:uniq_movement_source,unique,priority:1;size:64;not null" json:"business_id"`
	Type       MovementType   `gorm:"size:20;not null;index:uniq_movement_source,unique,priority:4" json:"type"`
	Status     MovementStatus `gorm:"size:10;not null;index" json:"status"`
	// SourceType/SourceId identify the upstream document. Required for
	// receive/transfer movements; the unique index makes re-posting the same
	// upstream event a lookup instead of a duplicate. NULL source columns
	// keep internal movements out of the uniqueness check.
	SourceType *string `gorm:"size:30;index:uniq_movement_source,unique,priority:2" json:"source_type"`
	SourceId   *string `gorm:"size:64;index:uniq_movement_source,unique,priority:3" json:"source_id"`

	ReversalOfId  *string `gorm:"size:36;index" json:"reversal_of_id"`
	ReversedById  *string `gorm:"size:36;index" json:"reversed_by_id"`
	Memo          string  `gorm:"type:text" json:"memo"`
	CorrelationId string  `gorm:"size:64;index" json:"correlation_id"`

	OccurredAt time.Time  `gorm:"index;not null" json:"occurred_at"`
	PostedAt   *time.Time `gorm:"index" json:"posted_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Lines []InventoryMovementLine `gorm:"foreignKey:MovementId" json:"lines"`
}

type InventoryMovementLine struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;size:64;not null" json:"business_id"`
	MovementId string `gorm:"size:36;index;not null" json:"movement_id"`
	ItemId     int    `gorm:"index;not null" json:"item_id"`
	LocationId int    `gorm:"index;not null" json:"location_id"`
	// WarehouseId records which warehouse the location belonged to when the
	// line was written. Availability resolves warehouse through the live
	// locations table; this stamp is provenance, not the read path.
	WarehouseId int `gorm:"index;not null" json:"warehouse_id"`

	EnteredUom   string          `gorm:"size:10;not null" json:"entered_uom"`
	EnteredQty   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"entered_qty"`
	CanonicalUom string          `gorm:"size:10;not null" json:"canonical_uom"`
	CanonicalQty decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"canonical_qty"`

	UnitCost     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cost"`
	ExtendedCost *decimal.Decimal `gorm:"type:decimal(20,4)" json:"extended_cost"`

	LotNumber *string   `gorm:"size:100;index" json:"lot_number"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// movementPosted reports whether the movement row in the database is already
// posted. Used by mutation hooks; a missing row is treated as not posted.
func movementPosted(tx *gorm.DB, movementId string) bool {
	var status string
	err := tx.Session(&gorm.Session{NewDB: true}).
		Model(&InventoryMovement{}).
		Where("id = ?", movementId).
		Select("status").
		Scan(&status).Error
	return err == nil && status == string(MovementStatusPosted)
}

// BeforeUpdate refuses mutation of posted movements. The posting transition
// itself passes because the stored status is still draft when it runs.
func (m *InventoryMovement) BeforeUpdate(tx *gorm.DB) error {
	if m == nil || m.ID == "" {
		return nil
	}
	if movementPosted(tx, m.ID) {
		return utils.NewConflictError(utils.CodePostedImmutable, "movement %s is posted and immutable", m.ID)
	}
	return nil
}

func (m *InventoryMovement) BeforeDelete(tx *gorm.DB) error {
	if m == nil || m.ID == "" {
		return nil
	}
	if movementPosted(tx, m.ID) {
		return utils.NewConflictError(utils.CodePostedImmutable, "movement %s is posted and immutable", m.ID)
	}
	return nil
}

func (l *InventoryMovementLine) BeforeUpdate(tx *gorm.DB) error {
	if l == nil || l.MovementId == "" {
		return nil
	}
	if movementPosted(tx, l.MovementId) {
		return utils.NewConflictError(utils.CodePostedImmutable, "movement %s is posted; its lines are immutable", l.MovementId)
	}
	return nil
}

func (l *InventoryMovementLine) BeforeDelete(tx *gorm.DB) error {
	if l == nil || l.MovementId == "" {
		return nil
	}
	if movementPosted(tx, l.MovementId) {
		return utils.NewConflictError(utils.CodePostedImmutable, "movement %s is posted; its lines are immutable", l.MovementId)
	}
	return nil
}

// GetMovement2 is the tx-scoped fetch (with lines) used inside posting
// transactions.
func GetMovement2(tx *gorm.DB, businessId string, movementId string) (*InventoryMovement, error) {
	var movement InventoryMovement
	err := tx.Where("business_id = ? AND id = ?", businessId, movementId).
		Preload("Lines").
		First(&movement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewNotFoundError("movement %s not found", movementId)
	}
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

// FindMovementBySource looks up a posted movement by its upstream identity.
func FindMovementBySource(tx *gorm.DB, businessId string, sourceType, sourceId string, movementType MovementType) (*InventoryMovement, error) {
	var movement InventoryMovement
	err := tx.Where("business_id = ? AND source_type = ? AND source_id = ? AND type = ?",
		businessId, sourceType, sourceId, movementType).
		Preload("Lines").
		First(&movement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

// CanonicalLineSum returns the sum of canonical deltas and whether all lines
// share one canonical UOM. Transfers must balance to zero on a single UOM.
func CanonicalLineSum(lines []InventoryMovementLine) (decimal.Decimal, string, bool) {
	sum := decimal.Zero
	uom := ""
	single := true
	for i, line := range lines {
		if i == 0 {
			uom = line.CanonicalUom
		} else if line.CanonicalUom != uom {
			single = false
		}
		sum = sum.Add(line.CanonicalQty)
	}
	return sum, uom, single
}
