package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
)

// MaxHierarchyDepth bounds the parent walk when deriving warehouse_id.
const MaxHierarchyDepth = 20

// MaxReparentSubtree bounds the blast radius of a warehouse_id cascade.
const MaxReparentSubtree = 1000

type Location struct {
	ID         int           `gorm:"primary_key" json:"id"`
	BusinessId string        `gorm:"index;size:64;not null" json:"business_id"`
	Name       string        `gorm:"size:100;not null" json:"name"`
	Type       LocationType  `gorm:"size:20;not null" json:"type"`
	Role       *LocationRole `gorm:"size:20" json:"role"`
	ParentId   *int          `gorm:"index" json:"parent_id"`
	// WarehouseId is derived at insert time: self for warehouse roots, the
	// nearest warehouse-typed ancestor otherwise. Reparenting cascades it.
	WarehouseId int       `gorm:"index;not null" json:"warehouse_id"`
	IsSellable  *bool     `gorm:"not null;default:false" json:"is_sellable"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// WarehouseDefaultLocation maps a role to the location that receives stock for
// that disposition within a warehouse (receiving, QC routing).
type WarehouseDefaultLocation struct {
	ID          int          `gorm:"primary_key" json:"id"`
	BusinessId  string       `gorm:"index:uniq_wh_default,unique;size:64;not null" json:"business_id"`
	WarehouseId int          `gorm:"index:uniq_wh_default,unique;not null" json:"warehouse_id"`
	Role        LocationRole `gorm:"index:uniq_wh_default,unique;size:20;not null" json:"role"`
	LocationId  int          `gorm:"not null" json:"location_id"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLocation struct {
	Name     string  `json:"name" binding:"required"`
	Type     string  `json:"type" binding:"required"`
	Role     *string `json:"role"`
	ParentId *int    `json:"parent_id"`
}

func (input *NewLocation) validate() error {
	t := LocationType(input.Type)
	if !t.Valid() {
		return utils.NewValidationError("unknown location type %q", input.Type)
	}
	if t == LocationTypeWarehouse {
		// Roots are role-less and have no parent (parent self-reference is
		// normalized at insert).
		if input.Role != nil {
			return utils.NewValidationError("warehouse roots are role-less")
		}
		return nil
	}
	if input.ParentId == nil {
		return utils.NewValidationError("non-root locations require a parent")
	}
	if input.Role != nil && !LocationRole(*input.Role).Valid() {
		return utils.NewValidationError("unknown location role %q", *input.Role)
	}
	return nil
}

func CreateLocation(ctx context.Context, input *NewLocation) (*Location, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var created *Location
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loc := Location{
			BusinessId: businessId,
			Name:       input.Name,
			Type:       LocationType(input.Type),
			ParentId:   input.ParentId,
			IsActive:   utils.NewTrue(),
			IsSellable: utils.NewFalse(),
		}
		if input.Role != nil {
			role := LocationRole(*input.Role)
			loc.Role = &role
			loc.IsSellable = newBoolPtr(role == LocationRoleSellable)
		}
		if err := tx.Create(&loc).Error; err != nil {
			return err
		}
		if loc.Type == LocationTypeWarehouse {
			// Root points at itself, both as parent and as warehouse.
			loc.ParentId = &loc.ID
			loc.WarehouseId = loc.ID
		} else {
			warehouseId, err := resolveWarehouseTx(tx, businessId, *loc.ParentId)
			if err != nil {
				return err
			}
			loc.WarehouseId = warehouseId
		}
		if err := tx.Model(&Location{}).Where("id = ?", loc.ID).
			Updates(map[string]interface{}{"parent_id": loc.ParentId, "warehouse_id": loc.WarehouseId}).Error; err != nil {
			return err
		}
		created = &loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func newBoolPtr(b bool) *bool { return &b }

// ResolveWarehouse returns the warehouse root a location belongs to.
func ResolveWarehouse(ctx context.Context, locationId int) (int, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}
	db := config.GetDB()
	var loc Location
	err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, locationId).First(&loc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, utils.NewNotFoundError("location %d not found", locationId)
	}
	if err != nil {
		return 0, err
	}
	return loc.WarehouseId, nil
}

// resolveWarehouseTx walks parent pointers up to the nearest warehouse-typed
// ancestor. The visited set fails fast on cycles instead of looping; the depth
// ceiling catches degenerate trees.
func resolveWarehouseTx(tx *gorm.DB, businessId string, locationId int) (int, error) {
	visited := make(map[int]struct{})
	currentId := locationId
	for depth := 0; depth < MaxHierarchyDepth; depth++ {
		if _, seen := visited[currentId]; seen {
			return 0, utils.NewInvariantError(utils.CodeWarehouseResolutionCycle,
				"cycle detected resolving warehouse for location %d (at %d)", locationId, currentId)
		}
		visited[currentId] = struct{}{}

		var loc Location
		err := tx.Where("business_id = ? AND id = ?", businessId, currentId).First(&loc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.NewNotFoundError("location %d not found", currentId)
		}
		if err != nil {
			return 0, err
		}
		if loc.Type == LocationTypeWarehouse {
			return loc.ID, nil
		}
		if loc.ParentId == nil || *loc.ParentId == loc.ID {
			return 0, utils.NewInvariantError(utils.CodeWarehouseResolutionCycle,
				"location %d does not resolve to a warehouse root", locationId)
		}
		currentId = *loc.ParentId
	}
	return 0, utils.NewInvariantError(utils.CodeWarehouseResolutionCycle,
		"hierarchy deeper than %d levels resolving location %d", MaxHierarchyDepth, locationId)
}

// GetLocation2 is the tx-scoped fetch used inside posting transactions.
func GetLocation2(tx *gorm.DB, businessId string, locationId int) (*Location, error) {
	var loc Location
	err := tx.Where("business_id = ? AND id = ?", businessId, locationId).First(&loc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewNotFoundError("location %d not found", locationId)
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// SetWarehouseDefaultLocation upserts the default location for a role. The
// location's resolved warehouse must match the target warehouse.
func SetWarehouseDefaultLocation(ctx context.Context, warehouseId int, role LocationRole, locationId int) (*WarehouseDefaultLocation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !role.Valid() {
		return nil, utils.NewValidationError("unknown location role %q", role)
	}

	db := config.GetDB()
	var result *WarehouseDefaultLocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loc, err := GetLocation2(tx, businessId, locationId)
		if err != nil {
			return err
		}
		if loc.WarehouseId != warehouseId {
			return utils.NewValidationError(
				"location %d resolves to warehouse %d, not %d", locationId, loc.WarehouseId, warehouseId)
		}

		var existing WarehouseDefaultLocation
		err = tx.Where("business_id = ? AND warehouse_id = ? AND role = ?", businessId, warehouseId, role).
			First(&existing).Error
		if err == nil {
			existing.LocationId = locationId
			if uerr := tx.Model(&WarehouseDefaultLocation{}).Where("id = ?", existing.ID).
				Update("location_id", locationId).Error; uerr != nil {
				return uerr
			}
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		fresh := WarehouseDefaultLocation{
			BusinessId:  businessId,
			WarehouseId: warehouseId,
			Role:        role,
			LocationId:  locationId,
		}
		if cerr := tx.Create(&fresh).Error; cerr != nil {
			return cerr
		}
		result = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetWarehouseDefaultLocation returns the configured default for a role, if any.
func GetWarehouseDefaultLocation(ctx context.Context, warehouseId int, role LocationRole) (*WarehouseDefaultLocation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var def WarehouseDefaultLocation
	err := db.WithContext(ctx).Where("business_id = ? AND warehouse_id = ? AND role = ?", businessId, warehouseId, role).
		First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewNotFoundError("no default %s location for warehouse %d", role, warehouseId)
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}
