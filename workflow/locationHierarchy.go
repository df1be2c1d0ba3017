package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
)

// CollectSubtree walks children breadth-first from rootId over the given
// parent edges and returns every id in the subtree, root included. The limit
// caps the number of descendants a reparent cascade may touch; a node with
// exactly limit descendants still moves.
func CollectSubtree(rootId int, childrenByParent map[int][]int, limit int) ([]int, error) {
	subtree := []int{rootId}
	queue := []int{rootId}
	seen := map[int]bool{rootId: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range childrenByParent[current] {
			if seen[child] {
				continue
			}
			seen[child] = true
			subtree = append(subtree, child)
			// The root itself does not count against the ceiling.
			if len(subtree)-1 > limit {
				return nil, utils.NewConflictError(utils.CodeCascadeTooLarge,
					"subtree of location %d exceeds the %d-descendant cascade ceiling", rootId, limit)
			}
			queue = append(queue, child)
		}
	}
	return subtree, nil
}

// ReparentLocation moves a location (and its whole subtree) under a new
// parent, recascading the derived warehouse_id in the same transaction. The
// per-tenant lock fails fast under contention rather than queueing cascades.
func ReparentLocation(ctx context.Context, locationId int, newParentId int) (*models.Location, error) {
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if locationId == newParentId {
		return nil, utils.NewValidationError("location %d cannot be its own parent", locationId)
	}

	lockKey := fmt.Sprintf("inventory:reparent:%s", businessId)
	lock, err := config.ObtainTryLock(ctx, lockKey, 30*time.Second)
	if err != nil {
		return nil, utils.NewConflictError(utils.CodeLockContention,
			"another hierarchy change is in progress for this tenant")
	}
	if lock != nil {
		defer func() { _ = lock.Release(ctx) }()
	}

	db := config.GetDB()
	var moved *models.Location
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		location, err := models.GetLocation2(tx, businessId, locationId)
		if err != nil {
			return err
		}
		if location.Type == models.LocationTypeWarehouse {
			return utils.NewValidationError("warehouse roots cannot be reparented")
		}
		newParent, err := models.GetLocation2(tx, businessId, newParentId)
		if err != nil {
			return err
		}

		var all []models.Location
		if err := tx.Where("business_id = ?", businessId).
			Select("id", "parent_id", "warehouse_id").
			Find(&all).Error; err != nil {
			return err
		}
		childrenByParent := map[int][]int{}
		for _, l := range all {
			if l.ParentId == nil || *l.ParentId == l.ID {
				continue
			}
			childrenByParent[*l.ParentId] = append(childrenByParent[*l.ParentId], l.ID)
		}

		subtree, err := CollectSubtree(locationId, childrenByParent, models.MaxReparentSubtree)
		if err != nil {
			return err
		}
		for _, id := range subtree {
			if id == newParentId {
				return utils.NewValidationError(
					"cannot reparent location %d under %d: the new parent is inside the moved subtree",
					locationId, newParentId)
			}
		}

		if err := tx.Model(&models.Location{}).
			Where("id = ? AND business_id = ?", locationId, businessId).
			Update("parent_id", newParentId).Error; err != nil {
			return err
		}
		// One cascade pass covers the whole subtree: every descendant of the
		// moved node inherits the new parent's warehouse.
		if err := tx.Model(&models.Location{}).
			Where("business_id = ? AND id IN ?", businessId, subtree).
			Update("warehouse_id", newParent.WarehouseId).Error; err != nil {
			return err
		}

		updated, err := models.GetLocation2(tx, businessId, locationId)
		if err != nil {
			return err
		}
		_, err = models.AppendOutboxEvent(ctx, tx, businessId, models.AggregateTypeLocation,
			fmt.Sprintf("%d", locationId), models.EventTypeLocationReparented, map[string]any{
				"location_id":   locationId,
				"new_parent_id": newParentId,
				"warehouse_id":  newParent.WarehouseId,
				"subtree_size":  len(subtree),
			}, time.Now().UTC())
		if err != nil {
			return err
		}
		moved = updated
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "ReparentLocation", "reparent location", locationId, err)
		return nil, err
	}
	return moved, nil
}
