package workflow

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InvariantChecker runs once at the end of a posting transaction, after every
// row write of that transaction is visible to it. Returning an error aborts
// the whole unit of work.
type InvariantChecker func(tx *gorm.DB) error

// UnitOfWork collects the invariant checks a posting accumulates while
// writing rows. Checks are deduplicated by key so multi-line postings verify
// each affected scope once, not per line.
type UnitOfWork struct {
	BusinessId string
	Logger     *logrus.Logger

	checkers map[string]InvariantChecker
	order    []string
}

func NewUnitOfWork(businessId string, logger *logrus.Logger) *UnitOfWork {
	return &UnitOfWork{
		BusinessId: businessId,
		Logger:     logger,
		checkers:   make(map[string]InvariantChecker),
	}
}

func (u *UnitOfWork) Register(key string, checker InvariantChecker) {
	if _, ok := u.checkers[key]; ok {
		return
	}
	u.checkers[key] = checker
	u.order = append(u.order, key)
}

// RunChecks executes every registered checker in registration order.
func (u *UnitOfWork) RunChecks(tx *gorm.DB) error {
	for _, key := range u.order {
		if err := u.checkers[key](tx); err != nil {
			config.LogError(u.Logger, "invariantChecks.go", "RunChecks", key, u.BusinessId, err)
			return err
		}
	}
	return nil
}

// RegisterAvailabilityCheck adds the standing reconciliation invariant for
// one (warehouse, item, uom) scope touched by the transaction.
func (u *UnitOfWork) RegisterAvailabilityCheck(warehouseId, itemId int, uom string) {
	key := availabilityCheckKey(warehouseId, itemId, uom)
	businessId := u.BusinessId
	u.Register(key, func(tx *gorm.DB) error {
		return models.CheckAvailabilityReconciliation(tx, businessId, warehouseId, itemId, uom, time.Now().UTC())
	})
}

func availabilityCheckKey(warehouseId, itemId int, uom string) string {
	return fmt.Sprintf("availability:%d:%d:%s", warehouseId, itemId, uom)
}
