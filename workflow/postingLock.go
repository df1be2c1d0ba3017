package workflow

import (
	"fmt"

	"github.com/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
)

// AcquirePostingLock serializes ledger postings per tenant across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the posting transaction.
func AcquirePostingLock(tx *gorm.DB, businessId string) error {
	lockName := fmt.Sprintf("inventory_posting:%s", businessId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return utils.NewConflictError(utils.CodeLockContention,
			"could not acquire posting lock for business_id=%s", businessId)
	}
	return nil
}

func ReleasePostingLock(tx *gorm.DB, businessId string) {
	lockName := fmt.Sprintf("inventory_posting:%s", businessId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
