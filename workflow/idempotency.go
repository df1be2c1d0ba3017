package workflow

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IdempotencyOutcome is the result of BeginIdempotency. Replay carries the
// stored terminal key so callers can return the prior response verbatim.
type IdempotencyOutcome struct {
	Replay bool
	Key    *models.IdempotencyKey
}

// BeginIdempotency inserts IN_PROGRESS for (businessId, key). Replays of a
// terminal key with a matching request hash return the stored response; a
// mismatched hash is a conflict distinct from validation/business errors. A
// key left IN_PROGRESS by a crashed worker becomes retryable after 5 minutes.
func BeginIdempotency(tx *gorm.DB, businessId, idemKey, requestHash string) (*IdempotencyOutcome, error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		IdemKey:     idemKey,
		RequestHash: requestHash,
		Status:      models.IdempotencyStatusInProgress,
	}
	if err := tx.Create(&key).Error; err == nil {
		return &IdempotencyOutcome{Replay: false, Key: &key}, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("business_id = ? AND idem_key = ?", businessId, idemKey).
		First(&existing).Error; err != nil {
		return nil, err
	}

	if existing.RequestHash != requestHash {
		return nil, utils.NewConflictError(utils.CodeIdempotencyConflict,
			"idempotency key %q was already used with a different request body", idemKey)
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded, models.IdempotencyStatusFailed:
		return &IdempotencyOutcome{Replay: true, Key: &existing}, nil
	default:
		// IN_PROGRESS: another worker may still be processing. Treat as
		// unknown outcome unless the row is stale.
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return nil, utils.NewConflictError(utils.CodeLockContention,
				"idempotency key %q is in progress", idemKey)
		}
		err := tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusInProgress, "last_error": nil}).Error
		if err != nil {
			return nil, err
		}
		return &IdempotencyOutcome{Replay: false, Key: &existing}, nil
	}
}

// MarkIdempotencySucceeded stores the response reference for later replays.
func MarkIdempotencySucceeded(tx *gorm.DB, businessId, idemKey, responseType, responseId, outcomeCode string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND idem_key = ?", businessId, idemKey).
		Updates(map[string]interface{}{
			"status":        models.IdempotencyStatusSucceeded,
			"response_type": &responseType,
			"response_id":   &responseId,
			"outcome_code":  &outcomeCode,
			"last_error":    nil,
		}).Error
}

// MarkIdempotencyFailed records a terminal failure; replays of the same
// payload return the same failure outcome. Runs in its own transaction after
// the posting transaction rolled back, so the IN_PROGRESS row inserted there
// is gone too: this upserts the key rather than updating it.
func MarkIdempotencyFailed(tx *gorm.DB, businessId, idemKey, requestHash string, failure error) error {
	msg := ""
	code := ""
	if failure != nil {
		msg = failure.Error()
		code = utils.CodeOf(failure)
	}
	row := models.IdempotencyKey{
		BusinessId:  businessId,
		IdemKey:     idemKey,
		RequestHash: requestHash,
		Status:      models.IdempotencyStatusFailed,
		OutcomeCode: &code,
		LastError:   &msg,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "idem_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":       models.IdempotencyStatusFailed,
			"outcome_code": code,
			"last_error":   msg,
		}),
	}).Create(&row).Error
}

// FailureOutcomeCode is what a replayed FAILED key reports to the caller.
func FailureOutcomeCode(key *models.IdempotencyKey) string {
	if key.OutcomeCode == nil || *key.OutcomeCode == "" {
		return "UNKNOWN"
	}
	return *key.OutcomeCode
}

// ReplayedMovement resolves the movement a SUCCEEDED key recorded as its
// response.
func ReplayedMovement(tx *gorm.DB, businessId string, key *models.IdempotencyKey) (*models.InventoryMovement, error) {
	if key.ResponseId == nil {
		return nil, utils.NewConflictError(utils.CodeIdempotencyConflict,
			"idempotency key %q has no stored response to replay", key.IdemKey)
	}
	return models.GetMovement2(tx, businessId, *key.ResponseId)
}
