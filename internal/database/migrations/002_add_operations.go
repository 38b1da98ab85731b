package migrations

import (
	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/operations"
)

// AddOperations creates the pending write markers and idempotency keys
func AddOperations(db *gorm.DB) error {
	if err := db.AutoMigrate(&operations.Operation{}, &operations.IdempotencyRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Recover scans pending operations oldest first
		`CREATE INDEX IF NOT EXISTS idx_operations_state_submitted
		 ON operations(state, submitted_at)`,

		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
