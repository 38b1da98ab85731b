package migrations

import (
	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/factory"
)

// AddEscrowRegistry creates the registry, escrow and transfer tables
func AddEscrowRegistry(db *gorm.DB) error {
	if err := db.AutoMigrate(&factory.RegistryEntry{}, &escrow.EscrowRow{}, &escrow.TransferRow{}); err != nil {
		return err
	}

	indexes := []string{
		// Escrows involving a party
		`CREATE INDEX IF NOT EXISTS idx_escrows_buyer
		 ON escrows(buyer)`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_seller
		 ON escrows(seller)`,

		// Transfer history in commit order
		`CREATE INDEX IF NOT EXISTS idx_escrow_transfers_escrow_created
		 ON escrow_transfers(escrow_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
