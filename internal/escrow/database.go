package escrow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// ErrEscrowNotFound is returned when no row exists for an escrow id
var ErrEscrowNotFound = errors.New("escrow not found")

// Store persists committed instance transitions
type Store interface {
	SaveTransition(ctx context.Context, rec types.EscrowRecord, transfers []Transfer) error
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveTransition updates the mutable columns of an escrow and appends its
// transfers in one transaction
func (d *Database) SaveTransition(ctx context.Context, rec types.EscrowRecord, transfers []Transfer) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&EscrowRow{}).
			Where("escrow_id = ?", rec.ID).
			Updates(map[string]interface{}{
				"paid_amount": intString(rec.PaidAmount),
				"status":      rec.Status,
				"updated_at":  rec.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrEscrowNotFound, rec.ID)
		}

		for _, t := range transfers {
			row := transferRow(t)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to record %s transfer: %w", t.Kind, err)
			}
		}
		return nil
	})
}

func (d *Database) GetEscrow(ctx context.Context, escrowID string) (types.EscrowRecord, error) {
	var row EscrowRow
	if err := d.db.WithContext(ctx).Where("escrow_id = ?", escrowID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.EscrowRecord{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
		}
		return types.EscrowRecord{}, err
	}
	return row.Record()
}

// ListTransfers returns the transfers of one escrow in the order they were made
func (d *Database) ListTransfers(ctx context.Context, escrowID string) ([]Transfer, error) {
	var rows []TransferRow
	if err := d.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transfers: %w", err)
	}

	transfers := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.transfer()
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}
