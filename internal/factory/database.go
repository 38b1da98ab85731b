package factory

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateEscrow stores the record and its registry entry in one transaction
func (d *Database) CreateEscrow(ctx context.Context, seq int, rec types.EscrowRecord) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := escrow.RowFromRecord(rec)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create escrow: %w", err)
		}

		entry := RegistryEntry{Seq: seq, EscrowID: rec.ID}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to create registry entry: %w", err)
		}
		return nil
	})
}

// LoadRegistry returns every registered escrow in creation order
func (d *Database) LoadRegistry(ctx context.Context) ([]types.EscrowRecord, error) {
	var entries []RegistryEntry
	if err := d.db.WithContext(ctx).Order("seq ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch registry: %w", err)
	}

	var rows []escrow.EscrowRow
	if err := d.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch escrows: %w", err)
	}
	byID := make(map[string]escrow.EscrowRow, len(rows))
	for _, row := range rows {
		byID[row.EscrowID] = row
	}

	records := make([]types.EscrowRecord, 0, len(entries))
	for i, entry := range entries {
		if entry.Seq != i+1 {
			return nil, fmt.Errorf("registry gap at seq %d (found %d)", i+1, entry.Seq)
		}
		row, ok := byID[entry.EscrowID]
		if !ok {
			return nil, fmt.Errorf("registry entry %d references missing escrow %s", entry.Seq, entry.EscrowID)
		}
		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
