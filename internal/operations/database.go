package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrOperationNotFound is returned for an unknown operation id
var ErrOperationNotFound = errors.New("operation not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateWithIdempotency stores the operation and, when key is set, the
// idempotency record pointing at it
func (d *Database) CreateWithIdempotency(ctx context.Context, op *Operation, key string, ttl time.Duration) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("failed to create operation: %w", err)
		}
		if key == "" {
			return nil
		}

		record := IdempotencyRecord{
			IdempotencyKey: key,
			Caller:         op.Caller,
			ResourceID:     op.OperationID,
			ResourceType:   op.Kind,
			ExpiresAt:      op.SubmittedAt.Add(ttl),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create idempotency record: %w", err)
		}
		return nil
	})
}

// GetIdempotencyRecord returns nil when no record exists for key
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteIdempotencyRecord drops an expired key so it can be reused
func (d *Database) DeleteIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	return d.db.WithContext(ctx).Unscoped().Delete(record).Error
}

func (d *Database) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := d.db.WithContext(ctx).Where("operation_id = ?", id).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, err
	}
	return &op, nil
}

// Finish moves a pending operation to its final state. Operations that are no
// longer pending are left untouched.
func (d *Database) Finish(ctx context.Context, op *Operation) error {
	return d.db.WithContext(ctx).Model(&Operation{}).
		Where("operation_id = ? AND state = ?", op.OperationID, StatePending).
		Updates(map[string]interface{}{
			"state":        op.State,
			"block":        op.Block,
			"result":       op.Result,
			"error":        op.Error,
			"error_kind":   op.ErrorKind,
			"committed_at": op.CommittedAt,
		}).Error
}

// ListPending returns operations still awaiting commitment, oldest first
func (d *Database) ListPending(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	if err := d.db.WithContext(ctx).Where("state = ?", StatePending).Order("submitted_at ASC").Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending operations: %w", err)
	}
	return ops, nil
}

// DeleteExpiredIdempotencyRecords removes keys that expired before now
func (d *Database) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Unscoped().Where("expires_at < ?", now).Delete(&IdempotencyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
