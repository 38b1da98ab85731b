package operations

import (
	"time"

	"gorm.io/gorm"
)

type State string

const (
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
)

// Operation marks a submitted write. It stays PENDING until the gateway
// reports the write committed or failed; escrow reads never consult it.
type Operation struct {
	gorm.Model  `json:"-"`
	OperationID string     `gorm:"uniqueIndex" json:"id"`
	Kind        string     `json:"kind"`
	Target      string     `json:"target"`
	Caller      string     `json:"caller"`
	State       State      `gorm:"index" json:"state"`
	TxHash      string     `json:"tx_hash"`
	Block       uint64     `json:"block,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

func (Operation) TableName() string { return "operations" }

// IdempotencyRecord maps a client supplied key to the operation it created
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	Caller         string    `json:"caller"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
