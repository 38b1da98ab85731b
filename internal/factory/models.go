package factory

import (
	"math/big"

	"gorm.io/gorm"
)

// RegistryEntry fixes the creation position of an escrow. Seq starts at 1 and
// has no gaps.
type RegistryEntry struct {
	gorm.Model `json:"-"`
	Seq        int    `gorm:"uniqueIndex" json:"seq"`
	EscrowID   string `gorm:"uniqueIndex" json:"escrow_id"`
}

func (RegistryEntry) TableName() string { return "registry_entries" }

// CreateParams are the caller-supplied terms of a new escrow
type CreateParams struct {
	Buyer        string   `json:"buyer"`
	Seller       string   `json:"seller"`
	Price        *big.Int `json:"price"`
	TokenAddress string   `json:"token_address"`
}
