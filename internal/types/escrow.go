package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowRecord is the fixed-shape view of one escrow instance
type EscrowRecord struct {
	ID           string    `json:"id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	TokenAddress string    `json:"token_address"`
	Price        *big.Int  `json:"price"`
	Fee          *big.Int  `json:"fee"`
	PaidAmount   *big.Int  `json:"paid_amount"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no big.Int with r
func (r EscrowRecord) Clone() EscrowRecord {
	out := r
	out.Price = cloneInt(r.Price)
	out.Fee = cloneInt(r.Fee)
	out.PaidAmount = cloneInt(r.PaidAmount)
	return out
}

// Payout is the amount the seller receives on release
func (r EscrowRecord) Payout() *big.Int {
	if r.Price == nil {
		return new(big.Int)
	}
	fee := r.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	return new(big.Int).Sub(r.Price, fee)
}

// Validate checks the record invariants. It is applied to data entering from a
// gateway before the data is handed to callers.
func (r EscrowRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrMalformedRecord)
	case r.Price == nil || r.Price.Sign() <= 0:
		return fmt.Errorf("%w: %s: price must be positive", ErrMalformedRecord, r.ID)
	case r.Fee == nil || r.Fee.Sign() < 0 || r.Fee.Cmp(r.Price) >= 0:
		return fmt.Errorf("%w: %s: fee must satisfy 0 <= fee < price", ErrMalformedRecord, r.ID)
	case !r.Status.Valid():
		return fmt.Errorf("%w: %s: invalid status %d", ErrMalformedRecord, r.ID, uint8(r.Status))
	}
	if r.PaidAmount != nil && (r.PaidAmount.Sign() < 0 || r.PaidAmount.Cmp(r.Price) > 0) {
		return fmt.Errorf("%w: %s: paid amount outside [0, price]", ErrMalformedRecord, r.ID)
	}
	return nil
}

// NormalizeParty trims an identifier and checksums it when it is a hex address
func NormalizeParty(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// SameParty compares identifiers after normalization, ignoring case
func SameParty(a, b string) bool {
	return strings.EqualFold(NormalizeParty(a), NormalizeParty(b))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
