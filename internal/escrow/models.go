package escrow

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// EscrowRow is the persisted form of an EscrowRecord. Amounts are stored as
// base-10 strings to keep full uint256 precision.
type EscrowRow struct {
	gorm.Model   `json:"-"`
	EscrowID     string       `gorm:"uniqueIndex" json:"escrow_id"`
	Buyer        string       `json:"buyer"`
	Seller       string       `json:"seller"`
	TokenAddress string       `json:"token_address"`
	Price        string       `json:"price"`
	Fee          string       `json:"fee"`
	PaidAmount   string       `json:"paid_amount"`
	Status       types.Status `gorm:"type:varchar(16);index" json:"status"`
}

func (EscrowRow) TableName() string { return "escrows" }

type TransferKind string

const (
	TransferPayout TransferKind = "PAYOUT"
	TransferFee    TransferKind = "FEE"
	TransferRefund TransferKind = "REFUND"
)

// Transfer records funds leaving an escrow
type Transfer struct {
	EscrowID  string       `json:"escrow_id"`
	Kind      TransferKind `json:"kind"`
	To        string       `json:"to"`
	Token     string       `json:"token"`
	Amount    *big.Int     `json:"amount"`
	CreatedAt time.Time    `json:"created_at"`
}

type TransferRow struct {
	gorm.Model `json:"-"`
	EscrowID   string       `gorm:"index" json:"escrow_id"`
	Kind       TransferKind `json:"kind"`
	Recipient  string       `json:"recipient"`
	Token      string       `json:"token"`
	Amount     string       `json:"amount"`
}

func (TransferRow) TableName() string { return "escrow_transfers" }

// RowFromRecord converts a record for storage
func RowFromRecord(rec types.EscrowRecord) EscrowRow {
	row := EscrowRow{
		EscrowID:     rec.ID,
		Buyer:        rec.Buyer,
		Seller:       rec.Seller,
		TokenAddress: rec.TokenAddress,
		Price:        intString(rec.Price),
		Fee:          intString(rec.Fee),
		PaidAmount:   intString(rec.PaidAmount),
		Status:       rec.Status,
	}
	row.CreatedAt = rec.CreatedAt
	row.UpdatedAt = rec.UpdatedAt
	return row
}

// Record parses a stored row back into a record
func (r EscrowRow) Record() (types.EscrowRecord, error) {
	price, err := parseInt("price", r.Price)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	fee, err := parseInt("fee", r.Fee)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	paid, err := parseInt("paid_amount", r.PaidAmount)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	return types.EscrowRecord{
		ID:           r.EscrowID,
		Buyer:        r.Buyer,
		Seller:       r.Seller,
		TokenAddress: r.TokenAddress,
		Price:        price,
		Fee:          fee,
		PaidAmount:   paid,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func transferRow(t Transfer) TransferRow {
	row := TransferRow{
		EscrowID:  t.EscrowID,
		Kind:      t.Kind,
		Recipient: t.To,
		Token:     t.Token,
		Amount:    intString(t.Amount),
	}
	row.CreatedAt = t.CreatedAt
	return row
}

func (r TransferRow) transfer() (Transfer, error) {
	amount, err := parseInt("amount", r.Amount)
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{
		EscrowID:  r.EscrowID,
		Kind:      r.Kind,
		To:        r.Recipient,
		Token:     r.Token,
		Amount:    amount,
		CreatedAt: r.CreatedAt,
	}, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseInt(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid %s %q", field, s)
	}
	return v, nil
}
