package escrows

import (
	"math/big"
	"time"

	"github.com/osazeejedi/escrow-interact/internal/aggregator"
	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/operations"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Amount is a token amount in base units and in display units
type Amount struct {
	Base    string `json:"base"`
	Display string `json:"display"`
}

type EscrowView struct {
	ID         string       `json:"id"`
	Buyer      string       `json:"buyer"`
	Seller     string       `json:"seller"`
	Token      string       `json:"token_address"`
	Symbol     string       `json:"symbol,omitempty"`
	Price      Amount       `json:"price"`
	Fee        Amount       `json:"fee"`
	PaidAmount Amount       `json:"paid_amount"`
	Payout     Amount       `json:"payout"`
	Status     types.Status `json:"status"`
	CreatedAt  *time.Time   `json:"created_at,omitempty"`
	UpdatedAt  *time.Time   `json:"updated_at,omitempty"`
}

// SnapshotItem is one escrow in a snapshot. Exactly one of Escrow and Error is set.
type SnapshotItem struct {
	Index     int         `json:"index"`
	ID        string      `json:"id"`
	Escrow    *EscrowView `json:"escrow,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Attempts  int         `json:"attempts"`
}

type SnapshotView struct {
	Items   []SnapshotItem `json:"items"`
	Total   int            `json:"total"`
	Failed  int            `json:"failed"`
	TakenAt time.Time      `json:"taken_at"`
}

type TransferView struct {
	Kind      escrow.TransferKind `json:"kind"`
	To        string              `json:"to"`
	Token     string              `json:"token"`
	Amount    Amount              `json:"amount"`
	CreatedAt time.Time           `json:"created_at"`
}

// WriteResult is returned for a write that committed while the caller waited
type WriteResult struct {
	Operation *operations.Operation `json:"operation"`
	Escrow    *EscrowView           `json:"escrow,omitempty"`
}

type CreateRequest struct {
	Buyer  string `json:"buyer" binding:"required"`
	Seller string `json:"seller" binding:"required"`
	Price  string `json:"price" binding:"required"`
	Token  string `json:"token_address" binding:"required"`
}

type PayRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (s *Service) amount(token string, v *big.Int) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{Base: v.String(), Display: s.assets.Format(token, v)}
}

func (s *Service) view(rec types.EscrowRecord) EscrowView {
	v := EscrowView{
		ID:         rec.ID,
		Buyer:      rec.Buyer,
		Seller:     rec.Seller,
		Token:      rec.TokenAddress,
		Price:      s.amount(rec.TokenAddress, rec.Price),
		Fee:        s.amount(rec.TokenAddress, rec.Fee),
		PaidAmount: s.amount(rec.TokenAddress, rec.PaidAmount),
		Payout:     s.amount(rec.TokenAddress, rec.Payout()),
		Status:     rec.Status,
	}
	if asset, ok := s.assets.Lookup(rec.TokenAddress); ok {
		v.Symbol = asset.Symbol
	}
	if !rec.CreatedAt.IsZero() {
		created, updated := rec.CreatedAt, rec.UpdatedAt
		v.CreatedAt, v.UpdatedAt = &created, &updated
	}
	return v
}

func (s *Service) snapshotView(snap aggregator.Snapshot) SnapshotView {
	out := SnapshotView{
		Items:   make([]SnapshotItem, len(snap.Items)),
		Total:   len(snap.Items),
		TakenAt: snap.TakenAt,
	}
	for i, item := range snap.Items {
		si := SnapshotItem{Index: item.Index, ID: item.ID, Attempts: item.Attempts}
		if item.Err != nil {
			si.Error = item.Err.Error()
			si.ErrorKind = string(types.KindOf(item.Err))
			out.Failed++
		} else if item.Record != nil {
			v := s.view(*item.Record)
			si.Escrow = &v
		}
		out.Items[i] = si
	}
	return out
}
