package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Outcome is the arbiter's decision on a disputed escrow
type Outcome string

const (
	OutcomeRelease Outcome = "RELEASE"
	OutcomeRefund  Outcome = "REFUND"
)

func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToUpper(strings.TrimSpace(s))); o {
	case OutcomeRelease, OutcomeRefund:
		return o, nil
	default:
		return "", types.Errorf(types.KindInvalidTransition, "resolve", "unknown outcome %q", s)
	}
}

// Transition describes one committed state change
type Transition struct {
	Op        string             `json:"op"`
	From      types.Status       `json:"from"`
	To        types.Status       `json:"to"`
	Record    types.EscrowRecord `json:"record"`
	Transfers []Transfer         `json:"transfers,omitempty"`
}

// Instance is the state machine of a single escrow.
//
// Transitions are serialized by mu. Each transition is computed on a copy of the
// committed record, persisted, and only then published, so readers see either
// the previous or the next committed record and never an intermediate one.
type Instance struct {
	mu    sync.Mutex
	state atomic.Pointer[types.EscrowRecord]
	roles Roles
	store Store
	now   func() time.Time
}

// NewInstance wraps a committed record. store may be nil for a purely
// in-memory instance.
func NewInstance(rec types.EscrowRecord, roles Roles, store Store) *Instance {
	rec = rec.Clone()
	if rec.PaidAmount == nil {
		rec.PaidAmount = new(big.Int)
	}
	inst := &Instance{
		roles: roles,
		store: store,
		now:   time.Now,
	}
	inst.state.Store(&rec)
	return inst
}

func (i *Instance) ID() string {
	return i.state.Load().ID
}

// Snapshot returns a copy of the latest committed record
func (i *Instance) Snapshot() types.EscrowRecord {
	return i.state.Load().Clone()
}

func (i *Instance) Status() types.Status {
	return i.state.Load().Status
}

func (i *Instance) Price() *big.Int {
	return new(big.Int).Set(i.state.Load().Price)
}

func (i *Instance) Fee() *big.Int {
	return new(big.Int).Set(i.state.Load().Fee)
}

func (i *Instance) PaidAmount() *big.Int {
	return new(big.Int).Set(i.state.Load().PaidAmount)
}

// Pay adds amount to the buyer's cumulative payment. The escrow becomes Funded
// when the payment reaches the price exactly.
func (i *Instance) Pay(ctx context.Context, caller string, amount *big.Int) (Transition, error) {
	const op = "pay"
	return i.apply(ctx, op, func(next *types.EscrowRecord) ([]Transfer, error) {
		if !types.SameParty(caller, next.Buyer) {
			return nil, types.Errorf(types.KindUnauthorized, op, "only the buyer can pay")
		}
		if amount == nil || amount.Sign() <= 0 {
			return nil, types.Errorf(types.KindInvalidAmount, op, "amount must be positive")
		}
		if next.Status != types.StatusCreated {
			return nil, types.InvalidTransition(op, next.Status)
		}

		paid := new(big.Int).Add(next.PaidAmount, amount)
		if paid.Cmp(next.Price) > 0 {
			return nil, types.Errorf(types.KindOverpayment, op,
				"paid %s + %s exceeds price %s", next.PaidAmount, amount, next.Price)
		}

		next.PaidAmount = paid
		if paid.Cmp(next.Price) == 0 {
			next.Status = types.StatusFunded
		}
		return nil, nil
	})
}

// Release pays the seller price-fee and the fee recipient the fee. Only the
// buyer or the arbiter may release, and only a Funded escrow.
func (i *Instance) Release(ctx context.Context, caller string) (Transition, error) {
	const op = "release"
	return i.apply(ctx, op, func(next *types.EscrowRecord) ([]Transfer, error) {
		if !types.SameParty(caller, next.Buyer) && !i.roles.isArbiter(caller) {
			return nil, types.Errorf(types.KindUnauthorized, op, "only the buyer or arbiter can release")
		}
		if next.Status != types.StatusFunded {
			return nil, types.InvalidTransition(op, next.Status)
		}

		next.Status = types.StatusReleased
		return i.releaseTransfers(*next), nil
	})
}

// Dispute freezes a Funded escrow until the arbiter resolves it
func (i *Instance) Dispute(ctx context.Context, caller string) (Transition, error) {
	const op = "dispute"
	return i.apply(ctx, op, func(next *types.EscrowRecord) ([]Transfer, error) {
		if !types.SameParty(caller, next.Buyer) && !types.SameParty(caller, next.Seller) {
			return nil, types.Errorf(types.KindUnauthorized, op, "only the buyer or seller can dispute")
		}
		if next.Status != types.StatusFunded {
			return nil, types.InvalidTransition(op, next.Status)
		}

		next.Status = types.StatusDisputed
		return nil, nil
	})
}

// Resolve settles a Disputed escrow. OutcomeRelease pays out as Release does,
// OutcomeRefund returns the paid amount to the buyer.
func (i *Instance) Resolve(ctx context.Context, caller string, outcome Outcome) (Transition, error) {
	const op = "resolve"
	return i.apply(ctx, op, func(next *types.EscrowRecord) ([]Transfer, error) {
		if !i.roles.isArbiter(caller) {
			return nil, types.Errorf(types.KindUnauthorized, op, "only the arbiter can resolve")
		}
		if next.Status != types.StatusDisputed {
			return nil, types.InvalidTransition(op, next.Status)
		}

		switch outcome {
		case OutcomeRelease:
			next.Status = types.StatusReleased
			return i.releaseTransfers(*next), nil
		case OutcomeRefund:
			next.Status = types.StatusRefunded
			return []Transfer{{
				EscrowID: next.ID,
				Kind:     TransferRefund,
				To:       next.Buyer,
				Token:    next.TokenAddress,
				Amount:   new(big.Int).Set(next.PaidAmount),
			}}, nil
		default:
			return nil, types.Errorf(types.KindInvalidTransition, op, "unknown outcome %q", outcome)
		}
	})
}

func (i *Instance) releaseTransfers(rec types.EscrowRecord) []Transfer {
	transfers := []Transfer{{
		EscrowID: rec.ID,
		Kind:     TransferPayout,
		To:       rec.Seller,
		Token:    rec.TokenAddress,
		Amount:   rec.Payout(),
	}}
	if rec.Fee.Sign() > 0 {
		transfers = append(transfers, Transfer{
			EscrowID: rec.ID,
			Kind:     TransferFee,
			To:       i.roles.FeeRecipient,
			Token:    rec.TokenAddress,
			Amount:   new(big.Int).Set(rec.Fee),
		})
	}
	return transfers
}

func (i *Instance) apply(ctx context.Context, op string, mutate func(next *types.EscrowRecord) ([]Transfer, error)) (Transition, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	current := i.state.Load()
	logger := log.With().
		Str("escrow_id", current.ID).
		Str("op", op).
		Str("service", "escrow").
		Logger()

	if err := ctx.Err(); err != nil {
		return Transition{}, err
	}

	next := current.Clone()
	transfers, err := mutate(&next)
	if err != nil {
		logger.Warn().Err(err).Str("status", current.Status.String()).Msg("transition rejected")
		return Transition{}, err
	}

	next.UpdatedAt = i.now()
	for n := range transfers {
		transfers[n].CreatedAt = next.UpdatedAt
	}

	if i.store != nil {
		if err := i.store.SaveTransition(ctx, next, transfers); err != nil {
			logger.Error().Err(err).Msg("failed to persist transition")
			return Transition{}, fmt.Errorf("%s: persist escrow %s: %w", op, next.ID, err)
		}
	}
	i.state.Store(&next)

	logger.Info().
		Str("from", current.Status.String()).
		Str("to", next.Status.String()).
		Str("paid_amount", next.PaidAmount.String()).
		Int("transfers", len(transfers)).
		Msg("transition committed")

	return Transition{
		Op:        op,
		From:      current.Status,
		To:        next.Status,
		Record:    next.Clone(),
		Transfers: transfers,
	}, nil
}
