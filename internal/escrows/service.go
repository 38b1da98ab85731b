// Package escrows exposes escrow reads and writes over HTTP. Reads go through
// the contracts client and the aggregator; writes are submitted through the
// operations tracker and can be awaited.
package escrows

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/aggregator"
	"github.com/osazeejedi/escrow-interact/internal/contracts"
	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/operations"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

const defaultWaitTimeout = 30 * time.Second

// TransferSource serves the payouts and refunds recorded for an escrow. Only
// the local ledger keeps them.
type TransferSource interface {
	Transfers(ctx context.Context, id string) ([]escrow.Transfer, error)
}

type Options struct {
	Assets    *escrow.Assets
	Transfers TransferSource
	// WaitTimeout bounds how long a ?wait=true request blocks
	WaitTimeout time.Duration
}

type Service struct {
	client      *contracts.Client
	agg         *aggregator.Aggregator
	tracker     *operations.Tracker
	assets      *escrow.Assets
	transfers   TransferSource
	waitTimeout time.Duration
}

func NewService(client *contracts.Client, agg *aggregator.Aggregator, tracker *operations.Tracker, opts Options) *Service {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	return &Service{
		client:      client,
		agg:         agg,
		tracker:     tracker,
		assets:      opts.Assets,
		transfers:   opts.Transfers,
		waitTimeout: opts.WaitTimeout,
	}
}

// Snapshot reads every escrow in creation order
func (s *Service) Snapshot(ctx context.Context) (SnapshotView, error) {
	snap, err := s.agg.SnapshotAll(ctx, s.client)
	if err != nil {
		return SnapshotView{}, err
	}
	return s.snapshotView(snap), nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.client.Count(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (EscrowView, error) {
	rec, err := s.client.ReadEscrow(ctx, id)
	if err != nil {
		return EscrowView{}, err
	}
	return s.view(rec), nil
}

func (s *Service) Transfers(ctx context.Context, id string) ([]TransferView, error) {
	if s.transfers == nil {
		return nil, types.Errorf(types.KindNotFound, "transfers", "transfer history is not kept for this network")
	}
	list, err := s.transfers.Transfers(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]TransferView, 0, len(list))
	for _, t := range list {
		out = append(out, TransferView{
			Kind:      t.Kind,
			To:        t.To,
			Token:     t.Token,
			Amount:    s.amount(t.Token, t.Amount),
			CreatedAt: t.CreatedAt,
		})
	}
	return out, nil
}

// Assets lists the tokens accepted for new escrows
func (s *Service) Assets() []escrow.Asset {
	return s.assets.List()
}

// Write is a submitted escrow write
type Write struct {
	Kind           string
	Target         string
	IdempotencyKey string
	submit         func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error)
}

func (s *Service) CreateWrite(req CreateRequest) (Write, error) {
	price, err := parseAmount("create", req.Price)
	if err != nil {
		return Write{}, err
	}
	return Write{
		Kind:   gateway.MethodCreateEscrow,
		Target: gateway.FactoryTarget,
		submit: func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error) {
			return s.client.Create(ctx, session, req.Buyer, req.Seller, price, req.Token)
		},
	}, nil
}

func (s *Service) PayWrite(id string, req PayRequest) (Write, error) {
	amount, err := parseAmount("pay", req.Amount)
	if err != nil {
		return Write{}, err
	}
	return Write{
		Kind:   gateway.MethodPay,
		Target: id,
		submit: func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error) {
			return s.client.Pay(ctx, session, id, amount)
		},
	}, nil
}

func (s *Service) ReleaseWrite(id string) Write {
	return Write{
		Kind:   gateway.MethodRelease,
		Target: id,
		submit: func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error) {
			return s.client.Release(ctx, session, id)
		},
	}
}

func (s *Service) DisputeWrite(id string) Write {
	return Write{
		Kind:   gateway.MethodDispute,
		Target: id,
		submit: func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error) {
			return s.client.Dispute(ctx, session, id)
		},
	}
}

func (s *Service) ResolveWrite(id string, outcome escrow.Outcome) Write {
	return Write{
		Kind:   gateway.MethodResolve,
		Target: id,
		submit: func(ctx context.Context, session gateway.WalletSession) (gateway.PendingOperation, error) {
			return s.client.Resolve(ctx, session, id, outcome)
		},
	}
}

// Submit hands w to the gateway and records it as a pending operation
func (s *Service) Submit(ctx context.Context, session gateway.WalletSession, w Write) (*operations.Operation, error) {
	req := operations.Request{
		Kind:           w.Kind,
		Target:         w.Target,
		Caller:         session.Account(),
		IdempotencyKey: w.IdempotencyKey,
	}
	return s.tracker.Submit(ctx, req, func(ctx context.Context) (gateway.PendingOperation, error) {
		return w.submit(ctx, session)
	})
}

// Await waits up to the configured timeout for op to leave PENDING. A
// confirmed write comes back with the escrow it touched; an operation still
// pending at the deadline is returned as is.
func (s *Service) Await(ctx context.Context, op *operations.Operation) (WriteResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	final, err := s.tracker.Await(waitCtx, op.OperationID)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return WriteResult{Operation: op}, nil
	}
	if err != nil {
		return WriteResult{}, err
	}

	result := WriteResult{Operation: final}
	if final.State != operations.StateConfirmed {
		return result, nil
	}

	id := final.Target
	if final.Kind == gateway.MethodCreateEscrow {
		id = final.Result
	}
	rec, err := s.client.ReadEscrow(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("escrow_id", id).Msg("confirmed write but escrow read failed")
		return result, nil
	}
	v := s.view(rec)
	result.Escrow = &v
	return result, nil
}

func (s *Service) Operation(ctx context.Context, id string) (*operations.Operation, error) {
	return s.tracker.Get(ctx, id)
}

// parseAmount reads a positive base-unit integer
func parseAmount(op, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, types.Errorf(types.KindInvalidAmount, op, "%q is not a base-unit integer", raw)
	}
	if v.Sign() <= 0 {
		return nil, types.Errorf(types.KindInvalidAmount, op, "amount must be positive, got %s", v)
	}
	return v, nil
}

// failure rebuilds the typed error recorded on a failed operation
func failure(op *operations.Operation) error {
	kind := types.Kind(op.ErrorKind)
	if kind == "" {
		return fmt.Errorf("%s failed: %s", op.Kind, op.Error)
	}
	return &types.Error{Kind: kind, Detail: op.Error}
}
