// Package contracts gives typed access to the factory and escrow contracts
// behind a NetworkGateway. Everything read through it is checked against the
// EscrowRecord invariants before it is returned.
package contracts

import (
	"context"
	"errors"
	"iter"
	"math/big"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

type Client struct {
	gw      gateway.NetworkGateway
	factory string
	codec   types.StatusCodec
}

// New binds a client to the factory at factoryTarget
func New(gw gateway.NetworkGateway, factoryTarget string, codec types.StatusCodec) *Client {
	if factoryTarget == "" {
		factoryTarget = gateway.FactoryTarget
	}
	return &Client{gw: gw, factory: factoryTarget, codec: codec}
}

func (c *Client) Gateway() gateway.NetworkGateway {
	return c.gw
}

// Count returns the factory's escrow count
func (c *Client) Count(ctx context.Context) (int, error) {
	res, err := c.gw.Invoke(ctx, c.factory, gateway.MethodEscrowCount)
	if err != nil {
		return 0, err
	}
	n, err := decodeBig(res, gateway.MethodEscrowCount)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsInt64() {
		return 0, errors.Join(types.ErrMalformedRecord, errors.New("escrow count out of range"))
	}
	return int(n.Int64()), nil
}

// ListInstances yields escrow ids in creation order. The id list is fetched
// when iteration starts; a fetch failure is yielded once as an error.
func (c *Client) ListInstances(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		res, err := c.gw.Invoke(ctx, c.factory, gateway.MethodEscrows)
		if err != nil {
			yield("", err)
			return
		}
		ids, err := decodeStrings(res, gateway.MethodEscrows)
		if err != nil {
			yield("", err)
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// ReadEscrow assembles the record of one instance. Price, fee and status are
// required; the other fields are filled when the contract exposes them. When
// the gateway can pin reads, every field comes from the same committed state.
func (c *Client) ReadEscrow(ctx context.Context, id string) (types.EscrowRecord, error) {
	var r gateway.Reader = c.gw
	if p, ok := c.gw.(gateway.Pinner); ok {
		pinned, err := p.Pin(ctx)
		if err != nil {
			return types.EscrowRecord{}, err
		}
		r = pinned
	}

	rec := types.EscrowRecord{ID: id}

	res, err := r.Invoke(ctx, id, gateway.MethodPrice)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	if rec.Price, err = decodeBig(res, gateway.MethodPrice); err != nil {
		return types.EscrowRecord{}, err
	}

	res, err = r.Invoke(ctx, id, gateway.MethodFee)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	if rec.Fee, err = decodeBig(res, gateway.MethodFee); err != nil {
		return types.EscrowRecord{}, err
	}

	res, err = r.Invoke(ctx, id, gateway.MethodStatus)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	code, err := decodeStatusCode(res, gateway.MethodStatus)
	if err != nil {
		return types.EscrowRecord{}, err
	}
	if rec.Status, err = c.codec.Decode(code); err != nil {
		return types.EscrowRecord{}, err
	}

	if res, ok, err := optional(ctx, r, id, gateway.MethodPaidAmount); err != nil {
		return types.EscrowRecord{}, err
	} else if ok {
		if rec.PaidAmount, err = decodeBig(res, gateway.MethodPaidAmount); err != nil {
			return types.EscrowRecord{}, err
		}
	}

	for _, field := range []struct {
		method string
		dst    *string
	}{
		{gateway.MethodBuyer, &rec.Buyer},
		{gateway.MethodSeller, &rec.Seller},
		{gateway.MethodToken, &rec.TokenAddress},
	} {
		res, ok, err := optional(ctx, r, id, field.method)
		if err != nil {
			return types.EscrowRecord{}, err
		}
		if !ok {
			continue
		}
		if *field.dst, err = decodeString(res, field.method); err != nil {
			return types.EscrowRecord{}, err
		}
	}

	if err := rec.Validate(); err != nil {
		return types.EscrowRecord{}, err
	}
	return rec, nil
}

func optional(ctx context.Context, r gateway.Reader, id, method string) (gateway.Result, bool, error) {
	res, err := r.Invoke(ctx, id, method)
	if errors.Is(err, gateway.ErrUnsupportedMethod) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Create submits a factory write for a new escrow
func (c *Client) Create(ctx context.Context, session gateway.WalletSession, buyer, seller string, price *big.Int, token string) (gateway.PendingOperation, error) {
	return c.gw.InvokeWrite(ctx, session, c.factory, gateway.MethodCreateEscrow, buyer, seller, price, token)
}

func (c *Client) Pay(ctx context.Context, session gateway.WalletSession, id string, amount *big.Int) (gateway.PendingOperation, error) {
	return c.gw.InvokeWrite(ctx, session, id, gateway.MethodPay, amount)
}

func (c *Client) Release(ctx context.Context, session gateway.WalletSession, id string) (gateway.PendingOperation, error) {
	return c.gw.InvokeWrite(ctx, session, id, gateway.MethodRelease)
}

func (c *Client) Dispute(ctx context.Context, session gateway.WalletSession, id string) (gateway.PendingOperation, error) {
	return c.gw.InvokeWrite(ctx, session, id, gateway.MethodDispute)
}

func (c *Client) Resolve(ctx context.Context, session gateway.WalletSession, id string, outcome escrow.Outcome) (gateway.PendingOperation, error) {
	return c.gw.InvokeWrite(ctx, session, id, gateway.MethodResolve, string(outcome))
}
