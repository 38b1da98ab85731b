package contracts

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/factory"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/gateway/ledger"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

const usdc = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

// stubGateway serves reads from a fixed table keyed by target and method
type stubGateway struct {
	values map[string]map[string]gateway.Result
	err    error
}

func (s *stubGateway) Invoke(_ context.Context, target, method string, _ ...any) (gateway.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	res, ok := s.values[target][method]
	if !ok {
		return nil, gateway.Unsupported(target, method)
	}
	return res, nil
}

func (s *stubGateway) InvokeWrite(context.Context, gateway.WalletSession, string, string, ...any) (gateway.PendingOperation, error) {
	return nil, errors.New("read only")
}

func (s *stubGateway) NetworkID(context.Context) (uint64, error) { return 5, nil }

func TestReadEscrowWithMinimalContract(t *testing.T) {
	stub := &stubGateway{values: map[string]map[string]gateway.Result{
		"0xe1": {
			gateway.MethodPrice:  {big.NewInt(100)},
			gateway.MethodFee:    {big.NewInt(5)},
			gateway.MethodStatus: {uint8(1)},
			gateway.MethodBuyer:  {common.HexToAddress("0xb0")},
		},
	}}
	c := New(stub, "", types.DefaultStatusCodec())

	rec, err := c.ReadEscrow(context.Background(), "0xe1")
	require.NoError(t, err)
	assert.Equal(t, "100", rec.Price.String())
	assert.Equal(t, types.StatusFunded, rec.Status)
	assert.Nil(t, rec.PaidAmount)
	assert.Equal(t, common.HexToAddress("0xb0").Hex(), rec.Buyer)
	assert.Empty(t, rec.Seller)
}

func TestReadEscrowRejectsMalformedData(t *testing.T) {
	tests := map[string]map[string]gateway.Result{
		"fee not below price": {
			gateway.MethodPrice: {big.NewInt(100)}, gateway.MethodFee: {big.NewInt(100)}, gateway.MethodStatus: {uint8(0)},
		},
		"unknown status": {
			gateway.MethodPrice: {big.NewInt(100)}, gateway.MethodFee: {big.NewInt(1)}, gateway.MethodStatus: {uint8(9)},
		},
		"wrong type": {
			gateway.MethodPrice: {"100"}, gateway.MethodFee: {big.NewInt(1)}, gateway.MethodStatus: {uint8(0)},
		},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			c := New(&stubGateway{values: map[string]map[string]gateway.Result{"E1": values}}, "", types.DefaultStatusCodec())
			_, err := c.ReadEscrow(context.Background(), "E1")
			assert.ErrorIs(t, err, types.ErrMalformedRecord)
		})
	}
}

func TestCustomStatusEncoding(t *testing.T) {
	codec, err := types.NewStatusCodec([]string{"created", "funded", "disputed", "released", "refunded"})
	require.NoError(t, err)
	stub := &stubGateway{values: map[string]map[string]gateway.Result{"E1": {
		gateway.MethodPrice: {big.NewInt(100)}, gateway.MethodFee: {big.NewInt(1)}, gateway.MethodStatus: {big.NewInt(2)},
	}}}

	rec, err := New(stub, "", codec).ReadEscrow(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisputed, rec.Status)
}

func TestListInstancesYieldsFetchError(t *testing.T) {
	c := New(&stubGateway{err: types.Errorf(types.KindTransportFailure, "escrows", "down")}, "", types.DefaultStatusCodec())

	var errs []error
	for id, err := range c.ListInstances(context.Background()) {
		assert.Empty(t, id)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrTransportFailure)
}

func TestClientAgainstLedger(t *testing.T) {
	assets := escrow.NewAssets([]escrow.Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})
	f := factory.New(nil, escrow.BasisPoints(500), assets, escrow.Roles{Arbiter: "arbiter", FeeRecipient: "treasury"})
	gw := ledger.New(f, ledger.Options{NetworkID: 5})
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-gw.Done()
	})

	c := New(gw, "", types.DefaultStatusCodec())
	alice := gateway.Wallet("alice")

	for _, price := range []int64{100, 200} {
		op, err := c.Create(ctx, alice, "alice", "bob", big.NewInt(price), usdc)
		require.NoError(t, err)
		_, err = op.Wait(ctx)
		require.NoError(t, err)
	}

	op, err := c.Pay(ctx, alice, "E1", big.NewInt(100))
	require.NoError(t, err)
	_, err = op.Wait(ctx)
	require.NoError(t, err)

	op, err = c.Dispute(ctx, gateway.Wallet("bob"), "E1")
	require.NoError(t, err)
	_, err = op.Wait(ctx)
	require.NoError(t, err)

	op, err = c.Resolve(ctx, gateway.Wallet("arbiter"), "E1", escrow.OutcomeRefund)
	require.NoError(t, err)
	_, err = op.Wait(ctx)
	require.NoError(t, err)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	for id, err := range c.ListInstances(ctx) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"E1", "E2"}, ids)

	rec, err := c.ReadEscrow(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRefunded, rec.Status)
	assert.Equal(t, "100", rec.PaidAmount.String())
	assert.Equal(t, "alice", rec.Buyer)
	assert.Equal(t, usdc, rec.TokenAddress)

	op, err = c.Release(ctx, alice, "E2")
	require.NoError(t, err)
	_, err = op.Wait(ctx)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

// payingGateway commits the buyer's full payment right after the first status
// read, between two field reads of the same record
type payingGateway struct {
	*ledger.Gateway
	inst *escrow.Instance
	once sync.Once
	err  error
}

func (g *payingGateway) afterRead(ctx context.Context, method string) {
	if method != gateway.MethodStatus {
		return
	}
	g.once.Do(func() {
		_, g.err = g.inst.Pay(ctx, "alice", g.inst.Price())
	})
}

func (g *payingGateway) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	res, err := g.Gateway.Invoke(ctx, target, method, args...)
	g.afterRead(ctx, method)
	return res, err
}

func (g *payingGateway) Pin(ctx context.Context) (gateway.Reader, error) {
	r, err := g.Gateway.Pin(ctx)
	if err != nil {
		return nil, err
	}
	return &payingReader{Reader: r, gw: g}, nil
}

type payingReader struct {
	gateway.Reader
	gw *payingGateway
}

func (r *payingReader) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	res, err := r.Reader.Invoke(ctx, target, method, args...)
	r.gw.afterRead(ctx, method)
	return res, err
}

func TestReadEscrowIsNotTornByConcurrentCommit(t *testing.T) {
	assets := escrow.NewAssets([]escrow.Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})
	f := factory.New(nil, escrow.BasisPoints(500), assets, escrow.Roles{Arbiter: "arbiter", FeeRecipient: "treasury"})
	gw := ledger.New(f, ledger.Options{NetworkID: 5})
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-gw.Done()
	})

	op, err := New(gw, "", types.DefaultStatusCodec()).Create(ctx, gateway.Wallet("alice"), "alice", "bob", big.NewInt(100), usdc)
	require.NoError(t, err)
	_, err = op.Wait(ctx)
	require.NoError(t, err)

	inst, err := f.Instance("E1")
	require.NoError(t, err)
	paying := &payingGateway{Gateway: gw, inst: inst}
	c := New(paying, "", types.DefaultStatusCodec())

	rec, err := c.ReadEscrow(ctx, "E1")
	require.NoError(t, err)
	require.NoError(t, paying.err)
	assert.Equal(t, types.StatusCreated, rec.Status)
	assert.Equal(t, "0", rec.PaidAmount.String())

	rec, err = c.ReadEscrow(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFunded, rec.Status)
	assert.Equal(t, "100", rec.PaidAmount.String())
}
