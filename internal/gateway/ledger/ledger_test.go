package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/factory"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

const usdc = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

func startLedger(t *testing.T, opts Options) *Gateway {
	t.Helper()
	assets := escrow.NewAssets([]escrow.Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})
	f := factory.New(nil, escrow.BasisPoints(500), assets, escrow.Roles{Arbiter: "arbiter", FeeRecipient: "treasury"})
	if opts.NetworkID == 0 {
		opts.NetworkID = 5
	}
	g := New(f, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go g.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-g.Done()
	})
	return g
}

func write(t *testing.T, g *Gateway, account, target, method string, args ...any) (gateway.Receipt, error) {
	t.Helper()
	ctx := context.Background()
	op, err := g.InvokeWrite(ctx, gateway.Wallet(account), target, method, args...)
	require.NoError(t, err)
	require.NotEmpty(t, op.Hash())
	return op.Wait(ctx)
}

func createE1(t *testing.T, g *Gateway) string {
	t.Helper()
	receipt, err := write(t, g, "alice", gateway.FactoryTarget, gateway.MethodCreateEscrow, "alice", "bob", big.NewInt(100), usdc)
	require.NoError(t, err)
	return receipt.Return.First().(string)
}

func TestCreateAndRead(t *testing.T) {
	g := startLedger(t, Options{})
	ctx := context.Background()

	id := createE1(t, g)
	assert.Equal(t, "E1", id)

	res, err := g.Invoke(ctx, gateway.FactoryTarget, gateway.MethodEscrowCount)
	require.NoError(t, err)
	assert.Equal(t, "1", res.First().(*big.Int).String())

	res, err = g.Invoke(ctx, gateway.FactoryTarget, gateway.MethodEscrows)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, res.First())

	res, err = g.Invoke(ctx, id, gateway.MethodFee)
	require.NoError(t, err)
	assert.Equal(t, "5", res.First().(*big.Int).String())

	res, err = g.Invoke(ctx, id, gateway.MethodStatus)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), res.First())
}

func TestPinnedReaderKeepsFirstRecord(t *testing.T) {
	g := startLedger(t, Options{})
	ctx := context.Background()
	id := createE1(t, g)

	r, err := g.Pin(ctx)
	require.NoError(t, err)
	res, err := r.Invoke(ctx, id, gateway.MethodStatus)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), res.First())

	_, err = write(t, g, "alice", id, gateway.MethodPay, big.NewInt(100))
	require.NoError(t, err)

	res, err = r.Invoke(ctx, id, gateway.MethodPaidAmount)
	require.NoError(t, err)
	assert.Equal(t, "0", res.First().(*big.Int).String())

	res, err = g.Invoke(ctx, id, gateway.MethodPaidAmount)
	require.NoError(t, err)
	assert.Equal(t, "100", res.First().(*big.Int).String())

	_, err = r.Invoke(ctx, "E9", gateway.MethodPrice)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWriteValidationSurfacesFromWait(t *testing.T) {
	g := startLedger(t, Options{})
	id := createE1(t, g)

	_, err := write(t, g, "alice", id, gateway.MethodPay, big.NewInt(150))
	assert.ErrorIs(t, err, types.ErrOverpayment)

	_, err = write(t, g, "alice", id, gateway.MethodRelease)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	receipt, err := write(t, g, "alice", id, gateway.MethodPay, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFunded, receipt.Return.First())

	receipt, err = write(t, g, "alice", id, gateway.MethodRelease)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReleased, receipt.Return.First())
}

func TestWriteShapeErrorsAreImmediate(t *testing.T) {
	g := startLedger(t, Options{})
	ctx := context.Background()
	id := createE1(t, g)

	_, err := g.InvokeWrite(ctx, gateway.Wallet("alice"), id, gateway.MethodPay, "100")
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = g.InvokeWrite(ctx, gateway.Wallet("alice"), id, "withdraw")
	assert.ErrorIs(t, err, gateway.ErrUnsupportedMethod)

	_, err = g.InvokeWrite(ctx, gateway.Wallet("alice"), "E42", gateway.MethodRelease)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = g.InvokeWrite(ctx, gateway.Wallet(""), id, gateway.MethodRelease)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = g.Invoke(ctx, id, gateway.MethodPay, big.NewInt(1))
	assert.ErrorIs(t, err, gateway.ErrUnsupportedMethod)
}

func TestBlockIntervalBatchesWrites(t *testing.T) {
	g := startLedger(t, Options{BlockInterval: 20 * time.Millisecond})
	ctx := context.Background()

	var ops []gateway.PendingOperation
	for i := 0; i < 3; i++ {
		op, err := g.InvokeWrite(ctx, gateway.Wallet("alice"), gateway.FactoryTarget, gateway.MethodCreateEscrow,
			"alice", "bob", big.NewInt(int64(100+i)), usdc)
		require.NoError(t, err)
		ops = append(ops, op)
	}

	var lastBlock uint64
	for i, op := range ops {
		receipt, err := op.Wait(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, receipt.Block, lastBlock)
		lastBlock = receipt.Block
		assert.Equal(t, []string{"E1", "E2", "E3"}[i], receipt.Return.First())
	}
	assert.LessOrEqual(t, lastBlock, uint64(2))
}

func TestWaitCancellationDoesNotAbandonWrite(t *testing.T) {
	g := startLedger(t, Options{BlockInterval: 30 * time.Millisecond})

	op, err := g.InvokeWrite(context.Background(), gateway.Wallet("alice"), gateway.FactoryTarget, gateway.MethodCreateEscrow,
		"alice", "bob", big.NewInt(100), usdc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = op.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	receipt, err := op.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "E1", receipt.Return.First())
}

func TestWritesAfterShutdown(t *testing.T) {
	assets := escrow.NewAssets([]escrow.Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})
	g := New(factory.New(nil, escrow.BasisPoints(0), assets, escrow.Roles{}), Options{NetworkID: 5})
	ctx, cancel := context.WithCancel(context.Background())
	go g.Start(ctx)
	cancel()
	<-g.Done()

	_, err := g.InvokeWrite(context.Background(), gateway.Wallet("alice"), gateway.FactoryTarget, gateway.MethodCreateEscrow,
		"alice", "bob", big.NewInt(100), usdc)
	assert.ErrorIs(t, err, gateway.ErrClosed)
}

func TestLinkFaultsAreTransportFailures(t *testing.T) {
	g := startLedger(t, Options{Link: Link{FailureRate: 1}})

	_, err := g.Invoke(context.Background(), gateway.FactoryTarget, gateway.MethodEscrowCount)
	assert.ErrorIs(t, err, types.ErrTransportFailure)
}

func TestLinkLatencyHonorsContext(t *testing.T) {
	g := startLedger(t, Options{Link: Link{MinLatency: time.Second, MaxLatency: time.Second}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Invoke(ctx, gateway.FactoryTarget, gateway.MethodEscrowCount)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetworkCheck(t *testing.T) {
	g := startLedger(t, Options{NetworkID: 5})

	require.NoError(t, gateway.CheckNetwork(context.Background(), g, 5))
	assert.ErrorIs(t, gateway.CheckNetwork(context.Background(), g, 1), types.ErrWrongNetwork)
}
