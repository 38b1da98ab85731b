// Package ledger hosts the escrow factory and its instances in process and
// exposes them through the NetworkGateway contract. Writes are queued and
// applied by a single commit loop, one block at a time.
package ledger

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/factory"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

type Options struct {
	NetworkID uint64
	// BlockInterval batches queued writes; zero commits each write as it arrives
	BlockInterval time.Duration
	Link          Link
	Codec         types.StatusCodec
}

type Gateway struct {
	factory *factory.Factory
	opts    Options

	queue chan *pendingTx
	done  chan struct{}
	block atomic.Uint64
	now   func() time.Time
}

var (
	_ gateway.NetworkGateway = (*Gateway)(nil)
	_ gateway.Pinner         = (*Gateway)(nil)
)

func New(f *factory.Factory, opts Options) *Gateway {
	return &Gateway{
		factory: f,
		opts:    opts,
		queue:   make(chan *pendingTx),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start runs the commit loop until ctx is cancelled. Writes still waiting for
// a block when the loop stops fail with gateway.ErrClosed.
func (g *Gateway) Start(ctx context.Context) {
	defer close(g.done)

	logger := log.With().Str("component", "ledger_commit_loop").Logger()
	logger.Info().Dur("block_interval", g.opts.BlockInterval).Msg("starting ledger")

	var tick <-chan time.Time
	if g.opts.BlockInterval > 0 {
		ticker := time.NewTicker(g.opts.BlockInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var batch []*pendingTx
	for {
		select {
		case <-ctx.Done():
			for _, tx := range batch {
				tx.finish(gateway.Receipt{Hash: tx.hash}, gateway.ErrClosed)
			}
			logger.Info().Int("dropped", len(batch)).Msg("shutting down ledger")
			return
		case tx := <-g.queue:
			if tick == nil {
				g.commit([]*pendingTx{tx})
				continue
			}
			batch = append(batch, tx)
		case <-tick:
			if len(batch) > 0 {
				g.commit(batch)
				batch = nil
			}
		}
	}
}

// Done is closed once the commit loop has stopped
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

func (g *Gateway) NetworkID(ctx context.Context) (uint64, error) {
	if err := g.opts.Link.traverse(ctx, gateway.FactoryTarget, "networkId"); err != nil {
		return 0, err
	}
	return g.opts.NetworkID, nil
}

// Invoke serves factory and instance reads from committed state
func (g *Gateway) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	if gateway.IsWrite(method) {
		return nil, gateway.Unsupported(target, method)
	}
	if err := g.opts.Link.traverse(ctx, target, method); err != nil {
		return nil, err
	}

	if target == gateway.FactoryTarget {
		return g.readFactory(method, args)
	}

	inst, err := g.factory.Instance(target)
	if err != nil {
		return nil, err
	}
	return g.readRecord(target, method, inst.Snapshot())
}

// Pin returns a Reader that captures each instance's committed record on its
// first read and serves every later field of that instance from it
func (g *Gateway) Pin(context.Context) (gateway.Reader, error) {
	return &pinnedReader{g: g, records: make(map[string]types.EscrowRecord)}, nil
}

type pinnedReader struct {
	g       *Gateway
	mu      sync.Mutex
	records map[string]types.EscrowRecord
}

func (p *pinnedReader) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	if gateway.IsWrite(method) {
		return nil, gateway.Unsupported(target, method)
	}
	if err := p.g.opts.Link.traverse(ctx, target, method); err != nil {
		return nil, err
	}
	if target == gateway.FactoryTarget {
		return p.g.readFactory(method, args)
	}

	p.mu.Lock()
	rec, ok := p.records[target]
	if !ok {
		inst, err := p.g.factory.Instance(target)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		rec = inst.Snapshot()
		p.records[target] = rec
	}
	p.mu.Unlock()

	return p.g.readRecord(target, method, rec)
}

func (g *Gateway) readRecord(target, method string, rec types.EscrowRecord) (gateway.Result, error) {
	switch method {
	case gateway.MethodPrice:
		return gateway.Result{new(big.Int).Set(rec.Price)}, nil
	case gateway.MethodFee:
		return gateway.Result{new(big.Int).Set(rec.Fee)}, nil
	case gateway.MethodPaidAmount:
		paid := new(big.Int)
		if rec.PaidAmount != nil {
			paid.Set(rec.PaidAmount)
		}
		return gateway.Result{paid}, nil
	case gateway.MethodStatus:
		return gateway.Result{g.opts.Codec.Encode(rec.Status)}, nil
	case gateway.MethodBuyer:
		return gateway.Result{rec.Buyer}, nil
	case gateway.MethodSeller:
		return gateway.Result{rec.Seller}, nil
	case gateway.MethodToken:
		return gateway.Result{rec.TokenAddress}, nil
	default:
		return nil, gateway.Unsupported(target, method)
	}
}

func (g *Gateway) readFactory(method string, args []any) (gateway.Result, error) {
	switch method {
	case gateway.MethodEscrowCount:
		return gateway.Result{big.NewInt(int64(g.factory.Count()))}, nil
	case gateway.MethodEscrows:
		if len(args) == 1 {
			index, err := bigArg(method, args, 0)
			if err != nil {
				return nil, err
			}
			id, err := g.factory.IDAt(int(index.Int64()))
			if err != nil {
				return nil, err
			}
			return gateway.Result{id}, nil
		}
		ids := make([]string, 0, g.factory.Count())
		for id := range g.factory.Instances() {
			ids = append(ids, id)
		}
		return gateway.Result{ids}, nil
	default:
		return nil, gateway.Unsupported(gateway.FactoryTarget, method)
	}
}

// InvokeWrite checks the call shape and queues it for the next block. State
// checks such as overpayment happen at commit and surface from Wait.
func (g *Gateway) InvokeWrite(ctx context.Context, session gateway.WalletSession, target, method string, args ...any) (gateway.PendingOperation, error) {
	if session == nil || session.Account() == "" {
		return nil, types.Errorf(types.KindUnauthorized, method, "no wallet session")
	}
	if err := g.checkWrite(target, method, args); err != nil {
		return nil, err
	}
	if err := g.opts.Link.traverse(ctx, target, method); err != nil {
		return nil, err
	}

	id := uuid.New()
	tx := &pendingTx{
		hash:    crypto.Keccak256Hash(id[:]).Hex(),
		account: session.Account(),
		target:  target,
		method:  method,
		args:    args,
		done:    make(chan struct{}),
	}

	select {
	case g.queue <- tx:
	case <-g.done:
		return nil, gateway.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	log.Debug().
		Str("hash", tx.hash).
		Str("target", target).
		Str("method", method).
		Str("account", tx.account).
		Msg("write queued")
	return tx, nil
}

func (g *Gateway) checkWrite(target, method string, args []any) error {
	if target == gateway.FactoryTarget {
		if method != gateway.MethodCreateEscrow {
			return gateway.Unsupported(target, method)
		}
		_, err := createArgs(args)
		return err
	}

	if _, err := g.factory.Instance(target); err != nil {
		return err
	}
	switch method {
	case gateway.MethodPay:
		_, err := bigArg(method, args, 0)
		return err
	case gateway.MethodResolve:
		s, err := stringArg(method, args, 0)
		if err != nil {
			return err
		}
		_, err = escrow.ParseOutcome(s)
		return err
	case gateway.MethodRelease, gateway.MethodDispute:
		return nil
	default:
		return gateway.Unsupported(target, method)
	}
}

func (g *Gateway) commit(batch []*pendingTx) {
	block := g.block.Add(1)
	committedAt := g.now()
	ctx := context.Background()

	for _, tx := range batch {
		ret, err := g.apply(ctx, tx)
		receipt := gateway.Receipt{
			Hash:        tx.hash,
			Block:       block,
			Return:      ret,
			CommittedAt: committedAt,
		}
		logger := log.With().
			Str("hash", tx.hash).
			Uint64("block", block).
			Str("target", tx.target).
			Str("method", tx.method).
			Logger()
		if err != nil {
			logger.Warn().Err(err).Msg("write failed at commit")
		} else {
			logger.Info().Msg("write committed")
		}
		tx.finish(receipt, err)
	}
}

func (g *Gateway) apply(ctx context.Context, tx *pendingTx) (gateway.Result, error) {
	if tx.target == gateway.FactoryTarget {
		params, err := createArgs(tx.args)
		if err != nil {
			return nil, err
		}
		rec, err := g.factory.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		return gateway.Result{rec.ID}, nil
	}

	inst, err := g.factory.Instance(tx.target)
	if err != nil {
		return nil, err
	}

	var tr escrow.Transition
	switch tx.method {
	case gateway.MethodPay:
		amount, _ := bigArg(tx.method, tx.args, 0)
		tr, err = inst.Pay(ctx, tx.account, amount)
	case gateway.MethodRelease:
		tr, err = inst.Release(ctx, tx.account)
	case gateway.MethodDispute:
		tr, err = inst.Dispute(ctx, tx.account)
	case gateway.MethodResolve:
		s, _ := stringArg(tx.method, tx.args, 0)
		outcome, perr := escrow.ParseOutcome(s)
		if perr != nil {
			return nil, perr
		}
		tr, err = inst.Resolve(ctx, tx.account, outcome)
	default:
		return nil, gateway.Unsupported(tx.target, tx.method)
	}
	if err != nil {
		return nil, err
	}
	return gateway.Result{tr.To}, nil
}

func createArgs(args []any) (factory.CreateParams, error) {
	const method = gateway.MethodCreateEscrow
	if len(args) != 4 {
		return factory.CreateParams{}, types.Errorf(types.KindInvalidParties, method, "expected buyer, seller, price, token")
	}
	buyer, err := stringArg(method, args, 0)
	if err != nil {
		return factory.CreateParams{}, err
	}
	seller, err := stringArg(method, args, 1)
	if err != nil {
		return factory.CreateParams{}, err
	}
	price, err := bigArg(method, args, 2)
	if err != nil {
		return factory.CreateParams{}, err
	}
	token, err := stringArg(method, args, 3)
	if err != nil {
		return factory.CreateParams{}, err
	}
	return factory.CreateParams{Buyer: buyer, Seller: seller, Price: price, TokenAddress: token}, nil
}

func bigArg(method string, args []any, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, types.Errorf(types.KindInvalidAmount, method, "missing argument %d", i)
	}
	v, ok := args[i].(*big.Int)
	if !ok || v == nil {
		return nil, types.Wrap(types.KindInvalidAmount, method, gateway.ArgError(method, i, "*big.Int", args[i]))
	}
	return v, nil
}

func stringArg(method string, args []any, i int) (string, error) {
	if i >= len(args) {
		return "", types.Errorf(types.KindInvalidParties, method, "missing argument %d", i)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", types.Wrap(types.KindInvalidParties, method, gateway.ArgError(method, i, "string", args[i]))
	}
	return v, nil
}
