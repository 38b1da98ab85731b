package ledger

import (
	"context"

	"github.com/osazeejedi/escrow-interact/internal/gateway"
)

// pendingTx is a queued write. done is closed once receipt and err are set.
type pendingTx struct {
	hash    string
	account string
	target  string
	method  string
	args    []any

	done    chan struct{}
	receipt gateway.Receipt
	err     error
}

func (p *pendingTx) Hash() string {
	return p.hash
}

func (p *pendingTx) Wait(ctx context.Context) (gateway.Receipt, error) {
	select {
	case <-p.done:
		return p.receipt, p.err
	case <-ctx.Done():
		return gateway.Receipt{Hash: p.hash}, ctx.Err()
	}
}

func (p *pendingTx) finish(receipt gateway.Receipt, err error) {
	p.receipt = receipt
	p.err = err
	close(p.done)
}
