// Package gateway defines how the escrow core talks to the network that hosts
// the factory and escrow contracts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FactoryTarget addresses the factory when the gateway has no separate address
// for it
const FactoryTarget = "factory"

// Logical method names. Implementations map them onto their own wire names.
const (
	MethodCreateEscrow = "createEscrow"
	MethodEscrowCount  = "escrowCount"
	MethodEscrows      = "escrows"

	MethodPrice      = "price"
	MethodFee        = "fee"
	MethodStatus     = "status"
	MethodPaidAmount = "paidAmount"
	MethodBuyer      = "buyer"
	MethodSeller     = "seller"
	MethodToken      = "token"

	MethodPay     = "pay"
	MethodRelease = "release"
	MethodDispute = "dispute"
	MethodResolve = "resolve"
)

// ErrUnsupportedMethod is returned for a method the gateway cannot serve
var ErrUnsupportedMethod = errors.New("unsupported method")

// ErrClosed is returned for writes submitted after the gateway stopped
var ErrClosed = errors.New("gateway closed")

// Result holds the decoded return values of a call
type Result []any

// First returns the first return value or nil
func (r Result) First() any {
	if len(r) == 0 {
		return nil
	}
	return r[0]
}

// Receipt describes a committed write
type Receipt struct {
	Hash        string    `json:"hash"`
	Block       uint64    `json:"block"`
	Return      Result    `json:"return,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// PendingOperation is a submitted write awaiting commitment
type PendingOperation interface {
	Hash() string
	// Wait blocks until the write is committed or fails. A cancelled ctx
	// abandons the wait, not the write.
	Wait(ctx context.Context) (Receipt, error)
}

// WalletSession identifies the account writes are submitted from
type WalletSession interface {
	Account() string
}

// Wallet is a WalletSession that only names an account
type Wallet string

func (w Wallet) Account() string { return string(w) }

// Reader serves contract reads
type Reader interface {
	Invoke(ctx context.Context, target, method string, args ...any) (Result, error)
}

// Pinner is implemented by gateways that can serve several reads of one
// contract from a single committed state
type Pinner interface {
	// Pin returns a Reader whose reads of any one target all observe the same
	// committed state, however many writes commit in between
	Pin(ctx context.Context) (Reader, error)
}

// NetworkGateway performs reads and writes against escrow contracts
type NetworkGateway interface {
	Reader
	InvokeWrite(ctx context.Context, session WalletSession, target, method string, args ...any) (PendingOperation, error)
	NetworkID(ctx context.Context) (uint64, error)
}

// IsWrite reports whether method mutates contract state
func IsWrite(method string) bool {
	switch method {
	case MethodCreateEscrow, MethodPay, MethodRelease, MethodDispute, MethodResolve:
		return true
	}
	return false
}

func Unsupported(target, method string) error {
	return fmt.Errorf("%w: %s.%s", ErrUnsupportedMethod, target, method)
}
