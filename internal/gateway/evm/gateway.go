// Package evm implements the NetworkGateway over an Ethereum JSON-RPC node.
// Escrow ids are the instance contract addresses.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Backend is the subset of ethclient.Client the gateway uses
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Gateway struct {
	backend    Backend
	factory    common.Address
	factoryABI abi.ABI
	escrowABI  abi.ABI
	// signer is used for sessions that name its account but cannot sign
	signer TxSigner
}

var (
	_ gateway.NetworkGateway = (*Gateway)(nil)
	_ gateway.Pinner         = (*Gateway)(nil)
)

// Dial connects to rpcURL
func Dial(rpcURL, factoryAddress string, signer TxSigner) (*Gateway, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, types.Wrap(types.KindTransportFailure, "dial", err)
	}
	return New(client, factoryAddress, signer)
}

func New(backend Backend, factoryAddress string, signer TxSigner) (*Gateway, error) {
	if !common.IsHexAddress(factoryAddress) {
		return nil, fmt.Errorf("invalid factory address %q", factoryAddress)
	}
	factoryABI, err := abi.JSON(strings.NewReader(FactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse factory ABI: %w", err)
	}
	escrowABI, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	return &Gateway{
		backend:    backend,
		factory:    common.HexToAddress(factoryAddress),
		factoryABI: factoryABI,
		escrowABI:  escrowABI,
		signer:     signer,
	}, nil
}

func (g *Gateway) NetworkID(ctx context.Context) (uint64, error) {
	id, err := g.backend.ChainID(ctx)
	if err != nil {
		return 0, types.Wrap(types.KindTransportFailure, "chainId", err)
	}
	return id.Uint64(), nil
}

// resolve maps a target and logical method onto a contract address and ABI method
func (g *Gateway) resolve(target, method string) (common.Address, abi.ABI, string, error) {
	if target == gateway.FactoryTarget || strings.EqualFold(target, g.factory.Hex()) {
		name, ok := factoryMethods[method]
		if !ok {
			return common.Address{}, abi.ABI{}, "", gateway.Unsupported(target, method)
		}
		return g.factory, g.factoryABI, name, nil
	}

	name, ok := escrowMethods[method]
	if !ok {
		return common.Address{}, abi.ABI{}, "", gateway.Unsupported(target, method)
	}
	if !common.IsHexAddress(target) {
		return common.Address{}, abi.ABI{}, "", types.Errorf(types.KindNotFound, method, "%q is not a contract address", target)
	}
	return common.HexToAddress(target), g.escrowABI, name, nil
}

// Invoke reads from the latest block
func (g *Gateway) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	return g.call(ctx, nil, target, method, args)
}

// Pin fixes the current head and returns a Reader that calls every contract at
// that block
func (g *Gateway) Pin(ctx context.Context) (gateway.Reader, error) {
	head, err := g.backend.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Wrap(types.KindTransportFailure, "blockNumber", err)
	}
	return &pinnedReader{gw: g, block: new(big.Int).SetUint64(head)}, nil
}

type pinnedReader struct {
	gw    *Gateway
	block *big.Int
}

func (p *pinnedReader) Invoke(ctx context.Context, target, method string, args ...any) (gateway.Result, error) {
	return p.gw.call(ctx, p.block, target, method, args)
}

// call runs a read at block, or at the latest block when block is nil
func (g *Gateway) call(ctx context.Context, block *big.Int, target, method string, args []any) (gateway.Result, error) {
	if gateway.IsWrite(method) {
		return nil, gateway.Unsupported(target, method)
	}
	to, contract, name, err := g.resolve(target, method)
	if err != nil {
		return nil, err
	}

	data, err := contract.Pack(name, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}

	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Wrap(types.KindTransportFailure, method, err)
	}

	values, err := contract.Unpack(name, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", types.ErrMalformedRecord, target, name, err)
	}
	return normalize(values), nil
}

func (g *Gateway) InvokeWrite(ctx context.Context, session gateway.WalletSession, target, method string, args ...any) (gateway.PendingOperation, error) {
	if !gateway.IsWrite(method) {
		return nil, gateway.Unsupported(target, method)
	}
	signer, err := g.signerFor(session, method)
	if err != nil {
		return nil, err
	}
	to, contract, name, err := g.resolve(target, method)
	if err != nil {
		return nil, err
	}
	abiArgs, err := encodeArgs(method, args)
	if err != nil {
		return nil, err
	}

	data, err := contract.Pack(name, abiArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}

	tx, err := g.buildTx(ctx, signer, to, data)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return nil, types.Wrap(types.KindTransportFailure, method, err)
	}

	log.Info().
		Str("hash", tx.Hash().Hex()).
		Str("to", to.Hex()).
		Str("method", name).
		Str("from", signer.Address().Hex()).
		Msg("transaction submitted")

	return &pendingTx{gw: g, tx: tx, method: method}, nil
}

func (g *Gateway) signerFor(session gateway.WalletSession, method string) (TxSigner, error) {
	if signer, ok := session.(TxSigner); ok {
		return signer, nil
	}
	if session != nil && g.signer != nil && types.SameParty(session.Account(), g.signer.Account()) {
		return g.signer, nil
	}
	return nil, types.Errorf(types.KindUnauthorized, method, "no signing key for session")
}

func (g *Gateway) buildTx(ctx context.Context, signer TxSigner, to common.Address, data []byte) (*ethtypes.Transaction, error) {
	const op = "submit"
	from := signer.Address()

	chainID, err := g.backend.ChainID(ctx)
	if err != nil {
		return nil, types.Wrap(types.KindTransportFailure, op, err)
	}
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, types.Wrap(types.KindTransportFailure, op, err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, types.Wrap(types.KindTransportFailure, op, err)
	}
	gasLimit, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		// the node rejects calls that would revert during estimation
		return nil, types.Wrap(types.KindCommitFailed, op, err)
	}

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// createdEscrow extracts the new instance address from a factory receipt
func (g *Gateway) createdEscrow(receipt *ethtypes.Receipt) (string, bool) {
	event, ok := g.factoryABI.Events[eventEscrowCreated]
	if !ok {
		return "", false
	}
	for _, l := range receipt.Logs {
		if l.Address != g.factory || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()).Hex(), true
	}
	return "", false
}

type pendingTx struct {
	gw     *Gateway
	tx     *ethtypes.Transaction
	method string
}

func (p *pendingTx) Hash() string {
	return p.tx.Hash().Hex()
}

func (p *pendingTx) Wait(ctx context.Context) (gateway.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, p.gw.backend, p.tx)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Receipt{Hash: p.Hash()}, ctx.Err()
		}
		return gateway.Receipt{Hash: p.Hash()}, types.Wrap(types.KindTransportFailure, p.method, err)
	}

	out := gateway.Receipt{Hash: p.Hash()}
	if receipt.BlockNumber != nil {
		out.Block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return out, types.Errorf(types.KindCommitFailed, p.method, "transaction %s reverted", p.Hash())
	}
	if p.method == gateway.MethodCreateEscrow {
		if id, ok := p.gw.createdEscrow(receipt); ok {
			out.Return = gateway.Result{id}
		}
	}
	return out, nil
}

// encodeArgs converts logical write arguments to ABI values
func encodeArgs(method string, args []any) ([]any, error) {
	switch method {
	case gateway.MethodCreateEscrow:
		if len(args) != 4 {
			return nil, types.Errorf(types.KindInvalidParties, method, "expected buyer, seller, price, token")
		}
		buyer, err := addressArg(method, args, 0, types.KindInvalidParties)
		if err != nil {
			return nil, err
		}
		seller, err := addressArg(method, args, 1, types.KindInvalidParties)
		if err != nil {
			return nil, err
		}
		price, ok := args[2].(*big.Int)
		if !ok || price == nil {
			return nil, types.Wrap(types.KindInvalidAmount, method, gateway.ArgError(method, 2, "*big.Int", args[2]))
		}
		token, err := addressArg(method, args, 3, types.KindUnsupportedAsset)
		if err != nil {
			return nil, err
		}
		return []any{buyer, seller, price, token}, nil
	case gateway.MethodPay:
		if len(args) != 1 {
			return nil, types.Errorf(types.KindInvalidAmount, method, "expected amount")
		}
		amount, ok := args[0].(*big.Int)
		if !ok || amount == nil {
			return nil, types.Wrap(types.KindInvalidAmount, method, gateway.ArgError(method, 0, "*big.Int", args[0]))
		}
		return []any{amount}, nil
	case gateway.MethodResolve:
		if len(args) != 1 {
			return nil, types.Errorf(types.KindInvalidTransition, method, "expected outcome")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, types.Wrap(types.KindInvalidTransition, method, gateway.ArgError(method, 0, "string", args[0]))
		}
		outcome, err := escrow.ParseOutcome(s)
		if err != nil {
			return nil, err
		}
		return []any{outcome == escrow.OutcomeRefund}, nil
	default:
		return nil, nil
	}
}

func addressArg(method string, args []any, i int, kind types.Kind) (common.Address, error) {
	s, ok := args[i].(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, types.Errorf(kind, method, "argument %d must be a hex address", i)
	}
	return common.HexToAddress(s), nil
}

// normalize turns addresses into checksummed strings so results match the
// shapes the ledger gateway returns
func normalize(values []any) gateway.Result {
	out := make(gateway.Result, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case common.Address:
			out[i] = t.Hex()
		case []common.Address:
			ids := make([]string, len(t))
			for j, a := range t {
				ids[j] = a.Hex()
			}
			out[i] = ids
		default:
			out[i] = v
		}
	}
	return out
}
