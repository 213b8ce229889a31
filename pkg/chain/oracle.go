package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Oracle is the engine's only view of the chain. Reads are bounded by the
// read timeout; SubmitPermitSettlement is bounded by the caller's ctx.
type Oracle interface {
	Nonce(ctx context.Context, owner common.Address) (*big.Int, error)
	Balance(ctx context.Context, owner common.Address) (*big.Int, error)
	DomainSeparator(ctx context.Context) ([32]byte, error)
	// Spender is the address permits must name for this execution mode.
	Spender() common.Address
	SubmitPermitSettlement(ctx context.Context, p Permit, opts ...SubmitOption) (*Receipt, error)
	TxStatus(ctx context.Context, hash common.Hash) (TxState, error)
}

type tokenReader struct {
	backend     Backend
	token       common.Address
	readTimeout time.Duration
}

func (r *tokenReader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	if r.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.readTimeout)
		defer cancel()
	}

	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return values, nil
}

func (r *tokenReader) uint256(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := r.call(ctx, tokenABI, r.token, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result type %T", method, values[0])
	}
	return v, nil
}

func (r *tokenReader) Nonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.uint256(ctx, "nonces", owner)
}

func (r *tokenReader) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.uint256(ctx, "balanceOf", owner)
}

func (r *tokenReader) DomainSeparator(ctx context.Context) ([32]byte, error) {
	values, err := r.call(ctx, tokenABI, r.token, "DOMAIN_SEPARATOR")
	if err != nil {
		return [32]byte{}, err
	}
	v, ok := values[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("DOMAIN_SEPARATOR: unexpected result type %T", values[0])
	}
	return v, nil
}

func (r *tokenReader) TxStatus(ctx context.Context, hash common.Hash) (TxState, error) {
	if r.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.readTimeout)
		defer cancel()
	}

	receipt, err := r.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return TxPending, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxSucceeded, nil
	}
	return TxFailed, nil
}

// sendAndWait broadcasts one stage and waits for a successful receipt.
func sendAndWait(ctx context.Context, t *Transactor, to common.Address, data []byte, stage Stage, o submitOptions) (*types.Receipt, error) {
	tx, err := t.Send(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	o.onBroadcast(stage, tx.Hash())

	receipt, err := t.WaitMined(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s %s: %w", stage, tx.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}
