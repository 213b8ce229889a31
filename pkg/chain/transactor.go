package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Transactor signs and broadcasts transactions from the operator account.
// Sends are serialised so concurrent owners never reuse an operator nonce.
type Transactor struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64
	poll     time.Duration

	mu        sync.Mutex
	nextNonce *uint64
}

func NewTransactor(backend Backend, privateKeyHex string, chainID *big.Int, gasLimit uint64) (*Transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}

	return &Transactor{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: gasLimit,
		poll:     2 * time.Second,
	}, nil
}

func (t *Transactor) From() common.Address {
	return t.from
}

// Send builds, signs and broadcasts a call to `to` with calldata `data`.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	gas += gas / 5
	if t.gasLimit > 0 && gas > t.gasLimit {
		gas = t.gasLimit
	}

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	if t.nextNonce != nil && *t.nextNonce > nonce {
		nonce = *t.nextNonce
	}

	txData, err := t.feeFields(ctx, nonce, to, gas, data)
	if err != nil {
		return nil, err
	}

	signed, err := types.SignNewTx(t.key, t.signer, txData)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		// the node's view of our nonce is authoritative after a rejection
		t.nextNonce = nil
		return nil, fmt.Errorf("send tx: %w", err)
	}

	next := nonce + 1
	t.nextNonce = &next

	zap.L().Info("[Chain] transaction broadcast",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("operator_nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed, nil
}

func (t *Transactor) feeFields(ctx context.Context, nonce uint64, to common.Address, gas uint64, data []byte) (types.TxData, error) {
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := t.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
		return &types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: gasPrice, Data: data}, nil
	}

	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return &types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	}, nil
}

// WaitMined polls for the receipt until it appears or ctx is done.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			zap.L().Debug("[Chain] receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrSubmitTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
