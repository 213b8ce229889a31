package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Backend is the subset of the JSON-RPC client the oracle needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// limitedBackend throttles every RPC through one token bucket so a burst of
// owners cannot exhaust the provider quota.
type limitedBackend struct {
	next    Backend
	limiter *rate.Limiter
}

func WithRateLimit(b Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return b
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedBackend{next: b, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limitedBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ChainID(ctx)
}

func (l *limitedBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.CallContract(ctx, msg, blockNumber)
}

func (l *limitedBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return l.next.PendingNonceAt(ctx, account)
}

func (l *limitedBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.HeaderByNumber(ctx, number)
}

func (l *limitedBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.SuggestGasPrice(ctx)
}

func (l *limitedBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.SuggestGasTipCap(ctx)
}

func (l *limitedBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return l.next.EstimateGas(ctx, msg)
}

func (l *limitedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.SendTransaction(ctx, tx)
}

func (l *limitedBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.TransactionReceipt(ctx, txHash)
}
