package chain

import (
	"context"
	"fmt"
	"math/big"

	"permit-engine/pkg/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("chain",
	fx.Provide(
		NewBackend,
		NewOperator,
		NewOracle,
	),
)

func NewBackend(lc fx.Lifecycle, cfg *config.Config) (Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Chain.ReadTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})

	return WithRateLimit(client, cfg.Chain.RequestsPerSecond, cfg.Chain.Burst), nil
}

func NewOperator(cfg *config.Config, backend Backend) (*Transactor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Chain.ReadTimeout)
	defer cancel()

	remote, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	chainID := remote
	if cfg.Chain.ChainID > 0 {
		chainID = big.NewInt(cfg.Chain.ChainID)
		if remote.Cmp(chainID) != 0 {
			return nil, fmt.Errorf("rpc endpoint serves chain %s, configured %s", remote, chainID)
		}
	}

	t, err := NewTransactor(backend, cfg.Chain.OperatorPrivateKey, chainID, cfg.Chain.GasLimit)
	if err != nil {
		return nil, err
	}

	zap.L().Info("[Chain] operator ready",
		zap.String("operator", t.From().Hex()),
		zap.String("chain_id", chainID.String()),
		zap.String("execution_mode", cfg.Chain.ExecutionMode),
	)
	return t, nil
}

func NewOracle(cfg *config.Config, backend Backend, t *Transactor) (Oracle, error) {
	token := common.HexToAddress(cfg.Chain.TokenContractAddress)

	switch cfg.Chain.ExecutionMode {
	case config.ExecutionModeDirect:
		return NewDirectOracle(backend, t, token, common.HexToAddress(cfg.Chain.ReceiverAddress), cfg.Chain.ReadTimeout), nil
	case config.ExecutionModeDistributor:
		return NewDistributorOracle(backend, t, token, common.HexToAddress(cfg.Chain.DistributorContractAddress), cfg.Chain.ReadTimeout), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", cfg.Chain.ExecutionMode)
	}
}
