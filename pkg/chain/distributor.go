package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DistributorOracle settles through one distributor contract call that
// consumes the permit and moves the funds atomically.
type DistributorOracle struct {
	*tokenReader
	transactor  *Transactor
	distributor common.Address
}

func NewDistributorOracle(backend Backend, transactor *Transactor, token, distributor common.Address, readTimeout time.Duration) *DistributorOracle {
	return &DistributorOracle{
		tokenReader: &tokenReader{backend: backend, token: token, readTimeout: readTimeout},
		transactor:  transactor,
		distributor: distributor,
	}
}

func (o *DistributorOracle) Spender() common.Address {
	return o.distributor
}

func (o *DistributorOracle) Paused(ctx context.Context) (bool, error) {
	values, err := o.call(ctx, distributorABI, o.distributor, "paused")
	if err != nil {
		return false, err
	}
	paused, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("paused: unexpected result type %T", values[0])
	}
	return paused, nil
}

func (o *DistributorOracle) SubmitPermitSettlement(ctx context.Context, p Permit, opts ...SubmitOption) (*Receipt, error) {
	so := collectOptions(opts)

	paused, err := o.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrDistributorPaused
	}

	data, err := distributorABI.Pack("settlePermit", p.Owner, p.Value, p.Deadline, p.V, p.R, p.S)
	if err != nil {
		return nil, err
	}

	receipt, err := sendAndWait(ctx, o.transactor, o.distributor, data, StageSettlement, so)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Stages:      []StageTx{{Stage: StageSettlement, TxHash: receipt.TxHash}},
	}, nil
}
