package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DirectOracle settles by calling token.permit and then token.transferFrom
// from the operator account, which is the permit spender.
type DirectOracle struct {
	*tokenReader
	transactor *Transactor
	receiver   common.Address
}

func NewDirectOracle(backend Backend, transactor *Transactor, token, receiver common.Address, readTimeout time.Duration) *DirectOracle {
	return &DirectOracle{
		tokenReader: &tokenReader{backend: backend, token: token, readTimeout: readTimeout},
		transactor:  transactor,
		receiver:    receiver,
	}
}

func (o *DirectOracle) Spender() common.Address {
	return o.transactor.From()
}

func (o *DirectOracle) SubmitPermitSettlement(ctx context.Context, p Permit, opts ...SubmitOption) (*Receipt, error) {
	so := collectOptions(opts)

	permitData, err := tokenABI.Pack("permit", p.Owner, p.Spender, p.Value, p.Deadline, p.V, p.R, p.S)
	if err != nil {
		return nil, err
	}
	permitReceipt, err := sendAndWait(ctx, o.transactor, o.token, permitData, StagePermit, so)
	if err != nil {
		return nil, err
	}

	transferData, err := tokenABI.Pack("transferFrom", p.Owner, o.receiver, p.Value)
	if err != nil {
		return nil, err
	}
	transferReceipt, err := sendAndWait(ctx, o.transactor, o.token, transferData, StageSettlement, so)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		TxHash:      transferReceipt.TxHash,
		BlockNumber: transferReceipt.BlockNumber.Uint64(),
		GasUsed:     permitReceipt.GasUsed + transferReceipt.GasUsed,
		Stages: []StageTx{
			{Stage: StagePermit, TxHash: permitReceipt.TxHash},
			{Stage: StageSettlement, TxHash: transferReceipt.TxHash},
		},
	}, nil
}
