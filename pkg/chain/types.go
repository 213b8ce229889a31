package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted means a settlement transaction was mined with status 0.
	ErrReverted = errors.New("transaction reverted")
	// ErrSubmitTimeout means no receipt arrived before the submit deadline.
	// The transaction may still be mined later.
	ErrSubmitTimeout = errors.New("timed out waiting for receipt")
	// ErrDistributorPaused is returned before broadcasting when the
	// distributor contract reports paused().
	ErrDistributorPaused = errors.New("distributor is paused")
	// ErrSimulationFailed means gas estimation rejected the call, which for
	// these contracts means the call would revert.
	ErrSimulationFailed = errors.New("transaction simulation failed")
)

// Permit is the on-chain view of a signed EIP-2612 authorisation.
type Permit struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

type Stage string

const (
	StagePermit     Stage = "permit"
	StageSettlement Stage = "settlement"
)

type StageTx struct {
	Stage  Stage       `json:"stage"`
	TxHash common.Hash `json:"tx_hash"`
}

// Receipt describes a confirmed settlement. TxHash is the transaction that
// moved the funds.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Stages      []StageTx
}

type TxState int

const (
	TxPending TxState = iota
	TxSucceeded
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxFailed:
		return "failed"
	default:
		return "pending"
	}
}

type submitOptions struct {
	onBroadcast func(Stage, common.Hash)
}

type SubmitOption func(*submitOptions)

// WithBroadcastHook is called right after each transaction of a settlement
// is accepted by the node, before its receipt is awaited.
func WithBroadcastHook(fn func(Stage, common.Hash)) SubmitOption {
	return func(o *submitOptions) { o.onBroadcast = fn }
}

func collectOptions(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.onBroadcast == nil {
		o.onBroadcast = func(Stage, common.Hash) {}
	}
	return o
}

// BroadcastHookOf returns the hook set by opts, or a no-op. Oracle
// implementations outside this package use it to honour WithBroadcastHook.
func BroadcastHookOf(opts ...SubmitOption) func(Stage, common.Hash) {
	return collectOptions(opts).onBroadcast
}
