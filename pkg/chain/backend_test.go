package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend answers ABI calls from in-memory state and mines every sent
// transaction immediately unless told otherwise.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	nonces   map[common.Address]*big.Int
	balances map[common.Address]*big.Int
	domain   [32]byte
	paused   bool

	operatorNonce uint64
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt

	// statusFor decides the receipt status of a sent tx by method name;
	// returning -1 leaves the tx unmined.
	statusFor func(method string) int
	callErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(137),
		nonces:   map[common.Address]*big.Int{},
		balances: map[common.Address]*big.Int{},
		receipts: map[common.Hash]*types.Receipt{},
		statusFor: func(string) int {
			return int(types.ReceiptStatusSuccessful)
		},
	}
}

func methodFor(data []byte) (*abi.Method, abi.ABI, error) {
	if len(data) < 4 {
		return nil, abi.ABI{}, fmt.Errorf("short calldata")
	}
	if m, err := tokenABI.MethodById(data[:4]); err == nil {
		return m, tokenABI, nil
	}
	m, err := distributorABI.MethodById(data[:4])
	return m, distributorABI, err
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}

	m, _, err := methodFor(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	lookup := func(table map[common.Address]*big.Int) *big.Int {
		if v, ok := table[args[0].(common.Address)]; ok {
			return v
		}
		return big.NewInt(0)
	}

	switch m.Name {
	case "nonces":
		return m.Outputs.Pack(lookup(f.nonces))
	case "balanceOf":
		return m.Outputs.Pack(lookup(f.balances))
	case "DOMAIN_SEPARATOR":
		return m.Outputs.Pack(f.domain)
	case "paused":
		return m.Outputs.Pack(f.paused)
	default:
		return nil, fmt.Errorf("unexpected call %s", m.Name)
	}
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operatorNonce, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(30_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(50_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, tx)
	f.operatorNonce = tx.Nonce() + 1

	m, _, err := methodFor(tx.Data())
	if err != nil {
		return err
	}
	status := f.statusFor(m.Name)
	if status < 0 {
		return nil
	}

	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      uint64(status),
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(100 + len(f.sent))),
		GasUsed:     50_000,
	}
	if status == int(types.ReceiptStatusSuccessful) && m.Name == "permit" {
		args, _ := m.Inputs.Unpack(tx.Data()[4:])
		owner := args[0].(common.Address)
		f.nonces[owner] = new(big.Int).Add(f.noncesOf(owner), big.NewInt(1))
	}
	return nil
}

func (f *fakeBackend) noncesOf(owner common.Address) *big.Int {
	if v, ok := f.nonces[owner]; ok {
		return v
	}
	return big.NewInt(0)
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, tx := range f.sent {
		m, _, _ := methodFor(tx.Data())
		out = append(out, m.Name)
	}
	return out
}
