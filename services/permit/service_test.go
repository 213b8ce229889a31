package permit

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"permit-engine/pkg/chain"
	"permit-engine/pkg/config"
	"permit-engine/pkg/db/pagination"
	"permit-engine/pkg/errutil"
	"permit-engine/pkg/lock"
	"permit-engine/pkg/task"
	"permit-engine/pkg/taskname"
	"permit-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeOracle struct {
	mu       sync.Mutex
	domain   [32]byte
	spender  common.Address
	nonces   map[common.Address]*big.Int
	balances map[common.Address]*big.Int
	txStates map[common.Hash]chain.TxState

	nonceErr    error
	balanceErr  error
	balanceRead int
	submits     int
	submitFn    func(ctx context.Context, p chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error)
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		domain:   crypto.Keccak256Hash([]byte("usdc-test-domain")),
		spender:  common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		nonces:   make(map[common.Address]*big.Int),
		balances: make(map[common.Address]*big.Int),
		txStates: make(map[common.Hash]chain.TxState),
	}
}

func (f *fakeOracle) Nonce(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return nil, f.nonceErr
	}
	if n, ok := f.nonces[owner]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (f *fakeOracle) Balance(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceRead++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if b, ok := f.balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(100_000_000), nil
}

func (f *fakeOracle) DomainSeparator(context.Context) ([32]byte, error) {
	return f.domain, nil
}

func (f *fakeOracle) Spender() common.Address { return f.spender }

func (f *fakeOracle) SubmitPermitSettlement(ctx context.Context, p chain.Permit, opts ...chain.SubmitOption) (*chain.Receipt, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()

	hook := chain.BroadcastHookOf(opts...)
	if fn != nil {
		return fn(ctx, p, hook)
	}
	return f.settle(p, hook)
}

// settle consumes the owner's nonce the way the token contract would.
func (f *fakeOracle) settle(p chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
	f.mu.Lock()
	current, ok := f.nonces[p.Owner]
	if !ok {
		current = new(big.Int)
	}
	if current.Cmp(p.Nonce) != 0 {
		f.mu.Unlock()
		return nil, chain.ErrReverted
	}
	f.nonces[p.Owner] = new(big.Int).Add(p.Nonce, big.NewInt(1))
	f.mu.Unlock()

	hash := settlementHash(p)
	hook(chain.StageSettlement, hash)
	return &chain.Receipt{TxHash: hash, BlockNumber: 100}, nil
}

func (f *fakeOracle) TxStatus(_ context.Context, hash common.Hash) (chain.TxState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txStates[hash], nil
}

func (f *fakeOracle) setNonce(owner common.Address, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[owner] = big.NewInt(n)
}

func (f *fakeOracle) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func settlementHash(p chain.Permit) common.Hash {
	return crypto.Keccak256Hash(p.Owner.Bytes(), p.Nonce.Bytes())
}

type recordingHook struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *recordingHook) OnSettled(_ context.Context, _ *gorm.DB, p *PermitSignature) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.calls = append(h.calls, p.ID)
	return nil
}

type harness struct {
	db     *gorm.DB
	svc    *Service
	exec   *Executor
	oracle *fakeOracle
	hook   *recordingHook
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewTestDB(t, &PermitSignature{})
	node := testutil.NewNode(t)

	cfg := &config.Config{AppName: "permit-engine-test"}
	cfg.Worker.BatchSize = 50
	cfg.Worker.Concurrency = 4
	cfg.Chain.SubmitTimeout = time.Second

	oracle := newFakeOracle()
	hook := &recordingHook{}
	checker := NewChecker(oracle)
	locker := lock.NewLocal()
	exec := NewExecutor(ExecutorParams{
		DB:      db,
		Config:  cfg,
		Checker: checker,
		Oracle:  oracle,
		Locker:  locker,
		Hook:    hook,
		Metrics: NewMetrics(prometheus.NewRegistry()),
	})
	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Checker:  checker,
		Oracle:   oracle,
		Executor: exec,
		Locker:   locker,
	})
	return &harness{db: db, svc: svc, exec: exec, oracle: oracle, hook: hook}
}

func newOwnerKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func (h *harness) sign(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, value int64) chain.Permit {
	t.Helper()
	cp := chain.Permit{
		Owner:    crypto.PubkeyToAddress(key.PublicKey),
		Spender:  h.oracle.spender,
		Value:    big.NewInt(value),
		Nonce:    new(big.Int).SetUint64(nonce),
		Deadline: big.NewInt(time.Now().Add(time.Hour).Unix()),
	}
	require.NoError(t, chain.SignPermit(h.oracle.domain, &cp, key))
	return cp
}

func requestFor(cp chain.Permit) RegisterRequest {
	return RegisterRequest{
		UserID:       "user-1",
		CreditUserID: "user-1",
		Owner:        cp.Owner.Hex(),
		Spender:      cp.Spender.Hex(),
		Value:        cp.Value.String(),
		Nonce:        cp.Nonce.Uint64(),
		Deadline:     cp.Deadline.Int64(),
		V:            cp.V,
		R:            hexutil.Encode(cp.R[:]),
		S:            hexutil.Encode(cp.S[:]),
	}
}

func (h *harness) register(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *PermitSignature {
	t.Helper()
	p, err := h.svc.Register(context.Background(), requestFor(h.sign(t, key, nonce, 25_000_000)))
	require.NoError(t, err)
	return p
}

func (h *harness) reload(t *testing.T, id string) *PermitSignature {
	t.Helper()
	p, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := newOwnerKey(t)

	cp := h.sign(t, key, 0, 25_000_000)
	p, err := h.svc.Register(ctx, requestFor(cp))
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, cp.Owner.Hex(), p.OwnerAddress)
	require.Equal(t, "25000000", p.Value)

	_, err = h.svc.Register(ctx, requestFor(cp))
	require.ErrorIs(t, err, ErrDuplicateSignature)

	tampered := requestFor(h.sign(t, key, 1, 25_000_000))
	tampered.Value = "99000000"
	_, err = h.svc.Register(ctx, tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)

	wrongSpender := requestFor(h.sign(t, key, 1, 25_000_000))
	wrongSpender.Spender = "0x00000000000000000000000000000000000000cc"
	_, err = h.svc.Register(ctx, wrongSpender)
	require.ErrorIs(t, err, ErrInvalidRequest)

	expired := requestFor(h.sign(t, key, 1, 25_000_000))
	expired.Deadline = time.Now().Add(-time.Minute).Unix()
	_, err = h.svc.Register(ctx, expired)
	require.ErrorIs(t, err, ErrDeadlinePassed)

	h.oracle.setNonce(cp.Owner, 3)
	_, err = h.svc.Register(ctx, requestFor(h.sign(t, key, 2, 25_000_000)))
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestCheckerOrder(t *testing.T) {
	ctx := context.Background()
	oracle := newFakeOracle()
	checker := NewChecker(oracle)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	base := PermitSignature{
		OwnerAddress: owner.Hex(),
		Nonce:        2,
		Deadline:     time.Now().Add(time.Hour).Unix(),
		Status:       StatusPending,
	}

	used := base
	used.Status = StatusUsed
	require.Equal(t, ReasonAlreadyUsed, checker.Check(ctx, &used).Reason)

	revoked := base
	revoked.Status = StatusRevoked
	require.Equal(t, ReasonRevokedOrExpiredRecord, checker.Check(ctx, &revoked).Reason)

	// the deadline is judged before any chain read
	oracle.nonceErr = errors.New("rpc down")
	late := base
	late.Deadline = time.Now().Add(-time.Second).Unix()
	require.Equal(t, ReasonDeadlinePassed, checker.Check(ctx, &late).Reason)

	v := checker.Check(ctx, &base)
	require.Equal(t, ReasonVerificationFailed, v.Reason)
	require.True(t, v.Reason.Transient())
	require.ErrorIs(t, v.Error(), ErrVerificationFailed)

	oracle.nonceErr = nil
	oracle.setNonce(owner, 3)
	v = checker.Check(ctx, &base)
	require.Equal(t, ReasonNonceMismatch, v.Reason)
	require.True(t, v.Consumed())
	require.Equal(t, int64(3), v.ActualNonce.Int64())

	oracle.setNonce(owner, 1)
	v = checker.Check(ctx, &base)
	require.Equal(t, ReasonNonceMismatch, v.Reason)
	require.False(t, v.Consumed())

	// balance never invalidates
	oracle.setNonce(owner, 2)
	oracle.balances[owner] = big.NewInt(0)
	v = checker.Check(ctx, &base)
	require.True(t, v.Valid)
	require.Equal(t, int64(0), v.Balance.Int64())
}

func TestProcessSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUsed, out.Status)
	require.NotEmpty(t, out.TxHash)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusUsed, stored.Status)
	require.NotNil(t, stored.TxHash)
	require.Equal(t, out.TxHash, *stored.TxHash)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.ProcessedAt)
	require.Equal(t, []string{p.ID}, h.hook.calls)

	again, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonAlreadyUsed, again.Reason)
	require.ErrorIs(t, again.Err, ErrAlreadyUsed)
	require.Equal(t, 1, h.oracle.submitCount())
	require.Len(t, h.hook.calls, 1)
}

func TestProcessExpiresConsumedNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := newOwnerKey(t)
	p := h.register(t, key, 0)

	h.oracle.setNonce(crypto.PubkeyToAddress(key.PublicKey), 1)

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, out.Status)
	require.Equal(t, ReasonNonceMismatch, out.Reason)
	require.Zero(t, h.oracle.submitCount())

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusExpired, stored.Status)
	require.Equal(t, string(ReasonNonceMismatch), stored.InvalidReason)
}

func TestProcessExpiresFutureNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 1)

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, out.Status)
	require.Equal(t, ReasonNonceMismatch, out.Reason)
	require.ErrorIs(t, out.Err, ErrNonceMismatch)
	require.Zero(t, h.oracle.submitCount())

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusExpired, stored.Status)
	require.Equal(t, string(ReasonNonceMismatch), stored.InvalidReason)
}

func TestSharedNonceSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := newOwnerKey(t)

	first, err := h.svc.Register(ctx, requestFor(h.sign(t, key, 0, 25_000_000)))
	require.NoError(t, err)
	second, err := h.svc.Register(ctx, requestFor(h.sign(t, key, 0, 30_000_000)))
	require.NoError(t, err)

	report, err := h.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, 1, report.Used)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, 1, h.oracle.submitCount())

	statuses := map[Status]*PermitSignature{}
	for _, id := range []string{first.ID, second.ID} {
		p := h.reload(t, id)
		statuses[p.Status] = p
	}
	require.Contains(t, statuses, StatusUsed)
	require.Contains(t, statuses, StatusExpired)
	require.Equal(t, string(ReasonNonceMismatch), statuses[StatusExpired].InvalidReason)
	require.Equal(t, []string{statuses[StatusUsed].ID}, h.hook.calls)
}

func TestUnconfirmedBroadcastExpiresAfterDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	dropped := common.HexToHash("0xdead")
	h.oracle.submitFn = func(_ context.Context, _ chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hook(chain.StageSettlement, dropped)
		return nil, chain.ErrSubmitTimeout
	}

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, ReasonAwaitingConfirmation, out.Reason)
	require.Equal(t, dropped.Hex(), h.reload(t, p.ID).SubmittedTxHash)

	later := func() time.Time { return time.Now().Add(48 * time.Hour) }
	h.exec.checker.now = later
	h.exec.now = later

	out, err = h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, out.Status)
	require.Equal(t, ReasonDeadlinePassed, out.Reason)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusExpired, stored.Status)
	require.Equal(t, string(ReasonDeadlinePassed), stored.InvalidReason)
	require.Equal(t, 1, h.oracle.submitCount())
	require.Empty(t, h.hook.calls)
}

func TestUnconfirmedBroadcastWaitsWhileNonceConsumed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hook(chain.StageSettlement, settlementHash(cp))
		h.oracle.setNonce(cp.Owner, 1)
		return nil, chain.ErrSubmitTimeout
	}
	_, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)

	// the receipt may still show up; the permit is not expired yet
	h.exec.checker.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, ReasonAwaitingConfirmation, out.Reason)
}

func TestProcessExpiresPastDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.exec.checker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, out.Status)
	require.Equal(t, ReasonDeadlinePassed, out.Reason)
	require.Zero(t, h.oracle.submitCount())
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func requireTransientLog(t *testing.T, logs *observer.ObservedLogs, msg string, p *PermitSignature, attempt int) {
	t.Helper()
	entries := logs.FilterMessage(msg).All()
	require.NotEmpty(t, entries, "no %q log", msg)
	fields := entries[0].ContextMap()
	require.Equal(t, p.OwnerAddress, fields["owner"])
	require.EqualValues(t, p.Nonce, fields["nonce"])
	require.EqualValues(t, attempt, fields["attempt"])
}

func TestTransientFailuresLogAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)
	logs := observeLogs(t)

	h.oracle.submitFn = func(context.Context, chain.Permit, func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		return nil, chain.ErrSimulationFailed
	}
	_, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	requireTransientLog(t, logs, "settlement submission failed", p, 1)

	h.oracle.nonceErr = errors.New("rpc unavailable")
	_, err = h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	requireTransientLog(t, logs, "permit verification failed, will retry", p, 1)
}

func TestVerificationFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.oracle.nonceErr = errors.New("rpc unavailable")

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, ReasonVerificationFailed, out.Reason)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Contains(t, stored.LastError, "rpc unavailable")
	require.NotNil(t, stored.LastAttemptAt)
}

func TestSubmissionFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.oracle.submitFn = func(context.Context, chain.Permit, func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		return nil, chain.ErrSimulationFailed
	}

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, ReasonSubmissionFailed, out.Reason)
	require.ErrorIs(t, out.Err, ErrSubmissionFailed)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Contains(t, stored.LastError, "simulation failed")
	require.Empty(t, h.hook.calls)
}

func TestReconcileSubmittedSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	var hash common.Hash
	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hash = settlementHash(cp)
		hook(chain.StageSettlement, hash)
		h.oracle.setNonce(cp.Owner, 1)
		return nil, chain.ErrSubmitTimeout
	}

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, ReasonAwaitingConfirmation, out.Reason)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, hash.Hex(), stored.SubmittedTxHash)

	h.oracle.mu.Lock()
	h.oracle.txStates[hash] = chain.TxSucceeded
	h.oracle.mu.Unlock()

	out, err = h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUsed, out.Status)
	require.Equal(t, hash.Hex(), out.TxHash)
	require.Equal(t, 1, h.oracle.submitCount())
	require.Equal(t, []string{p.ID}, h.hook.calls)
}

func TestReconcileRevertedSettlementExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hash := settlementHash(cp)
		hook(chain.StageSettlement, hash)
		h.oracle.setNonce(cp.Owner, 1)
		h.oracle.mu.Lock()
		h.oracle.txStates[hash] = chain.TxFailed
		h.oracle.mu.Unlock()
		return nil, chain.ErrReverted
	}

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, out.Status)
	require.Equal(t, ReasonNonceMismatch, out.Reason)
	require.Empty(t, h.hook.calls)
}

func TestHookFailureRollsBackUsed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.hook.err = errors.New("ledger unavailable")
	_, err := h.exec.Process(ctx, p.ID)
	require.Error(t, err)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.NotEmpty(t, stored.SubmittedTxHash)

	hash := common.HexToHash(stored.SubmittedTxHash)
	h.oracle.mu.Lock()
	h.oracle.txStates[hash] = chain.TxSucceeded
	h.oracle.mu.Unlock()
	h.hook.err = nil

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUsed, out.Status)
	require.Equal(t, 1, h.oracle.submitCount())
	require.Equal(t, []string{p.ID}, h.hook.calls)
}

func TestSweepSerialisesPerOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	keys := []*ecdsa.PrivateKey{newOwnerKey(t), newOwnerKey(t)}
	for _, key := range keys {
		// registered out of nonce order on purpose
		for _, nonce := range []uint64{2, 0, 1} {
			h.register(t, key, nonce)
		}
	}

	var (
		mu          sync.Mutex
		inflight    = make(map[common.Address]int)
		maxInflight int
		order       = make(map[common.Address][]uint64)
	)
	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		mu.Lock()
		inflight[cp.Owner]++
		if inflight[cp.Owner] > maxInflight {
			maxInflight = inflight[cp.Owner]
		}
		order[cp.Owner] = append(order[cp.Owner], cp.Nonce.Uint64())
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inflight[cp.Owner]--
		mu.Unlock()
		return h.oracle.settle(cp, hook)
	}

	report, err := h.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, report.Scanned)
	require.Equal(t, 6, report.Used)
	require.Equal(t, 1, maxInflight)

	for _, key := range keys {
		require.Equal(t, []uint64{0, 1, 2}, order[crypto.PubkeyToAddress(key.PublicKey)])
	}

	again, err := h.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Scanned)
	require.Equal(t, 6, h.oracle.submitCount())
}

func TestRequestExecutionQueuesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	var be errutil.BaseError
	require.ErrorAs(t, h.svc.RequestExecution(ctx, p.ID), &be)
	require.Equal(t, errutil.StatusServiceUnavailable, be.Code)

	var queued []*asynq.Task
	h.svc.enqueuer = task.EnqueuerFunc(func(_ context.Context, tk *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
		queued = append(queued, tk)
		return &asynq.TaskInfo{}, nil
	})

	require.NoError(t, h.svc.RequestExecution(ctx, p.ID))
	require.Len(t, queued, 1)
	require.Equal(t, taskname.PermitExecute, queued[0].Type())

	var payload ExecutePayload
	require.NoError(t, json.Unmarshal(queued[0].Payload(), &payload))
	require.Equal(t, p.ID, payload.PermitID)

	_, err := h.svc.Revoke(ctx, p.ID, RevokeRequest{By: "ops"})
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.RequestExecution(ctx, p.ID), ErrInvalidState)
	require.Len(t, queued, 1)

	require.NoError(t, h.svc.RequestSweep(ctx))
	require.Equal(t, taskname.PermitSweep, queued[1].Type())
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	revoked, err := h.svc.Revoke(ctx, p.ID, RevokeRequest{By: "ops", Reason: "user request"})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.Equal(t, "ops", revoked.ProcessedBy)

	_, err = h.svc.Revoke(ctx, p.ID, RevokeRequest{By: "ops"})
	require.ErrorIs(t, err, ErrInvalidState)

	out, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonRevokedOrExpiredRecord, out.Reason)
	require.Zero(t, h.oracle.submitCount())

	_, err = h.svc.Revoke(ctx, "missing", RevokeRequest{})
	require.ErrorIs(t, err, ErrPermitNotFound)
}

func TestRevokeRefusedWhileSettlementInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	broadcast := make(chan struct{})
	release := make(chan struct{})
	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hook(chain.StageSettlement, settlementHash(cp))
		close(broadcast)
		<-release
		h.oracle.setNonce(cp.Owner, 1)
		return &chain.Receipt{TxHash: settlementHash(cp), BlockNumber: 100}, nil
	}

	done := make(chan *Outcome, 1)
	go func() {
		out, err := h.exec.Process(ctx, p.ID)
		if err != nil {
			out = nil
		}
		done <- out
	}()
	<-broadcast

	// the owner lock is held by the execution
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err := h.svc.Revoke(waitCtx, p.ID, RevokeRequest{By: "ops"})
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	out := <-done
	require.NotNil(t, out)
	require.Equal(t, StatusUsed, out.Status)

	_, err = h.svc.Revoke(ctx, p.ID, RevokeRequest{By: "ops"})
	require.ErrorIs(t, err, ErrInvalidState)

	stored := h.reload(t, p.ID)
	require.Equal(t, StatusUsed, stored.Status)
	require.NotNil(t, stored.TxHash)
	require.Equal(t, []string{p.ID}, h.hook.calls)
}

func TestRevokeRefusedWhileBroadcastUnreconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.register(t, newOwnerKey(t), 0)

	h.oracle.submitFn = func(_ context.Context, cp chain.Permit, hook func(chain.Stage, common.Hash)) (*chain.Receipt, error) {
		hook(chain.StageSettlement, settlementHash(cp))
		return nil, chain.ErrSubmitTimeout
	}
	_, err := h.exec.Process(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.svc.Revoke(ctx, p.ID, RevokeRequest{By: "ops"})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StatusPending, h.reload(t, p.ID).Status)
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := newOwnerKey(t)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	first := h.register(t, key, 0)
	h.register(t, key, 1)
	h.oracle.balances[owner] = big.NewInt(7_000_000)

	views, info, err := h.svc.Inspect(ctx, ListFilter{Owner: owner.Hex()})
	require.NoError(t, err)
	require.False(t, info.HasMore)
	require.Len(t, views, 2)

	for _, v := range views {
		require.Equal(t, "7000000", v.Balance)
		if v.ID == first.ID {
			require.True(t, v.Executable)
		} else {
			require.False(t, v.Executable)
			require.Equal(t, ReasonNonceMismatch, v.Reason)
		}
	}

	// inspection never writes
	require.Equal(t, StatusPending, h.reload(t, first.ID).Status)
	require.Zero(t, h.oracle.submitCount())
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	p := &PermitSignature{Status: StatusPending, Deadline: now.Add(-time.Second).Unix()}
	require.Equal(t, StatusExpired, p.EffectiveStatus(now))

	p.Deadline = now.Unix()
	require.Equal(t, StatusPending, p.EffectiveStatus(now))

	p.Status = StatusUsed
	p.Deadline = now.Add(-time.Hour).Unix()
	require.Equal(t, StatusUsed, p.EffectiveStatus(now))
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := newOwnerKey(t)
	for nonce := uint64(0); nonce < 5; nonce++ {
		h.register(t, key, nonce)
	}

	page, info, err := h.svc.List(ctx, ListFilter{UserID: "user-1", Pagination: pagination.Pagination{Limit: 3}})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, info.HasMore)

	rest, info, err := h.svc.List(ctx, ListFilter{UserID: "user-1", Pagination: pagination.Pagination{Cursor: info.NextCursor, Limit: 3}})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, info.HasMore)

	_, _, err = h.svc.List(ctx, ListFilter{Owner: "not-an-address"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}
