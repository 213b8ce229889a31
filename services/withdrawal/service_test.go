package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"permit-engine/services/ledger"
	"permit-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const wallet = "0x00000000000000000000000000000000000000a1"

type fakeSequence struct {
	next func(ctx context.Context) (string, error)
}

func (f *fakeSequence) NextWithdrawalCode(ctx context.Context) (string, error) { return f.next(ctx) }
func (f *fakeSequence) NextClaimCode(ctx context.Context) (string, error)      { return f.next(ctx) }

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.Entry{}, &Withdrawal{})
	node := testutil.NewNode(t)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Ledger: led})
	return svc, led, db
}

func fund(t *testing.T, led *ledger.Service, userID, amount string) {
	t.Helper()
	_, err := led.Credit(context.Background(), ledger.CreditParams{
		UserID:      userID,
		Token:       ledger.TokenUSDC,
		Amount:      decimal.RequireFromString(amount),
		ReferenceID: "seed:" + userID,
	})
	require.NoError(t, err)
}

func requireBalances(t *testing.T, led *ledger.Service, userID, available, withdrawn string) {
	t.Helper()
	account, err := led.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString(available).Equal(account.AvailableUSDC), "available: want %s, got %s", available, account.AvailableUSDC)
	require.True(t, decimal.RequireFromString(withdrawn).Equal(account.WithdrawnUSDC), "withdrawn: want %s, got %s", withdrawn, account.WithdrawnUSDC)
}

func request(svc *Service, userID, amount string) (*Withdrawal, error) {
	return svc.Request(context.Background(), RequestParams{
		UserID:        userID,
		Token:         "USDC",
		Amount:        decimal.RequireFromString(amount),
		WalletAddress: wallet,
	})
}

func TestRequestRejectsInsufficientBalance(t *testing.T) {
	svc, led, db := newTestService(t)
	fund(t, led, "user-1", "100")

	_, err := request(svc, "user-1", "150")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var n int64
	require.NoError(t, db.Model(&Withdrawal{}).Count(&n).Error)
	require.Zero(t, n)
	requireBalances(t, led, "user-1", "100", "0")
}

func TestRequestThenReject(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := newTestService(t)
	fund(t, led, "user-1", "100")

	w, err := request(svc, "user-1", "40")
	require.NoError(t, err)
	require.Equal(t, StatusPending, w.Status)
	require.NotEmpty(t, w.Code)
	requireBalances(t, led, "user-1", "60", "0")

	rejected, err := svc.Reject(ctx, w.ID, RejectParams{Reason: "wallet flagged", By: "ops"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rejected.Status)
	require.Equal(t, "wallet flagged", rejected.FailureReason)
	requireBalances(t, led, "user-1", "100", "0")

	_, err = svc.Reject(ctx, w.ID, RejectParams{})
	require.ErrorIs(t, err, ErrInvalidState)
	requireBalances(t, led, "user-1", "100", "0")

	_, err = svc.Complete(ctx, w.ID, CompleteParams{TxHash: "0x01"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := newTestService(t)
	fund(t, led, "user-1", "100")

	w, err := request(svc, "user-1", "40")
	require.NoError(t, err)

	done, err := svc.Complete(ctx, w.ID, CompleteParams{TxHash: "0xfeed", By: "ops"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.TxHash)
	require.Equal(t, "0xfeed", *done.TxHash)
	requireBalances(t, led, "user-1", "60", "40")

	_, err = svc.Complete(ctx, w.ID, CompleteParams{TxHash: "0xfeed"})
	require.ErrorIs(t, err, ErrInvalidState)
	requireBalances(t, led, "user-1", "60", "40")

	ok, err := led.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentRequestsCannotOverspend(t *testing.T) {
	svc, led, db := newTestService(t)
	fund(t, led, "user-1", "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := request(svc, "user-1", "100")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	var n int64
	require.NoError(t, db.Model(&Withdrawal{}).Count(&n).Error)
	require.Equal(t, int64(1), n)
	requireBalances(t, led, "user-1", "0", "0")
}

func TestRequestValidation(t *testing.T) {
	svc, led, _ := newTestService(t)
	fund(t, led, "user-1", "100")

	_, err := svc.Request(context.Background(), RequestParams{UserID: "user-1", Token: "DAI", Amount: decimal.NewFromInt(1), WalletAddress: wallet})
	require.ErrorIs(t, err, ledger.ErrUnsupportedToken)

	_, err = svc.Request(context.Background(), RequestParams{UserID: "user-1", Token: "USDC", Amount: decimal.Zero, WalletAddress: wallet})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Request(context.Background(), RequestParams{UserID: "user-1", Token: "USDC", Amount: decimal.NewFromInt(1), WalletAddress: "nope"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Complete(context.Background(), "missing", CompleteParams{TxHash: "0x01"})
	require.ErrorIs(t, err, ErrWithdrawalNotFound)
}

func TestRequestUsesSequenceCode(t *testing.T) {
	svc, led, _ := newTestService(t)
	fund(t, led, "user-1", "100")
	svc.sequence = &fakeSequence{next: func(context.Context) (string, error) { return "WDR-261017-001AB", nil }}

	w, err := request(svc, "user-1", "10")
	require.NoError(t, err)
	require.Equal(t, "WDR-261017-001AB", w.Code)

	items, info, err := svc.List(context.Background(), ListFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.False(t, info.HasMore)
	require.Len(t, items, 1)
	require.Equal(t, w.ID, items[0].ID)
}
