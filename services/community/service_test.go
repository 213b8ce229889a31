package community

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

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	db := testutil.NewTestDB(t,
		&ledger.Account{}, &ledger.Entry{},
		&UserProfile{}, &LevelReward{}, &CommunityPoolClaim{}, &ReferralBonus{},
	)
	node := testutil.NewNode(t)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	return NewService(ServiceParams{DB: db, Node: node, Ledger: led}), led, db
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func setupLadder(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SetLevelReward(ctx, 1, ledger.TokenUSDC, decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	_, err = svc.SetLevelReward(ctx, 2, ledger.TokenUSDC, decimal.RequireFromString("30"))
	require.NoError(t, err)
}

func TestClaimOncePerLevel(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := newTestService(t)
	setupLadder(t, svc)

	_, err := svc.SetLevel(ctx, "user-1", 3, false)
	require.NoError(t, err)

	claim, err := svc.Claim(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Equal(t, ClaimStatusCredited, claim.Status)
	requireDecimal(t, "12.5", claim.Amount)

	_, err = svc.Claim(ctx, "user-1", 1)
	require.ErrorIs(t, err, ErrDuplicateClaim)

	account, err := led.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	requireDecimal(t, "12.5", account.AvailableUSDC)
	requireDecimal(t, "12.5", account.TotalEarnedUSDC)
	requireDecimal(t, "12.5", account.CommunityEarnedUSDC)
}

func TestClaimRequiresPassedLevel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	setupLadder(t, svc)

	_, err := svc.SetLevel(ctx, "user-1", 2, false)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "user-1", 2)
	require.ErrorIs(t, err, ErrLevelNotReached)

	_, err = svc.Claim(ctx, "user-1", 1)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "nobody", 1)
	require.ErrorIs(t, err, ErrProfileNotFound)

	_, err = svc.Claim(ctx, "user-1", 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClaimRejectsAdminSetLevel(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := newTestService(t)
	setupLadder(t, svc)

	_, err := svc.SetLevel(ctx, "user-1", 5, true)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "user-1", 1)
	require.ErrorIs(t, err, ErrAdminSetLevel)

	_, err = led.GetAccount(ctx, "user-1")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// clearing the admin flag re-enables the ladder
	profile, err := svc.SetLevel(ctx, "user-1", 5, false)
	require.NoError(t, err)
	require.False(t, profile.IsAdminSet)
	_, err = svc.Claim(ctx, "user-1", 1)
	require.NoError(t, err)
}

func TestClaimSeesLevelChangedDuringLookup(t *testing.T) {
	ctx := context.Background()
	svc, led, db := newTestService(t)
	setupLadder(t, svc)
	_, err := svc.SetLevel(ctx, "user-1", 3, false)
	require.NoError(t, err)

	// an admin takes over the ladder right after the reward is read
	promoted := false
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:promote_admin", func(tx *gorm.DB) {
		if promoted || tx.Statement.Table != "level_rewards" {
			return
		}
		promoted = true
		require.NoError(t, db.Exec("UPDATE user_profiles SET is_admin_set = ? WHERE user_id = ?", true, "user-1").Error)
	}))

	_, err = svc.Claim(ctx, "user-1", 1)
	require.True(t, promoted)
	require.ErrorIs(t, err, ErrAdminSetLevel)

	_, err = led.GetAccount(ctx, "user-1")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestConcurrentClaimsCreditOnce(t *testing.T) {
	ctx := context.Background()
	svc, led, db := newTestService(t)
	setupLadder(t, svc)
	_, err := svc.SetLevel(ctx, "user-1", 3, false)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Claim(ctx, "user-1", 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateClaim):
				dupes++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, 3, dupes)

	var n int64
	require.NoError(t, db.Model(&CommunityPoolClaim{}).Count(&n).Error)
	require.Equal(t, int64(1), n)

	account, err := led.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	requireDecimal(t, "30", account.AvailableUSDC)
}

func TestReferralBonusAccrueAndClaim(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := newTestService(t)

	accrue := func(ref string, token ledger.Token, amount string) {
		t.Helper()
		_, err := svc.AccrueReferralBonus(ctx, AccrueParams{
			ReferrerID: "referrer",
			RefereeID:  "referee",
			SourceRef:  ref,
			Token:      token,
			Amount:     decimal.RequireFromString(amount),
		})
		require.NoError(t, err)
	}
	accrue("deposit:1", ledger.TokenUSDC, "5")
	accrue("deposit:2", ledger.TokenUSDC, "2.5")
	accrue("deposit:2", ledger.TokenUSDC, "2.5")
	accrue("deposit:3", ledger.TokenMATIC, "1")

	claim, err := svc.ClaimReferralBonus(ctx, "referrer")
	require.NoError(t, err)
	require.Equal(t, 3, claim.Bonuses)
	requireDecimal(t, "7.5", claim.Amounts[ledger.TokenUSDC])
	requireDecimal(t, "1", claim.Amounts[ledger.TokenMATIC])

	account, err := led.GetAccount(ctx, "referrer")
	require.NoError(t, err)
	requireDecimal(t, "7.5", account.AvailableUSDC)
	requireDecimal(t, "7.5", account.ReferralEarnedUSDC)
	requireDecimal(t, "1", account.AvailableMATIC)

	_, err = svc.ClaimReferralBonus(ctx, "referrer")
	require.ErrorIs(t, err, ErrNothingToClaim)

	_, err = svc.ClaimReferralBonus(ctx, "someone-else")
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestListLevelRewards(t *testing.T) {
	svc, _, _ := newTestService(t)
	setupLadder(t, svc)

	_, err := svc.SetLevelReward(context.Background(), 1, ledger.TokenMATIC, decimal.NewFromInt(3))
	require.NoError(t, err)

	rewards, err := svc.ListLevelRewards(context.Background())
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	require.Equal(t, 1, rewards[0].Level)
	require.Equal(t, ledger.TokenMATIC, rewards[0].Token)
	requireDecimal(t, "3", rewards[0].RewardPool)
}
