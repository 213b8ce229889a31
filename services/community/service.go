package community

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"permit-engine/pkg/db/option"
	"permit-engine/pkg/errutil"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/repository"
	"permit-engine/pkg/sequence"
	"permit-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	sequence sequence.Generator

	profiles repository.Repository[UserProfile]
	rewards  repository.Repository[LevelReward]
	claims   repository.Repository[CommunityPoolClaim]
	bonuses  repository.Repository[ReferralBonus]
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		sequence: p.Sequence,

		profiles: repository.ProvideStore[UserProfile](p.DB),
		rewards:  repository.ProvideStore[LevelReward](p.DB),
		claims:   repository.ProvideStore[CommunityPoolClaim](p.DB),
		bonuses:  repository.ProvideStore[ReferralBonus](p.DB),
		now:      time.Now,
	}
}

func invalid(msg string) error {
	return errutil.Wrap(ErrInvalidArgument, nil, msg)
}

// SetLevel records a user's level. adminSet marks levels granted by hand,
// which disables claiming for that user.
func (s *Service) SetLevel(ctx context.Context, userID string, level int, adminSet bool) (*UserProfile, error) {
	if userID == "" || level < 0 {
		return nil, invalid("user_id and a non-negative level are required")
	}

	now := s.now()
	profile := &UserProfile{UserID: userID, RealLevel: level, IsAdminSet: adminSet, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"real_level", "is_admin_set", "updated_at"}),
	}).Create(profile).Error
	if err != nil {
		logger.FromContext(ctx).Error("failed to set level", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}

func (s *Service) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	profile, err := s.profiles.FindOne(ctx, &UserProfile{UserID: userID})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

// SetLevelReward configures the pool paid for claiming a level.
func (s *Service) SetLevelReward(ctx context.Context, level int, token ledger.Token, pool decimal.Decimal) (*LevelReward, error) {
	if level < 1 {
		return nil, invalid("level must be at least 1")
	}
	if !token.Valid() {
		return nil, ledger.ErrUnsupportedToken
	}
	if !pool.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	now := s.now()
	reward := &LevelReward{Level: level, Token: token, RewardPool: pool, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "level"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "reward_pool", "updated_at"}),
	}).Create(reward).Error
	if err != nil {
		return nil, err
	}
	return reward, nil
}

func (s *Service) ListLevelRewards(ctx context.Context) ([]*LevelReward, error) {
	return s.rewards.Find(ctx, nil, option.WithSortBy(option.QuerySortBy{SortBy: "level", OrderBy: "asc"}))
}

// Claim pays a level's reward pool once per user. The claim row and the
// credit are written together; the (user_id, level) index turns a racing
// second claim into DUPLICATE_CLAIM.
func (s *Service) Claim(ctx context.Context, userID string, level int) (*CommunityPoolClaim, error) {
	log := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.Int("level", level))

	if userID == "" || level < 1 {
		return nil, invalid("user_id and a level of at least 1 are required")
	}

	reward, err := s.rewards.FindOne(ctx, &LevelReward{Level: level})
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, ErrRewardNotFound
	}

	now := s.now().UTC()
	claim := &CommunityPoolClaim{
		ID:         s.node.Generate().String(),
		UserID:     userID,
		Level:      level,
		Token:      reward.Token,
		Amount:     reward.RewardPool,
		ClaimType:  ClaimTypeCommunityPool,
		Status:     ClaimStatusCredited,
		CreditedAt: &now,
	}
	claim.Code = "CLM-" + claim.ID
	if s.sequence != nil {
		if code, err := s.sequence.NextClaimCode(ctx); err == nil {
			claim.Code = code
		} else {
			log.Warn("failed to generate claim code, using id", zap.Error(err))
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the level is judged on the locked row so a concurrent SetLevel
		// cannot slip between the check and the credit
		profile, err := s.profiles.WithTrx(tx).FindOne(ctx, &UserProfile{UserID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		switch {
		case profile == nil:
			return ErrProfileNotFound
		case profile.IsAdminSet:
			return ErrAdminSetLevel
		case level >= profile.RealLevel:
			return ErrLevelNotReached
		}

		if err := s.claims.WithTrx(tx).Create(ctx, claim); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateClaim
			}
			return err
		}
		_, err = s.ledger.CreditTx(ctx, tx, ledger.CreditParams{
			UserID:      userID,
			Token:       reward.Token,
			Amount:      reward.RewardPool,
			Source:      ledger.SourceCommunityClaim,
			ReferenceID: fmt.Sprintf("community-claim:%s:%d", userID, level),
			Description: fmt.Sprintf("community pool level %d", level),
			Metadata:    map[string]any{"claim_id": claim.ID, "level": level},
		})
		return err
	})
	if err != nil {
		var be errutil.BaseError
		if !errors.As(err, &be) {
			log.Error("failed to claim level reward", zap.Error(err))
		}
		return nil, err
	}

	log.Info("level reward claimed", zap.String("claim_id", claim.ID), zap.String("amount", claim.Amount.String()))
	return claim, nil
}

type AccrueParams struct {
	ReferrerID string          `json:"referrer_id"`
	RefereeID  string          `json:"referee_id"`
	SourceRef  string          `json:"source_ref"`
	Token      ledger.Token    `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
}

// AccrueReferralBonus records a pending bonus. Accruing the same SourceRef
// again returns the existing bonus.
func (s *Service) AccrueReferralBonus(ctx context.Context, p AccrueParams) (*ReferralBonus, error) {
	switch {
	case p.ReferrerID == "" || p.SourceRef == "":
		return nil, invalid("referrer_id and source_ref are required")
	case !p.Token.Valid():
		return nil, ledger.ErrUnsupportedToken
	case !p.Amount.IsPositive():
		return nil, ledger.ErrInvalidAmount
	}

	bonus := &ReferralBonus{
		ID:         s.node.Generate().String(),
		ReferrerID: p.ReferrerID,
		RefereeID:  p.RefereeID,
		SourceRef:  p.SourceRef,
		Token:      p.Token,
		Amount:     p.Amount,
		Status:     BonusPending,
	}
	err := s.bonuses.Create(ctx, bonus)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.bonuses.FindOne(ctx, &ReferralBonus{SourceRef: p.SourceRef})
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to accrue referral bonus", zap.String("source_ref", p.SourceRef), zap.Error(err))
		return nil, err
	}
	return bonus, nil
}

// ClaimReferralBonus credits every pending bonus of a user in one
// transaction, one ledger entry per token.
func (s *Service) ClaimReferralBonus(ctx context.Context, userID string) (*ReferralClaim, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	log := logger.FromContext(ctx).With(zap.String("user_id", userID))

	result := &ReferralClaim{
		ClaimID: s.node.Generate().String(),
		UserID:  userID,
		Amounts: make(map[ledger.Token]decimal.Decimal),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := s.bonuses.WithTrx(tx).Find(ctx,
			&ReferralBonus{ReferrerID: userID, Status: BonusPending},
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return ErrNothingToClaim
		}

		ids := make([]string, 0, len(pending))
		for _, b := range pending {
			ids = append(ids, b.ID)
			result.Amounts[b.Token] = result.Amounts[b.Token].Add(b.Amount)
		}

		res := tx.WithContext(ctx).Model(&ReferralBonus{}).
			Where("id IN ? AND status = ?", ids, BonusPending).
			Updates(map[string]any{
				"status":      BonusCredited,
				"claim_id":    result.ClaimID,
				"credited_at": s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrConcurrentClaim
		}

		tokens := make([]string, 0, len(result.Amounts))
		for t := range result.Amounts {
			tokens = append(tokens, string(t))
		}
		sort.Strings(tokens)

		for _, t := range tokens {
			token := ledger.Token(t)
			if _, err := s.ledger.CreditTx(ctx, tx, ledger.CreditParams{
				UserID:      userID,
				Token:       token,
				Amount:      result.Amounts[token],
				Source:      ledger.SourceReferralBonus,
				ReferenceID: fmt.Sprintf("referral-claim:%s:%s", result.ClaimID, token),
				Description: "referral bonus claim",
				Metadata:    map[string]any{"claim_id": result.ClaimID, "bonuses": len(ids)},
			}); err != nil {
				return err
			}
		}
		result.Bonuses = len(ids)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNothingToClaim) {
			log.Error("failed to claim referral bonus", zap.Error(err))
		}
		return nil, err
	}

	log.Info("referral bonus claimed", zap.String("claim_id", result.ClaimID), zap.Int("bonuses", result.Bonuses))
	return result, nil
}
