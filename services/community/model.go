package community

import (
	"time"

	"permit-engine/services/ledger"

	"github.com/shopspring/decimal"
)

// UserProfile holds a user's position on the level ladder. Levels set by an
// admin disable the ladder for that user.
type UserProfile struct {
	UserID     string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	RealLevel  int       `gorm:"column:real_level;not null;default:0" json:"real_level"`
	IsAdminSet bool      `gorm:"column:is_admin_set;not null;default:false" json:"is_admin_set"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }

type LevelReward struct {
	Level      int             `gorm:"column:level;primaryKey;autoIncrement:false" json:"level"`
	Token      ledger.Token    `gorm:"column:token;not null" json:"token"`
	RewardPool decimal.Decimal `gorm:"column:reward_pool;type:decimal(38,18);not null" json:"reward_pool"`
	CreatedAt  time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (LevelReward) TableName() string { return "level_rewards" }

const (
	ClaimTypeCommunityPool = "community_pool"
	ClaimStatusCredited    = "credited"
)

// CommunityPoolClaim is unique per (user_id, level); the index is what
// rejects a concurrent second claim.
type CommunityPoolClaim struct {
	ID         string          `gorm:"column:id;primaryKey" json:"id"`
	Code       string          `gorm:"column:code" json:"code"`
	UserID     string          `gorm:"column:user_id;not null;uniqueIndex:idx_claim_user_level,priority:1" json:"user_id"`
	Level      int             `gorm:"column:level;not null;uniqueIndex:idx_claim_user_level,priority:2" json:"level"`
	Token      ledger.Token    `gorm:"column:token;not null" json:"token"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null" json:"amount"`
	ClaimType  string          `gorm:"column:claim_type;not null" json:"claim_type"`
	Status     string          `gorm:"column:status;not null" json:"status"`
	CreditedAt *time.Time      `gorm:"column:credited_at" json:"credited_at,omitempty"`
	CreatedAt  time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (CommunityPoolClaim) TableName() string { return "community_pool_claims" }

type BonusStatus string

const (
	BonusPending  BonusStatus = "pending"
	BonusCredited BonusStatus = "credited"
)

// ReferralBonus is accrued for a referrer and credited only when claimed.
// SourceRef identifies the event that earned it.
type ReferralBonus struct {
	ID         string          `gorm:"column:id;primaryKey" json:"id"`
	ReferrerID string          `gorm:"column:referrer_id;not null;index:idx_bonus_referrer_status,priority:1" json:"referrer_id"`
	RefereeID  string          `gorm:"column:referee_id" json:"referee_id"`
	SourceRef  string          `gorm:"column:source_ref;not null;uniqueIndex" json:"source_ref"`
	Token      ledger.Token    `gorm:"column:token;not null" json:"token"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null" json:"amount"`
	Status     BonusStatus     `gorm:"column:status;not null;default:pending;index:idx_bonus_referrer_status,priority:2" json:"status"`
	ClaimID    string          `gorm:"column:claim_id;index" json:"claim_id,omitempty"`
	CreditedAt *time.Time      `gorm:"column:credited_at" json:"credited_at,omitempty"`
	CreatedAt  time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (ReferralBonus) TableName() string { return "referral_bonuses" }

// ReferralClaim summarises one claim over all of a user's pending bonuses.
type ReferralClaim struct {
	ClaimID string                           `json:"claim_id"`
	UserID  string                           `json:"user_id"`
	Bonuses int                              `json:"bonuses"`
	Amounts map[ledger.Token]decimal.Decimal `json:"amounts"`
}
