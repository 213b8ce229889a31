package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Token string

const (
	TokenUSDC  Token = "USDC"
	TokenMATIC Token = "MATIC"
)

func (t Token) Valid() bool {
	return t == TokenUSDC || t == TokenMATIC
}

func ParseToken(s string) (Token, bool) {
	t := Token(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// bucket names a per-token balance column family on Account.
type bucket string

const (
	bucketAvailable       bucket = "available"
	bucketTotalEarned     bucket = "total_earned"
	bucketWithdrawn       bucket = "withdrawn"
	bucketCommunityEarned bucket = "community_earned"
	bucketReferralEarned  bucket = "referral_earned"
)

func column(b bucket, t Token) string {
	return fmt.Sprintf("%s_%s", b, strings.ToLower(string(t)))
}

// Account is a user's profit account. For each token:
// available + withdrawn <= total_earned, and available never goes negative.
type Account struct {
	ID                   string          `gorm:"column:id;primaryKey" json:"id"`
	UserID               string          `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	AvailableUSDC        decimal.Decimal `gorm:"column:available_usdc;type:decimal(38,18);not null;default:0" json:"available_usdc"`
	AvailableMATIC       decimal.Decimal `gorm:"column:available_matic;type:decimal(38,18);not null;default:0" json:"available_matic"`
	TotalEarnedUSDC      decimal.Decimal `gorm:"column:total_earned_usdc;type:decimal(38,18);not null;default:0" json:"total_earned_usdc"`
	TotalEarnedMATIC     decimal.Decimal `gorm:"column:total_earned_matic;type:decimal(38,18);not null;default:0" json:"total_earned_matic"`
	WithdrawnUSDC        decimal.Decimal `gorm:"column:withdrawn_usdc;type:decimal(38,18);not null;default:0" json:"withdrawn_usdc"`
	WithdrawnMATIC       decimal.Decimal `gorm:"column:withdrawn_matic;type:decimal(38,18);not null;default:0" json:"withdrawn_matic"`
	CommunityEarnedUSDC  decimal.Decimal `gorm:"column:community_earned_usdc;type:decimal(38,18);not null;default:0" json:"community_earned_usdc"`
	CommunityEarnedMATIC decimal.Decimal `gorm:"column:community_earned_matic;type:decimal(38,18);not null;default:0" json:"community_earned_matic"`
	ReferralEarnedUSDC   decimal.Decimal `gorm:"column:referral_earned_usdc;type:decimal(38,18);not null;default:0" json:"referral_earned_usdc"`
	ReferralEarnedMATIC  decimal.Decimal `gorm:"column:referral_earned_matic;type:decimal(38,18);not null;default:0" json:"referral_earned_matic"`
	CreatedAt            time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string { return "profit_accounts" }

func (a *Account) Available(t Token) decimal.Decimal {
	if t == TokenMATIC {
		return a.AvailableMATIC
	}
	return a.AvailableUSDC
}

func (a *Account) TotalEarned(t Token) decimal.Decimal {
	if t == TokenMATIC {
		return a.TotalEarnedMATIC
	}
	return a.TotalEarnedUSDC
}

func (a *Account) Withdrawn(t Token) decimal.Decimal {
	if t == TokenMATIC {
		return a.WithdrawnMATIC
	}
	return a.WithdrawnUSDC
}

type EntryType string

const (
	EntryCredit    EntryType = "CREDIT"
	EntryDebit     EntryType = "DEBIT"
	EntryRefund    EntryType = "REFUND"
	EntryWithdrawn EntryType = "WITHDRAWN"
)

type Source string

const (
	SourceProfit           Source = "profit"
	SourcePermitSettlement Source = "permit_settlement"
	SourceCommunityClaim   Source = "community_claim"
	SourceReferralBonus    Source = "referral_bonus"
	SourceWithdrawal       Source = "withdrawal"
	SourceAdminAdjustment  Source = "admin_adjustment"
)

const genesisHash = "GENESIS"

// Entry is one journal line. ReferenceID is the dedup key: a second
// mutation with the same reference is never applied.
type Entry struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	AccountID    string          `gorm:"column:account_id;index" json:"account_id"`
	UserID       string          `gorm:"column:user_id;index" json:"user_id"`
	Type         EntryType       `gorm:"column:type" json:"type"`
	Source       Source          `gorm:"column:source" json:"source"`
	Token        Token           `gorm:"column:token" json:"token"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	ReferenceID  string          `gorm:"column:reference_id;uniqueIndex;not null" json:"reference_id"`
	Description  string          `gorm:"column:description" json:"description"`
	PreviousHash string          `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string          `gorm:"column:hash" json:"hash"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at;index" json:"created_at"`

	// Replayed is set when a credit was recognised as already applied.
	Replayed bool `gorm:"-" json:"replayed,omitempty"`
}

func (Entry) TableName() string { return "ledger_entries" }

func (m *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"account_id":    m.AccountID,
		"user_id":       m.UserID,
		"type":          string(m.Type),
		"source":        string(m.Source),
		"token":         string(m.Token),
		"amount":        m.Amount.String(),
		"reference_id":  m.ReferenceID,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *Entry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
