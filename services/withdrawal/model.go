package withdrawal

import (
	"time"

	"permit-engine/services/ledger"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Withdrawal is a request to pay settled balance out to a wallet. The
// matching debit of available balance is written in the same transaction
// as the row.
type Withdrawal struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	Code          string          `gorm:"column:code;uniqueIndex" json:"code"`
	UserID        string          `gorm:"column:user_id;index;not null" json:"user_id"`
	Token         ledger.Token    `gorm:"column:token_type;not null" json:"token_type"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null" json:"amount"`
	WalletAddress string          `gorm:"column:wallet_address;not null" json:"wallet_address"`
	Status        Status          `gorm:"column:status;not null;default:pending;index" json:"status"`
	TxHash        *string         `gorm:"column:tx_hash" json:"tx_hash,omitempty"`
	FailureReason string          `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	ProcessedBy   string          `gorm:"column:processed_by" json:"processed_by,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

func debitReference(id string) string    { return "withdrawal:" + id }
func completeReference(id string) string { return "withdrawal-complete:" + id }
func rejectReference(id string) string   { return "withdrawal-reject:" + id }
