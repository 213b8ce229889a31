package permit

import (
	"fmt"
	"math/big"
	"time"

	"permit-engine/pkg/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusUsed || s == StatusExpired || s == StatusRevoked
}

// PermitSignature is a stored EIP-2612 authorisation. Status only moves
// pending -> used | expired | revoked, always through a conditional update.
type PermitSignature struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	UserID          string     `gorm:"column:user_id;index" json:"user_id"`
	CreditUserID    string     `gorm:"column:credit_user_id" json:"credit_user_id,omitempty"`
	OwnerAddress    string     `gorm:"column:owner_address;not null;index:idx_permit_owner_nonce,priority:1;uniqueIndex:idx_permit_signature,priority:1" json:"owner_address"`
	SpenderAddress  string     `gorm:"column:spender_address;not null" json:"spender_address"`
	Value           string     `gorm:"column:value;not null" json:"value"`
	Nonce           uint64     `gorm:"column:nonce;index:idx_permit_owner_nonce,priority:2" json:"nonce"`
	Deadline        int64      `gorm:"column:deadline" json:"deadline"`
	V               uint8      `gorm:"column:v" json:"v"`
	R               string     `gorm:"column:r;not null;uniqueIndex:idx_permit_signature,priority:2" json:"r"`
	S               string     `gorm:"column:s;not null;uniqueIndex:idx_permit_signature,priority:3" json:"s"`
	Status          Status     `gorm:"column:status;not null;default:pending;index" json:"status"`
	InvalidReason   string     `gorm:"column:invalid_reason" json:"invalid_reason,omitempty"`
	TxHash          *string    `gorm:"column:tx_hash" json:"tx_hash,omitempty"`
	SubmittedTxHash string     `gorm:"column:submitted_tx_hash" json:"submitted_tx_hash,omitempty"`
	Attempts        int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError       string     `gorm:"column:last_error" json:"last_error,omitempty"`
	LastAttemptAt   *time.Time `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	ProcessedAt     *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	ProcessedBy     string     `gorm:"column:processed_by" json:"processed_by,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (PermitSignature) TableName() string { return "permit_signatures" }

// EffectiveStatus reports a pending permit past its deadline as expired
// without writing anything.
func (p *PermitSignature) EffectiveStatus(now time.Time) Status {
	if p.Status == StatusPending && p.Deadline < now.Unix() {
		return StatusExpired
	}
	return p.Status
}

func (p *PermitSignature) Owner() common.Address {
	return common.HexToAddress(p.OwnerAddress)
}

func (p *PermitSignature) ValueInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(p.Value, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid permit value %q", p.Value)
	}
	return v, nil
}

func decodeWord(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ToChainPermit converts the stored record into the form the oracle submits.
func (p *PermitSignature) ToChainPermit() (chain.Permit, error) {
	value, err := p.ValueInt()
	if err != nil {
		return chain.Permit{}, err
	}
	r, err := decodeWord(p.R)
	if err != nil {
		return chain.Permit{}, fmt.Errorf("invalid r: %w", err)
	}
	s, err := decodeWord(p.S)
	if err != nil {
		return chain.Permit{}, fmt.Errorf("invalid s: %w", err)
	}

	return chain.Permit{
		Owner:    common.HexToAddress(p.OwnerAddress),
		Spender:  common.HexToAddress(p.SpenderAddress),
		Value:    value,
		Nonce:    new(big.Int).SetUint64(p.Nonce),
		Deadline: big.NewInt(p.Deadline),
		V:        p.V,
		R:        r,
		S:        s,
	}, nil
}
