package ledger

import (
	"context"
	"fmt"

	"permit-engine/pkg/config"
	"permit-engine/services/permit"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SettlementCreditor books a settled permit's value to its credit user in
// the same transaction that marks the permit used.
type SettlementCreditor struct {
	ledger   *Service
	token    Token
	decimals int32
}

func NewSettlementCreditor(cfg *config.Config, svc *Service) (*SettlementCreditor, error) {
	token, ok := ParseToken(cfg.Chain.TokenSymbol)
	if !ok {
		return nil, fmt.Errorf("settlement token %q has no ledger balance", cfg.Chain.TokenSymbol)
	}
	return &SettlementCreditor{ledger: svc, token: token, decimals: cfg.Chain.TokenDecimals}, nil
}

func settlementReference(permitID string) string {
	return "permit-settlement:" + permitID
}

func (c *SettlementCreditor) OnSettled(ctx context.Context, tx *gorm.DB, p *permit.PermitSignature) error {
	if p.CreditUserID == "" {
		return nil
	}

	value, err := p.ValueInt()
	if err != nil {
		return err
	}

	metadata := map[string]any{
		"permit_id": p.ID,
		"owner":     p.OwnerAddress,
		"nonce":     p.Nonce,
	}
	if p.TxHash != nil {
		metadata["tx_hash"] = *p.TxHash
	}

	_, err = c.ledger.CreditTx(ctx, tx, CreditParams{
		UserID:      p.CreditUserID,
		Token:       c.token,
		Amount:      decimal.NewFromBigInt(value, -c.decimals),
		Source:      SourcePermitSettlement,
		ReferenceID: settlementReference(p.ID),
		Description: "permit settlement from " + p.OwnerAddress,
		Metadata:    metadata,
	})
	return err
}
