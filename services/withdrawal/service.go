package withdrawal

import (
	"context"
	"errors"
	"time"

	"permit-engine/pkg/db/option"
	"permit-engine/pkg/db/pagination"
	"permit-engine/pkg/errutil"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/repository"
	"permit-engine/pkg/sequence"
	"permit-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	ledger      *ledger.Service
	sequence    sequence.Generator
	withdrawals repository.Repository[Withdrawal]
	now         func() time.Time
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
		db:          p.DB,
		node:        p.Node,
		ledger:      p.Ledger,
		sequence:    p.Sequence,
		withdrawals: repository.ProvideStore[Withdrawal](p.DB),
		now:         time.Now,
	}
}

type RequestParams struct {
	UserID        string          `json:"user_id" binding:"required"`
	Token         string          `json:"token_type" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
}

func invalid(msg string) error {
	return errutil.Wrap(ErrInvalidRequest, nil, msg)
}

// Request creates a pending withdrawal and debits available balance in one
// transaction. Either both happen or neither does.
func (s *Service) Request(ctx context.Context, p RequestParams) (*Withdrawal, error) {
	log := logger.FromContext(ctx).With(zap.String("user_id", p.UserID))

	token, ok := ledger.ParseToken(p.Token)
	switch {
	case p.UserID == "":
		return nil, invalid("user_id is required")
	case !ok:
		return nil, ledger.ErrUnsupportedToken
	case !p.Amount.IsPositive():
		return nil, ledger.ErrInvalidAmount
	case !common.IsHexAddress(p.WalletAddress):
		return nil, invalid("wallet_address is not a valid address")
	}

	id := s.node.Generate().String()
	code := "WDR-" + id
	if s.sequence != nil {
		c, err := s.sequence.NextWithdrawalCode(ctx)
		if err != nil {
			log.Warn("failed to generate withdrawal code, using id", zap.Error(err))
		} else {
			code = c
		}
	}

	w := &Withdrawal{
		ID:            id,
		Code:          code,
		UserID:        p.UserID,
		Token:         token,
		Amount:        p.Amount,
		WalletAddress: common.HexToAddress(p.WalletAddress).Hex(),
		Status:        StatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.withdrawals.WithTrx(tx).Create(ctx, w); err != nil {
			return err
		}
		_, err := s.ledger.DebitForWithdrawal(ctx, tx, ledger.MovementParams{
			UserID:      p.UserID,
			Token:       token,
			Amount:      p.Amount,
			ReferenceID: debitReference(id),
			Description: "withdrawal " + code,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			log.Error("failed to request withdrawal", zap.Error(err))
		}
		return nil, err
	}

	log.Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID),
		zap.String("code", w.Code),
		zap.String("token", string(token)),
		zap.String("amount", p.Amount.String()),
	)
	return w, nil
}

type CompleteParams struct {
	TxHash string `json:"tx_hash" binding:"required"`
	By     string `json:"processed_by"`
}

// Complete marks a pending withdrawal paid and moves its amount into
// withdrawn. A second call fails with INVALID_STATE.
func (s *Service) Complete(ctx context.Context, id string, p CompleteParams) (*Withdrawal, error) {
	if p.TxHash == "" {
		return nil, invalid("tx_hash is required")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.transition(ctx, tx, id, StatusCompleted, map[string]any{
			"tx_hash":      p.TxHash,
			"processed_at": s.now().UTC(),
			"processed_by": p.By,
		})
		if err != nil {
			return err
		}
		_, err = s.ledger.SettleWithdrawal(ctx, tx, ledger.MovementParams{
			UserID:      w.UserID,
			Token:       w.Token,
			Amount:      w.Amount,
			ReferenceID: completeReference(w.ID),
			Description: "withdrawal " + w.Code + " paid",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("withdrawal completed", zap.String("withdrawal_id", id), zap.String("tx_hash", p.TxHash))
	return s.Get(ctx, id)
}

type RejectParams struct {
	Reason string `json:"reason"`
	By     string `json:"processed_by"`
}

// Reject fails a pending withdrawal and refunds its amount to available.
func (s *Service) Reject(ctx context.Context, id string, p RejectParams) (*Withdrawal, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.transition(ctx, tx, id, StatusFailed, map[string]any{
			"failure_reason": p.Reason,
			"processed_at":   s.now().UTC(),
			"processed_by":   p.By,
		})
		if err != nil {
			return err
		}
		_, err = s.ledger.RefundWithdrawal(ctx, tx, ledger.MovementParams{
			UserID:      w.UserID,
			Token:       w.Token,
			Amount:      w.Amount,
			ReferenceID: rejectReference(w.ID),
			Description: "withdrawal " + w.Code + " rejected",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("withdrawal rejected", zap.String("withdrawal_id", id), zap.String("reason", p.Reason))
	return s.Get(ctx, id)
}

// transition moves a withdrawal out of pending with a conditional update and
// returns the row as it was before the change.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, id string, to Status, updates map[string]any) (*Withdrawal, error) {
	w, err := s.withdrawals.WithTrx(tx).FindOne(ctx, &Withdrawal{ID: id})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWithdrawalNotFound
	}

	updates["status"] = to
	res := tx.WithContext(ctx).Model(&Withdrawal{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidState
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := s.withdrawals.FindOne(ctx, &Withdrawal{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get withdrawal", zap.String("withdrawal_id", id), zap.Error(err))
		return nil, err
	}
	if w == nil {
		return nil, ErrWithdrawalNotFound
	}
	return w, nil
}

type ListFilter struct {
	UserID string `form:"user_id"`
	Status Status `form:"status"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Withdrawal, *pagination.PageInfo, error) {
	items, err := s.withdrawals.Find(ctx, &Withdrawal{UserID: f.UserID, Status: f.Status}, option.ApplyPagination(f.Pagination))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list withdrawals", zap.Error(err))
		return nil, nil, err
	}

	items, info := pagination.Page(items, f.Pagination, func(w *Withdrawal) string { return w.ID })
	return items, info, nil
}
