package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"permit-engine/pkg/db/option"
	"permit-engine/pkg/db/pagination"
	"permit-engine/pkg/errutil"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service is the ledger reconciler: the only writer of profit balances.
// Every mutation locks the account row first and then appends a
// hash-chained entry in the same transaction.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	accounts repository.Repository[Account]
	entries  repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		accounts: repository.ProvideStore[Account](p.DB),
		entries:  repository.ProvideStore[Entry](p.DB),
	}
}

type CreditParams struct {
	UserID      string
	Token       Token
	Amount      decimal.Decimal
	Source      Source
	ReferenceID string
	Description string
	Metadata    map[string]any
}

// MovementParams describes a withdrawal-side movement.
type MovementParams struct {
	UserID      string
	Token       Token
	Amount      decimal.Decimal
	ReferenceID string
	Description string
}

func validate(userID string, token Token, amount decimal.Decimal, ref string) error {
	if userID == "" {
		return errutil.BadRequest("user_id is required", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
	}
	if !token.Valid() {
		return ErrUnsupportedToken
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if ref == "" {
		return ErrMissingReference
	}
	return nil
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	account, err := s.accounts.FindOne(ctx, &Account{UserID: userID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query account", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// Credit applies a credit in its own transaction. Repeating a reference
// returns the original entry with Replayed set and changes nothing.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*Entry, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, p)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with a concurrent credit for the same reference
		existing, findErr := s.entries.FindOne(ctx, &Entry{ReferenceID: p.ReferenceID})
		if findErr == nil && existing != nil {
			existing.Replayed = true
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx is Credit inside a caller-owned transaction.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, p CreditParams) (*Entry, error) {
	if err := validate(p.UserID, p.Token, p.Amount, p.ReferenceID); err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = SourceProfit
	}
	log := logger.FromContext(ctx).With(zap.String("user_id", p.UserID), zap.String("reference_id", p.ReferenceID))

	existing, err := s.entries.WithTrx(tx).FindOne(ctx, &Entry{ReferenceID: p.ReferenceID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("credit already applied, skipping")
		existing.Replayed = true
		return existing, nil
	}

	account, err := s.lockAccount(ctx, tx, p.UserID, true)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		column(bucketAvailable, p.Token):   gorm.Expr(column(bucketAvailable, p.Token)+" + ?", p.Amount),
		column(bucketTotalEarned, p.Token): gorm.Expr(column(bucketTotalEarned, p.Token)+" + ?", p.Amount),
		"updated_at":                       time.Now(),
	}
	switch p.Source {
	case SourceCommunityClaim:
		updates[column(bucketCommunityEarned, p.Token)] = gorm.Expr(column(bucketCommunityEarned, p.Token)+" + ?", p.Amount)
	case SourceReferralBonus:
		updates[column(bucketReferralEarned, p.Token)] = gorm.Expr(column(bucketReferralEarned, p.Token)+" + ?", p.Amount)
	}
	if err := tx.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		log.Error("failed to credit account", zap.Error(err))
		return nil, err
	}

	entry, err := s.appendEntry(ctx, tx, account, &Entry{
		Type:        EntryCredit,
		Source:      p.Source,
		Token:       p.Token,
		Amount:      p.Amount,
		ReferenceID: p.ReferenceID,
		Description: p.Description,
	}, p.Metadata)
	if err != nil {
		log.Error("failed to append credit entry", zap.Error(err))
		return nil, err
	}

	log.Info("account credited", zap.String("token", string(p.Token)), zap.String("amount", p.Amount.String()), zap.String("source", string(p.Source)))
	return entry, nil
}

// DebitForWithdrawal moves amount out of available with a single
// conditional update, so two concurrent requests can never both spend the
// same balance.
func (s *Service) DebitForWithdrawal(ctx context.Context, tx *gorm.DB, p MovementParams) (*Entry, error) {
	if err := validate(p.UserID, p.Token, p.Amount, p.ReferenceID); err != nil {
		return nil, err
	}

	col := column(bucketAvailable, p.Token)
	res := tx.WithContext(ctx).Model(&Account{}).
		Where("user_id = ? AND "+col+" >= ?", p.UserID, p.Amount).
		Updates(map[string]any{
			col:          gorm.Expr(col+" - ?", p.Amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInsufficientBalance
	}

	account, err := s.lockAccount(ctx, tx, p.UserID, false)
	if err != nil {
		return nil, err
	}

	return s.appendEntry(ctx, tx, account, &Entry{
		Type:        EntryDebit,
		Source:      SourceWithdrawal,
		Token:       p.Token,
		Amount:      p.Amount,
		ReferenceID: p.ReferenceID,
		Description: p.Description,
	}, nil)
}

// SettleWithdrawal records funds as paid out; available was already
// reduced when the withdrawal was requested.
func (s *Service) SettleWithdrawal(ctx context.Context, tx *gorm.DB, p MovementParams) (*Entry, error) {
	return s.increment(ctx, tx, p, bucketWithdrawn, EntryWithdrawn)
}

// RefundWithdrawal returns a rejected withdrawal to available without
// touching total_earned.
func (s *Service) RefundWithdrawal(ctx context.Context, tx *gorm.DB, p MovementParams) (*Entry, error) {
	return s.increment(ctx, tx, p, bucketAvailable, EntryRefund)
}

func (s *Service) increment(ctx context.Context, tx *gorm.DB, p MovementParams, b bucket, typ EntryType) (*Entry, error) {
	if err := validate(p.UserID, p.Token, p.Amount, p.ReferenceID); err != nil {
		return nil, err
	}

	existing, err := s.entries.WithTrx(tx).FindOne(ctx, &Entry{ReferenceID: p.ReferenceID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Replayed = true
		return existing, nil
	}

	col := column(b, p.Token)
	res := tx.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			col:          gorm.Expr(col+" + ?", p.Amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAccountNotFound
	}

	account, err := s.lockAccount(ctx, tx, p.UserID, false)
	if err != nil {
		return nil, err
	}

	return s.appendEntry(ctx, tx, account, &Entry{
		Type:        typ,
		Source:      SourceWithdrawal,
		Token:       p.Token,
		Amount:      p.Amount,
		ReferenceID: p.ReferenceID,
		Description: p.Description,
	}, nil)
}

// lockAccount loads the account FOR UPDATE, creating it when create is set.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, userID string, create bool) (*Account, error) {
	accounts := s.accounts.WithTrx(tx)

	account, err := accounts.FindOne(ctx, &Account{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}
	if !create {
		return nil, ErrAccountNotFound
	}

	now := time.Now()
	account = &Account{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, userID string) (*Entry, error) {
	var last Entry
	err := tx.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, account *Account, e *Entry, meta map[string]any) (*Entry, error) {
	last, err := s.lastEntry(ctx, tx, account.UserID)
	if err != nil {
		return nil, err
	}

	e.ID = s.node.Generate().String()
	e.AccountID = account.ID
	e.UserID = account.UserID
	// mysql and postgres keep at most microseconds; hash what will be read back
	e.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	e.PreviousHash = genesisHash
	if last != nil {
		e.PreviousHash = last.Hash
	}
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		e.Metadata = datatypes.JSON(b)
	}
	e.Hash = e.GenerateHash()

	if err := s.entries.WithTrx(tx).Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) ListEntries(ctx context.Context, userID string, page pagination.Pagination) ([]*Entry, *pagination.PageInfo, error) {
	entries, err := s.entries.Find(ctx, &Entry{UserID: userID}, option.ApplyPagination(page))
	if err != nil {
		logger.FromContext(ctx).Error("failed to query list entries", zap.Error(err))
		return nil, nil, err
	}

	entries, info := pagination.Page(entries, page, func(e *Entry) string { return e.ID })
	return entries, info, nil
}

// VerifyChain recomputes every hash of a user's journal in order.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	var entries []*Entry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error; err != nil {
		logger.FromContext(ctx).Error("failed to query entries", zap.Error(err))
		return false, err
	}

	lastHash := genesisHash
	for _, entry := range entries {
		if entry.PreviousHash != lastHash || entry.Hash != entry.GenerateHash() {
			logger.FromContext(ctx).Warn("ledger chain broken", zap.String("user_id", userID), zap.String("entry_id", entry.ID))
			return false, nil
		}
		lastHash = entry.Hash
	}
	return true, nil
}
