package permit

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"permit-engine/pkg/chain"
	"permit-engine/pkg/db/option"
	"permit-engine/pkg/db/pagination"
	"permit-engine/pkg/errutil"
	"permit-engine/pkg/lock"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/repository"
	"permit-engine/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	permits  repository.Repository[PermitSignature]
	checker  *Checker
	oracle   chain.Oracle
	executor *Executor
	locker   lock.Locker
	enqueuer task.Enqueuer
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Checker  *Checker
	Oracle   chain.Oracle
	Executor *Executor
	Locker   lock.Locker   `optional:"true"`
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	locker := p.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		permits:  repository.ProvideStore[PermitSignature](p.DB),
		checker:  p.Checker,
		oracle:   p.Oracle,
		executor: p.Executor,
		locker:   locker,
		enqueuer: p.Enqueuer,
		now:      time.Now,
	}
}

type RegisterRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	CreditUserID string `json:"credit_user_id"`
	Owner        string `json:"owner_address" binding:"required"`
	Spender      string `json:"spender_address" binding:"required"`
	Value        string `json:"value" binding:"required"`
	Nonce        uint64 `json:"nonce"`
	Deadline     int64  `json:"deadline" binding:"required"`
	V            uint8  `json:"v" binding:"required"`
	R            string `json:"r" binding:"required"`
	S            string `json:"s" binding:"required"`
}

func invalid(msg string) error {
	return errutil.Wrap(ErrInvalidRequest, nil, msg)
}

// Register verifies a signed permit against the token's domain and stores it
// as pending. Signatures are accepted once per (owner, r, s).
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*PermitSignature, error) {
	log := logger.FromContext(ctx)

	switch {
	case req.UserID == "":
		return nil, invalid("user_id is required")
	case !common.IsHexAddress(req.Owner):
		return nil, invalid("owner_address is not a valid address")
	case !common.IsHexAddress(req.Spender):
		return nil, invalid("spender_address is not a valid address")
	case req.V != 27 && req.V != 28:
		return nil, invalid("v must be 27 or 28")
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, invalid("value must be a positive integer in the token's smallest unit")
	}
	if req.Deadline < s.now().Unix() {
		return nil, ErrDeadlinePassed
	}

	spender := common.HexToAddress(req.Spender)
	if spender != s.oracle.Spender() {
		return nil, invalid("spender_address does not match the settlement spender " + s.oracle.Spender().Hex())
	}

	p := &PermitSignature{
		UserID:         req.UserID,
		CreditUserID:   req.CreditUserID,
		OwnerAddress:   common.HexToAddress(req.Owner).Hex(),
		SpenderAddress: spender.Hex(),
		Value:          value.String(),
		Nonce:          req.Nonce,
		Deadline:       req.Deadline,
		V:              req.V,
		R:              strings.ToLower(req.R),
		S:              strings.ToLower(req.S),
		Status:         StatusPending,
	}
	cp, err := p.ToChainPermit()
	if err != nil {
		return nil, invalid(err.Error())
	}

	domain, err := s.oracle.DomainSeparator(ctx)
	if err != nil {
		log.Warn("failed to read domain separator", zap.Error(err))
		return nil, Verdict{Reason: ReasonVerificationFailed, Err: err}.Error()
	}
	if err := chain.VerifyPermitSignature(domain, cp); err != nil {
		return nil, errutil.Wrap(ErrInvalidSignature, err, "")
	}

	onchain, err := s.oracle.Nonce(ctx, cp.Owner)
	if err != nil {
		log.Warn("failed to read owner nonce", zap.Error(err))
		return nil, Verdict{Reason: ReasonVerificationFailed, Err: err}.Error()
	}
	if onchain.Cmp(cp.Nonce) > 0 {
		return nil, Verdict{Reason: ReasonNonceMismatch, ExpectedNonce: p.Nonce, ActualNonce: onchain}.Error()
	}

	p.ID = s.node.Generate().String()
	if err := s.permits.Create(ctx, p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateSignature
		}
		log.Error("failed to create permit", zap.Error(err))
		return nil, err
	}

	log.Info("permit registered",
		zap.String("permit_id", p.ID),
		zap.String("owner", p.OwnerAddress),
		zap.Uint64("nonce", p.Nonce),
		zap.String("value", p.Value),
	)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*PermitSignature, error) {
	p, err := s.permits.FindOne(ctx, &PermitSignature{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get permit", zap.String("permit_id", id), zap.Error(err))
		return nil, err
	}
	if p == nil {
		return nil, ErrPermitNotFound
	}
	return p, nil
}

type ListFilter struct {
	UserID string `form:"user_id"`
	Owner  string `form:"owner_address"`
	Status Status `form:"status"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*PermitSignature, *pagination.PageInfo, error) {
	query := &PermitSignature{UserID: f.UserID, Status: f.Status}
	if f.Owner != "" {
		if !common.IsHexAddress(f.Owner) {
			return nil, nil, invalid("owner_address is not a valid address")
		}
		query.OwnerAddress = common.HexToAddress(f.Owner).Hex()
	}

	permits, err := s.permits.Find(ctx, query, option.ApplyPagination(f.Pagination))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list permits", zap.Error(err))
		return nil, nil, err
	}

	permits, info := pagination.Page(permits, f.Pagination, func(p *PermitSignature) string { return p.ID })
	return permits, info, nil
}

// View is the operator's read-only picture of a permit: the stored record
// plus a live validity verdict and the owner's current balance.
type View struct {
	*PermitSignature
	EffectiveStatus Status `json:"effective_status"`
	Executable      bool   `json:"executable"`
	Reason          Reason `json:"reason,omitempty"`
	OnchainNonce    string `json:"onchain_nonce,omitempty"`
	Balance         string `json:"balance,omitempty"`
	CheckError      string `json:"check_error,omitempty"`
}

// Inspect lists permits with live verdicts. Balance reads are shared
// between permits of the same owner.
func (s *Service) Inspect(ctx context.Context, f ListFilter) ([]*View, *pagination.PageInfo, error) {
	permits, info, err := s.List(ctx, f)
	if err != nil {
		return nil, nil, err
	}

	var balances singleflight.Group
	views := make([]*View, len(permits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range permits {
		g.Go(func() error {
			views[i] = s.view(gctx, p, &balances)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return views, info, nil
}

func (s *Service) InspectOne(ctx context.Context, id string) (*View, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p, &singleflight.Group{}), nil
}

func (s *Service) view(ctx context.Context, p *PermitSignature, balances *singleflight.Group) *View {
	v := s.checker.Check(ctx, p)
	out := &View{
		PermitSignature: p,
		EffectiveStatus: p.EffectiveStatus(s.now()),
		Executable:      v.Valid,
		Reason:          v.Reason,
	}
	if v.ActualNonce != nil {
		out.OnchainNonce = v.ActualNonce.String()
	}
	if v.Err != nil {
		out.CheckError = v.Err.Error()
	}

	balance := v.Balance
	if balance == nil && v.Reason != ReasonVerificationFailed {
		res, err, _ := balances.Do(ownerKey(p.OwnerAddress), func() (any, error) {
			return s.oracle.Balance(ctx, p.Owner())
		})
		if err == nil {
			balance = res.(*big.Int)
		}
	}
	if balance != nil {
		out.Balance = balance.String()
	}
	return out
}

type RevokeRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// Revoke withdraws a pending permit. Revoking anything else is INVALID_STATE,
// as is revoking a permit whose settlement was broadcast but not yet
// reconciled. It holds the owner lock so it cannot interleave with an
// execution in flight.
func (s *Service) Revoke(ctx context.Context, id string, req RevokeRequest) (*PermitSignature, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, ownerKey(p.OwnerAddress))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p, err = s.Get(ctx, id); err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if p.SubmittedTxHash != "" {
		return nil, errutil.Wrap(ErrInvalidState, nil,
			"settlement "+p.SubmittedTxHash+" is awaiting confirmation; retry after it is reconciled")
	}

	reason := req.Reason
	if reason == "" {
		reason = "revoked"
	}
	err = transition(ctx, s.db, id, map[string]any{
		"status":         StatusRevoked,
		"invalid_reason": reason,
		"processed_at":   s.now().UTC(),
		"processed_by":   req.By,
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("permit revoked", zap.String("permit_id", id), zap.String("by", req.By))
	return s.Get(ctx, id)
}

// Execute processes one permit synchronously.
func (s *Service) Execute(ctx context.Context, id string) (*Outcome, error) {
	return s.executor.Process(ctx, id)
}

// RequestExecution queues a permit for the worker. Repeated requests for the
// same permit collapse onto one queued task.
func (s *Service) RequestExecution(ctx context.Context, id string) error {
	if s.enqueuer == nil {
		return errutil.ServiceUnavailable("task queue is not configured", nil)
	}

	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return ErrInvalidState
	}

	t, err := NewExecuteTask(id)
	if err != nil {
		return err
	}
	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue permit execution", zap.String("permit_id", id), zap.Error(err))
		return err
	}
	return nil
}

// RequestSweep queues a sweep for the worker. At most one is queued per
// minute.
func (s *Service) RequestSweep(ctx context.Context) error {
	if s.enqueuer == nil {
		return errutil.ServiceUnavailable("task queue is not configured", nil)
	}
	if _, err := s.enqueuer.Enqueue(ctx, NewSweepTask()); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue permit sweep", zap.Error(err))
		return err
	}
	return nil
}

// Sweep runs one sweep inline.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	return s.executor.Sweep(ctx)
}
