package permit

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"permit-engine/pkg/chain"
	"permit-engine/pkg/config"
	"permit-engine/pkg/lock"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/repository"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("permit-engine/services/permit")

// SettlementHook runs inside the transaction that marks a permit used.
// Returning an error rolls the status change back.
type SettlementHook interface {
	OnSettled(ctx context.Context, tx *gorm.DB, p *PermitSignature) error
}

// Outcome is the result of processing one permit.
type Outcome struct {
	PermitID string `json:"permit_id"`
	Owner    string `json:"owner_address"`
	Nonce    uint64 `json:"nonce"`
	Status   Status `json:"status"`
	Reason   Reason `json:"reason,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Err      error  `json:"-"`
}

func newOutcome(p *PermitSignature) *Outcome {
	return &Outcome{PermitID: p.ID, Owner: p.OwnerAddress, Nonce: p.Nonce, Status: p.Status}
}

// SweepReport summarises one pass over pending permits.
type SweepReport struct {
	Scanned  int        `json:"scanned"`
	Used     int        `json:"used"`
	Expired  int        `json:"expired"`
	Pending  int        `json:"pending"`
	Failed   int        `json:"failed"`
	Outcomes []*Outcome `json:"outcomes"`

	mu sync.Mutex
}

func (r *SweepReport) add(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusUsed:
		r.Used++
	case StatusExpired, StatusRevoked:
		r.Expired++
	default:
		r.Pending++
	}
	if o.Err != nil && o.Reason == ReasonNone {
		r.Failed++
	}
}

// Executor settles pending permits. Permits of one owner are processed
// strictly one at a time under the owner lock; different owners run in
// parallel up to the configured concurrency.
type Executor struct {
	db      *gorm.DB
	permits repository.Repository[PermitSignature]
	checker *Checker
	oracle  chain.Oracle
	locker  lock.Locker
	hook    SettlementHook
	metrics *Metrics

	submitTimeout time.Duration
	batchSize     int
	concurrency   int
	processedBy   string
	now           func() time.Time
}

type ExecutorParams struct {
	fx.In
	DB      *gorm.DB
	Config  *config.Config
	Checker *Checker
	Oracle  chain.Oracle
	Locker  lock.Locker
	Hook    SettlementHook `optional:"true"`
	Metrics *Metrics       `optional:"true"`
}

func NewExecutor(p ExecutorParams) *Executor {
	e := &Executor{
		db:      p.DB,
		permits: repository.ProvideStore[PermitSignature](p.DB),
		checker: p.Checker,
		oracle:  p.Oracle,
		locker:  p.Locker,
		hook:    p.Hook,
		metrics: p.Metrics,

		submitTimeout: p.Config.Chain.SubmitTimeout,
		batchSize:     p.Config.Worker.BatchSize,
		concurrency:   p.Config.Worker.Concurrency,
		processedBy:   p.Config.AppName,
		now:           time.Now,
	}
	if e.batchSize <= 0 {
		e.batchSize = 100
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	if e.submitTimeout <= 0 {
		e.submitTimeout = 2 * time.Minute
	}
	return e
}

func ownerKey(owner string) string {
	return strings.ToLower(owner)
}

func (e *Executor) load(ctx context.Context, id string) (*PermitSignature, error) {
	p, err := e.permits.FindOne(ctx, &PermitSignature{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPermitNotFound
	}
	return p, nil
}

// Process runs one permit through the execution pipeline under its owner
// lock. The returned error is reserved for failures of the engine itself;
// permit-level failures are reported in the Outcome.
func (e *Executor) Process(ctx context.Context, id string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "permit.process")
	defer span.End()
	span.SetAttributes(attribute.String("permit.id", id))

	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, ownerKey(p.OwnerAddress))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// state may have changed while waiting for the lock
	if p, err = e.load(ctx, id); err != nil {
		return nil, err
	}

	outcome, err := e.process(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("permit.status", string(outcome.Status)),
		attribute.String("permit.reason", string(outcome.Reason)),
	)
	e.metrics.observeOutcome(outcome)
	return outcome, nil
}

// process expects the owner lock to be held.
func (e *Executor) process(ctx context.Context, p *PermitSignature) (*Outcome, error) {
	log := logger.FromContext(ctx).With(
		zap.String("permit_id", p.ID),
		zap.String("owner", p.OwnerAddress),
		zap.Uint64("nonce", p.Nonce),
	)

	verdict := e.checker.Check(ctx, p)
	if !verdict.Valid {
		return e.handleInvalid(ctx, p, verdict)
	}

	if err := e.recordAttempt(ctx, p.ID, ""); err != nil {
		return nil, err
	}

	cp, err := p.ToChainPermit()
	if err != nil {
		log.Error("stored permit is malformed", zap.Error(err))
		return e.expire(ctx, p, ReasonSubmissionFailed, err.Error())
	}

	var (
		mu          sync.Mutex
		settleHash  common.Hash
		permitStage common.Hash
	)
	hook := chain.WithBroadcastHook(func(stage chain.Stage, hash common.Hash) {
		log.Info("settlement transaction broadcast", zap.String("stage", string(stage)), zap.String("tx_hash", hash.Hex()))
		mu.Lock()
		defer mu.Unlock()
		if stage == chain.StageSettlement {
			settleHash = hash
			// the permit row keeps the hash so a later pass can reconcile
			// a receipt that arrives after this call gives up
			if err := e.recordBroadcast(context.WithoutCancel(ctx), p.ID, hash); err != nil {
				log.Error("failed to persist submitted tx hash", zap.Error(err))
			}
			return
		}
		permitStage = hash
	})

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	start := time.Now()
	receipt, err := e.oracle.SubmitPermitSettlement(submitCtx, cp, hook)
	cancel()
	e.metrics.observeSubmit(start, err)

	if err == nil {
		log.Info("permit settled", zap.String("tx_hash", receipt.TxHash.Hex()), zap.Uint64("block", receipt.BlockNumber))
		return e.markUsed(ctx, p, receipt.TxHash.Hex())
	}

	log.Warn("settlement submission failed", zap.Int("attempt", p.Attempts+1), zap.Error(err))
	if rerr := e.recordAttempt(ctx, p.ID, err.Error()); rerr != nil {
		log.Error("failed to record attempt", zap.Error(rerr))
	}

	mu.Lock()
	submitted, permitHash := settleHash, permitStage
	mu.Unlock()
	if submitted != (common.Hash{}) {
		p.SubmittedTxHash = submitted.Hex()
	}

	after := e.checker.Check(ctx, p)
	switch {
	case after.Reason == ReasonNonceMismatch || after.Reason == ReasonDeadlinePassed:
		if p.SubmittedTxHash != "" {
			return e.reconcile(ctx, p, after.Reason)
		}
		if permitHash != (common.Hash{}) {
			log.Error("permit consumed on chain without a settlement transfer",
				zap.String("permit_tx_hash", permitHash.Hex()))
		}
		return e.expire(ctx, p, after.Reason, err.Error())
	default:
		out := newOutcome(p)
		out.Reason = ReasonSubmissionFailed
		out.TxHash = p.SubmittedTxHash
		out.Err = errorFor(ReasonSubmissionFailed)
		if errors.Is(err, chain.ErrSubmitTimeout) && p.SubmittedTxHash != "" {
			out.Reason = ReasonAwaitingConfirmation
			out.Err = ErrAwaitingReceipt
		}
		return out, nil
	}
}

func (e *Executor) handleInvalid(ctx context.Context, p *PermitSignature, v Verdict) (*Outcome, error) {
	log := logger.FromContext(ctx).With(zap.String("permit_id", p.ID), zap.String("reason", string(v.Reason)))

	switch {
	case v.Reason == ReasonAlreadyUsed || v.Reason == ReasonRevokedOrExpiredRecord:
		out := newOutcome(p)
		out.Reason = v.Reason
		out.Err = v.Error()
		if p.TxHash != nil {
			out.TxHash = *p.TxHash
		}
		return out, nil

	case v.Reason == ReasonVerificationFailed:
		log.Warn("permit verification failed, will retry",
			zap.String("owner", p.OwnerAddress),
			zap.Uint64("nonce", p.Nonce),
			zap.Int("attempt", p.Attempts),
			zap.Error(v.Err),
		)
		if err := e.recordAttempt(ctx, p.ID, v.Err.Error()); err != nil {
			return nil, err
		}
		out := newOutcome(p)
		out.Reason = v.Reason
		out.Err = v.Error()
		return out, nil

	default:
		// DEADLINE_PASSED and NONCE_MISMATCH are terminal. A recorded
		// broadcast is resolved from its receipt first.
		if p.SubmittedTxHash != "" {
			return e.reconcile(ctx, p, v.Reason)
		}
		if v.Reason == ReasonNonceMismatch && !v.Consumed() {
			log.Info("permit nonce ahead of chain", zap.Stringer("onchain_nonce", v.ActualNonce))
		}
		return e.expire(ctx, p, v.Reason, "")
	}
}

// reconcile resolves a pending permit that failed validation after a
// settlement was broadcast, using that transaction's receipt.
func (e *Executor) reconcile(ctx context.Context, p *PermitSignature, reason Reason) (*Outcome, error) {
	log := logger.FromContext(ctx).With(
		zap.String("permit_id", p.ID),
		zap.String("owner", p.OwnerAddress),
		zap.Uint64("nonce", p.Nonce),
		zap.String("tx_hash", p.SubmittedTxHash),
	)

	state, err := e.oracle.TxStatus(ctx, common.HexToHash(p.SubmittedTxHash))
	if err != nil {
		log.Warn("failed to read settlement receipt", zap.Int("attempt", p.Attempts), zap.Error(err))
		if rerr := e.recordAttempt(ctx, p.ID, err.Error()); rerr != nil {
			return nil, rerr
		}
		out := newOutcome(p)
		out.Reason = ReasonVerificationFailed
		out.Err = Verdict{Reason: ReasonVerificationFailed, Err: err}.Error()
		return out, nil
	}

	switch state {
	case chain.TxSucceeded:
		log.Info("reconciled settlement from receipt")
		return e.markUsed(ctx, p, p.SubmittedTxHash)
	case chain.TxFailed:
		log.Warn("submitted settlement reverted")
		return e.expire(ctx, p, reason, "settlement "+p.SubmittedTxHash+" reverted")
	default:
		// a broadcast that never landed cannot land later once the
		// nonce it needs is unreachable or the deadline is gone
		if unused, err := e.nonceUnused(ctx, p); err == nil && unused {
			log.Warn("settlement never confirmed, expiring permit", zap.String("reason", string(reason)))
			return e.expire(ctx, p, reason, "settlement "+p.SubmittedTxHash+" never confirmed")
		}
		out := newOutcome(p)
		out.Reason = ReasonAwaitingConfirmation
		out.TxHash = p.SubmittedTxHash
		out.Err = ErrAwaitingReceipt
		return out, nil
	}
}

// nonceUnused reports whether the owner's on-chain nonce has not moved past
// the permit's, so no transaction carrying this permit was ever mined.
func (e *Executor) nonceUnused(ctx context.Context, p *PermitSignature) (bool, error) {
	onchain, err := e.oracle.Nonce(ctx, p.Owner())
	if err != nil {
		return false, err
	}
	return onchain.Cmp(new(big.Int).SetUint64(p.Nonce)) <= 0, nil
}

// transition moves a permit out of pending. It fails with ErrInvalidState
// when the row is no longer pending.
func transition(ctx context.Context, tx *gorm.DB, id string, updates map[string]any) error {
	res := tx.WithContext(ctx).Model(&PermitSignature{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (e *Executor) markUsed(ctx context.Context, p *PermitSignature, txHash string) (*Outcome, error) {
	now := e.now().UTC()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(ctx, tx, p.ID, map[string]any{
			"status":            StatusUsed,
			"tx_hash":           txHash,
			"submitted_tx_hash": txHash,
			"invalid_reason":    "",
			"last_error":        "",
			"processed_at":      now,
			"processed_by":      e.processedBy,
		}); err != nil {
			return err
		}

		if e.hook == nil {
			return nil
		}
		settled := *p
		settled.Status = StatusUsed
		settled.TxHash = &txHash
		settled.ProcessedAt = &now
		return e.hook.OnSettled(ctx, tx, &settled)
	})
	if errors.Is(err, ErrInvalidState) {
		return e.current(ctx, p.ID)
	}
	if err != nil {
		logger.FromContext(ctx).Error("settlement confirmed on chain but not recorded",
			zap.String("permit_id", p.ID), zap.String("tx_hash", txHash), zap.Error(err))
		if rerr := e.recordBroadcast(ctx, p.ID, common.HexToHash(txHash)); rerr != nil {
			logger.FromContext(ctx).Error("failed to persist settlement tx hash", zap.Error(rerr))
		}
		return nil, err
	}

	out := newOutcome(p)
	out.Status = StatusUsed
	out.TxHash = txHash
	return out, nil
}

func (e *Executor) expire(ctx context.Context, p *PermitSignature, reason Reason, detail string) (*Outcome, error) {
	err := transition(ctx, e.db, p.ID, map[string]any{
		"status":         StatusExpired,
		"invalid_reason": string(reason),
		"last_error":     detail,
		"processed_at":   e.now().UTC(),
		"processed_by":   e.processedBy,
	})
	if errors.Is(err, ErrInvalidState) {
		return e.current(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("permit expired", zap.String("permit_id", p.ID), zap.String("reason", string(reason)))
	out := newOutcome(p)
	out.Status = StatusExpired
	out.Reason = reason
	out.Err = errorFor(reason)
	return out, nil
}

// current reports a permit another writer already moved out of pending.
func (e *Executor) current(ctx context.Context, id string) (*Outcome, error) {
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := newOutcome(p)
	if p.TxHash != nil {
		out.TxHash = *p.TxHash
	}
	out.Reason = Reason(p.InvalidReason)
	if p.Status == StatusRevoked {
		out.Reason = ReasonRevokedOrExpiredRecord
	}
	out.Err = errorFor(out.Reason)
	return out, nil
}

func (e *Executor) recordAttempt(ctx context.Context, id, lastErr string) error {
	updates := map[string]any{"last_attempt_at": e.now().UTC()}
	if lastErr == "" {
		updates["attempts"] = gorm.Expr("attempts + 1")
	} else {
		updates["last_error"] = lastErr
	}
	return e.db.WithContext(ctx).Model(&PermitSignature{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates).Error
}

func (e *Executor) recordBroadcast(ctx context.Context, id string, hash common.Hash) error {
	return e.db.WithContext(ctx).Model(&PermitSignature{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("submitted_tx_hash", hash.Hex()).Error
}

// Sweep processes up to one batch of pending permits, oldest nonce first
// for each owner.
func (e *Executor) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "permit.sweep")
	defer span.End()
	start := time.Now()

	var pending []*PermitSignature
	if err := e.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("owner_address ASC").Order("nonce ASC").Order("created_at ASC").
		Limit(e.batchSize).
		Find(&pending).Error; err != nil {
		logger.FromContext(ctx).Error("failed to query pending permits", zap.Error(err))
		return nil, err
	}

	var (
		order  []string
		groups = make(map[string][]string)
	)
	for _, p := range pending {
		key := ownerKey(p.OwnerAddress)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p.ID)
	}

	report := &SweepReport{Scanned: len(pending)}
	span.SetAttributes(attribute.Int("sweep.candidates", len(pending)), attribute.Int("sweep.owners", len(order)))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, key := range order {
		ids := groups[key]
		g.Go(func() error {
			e.sweepOwner(ctx, key, ids, report)
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.observeSweep(start, len(pending))
	logger.FromContext(ctx).Info("permit sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("used", report.Used),
		zap.Int("expired", report.Expired),
		zap.Int("pending", report.Pending),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return report, ctx.Err()
}

func (e *Executor) sweepOwner(ctx context.Context, key string, ids []string, report *SweepReport) {
	log := logger.FromContext(ctx).With(zap.String("owner", key))

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		log.Warn("could not acquire owner lock", zap.Error(err))
		return
	}
	defer unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		p, err := e.load(ctx, id)
		if err != nil {
			log.Error("failed to load permit", zap.String("permit_id", id), zap.Error(err))
			report.add(&Outcome{PermitID: id, Status: StatusPending, Err: err})
			continue
		}

		outcome, err := e.process(ctx, p)
		if err != nil {
			log.Error("failed to process permit", zap.String("permit_id", id), zap.Error(err))
			outcome = newOutcome(p)
			outcome.Err = err
		}
		e.metrics.observeOutcome(outcome)
		report.add(outcome)
	}
}
