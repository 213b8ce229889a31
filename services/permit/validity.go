package permit

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"permit-engine/pkg/chain"
	"permit-engine/pkg/errutil"
)

// Verdict is the outcome of one validity check. Balance is informational
// and never invalidates a permit.
type Verdict struct {
	Valid         bool
	Reason        Reason
	ExpectedNonce uint64
	ActualNonce   *big.Int
	Balance       *big.Int
	Err           error
}

// Consumed reports whether the owner's nonce has moved past the permit's,
// after which the signature can never be submitted again.
func (v Verdict) Consumed() bool {
	return v.Reason == ReasonNonceMismatch && v.ActualNonce != nil &&
		v.ActualNonce.Cmp(new(big.Int).SetUint64(v.ExpectedNonce)) > 0
}

// Error maps the verdict to the API error for its reason, nil when valid.
func (v Verdict) Error() error {
	sentinel := errorFor(v.Reason)
	if sentinel == nil {
		return nil
	}

	switch v.Reason {
	case ReasonNonceMismatch:
		actual := "unknown"
		if v.ActualNonce != nil {
			actual = v.ActualNonce.String()
		}
		return errutil.Wrap(sentinel, v.Err,
			fmt.Sprintf("permit nonce %d does not match on-chain nonce %s", v.ExpectedNonce, actual),
			errutil.WithDetails(
				errutil.Detail{Field: "expected_nonce", Message: strconv.FormatUint(v.ExpectedNonce, 10)},
				errutil.Detail{Field: "actual_nonce", Message: actual},
			))
	case ReasonVerificationFailed:
		return errutil.Wrap(sentinel, v.Err, "could not verify permit on chain")
	default:
		return sentinel
	}
}

// Checker decides whether a stored permit can be executed right now.
type Checker struct {
	oracle chain.Oracle
	now    func() time.Time
}

func NewChecker(oracle chain.Oracle) *Checker {
	return &Checker{oracle: oracle, now: time.Now}
}

// Check evaluates, in order: record status, deadline, on-chain nonce, and
// finally reads the balance for reporting. Chain read errors yield
// VERIFICATION_FAILED, which callers treat as transient.
func (c *Checker) Check(ctx context.Context, p *PermitSignature) Verdict {
	v := Verdict{ExpectedNonce: p.Nonce}

	switch p.Status {
	case StatusPending:
	case StatusUsed:
		v.Reason = ReasonAlreadyUsed
		return v
	default:
		v.Reason = ReasonRevokedOrExpiredRecord
		return v
	}

	if p.Deadline < c.now().Unix() {
		v.Reason = ReasonDeadlinePassed
		return v
	}

	owner := p.Owner()
	nonce, err := c.oracle.Nonce(ctx, owner)
	if err != nil {
		v.Reason = ReasonVerificationFailed
		v.Err = err
		return v
	}
	v.ActualNonce = nonce
	if !nonce.IsUint64() || nonce.Uint64() != p.Nonce {
		v.Reason = ReasonNonceMismatch
		return v
	}

	balance, err := c.oracle.Balance(ctx, owner)
	if err != nil {
		v.Reason = ReasonVerificationFailed
		v.Err = err
		return v
	}
	v.Balance = balance
	v.Valid = true
	return v
}
