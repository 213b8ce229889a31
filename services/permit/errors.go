package permit

import "permit-engine/pkg/errutil"

// Reason is the machine-readable cause of a permit verdict or failure.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonAlreadyUsed            Reason = "ALREADY_USED"
	ReasonDeadlinePassed         Reason = "DEADLINE_PASSED"
	ReasonNonceMismatch          Reason = "NONCE_MISMATCH"
	ReasonRevokedOrExpiredRecord Reason = "REVOKED_OR_EXPIRED_RECORD"
	ReasonVerificationFailed     Reason = "VERIFICATION_FAILED"
	ReasonSubmissionFailed       Reason = "SUBMISSION_FAILED"
	ReasonAwaitingConfirmation   Reason = "AWAITING_CONFIRMATION"
)

// Transient reasons leave the permit pending for a later pass.
func (r Reason) Transient() bool {
	switch r {
	case ReasonVerificationFailed, ReasonSubmissionFailed, ReasonAwaitingConfirmation:
		return true
	}
	return false
}

var (
	ErrAlreadyUsed        = errutil.Conflict("permit has already been used", nil, errutil.WithReason(string(ReasonAlreadyUsed)))
	ErrDeadlinePassed     = errutil.UnprocessableEntity("permit deadline has passed", nil, errutil.WithReason(string(ReasonDeadlinePassed)))
	ErrNonceMismatch      = errutil.UnprocessableEntity("permit nonce does not match the on-chain nonce", nil, errutil.WithReason(string(ReasonNonceMismatch)))
	ErrRevokedOrExpired   = errutil.Conflict("permit record is revoked or expired", nil, errutil.WithReason(string(ReasonRevokedOrExpiredRecord)))
	ErrVerificationFailed = errutil.ServiceUnavailable("could not verify permit on chain", nil, errutil.WithReason(string(ReasonVerificationFailed)))
	ErrSubmissionFailed   = errutil.BadGateway("settlement transaction failed", nil, errutil.WithReason(string(ReasonSubmissionFailed)))
	ErrAwaitingReceipt    = errutil.ServiceUnavailable("settlement transaction is not confirmed yet", nil, errutil.WithReason(string(ReasonAwaitingConfirmation)))

	ErrInvalidState       = errutil.Conflict("permit is not pending", nil, errutil.WithReason(errutil.ReasonInvalidState))
	ErrPermitNotFound     = errutil.NotFound("permit not found", nil, errutil.WithReason(errutil.ReasonNotFound))
	ErrInvalidSignature   = errutil.BadRequest("signature does not recover to owner", nil, errutil.WithReason("INVALID_SIGNATURE"))
	ErrDuplicateSignature = errutil.Conflict("permit signature already registered", nil, errutil.WithReason("DUPLICATE_PERMIT"))
	ErrInvalidRequest     = errutil.BadRequest("invalid permit", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
)

func errorFor(r Reason) error {
	switch r {
	case ReasonAlreadyUsed:
		return ErrAlreadyUsed
	case ReasonDeadlinePassed:
		return ErrDeadlinePassed
	case ReasonNonceMismatch:
		return ErrNonceMismatch
	case ReasonRevokedOrExpiredRecord:
		return ErrRevokedOrExpired
	case ReasonVerificationFailed:
		return ErrVerificationFailed
	case ReasonSubmissionFailed:
		return ErrSubmissionFailed
	case ReasonAwaitingConfirmation:
		return ErrAwaitingReceipt
	default:
		return nil
	}
}
