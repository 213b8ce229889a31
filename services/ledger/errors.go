package ledger

import "permit-engine/pkg/errutil"

var (
	ErrInsufficientBalance = errutil.UnprocessableEntity("insufficient available balance", nil, errutil.WithReason("INSUFFICIENT_BALANCE"))
	ErrInvalidAmount       = errutil.BadRequest("amount must be greater than zero", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
	ErrUnsupportedToken    = errutil.BadRequest("unsupported token", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
	ErrMissingReference    = errutil.BadRequest("reference_id is required", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
	ErrAccountNotFound     = errutil.NotFound("profit account not found", nil, errutil.WithReason(errutil.ReasonNotFound))
)
