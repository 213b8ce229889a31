package withdrawal

import "permit-engine/pkg/errutil"

var (
	ErrWithdrawalNotFound = errutil.NotFound("withdrawal not found", nil, errutil.WithReason(errutil.ReasonNotFound))
	ErrInvalidState       = errutil.Conflict("withdrawal is not pending", nil, errutil.WithReason(errutil.ReasonInvalidState))
	ErrInvalidRequest     = errutil.BadRequest("invalid withdrawal request", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
)
