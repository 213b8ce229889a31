package community

import "permit-engine/pkg/errutil"

var (
	ErrAdminSetLevel   = errutil.UnprocessableEntity("levels assigned by an admin cannot be claimed", nil, errutil.WithReason("ADMIN_SET_LEVEL"))
	ErrLevelNotReached = errutil.UnprocessableEntity("level must be passed before it can be claimed", nil, errutil.WithReason("LEVEL_NOT_REACHED"))
	ErrDuplicateClaim  = errutil.Conflict("level reward already claimed", nil, errutil.WithReason("DUPLICATE_CLAIM"))
	ErrNothingToClaim  = errutil.UnprocessableEntity("no pending referral bonus", nil, errutil.WithReason("NOTHING_TO_CLAIM"))
	ErrProfileNotFound = errutil.NotFound("user profile not found", nil, errutil.WithReason(errutil.ReasonNotFound))
	ErrRewardNotFound  = errutil.NotFound("no reward configured for level", nil, errutil.WithReason(errutil.ReasonNotFound))
	ErrInvalidArgument = errutil.BadRequest("invalid argument", nil, errutil.WithReason(errutil.ReasonInvalidArgument))
	ErrConcurrentClaim = errutil.Conflict("referral bonuses changed during claim", nil, errutil.WithReason(errutil.ReasonInvalidState))
)
