package reward

import "vhm24-loyalty/pkg/errutil"

var (
	ErrRewardNotFound     = errutil.Sentinel(errutil.StatusNotFound, "REWARD_NOT_FOUND", "reward not found")
	ErrRewardInactive     = errutil.Sentinel(errutil.StatusUnprocessableEntity, "REWARD_INACTIVE", "reward is not available")
	ErrOutOfStock         = errutil.Sentinel(errutil.StatusConflict, "OUT_OF_STOCK", "reward is out of stock")
	ErrInsufficientPoints = errutil.Sentinel(errutil.StatusUnprocessableEntity, "INSUFFICIENT_POINTS", "not enough points for this reward")
	ErrClaimNotFound      = errutil.Sentinel(errutil.StatusNotFound, "CLAIM_NOT_FOUND", "claim not found")
	ErrClaimAlreadyUsed   = errutil.Sentinel(errutil.StatusConflict, "CLAIM_ALREADY_USED", "claim already used")
	ErrInvalidReward      = errutil.Sentinel(errutil.StatusValidationFailed, "INVALID_REWARD", "invalid reward definition")
)
