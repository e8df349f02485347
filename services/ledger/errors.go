package ledger

import "vhm24-loyalty/pkg/errutil"

var (
	ErrInsufficientBalance = errutil.Sentinel(errutil.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrInvalidTransaction  = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_TRANSACTION", "invalid transaction")
	ErrDuplicateReference  = errutil.Sentinel(errutil.StatusConflict, "DUPLICATE_REFERENCE", "reference already recorded")
	ErrAccountRequired     = errutil.Sentinel(errutil.StatusBadRequest, "ACCOUNT_REQUIRED", "account_id is required")
	ErrConcurrentUpdate    = errutil.Sentinel(errutil.StatusServiceUnavailable, "CONCURRENT_UPDATE", "account changed concurrently, retry")
)
