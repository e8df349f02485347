package quest

import "vhm24-loyalty/pkg/errutil"

var (
	ErrQuestNotFound         = errutil.Sentinel(errutil.StatusNotFound, "QUEST_NOT_FOUND", "quest not found")
	ErrQuestNotCompleted     = errutil.Sentinel(errutil.StatusUnprocessableEntity, "QUEST_NOT_COMPLETED", "quest is not completed yet")
	ErrAlreadyClaimed        = errutil.Sentinel(errutil.StatusConflict, "ALREADY_CLAIMED", "quest reward already claimed")
	ErrQuestOnCooldown       = errutil.Sentinel(errutil.StatusConflict, "QUEST_ON_COOLDOWN", "quest is on cooldown")
	ErrMaxCompletionsReached = errutil.Sentinel(errutil.StatusConflict, "MAX_COMPLETIONS_REACHED", "quest completion limit reached")
	ErrInvalidProgress       = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_PROGRESS", "invalid progress update")
	ErrInvalidQuest          = errutil.Sentinel(errutil.StatusValidationFailed, "INVALID_QUEST", "invalid quest definition")
)
