package loyalty

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"vhm24-loyalty/pkg/accesscontrol"
	"vhm24-loyalty/pkg/auth"
	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/db/pagination"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/middleware"
	"vhm24-loyalty/services/ledger"
)

// Handler exposes Service as the /api/v1 JSON API.
type Handler struct {
	svc     *Service
	auth    *auth.Authenticator
	policy  accesscontrol.Enforcer
	limiter *middleware.RateLimiter
}

func NewHandler(svc *Service, a *auth.Authenticator, policy accesscontrol.Enforcer, cfg *config.Config) *Handler {
	return &Handler{
		svc:     svc,
		auth:    a,
		policy:  policy,
		limiter: middleware.NewRateLimiter(cfg.Loyalty.ClaimRateLimit, cfg.Loyalty.ClaimBurst),
	}
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1", middleware.Authenticate(h.auth), middleware.Authorize(h.policy))

	api.GET("/rewards", h.listRewards)

	acc := api.Group("/accounts/:account_id")
	acc.GET("/balance", h.balance)
	acc.GET("/transactions", h.history)
	acc.POST("/transactions", h.record)
	acc.GET("/quests", h.listQuests)
	acc.POST("/quests/:quest_id/claim", h.limiter.Handler(), h.claimQuest)
	acc.POST("/rewards/:reward_id/claim", h.limiter.Handler(), h.claimReward)
	acc.GET("/claims", h.listClaims)
	acc.POST("/claims/:claim_id/use", h.useClaim)
	acc.GET("/notifications", h.listNotifications)
	acc.POST("/notifications/:notification_id/read", h.readNotification)
	acc.POST("/events", h.applyEvent)

	admin := api.Group("/admin/accounts/:account_id")
	admin.POST("/adjustments", h.adjust)
	admin.GET("/verify", h.verify)
	admin.POST("/expirations", h.scheduleExpiration)
	admin.POST("/exports", h.scheduleExport)
}

func (h *Handler) balance(c *gin.Context) {
	res, err := h.svc.Balance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type historyQuery struct {
	pagination.Pagination
	// Type is a comma separated list of transaction types.
	Type string `form:"type"`
}

func (h *Handler) history(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	var types []ledger.TransactionType
	if q.Type != "" {
		for _, raw := range strings.Split(q.Type, ",") {
			t, err := ledger.ParseTransactionType(raw)
			if err != nil {
				_ = c.Error(errutil.BadRequest("invalid type filter", err,
					errutil.WithDetails(errutil.Detail{Field: "type", Message: raw})))
				return
			}
			types = append(types, t)
		}
	}

	items, page, err := h.svc.History(c.Request.Context(), c.Param("account_id"), types, q.Pagination)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": page})
}

func (h *Handler) record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid body", err))
		return
	}
	res, err := h.svc.RecordTransaction(c.Request.Context(), c.Param("account_id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, recordResponse(res))
}

func (h *Handler) listQuests(c *gin.Context) {
	res, err := h.svc.Quests(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *Handler) claimQuest(c *gin.Context) {
	res, err := h.svc.ClaimQuest(c.Request.Context(), c.Param("account_id"), c.Param("quest_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) applyEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid body", err))
		return
	}
	res, err := h.svc.ApplyEvent(c.Request.Context(), c.Param("account_id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *Handler) listRewards(c *gin.Context) {
	res, err := h.svc.Rewards(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *Handler) claimReward(c *gin.Context) {
	res, err := h.svc.ClaimReward(c.Request.Context(), c.Param("account_id"), c.Param("reward_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listClaims(c *gin.Context) {
	res, err := h.svc.Claims(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *Handler) useClaim(c *gin.Context) {
	res, err := h.svc.UseClaim(c.Request.Context(), c.Param("account_id"), c.Param("claim_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	res, err := h.svc.Notifications(c.Request.Context(), c.Param("account_id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *Handler) readNotification(c *gin.Context) {
	if err := h.svc.ReadNotification(c.Request.Context(), c.Param("account_id"), c.Param("notification_id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid body", err))
		return
	}

	actor := ""
	if p, ok := auth.FromContext(c.Request.Context()); ok {
		actor = p.Subject
	}
	res, err := h.svc.AdjustBalance(c.Request.Context(), c.Param("account_id"), actor, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, recordResponse(res))
}

func (h *Handler) verify(c *gin.Context) {
	res, err := h.svc.VerifyChain(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type expirationRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (h *Handler) scheduleExpiration(c *gin.Context) {
	var req expirationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid body", err))
		return
	}
	id, err := h.svc.ScheduleExpiration(c.Request.Context(), ledger.ExpirePayload{
		AccountID:   c.Param("account_id"),
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (h *Handler) scheduleExport(c *gin.Context) {
	id, err := h.svc.ScheduleExport(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func recordResponse(res *ledger.RecordResult) gin.H {
	return gin.H{
		"transaction_id": res.TransactionID,
		"new_balance":    res.NewBalance,
		"transaction":    res.Transaction,
	}
}
