package httpapi

import (
	"net/http"
	"strconv"

	"permit-engine/pkg/db/pagination"
	"permit-engine/pkg/errutil"
	"permit-engine/services/community"
	"permit-engine/services/ledger"
	"permit-engine/services/permit"
	"permit-engine/services/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

var Module = fx.Module("api.routes",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

type Handler struct {
	permits     *permit.Service
	ledger      *ledger.Service
	withdrawals *withdrawal.Service
	community   *community.Service
}

type HandlerParams struct {
	fx.In
	Permits     *permit.Service
	Ledger      *ledger.Service
	Withdrawals *withdrawal.Service
	Community   *community.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		permits:     p.Permits,
		ledger:      p.Ledger,
		withdrawals: p.Withdrawals,
		community:   p.Community,
	}
}

func Register(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")

	permits := v1.Group("/permits")
	permits.POST("", h.registerPermit)
	permits.GET("", h.listPermits)
	permits.POST("/sweep", h.sweep)
	permits.GET("/:id", h.getPermit)
	permits.POST("/:id/execute", h.executePermit)
	permits.POST("/:id/revoke", h.revokePermit)

	accounts := v1.Group("/accounts/:user_id")
	accounts.GET("", h.getAccount)
	accounts.GET("/entries", h.listEntries)
	accounts.GET("/verify", h.verifyJournal)

	withdrawals := v1.Group("/withdrawals")
	withdrawals.POST("", h.requestWithdrawal)
	withdrawals.GET("", h.listWithdrawals)
	withdrawals.GET("/:id", h.getWithdrawal)
	withdrawals.POST("/:id/complete", h.completeWithdrawal)
	withdrawals.POST("/:id/reject", h.rejectWithdrawal)

	v1.PUT("/community/levels/:user_id", h.setLevel)
	v1.GET("/community/rewards", h.listLevelRewards)
	v1.PUT("/community/rewards/:level", h.setLevelReward)
	v1.POST("/community/claims", h.claimLevel)
	v1.POST("/referrals/bonuses", h.accrueReferral)
	v1.POST("/referrals/claim", h.claimReferral)
}

type listResponse[T any] struct {
	Data     []T                  `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err, errutil.WithReason(errutil.ReasonInvalidArgument),
			errutil.WithDetails(errutil.Detail{Field: "body", Message: err.Error()})))
		return false
	}
	return true
}

func bindQuery(c *gin.Context, dst any) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err, errutil.WithReason(errutil.ReasonInvalidArgument),
			errutil.WithDetails(errutil.Detail{Field: "query", Message: err.Error()})))
		return false
	}
	return true
}

func (h *Handler) registerPermit(c *gin.Context) {
	var req permit.RegisterRequest
	if !bind(c, &req) {
		return
	}
	p, err := h.permits.Register(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) listPermits(c *gin.Context) {
	var f permit.ListFilter
	if !bindQuery(c, &f) {
		return
	}
	views, info, err := h.permits.Inspect(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*permit.View]{Data: views, PageInfo: info})
}

func (h *Handler) getPermit(c *gin.Context) {
	view, err := h.permits.InspectOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) executePermit(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		if err := h.permits.RequestExecution(ctx, id); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"permit_id": id, "queued": true})
		return
	}

	outcome, err := h.permits.Execute(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if outcome.Err != nil {
		_ = c.Error(outcome.Err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) revokePermit(c *gin.Context) {
	var req permit.RevokeRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	p, err := h.permits.Revoke(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) sweep(c *gin.Context) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		if err := h.permits.RequestSweep(c.Request.Context()); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	report, err := h.permits.Sweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) getAccount(c *gin.Context) {
	account, err := h.ledger.GetAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) listEntries(c *gin.Context) {
	var page pagination.Pagination
	if !bindQuery(c, &page) {
		return
	}
	entries, info, err := h.ledger.ListEntries(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*ledger.Entry]{Data: entries, PageInfo: info})
}

func (h *Handler) verifyJournal(c *gin.Context) {
	userID := c.Param("user_id")
	ok, err := h.ledger.VerifyChain(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "intact": ok})
}

func (h *Handler) requestWithdrawal(c *gin.Context) {
	var req withdrawal.RequestParams
	if !bind(c, &req) {
		return
	}
	w, err := h.withdrawals.Request(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	var f withdrawal.ListFilter
	if !bindQuery(c, &f) {
		return
	}
	items, info, err := h.withdrawals.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*withdrawal.Withdrawal]{Data: items, PageInfo: info})
}

func (h *Handler) getWithdrawal(c *gin.Context) {
	w, err := h.withdrawals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) completeWithdrawal(c *gin.Context) {
	var req withdrawal.CompleteParams
	if !bind(c, &req) {
		return
	}
	w, err := h.withdrawals.Complete(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) rejectWithdrawal(c *gin.Context) {
	var req withdrawal.RejectParams
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	w, err := h.withdrawals.Reject(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type setLevelRequest struct {
	Level    int  `json:"level"`
	AdminSet bool `json:"admin_set"`
}

func (h *Handler) setLevel(c *gin.Context) {
	var req setLevelRequest
	if !bind(c, &req) {
		return
	}
	profile, err := h.community.SetLevel(c.Request.Context(), c.Param("user_id"), req.Level, req.AdminSet)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) listLevelRewards(c *gin.Context) {
	rewards, err := h.community.ListLevelRewards(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rewards})
}

type levelRewardRequest struct {
	Token      string          `json:"token" binding:"required"`
	RewardPool decimal.Decimal `json:"reward_pool"`
}

func (h *Handler) setLevelReward(c *gin.Context) {
	level, err := strconv.Atoi(c.Param("level"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("level must be an integer", err, errutil.WithReason(errutil.ReasonInvalidArgument)))
		return
	}
	var req levelRewardRequest
	if !bind(c, &req) {
		return
	}
	token, ok := ledger.ParseToken(req.Token)
	if !ok {
		_ = c.Error(ledger.ErrUnsupportedToken)
		return
	}
	reward, err := h.community.SetLevelReward(c.Request.Context(), level, token, req.RewardPool)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reward)
}

type claimLevelRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Level  int    `json:"level" binding:"required"`
}

func (h *Handler) claimLevel(c *gin.Context) {
	var req claimLevelRequest
	if !bind(c, &req) {
		return
	}
	claim, err := h.community.Claim(c.Request.Context(), req.UserID, req.Level)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (h *Handler) accrueReferral(c *gin.Context) {
	var req community.AccrueParams
	if !bind(c, &req) {
		return
	}
	bonus, err := h.community.AccrueReferralBonus(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, bonus)
}

type claimReferralRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) claimReferral(c *gin.Context) {
	var req claimReferralRequest
	if !bind(c, &req) {
		return
	}
	claim, err := h.community.ClaimReferralBonus(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, claim)
}
