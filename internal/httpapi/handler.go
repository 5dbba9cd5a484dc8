package httpapi

import (
	"net/http"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/middleware"
	"loyalty-engine/services/condition"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/loyalty"
	"loyalty-engine/services/redemption"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

// Handler exposes the engine over HTTP. Event-shaped inputs (orders,
// registrations) are enqueued and processed by the workers; reads and
// redemptions are served inline.
type Handler struct {
	loyalty    *loyalty.Service
	ledger     *ledger.Service
	redemption *redemption.Service
}

type HandlerParams struct {
	fx.In
	Loyalty    *loyalty.Service
	Ledger     *ledger.Service
	Redemption *redemption.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		loyalty:    p.Loyalty,
		ledger:     p.Ledger,
		redemption: p.Redemption,
	}
}

func (h *Handler) OrderWebhook(c *gin.Context) {
	var order condition.Order
	if err := c.ShouldBindJSON(&order); err != nil {
		c.Error(errutil.BadRequest("invalid order payload", errutil.WithErr(err)))
		return
	}
	if order.OrderID == "" {
		c.Error(errutil.ValidationFailed("order_id is required"))
		return
	}

	ctx := c.Request.Context()
	if err := h.loyalty.EnqueueOrder(ctx, loyalty.ProcessOrderPayload{
		TenantID: middleware.TenantID(ctx),
		Order:    order,
	}); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) RegisterMember(c *gin.Context) {
	var req struct {
		Email        string `json:"email"`
		Phone        string `json:"phone"`
		FirstName    string `json:"first_name"`
		LastName     string `json:"last_name"`
		ReferralCode string `json:"referral_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid registration payload", errutil.WithErr(err)))
		return
	}
	if req.Email == "" && req.Phone == "" {
		c.Error(errutil.ValidationFailed("email or phone is required"))
		return
	}

	ctx := c.Request.Context()
	if err := h.loyalty.EnqueueRegistration(ctx, loyalty.ProcessRegistrationPayload{
		TenantID:     middleware.TenantID(ctx),
		Email:        req.Email,
		Phone:        req.Phone,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		ReferralCode: req.ReferralCode,
	}); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) MemberStatus(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := middleware.TenantID(ctx)

	program, err := h.ledger.ActiveProgram(ctx, tenantID)
	if err != nil {
		c.Error(err)
		return
	}

	status, err := h.ledger.GetStatus(ctx, tenantID, c.Param("member_id"), program.ID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) MemberTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.ValidationFailed("invalid pagination parameters", errutil.WithErr(err)))
		return
	}

	ctx := c.Request.Context()
	txns, info, err := h.ledger.ListTransactions(ctx, middleware.TenantID(ctx), c.Param("member_id"), page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns, "page_info": info})
}

func (h *Handler) AdjustPoints(c *gin.Context) {
	var req struct {
		MemberID    string `json:"member_id"`
		ProgramID   string `json:"program_id"`
		Points      int64  `json:"points"`
		ReferenceID string `json:"reference_id"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid adjustment payload", errutil.WithErr(err)))
		return
	}
	if req.MemberID == "" || req.ProgramID == "" {
		c.Error(errutil.ValidationFailed("member_id and program_id are required"))
		return
	}

	ctx := c.Request.Context()
	entry, err := h.ledger.Adjust(ctx, ledger.AdjustParams{
		TenantID:    middleware.TenantID(ctx),
		MemberID:    req.MemberID,
		ProgramID:   req.ProgramID,
		Points:      req.Points,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no_op"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *Handler) IssueReward(c *gin.Context) {
	var req struct {
		MemberID  string `json:"member_id"`
		ProgramID string `json:"program_id"`
		RewardID  string `json:"reward_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid redemption payload", errutil.WithErr(err)))
		return
	}
	if req.MemberID == "" || req.ProgramID == "" || req.RewardID == "" {
		c.Error(errutil.ValidationFailed("member_id, program_id and reward_id are required"))
		return
	}

	ctx := c.Request.Context()
	code, err := h.redemption.IssueReward(ctx, redemption.IssueParams{
		TenantID:  middleware.TenantID(ctx),
		MemberID:  req.MemberID,
		ProgramID: req.ProgramID,
		RewardID:  req.RewardID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, code)
}

func (h *Handler) RedemptionQuote(c *gin.Context) {
	memberID := c.Query("member_id")
	programID := c.Query("program_id")
	if memberID == "" || programID == "" {
		c.Error(errutil.ValidationFailed("member_id and program_id are required"))
		return
	}

	amount, err := decimal.NewFromString(c.DefaultQuery("order_amount", "0"))
	if err != nil {
		c.Error(errutil.ValidationFailed("order_amount must be a decimal"))
		return
	}

	ctx := c.Request.Context()
	points, err := h.redemption.Quote(ctx, middleware.TenantID(ctx), memberID, programID, amount)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"max_redeemable_points": points})
}

func (h *Handler) ProvisionRewardPool(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid payload", errutil.WithErr(err)))
		return
	}

	ctx := c.Request.Context()
	units, err := h.redemption.ProvisionPool(ctx, redemption.ProvisionPoolParams{
		TenantID: middleware.TenantID(ctx),
		RewardID: c.Param("reward_id"),
		Count:    req.Count,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"provisioned": len(units)})
}

// DiscountCodeUsed consumes one issuance of the code. member_id is optional
// but should be sent for shared generic codes, where it picks whose issuance
// is consumed.
func (h *Handler) DiscountCodeUsed(c *gin.Context) {
	var req struct {
		Code     string `json:"code"`
		MemberID string `json:"member_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.Error(errutil.ValidationFailed("code is required"))
		return
	}

	ctx := c.Request.Context()
	if err := h.redemption.MarkCodeUsed(ctx, middleware.TenantID(ctx), req.Code, req.MemberID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "used"})
}
