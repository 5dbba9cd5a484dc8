package httpapi

import (
	"net/http"

	"loyalty-engine/pkg/health"
	"loyalty-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

type RouterParams struct {
	fx.In
	Handler *Handler
	Health  health.HealthService
}

// NewRouter builds the gin engine consumed by the HTTP server module.
func NewRouter(p RouterParams) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", middleware.Tenant())
	{
		v1.POST("/webhooks/orders", p.Handler.OrderWebhook)
		v1.POST("/webhooks/discount-codes/used", p.Handler.DiscountCodeUsed)

		v1.POST("/members/register", p.Handler.RegisterMember)
		v1.GET("/members/:member_id/status", p.Handler.MemberStatus)
		v1.GET("/members/:member_id/transactions", p.Handler.MemberTransactions)

		v1.POST("/points/adjust", p.Handler.AdjustPoints)

		v1.POST("/redemptions", p.Handler.IssueReward)
		v1.GET("/redemptions/quote", p.Handler.RedemptionQuote)
		v1.POST("/rewards/:reward_id/pool", p.Handler.ProvisionRewardPool)
	}

	return r
}
