package middleware

import (
	"context"

	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type tenantKey struct{}

// TenantHeader carries the tenant on every API request.
const TenantHeader = "X-Tenant-ID"

// Tenant resolves the tenant from the request header and stores it on the
// request context. Requests without a tenant are rejected before any handler
// runs.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			v := errutil.BaseError{
				Code:    errutil.StatusBadRequest,
				Message: "missing " + TenantHeader + " header",
			}
			c.AbortWithStatusJSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		ctx := context.WithValue(c.Request.Context(), tenantKey{}, tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TenantID returns the tenant stored by the Tenant middleware, or "".
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}
