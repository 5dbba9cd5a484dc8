package middleware

import (
	"errors"
	"net/http"

	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last handler error: errutil errors map to their HTTP
// status, anything else becomes a 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var v errutil.BaseError
		if errors.As(last.Err, &v) {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": errutil.StatusInternal, "message": last.Error()},
		})
	}
}
