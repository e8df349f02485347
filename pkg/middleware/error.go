package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/errutil"
)

// Error renders the last error attached with c.Error as the JSON error body.
// Anything that is not a BaseError is reported as an internal error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			if be.Code.HTTPStatus() >= http.StatusInternalServerError {
				zap.L().Warn("request failed",
					zap.String("path", c.FullPath()),
					zap.String("reason", be.Reason),
					zap.Error(be),
				)
			}
			c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		zap.L().Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		internal := errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
		c.AbortWithStatusJSON(http.StatusInternalServerError, internal.JSON())
	}
}

// Abort records err for Error and stops the chain.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
