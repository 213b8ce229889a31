package middleware

import (
	"errors"

	"permit-engine/pkg/errutil"
	"permit-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached to the context. BaseErrors keep their
// code and reason; anything else is reported as INTERNAL and logged.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			if be.Code.HTTPStatus() >= 500 {
				logger.FromContext(c.Request.Context()).Error("request failed",
					zap.String("path", c.FullPath()),
					zap.Error(last.Err),
				)
			}
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		logger.FromContext(c.Request.Context()).Error("unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)
		internal := errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
		c.JSON(internal.Code.HTTPStatus(), internal.JSON())
	}
}
