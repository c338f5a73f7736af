// README: Panic recovery; reports to Sentry and answers 500.
package middleware

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(c.Request)
			hub.Scope().SetTag("route", c.FullPath())
			hub.RecoverWithContext(c.Request.Context(), r)

			log.Error("panic recovered",
				zap.Any("panic", r),
				zap.String("path", c.FullPath()),
				zap.Stack("stack"))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":     "internal error",
				"kind":      "internal",
				"retryable": false,
			})
		}()
		c.Next()
	}
}
