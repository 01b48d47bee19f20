package bridge

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/hamdam/pkg/i18n"
)

var __ = i18n.Translate

// rateLimitMiddleware limits requests per client and conversation.
func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if id := c.Param("id"); id != "" {
			key += "/" + id
		}

		limiterContext, err := limiterInstance.Get(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// serverErrorLogger logs every 5xx response together with its body.
func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}
