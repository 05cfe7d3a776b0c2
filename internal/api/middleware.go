package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger is a gin middleware that logs requests using zerolog.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}
		evt.
			Int("status", status).
			Str("method", method).
			Str("path", path).
			Dur("latency", latency).
			Msg("http request completed")
	}
}

// TokenAuth rejects requests lacking the service token (bearer header or
// token query parameter). Authenticated calls count as activity for the
// idle monitor via touch.
func TokenAuth(token string, touch func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		candidate := c.Query("token")
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			candidate = strings.TrimSpace(header[len("bearer "):])
		}
		if candidate == "" || candidate != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if touch != nil {
			touch()
		}
		c.Next()
	}
}
