package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/goliatone/go-relay/core"
)

const (
	RequestIDHeader  = "X-Request-ID"
	requestIDContext = "request_id"
)

// RequestID keeps an inbound X-Request-ID or mints one, and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContext, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// CORS sets permissive headers on every response and answers preflight
// requests with 204.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature, X-Relay-Signature, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Metrics records relay.http.requests and relay.http.duration_ms per route.
func Metrics(recorder core.MetricsRecorder) gin.HandlerFunc {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		tags := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		ctx := c.Request.Context()
		recorder.IncCounter(ctx, "relay.http.requests", 1, tags)
		recorder.ObserveHistogram(ctx, "relay.http.duration_ms", float64(time.Since(start).Milliseconds()), tags)
	}
}

// Logger writes one structured line per request.
func Logger(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDContext),
			"ip", c.ClientIP(),
			"size", c.Writer.Size(),
		}
		if query != "" {
			args = append(args, "query", query)
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("http_request", args...)
			return
		}
		logger.Info("http_request", args...)
	}
}
