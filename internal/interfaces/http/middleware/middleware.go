// Package middleware provides the cross-cutting HTTP middleware: request
// identity, structured request logging, tracing, and panic recovery.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// Middleware bundles the request middleware with their dependencies.
type Middleware struct {
	logger  logger.Logger
	tracing *monitoring.TracingManager
}

// New creates the middleware bundle.
func New(log logger.Logger, tracing *monitoring.TracingManager) *Middleware {
	return &Middleware{
		logger:  log.WithComponent("http"),
		tracing: tracing,
	}
}

// RequestID assigns each request an ID, honoring one supplied by the caller,
// and propagates it through the context and the response header.
func (m *Middleware) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(string(constants.ContextKeyRequestID), id)
		c.Header(requestIDHeader, id)

		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Logger emits one structured log line per request.
func (m *Middleware) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			m.logger.Error(c.Request.Context(), "request failed", nil, fields...)
		} else {
			m.logger.Info(c.Request.Context(), "request handled", fields...)
		}
	}
}

// Tracing opens a span per request and records the basic HTTP attributes.
func (m *Middleware) Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := m.tracing.StartSpan(c.Request.Context(), c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			),
		)
		defer span.End()

		if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
			c.Set(string(constants.ContextKeyTraceID), traceID.String())
			ctx = context.WithValue(ctx, constants.ContextKeyTraceID, traceID.String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

// AdminAuth guards administrative endpoints with a static bearer credential.
// With no credential configured the guard rejects everything, so the admin
// surface is closed by default.
func (m *Middleware) AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			appErr := errors.ErrUnauthorized("a valid admin credential is required")
			c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
				"success": false,
				"error":   gin.H{"code": string(appErr.Code()), "message": appErr.Error()},
			})
			return
		}
		c.Next()
	}
}

// Recovery converts panics into 500 responses with a logged stack.
func (m *Middleware) Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		m.logger.Error(c.Request.Context(), "panic recovered", nil,
			logger.Any("panic", recovered),
			logger.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(500, gin.H{
			"success": false,
			"error":   gin.H{"code": "server_error", "message": "an unexpected error occurred"},
		})
	})
}
