package middleware

import (
	"context"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

const (
	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID assigns every request an id, reusing the caller's X-Request-ID when present
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.RequestIDKey{}, requestID))
		c.Next()
	}
}

// ErrorHandler recovers panics into a 500 AppError response
func ErrorHandler(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"error":  recovered,
			"stack":  string(debug.Stack()),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Panic recovered")

		err := errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil).
			WithRequestID(getRequestID(c))
		handleError(c, logger, err)
	})
}

// HandleError renders the last error a handler attached with c.Error
func HandleError(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			handleError(c, logger, c.Errors.Last().Err)
		}
	}
}

// Abort attaches err to the context and stops the handler chain
func Abort(c *gin.Context, err error) {
	c.Error(err)
	c.Abort()
}

func handleError(c *gin.Context, logger *logging.Logger, err error) {
	if err == nil {
		return
	}

	appErr := errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	if appErr.RequestID == "" {
		appErr = appErr.WithRequestID(getRequestID(c))
	}

	logError(c, logger, appErr)

	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

func logError(c *gin.Context, logger *logging.Logger, err *errors.AppError) {
	fields := logrus.Fields{
		"error_code": err.Code,
		"message":    err.Message,
		"severity":   err.Severity,
		"request_id": err.RequestID,
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"ip":         c.ClientIP(),
	}
	if err.Details != "" {
		fields["details"] = err.Details
	}
	if len(err.Context) > 0 {
		fields["context"] = err.Context
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}

	entry := logger.WithFields(fields)
	switch err.Severity {
	case errors.SeverityCritical:
		entry.Error("Critical error occurred")
	case errors.SeverityHigh:
		entry.Error("High severity error occurred")
	case errors.SeverityMedium:
		entry.Warn("Medium severity error occurred")
	default:
		entry.Info("Low severity error occurred")
	}
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(requestIDKey); exists {
		if rid, ok := requestID.(string); ok {
			return rid
		}
	}
	return c.GetHeader(RequestIDHeader)
}
