package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDKey is the context key for the request ID
	RequestIDKey = "request_id"

	headerXRequestID     = "X-Request-ID"
	headerXCorrelationID = "X-Correlation-ID"
)

// RequestID generates or propagates a unique request ID for each HTTP
// request, so logs for one dispatch can be correlated across the platform.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerXRequestID)
		if requestID == "" {
			requestID = c.GetHeader(headerXCorrelationID)
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(headerXRequestID, requestID)
		c.Next()
	}
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(RequestIDKey); exists {
		if requestID, ok := id.(string); ok {
			return requestID
		}
	}
	return ""
}
