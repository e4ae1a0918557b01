package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabmesh/pkg/protocol"
)

// ContextRequestIDKey is where RequestIDMiddleware stores the request id.
const ContextRequestIDKey = "request_id"

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateRoomName applies the client's room name rules. Names must already
// be normalized.
func ValidateRoomName(name string) error {
	normalized, err := protocol.NormalizeName(name)
	switch {
	case errors.Is(err, protocol.ErrEmptyName):
		return &ValidationError{Field: "room", Message: "room is required"}
	case errors.Is(err, protocol.ErrNameTooLong):
		return &ValidationError{Field: "room", Message: "room exceeds maximum length"}
	case err != nil:
		return &ValidationError{Field: "room", Message: "room contains invalid characters"}
	case normalized != name:
		return &ValidationError{Field: "room", Message: "room has surrounding whitespace"}
	}
	return nil
}

// RoomParamMiddleware rejects requests whose :room parameter is invalid.
func RoomParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ValidateRoomName(c.Param("room")); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err})
			return
		}
		c.Next()
	}
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
