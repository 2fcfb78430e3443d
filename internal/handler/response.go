package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"metaculus/internal/service"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail maps a service error onto the envelope. Internal errors are attached
// to the context for LogErrors and never echoed to the client.
func Fail(c *gin.Context, err error) {
	switch {
	case service.IsValidation(err):
		var meta map[string]any
		var v *service.ValidationError
		if errors.As(err, &v) && v.Field != "" {
			meta = map[string]any{"field": v.Field}
		}
		Error(c, http.StatusBadRequest, err.Error(), meta)
	case service.IsNotFound(err):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case service.IsInvariantViolation(err):
		_ = c.Error(err)
		Error(c, http.StatusInternalServerError, "internal error", map[string]any{"kind": "invariant_violation"})
	default:
		_ = c.Error(err)
		Error(c, http.StatusInternalServerError, "internal error", nil)
	}
}

// LogErrors logs the errors handlers attached to the request.
func LogErrors(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()
		for _, e := range c.Errors {
			logger.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.Error(e.Err),
			)
		}
	}
}
