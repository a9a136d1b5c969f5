// internal/handler/errors.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

// statusForError maps device and service errors onto HTTP status codes
func statusForError(err error) int {
	var connectErr *protocol.ConnectError
	switch {
	case errors.As(err, &connectErr):
		if connectErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrInvalidParameter), errors.Is(err, protocol.ErrInvalidUID):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrFunctionNotSupported), errors.Is(err, service.ErrJournalDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, protocol.ErrNotConnected),
		errors.Is(err, service.ErrDeviceNotReady),
		errors.Is(err, rs232.ErrDeviceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the error envelope
func respondError(c *gin.Context, logger *utils.ServiceLogger, message string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
	}
	utils.ErrorResponse(c, status, message, err)
}

// respondBindError reports a request body that failed to decode or validate
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	utils.ValidationErrorResponse(c, fields)
}
