// internal/utils/response.go
package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/artledger/provenance-backend/internal/models"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
}

func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success: true,
		Data:    data,
	})
}

func ErrorResponse(c *gin.Context, statusCode int, code, message string, retryable bool, details interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
	})
}

func BadRequestResponse(c *gin.Context, message string, details interface{}) {
	ErrorResponse(c, http.StatusBadRequest, "BAD_REQUEST", message, false, details)
}

func NotFoundResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusNotFound, "NOT_FOUND", message, false, nil)
}

func InternalErrorResponse(c *gin.Context, message string) {
	if message == "" {
		message = "Internal server error"
	}
	ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, false, nil)
}

func ValidationErrorResponse(c *gin.Context, errors []ValidationError) {
	ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid input", false, errors)
}

// PipelineErrorResponse maps a pipeline failure onto the envelope,
// carrying the kind and the terminal/retryable classification so the
// dashboard can decide whether to offer a "try again" action.
func PipelineErrorResponse(c *gin.Context, err error) {
	var pe *models.PipelineError
	if !errors.As(err, &pe) {
		InternalErrorResponse(c, err.Error())
		return
	}

	status := http.StatusBadGateway
	switch pe.Kind {
	case models.ErrKindInsufficientFunds, models.ErrKindUserRejected:
		status = http.StatusPaymentRequired
	case models.ErrKindDigestMismatch, models.ErrKindSimulationFailed, models.ErrKindReverted:
		status = http.StatusUnprocessableEntity
	case models.ErrKindStoreUnavailable, models.ErrKindContentUnreachable, models.ErrKindTransientSubmission:
		status = http.StatusBadGateway
	case models.ErrKindIdentifierNotFound:
		status = http.StatusAccepted // the chain effect happened; only resolution failed
	}

	ErrorResponse(c, status, string(pe.Kind), pe.Error(), pe.Retryable, gin.H{
		"step":   pe.Step,
		"detail": pe.Detail,
	})
}
