package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	errCodeBadRequest       ErrorCode = "bad_request"
	errCodeNotFound         ErrorCode = "not_found"
	errCodeValidationFailed ErrorCode = "validation_failed"
	errCodeConflict         ErrorCode = "conflict"
	errCodeForbidden        ErrorCode = "forbidden"

	// Server errors (5xx)
	errCodeInternalError ErrorCode = "internal_error"
	errCodeUpstreamError ErrorCode = "upstream_error"
)

// errorResponse represents a standardized error response
type errorResponse struct {
	Error errorDetail `json:"error"`
}

// errorDetail contains error information
type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, statusCode int, code ErrorCode, message string, details ...string) {
	response := errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	}

	if len(details) > 0 {
		response.Error.Details = details[0]
	}

	c.JSON(statusCode, response)
}

// respondBadRequest sends a 400 Bad Request response
func respondBadRequest(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusBadRequest, errCodeBadRequest, message, details...)
}

// respondNotFound sends a 404 Not Found response
func respondNotFound(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusNotFound, errCodeNotFound, message, details...)
}

// respondValidationError sends a 400 Bad Request with validation error
func respondValidationError(c *gin.Context, details string) {
	respondWithError(c, http.StatusBadRequest, errCodeValidationFailed, "Validation failed", details)
}

// respondInternalError sends a 500 Internal Server Error response and logs the error
func respondInternalError(c *gin.Context, err error, message string, fields ...zap.Field) {
	logger.Error(err, fields...)
	respondWithError(c, http.StatusInternalServerError, errCodeInternalError, message)
}

// respondDomainError maps a mutation failure onto the right status: policy
// rejections are the client's problem, transient provider faults are a 502,
// anything else is a 500.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateProposal):
		respondWithError(c, http.StatusConflict, errCodeConflict, "A structurally identical proposal already exists", err.Error())
	case errors.Is(err, domain.ErrIneligibleProposer), errors.Is(err, domain.ErrIneligibleVoter):
		respondWithError(c, http.StatusForbidden, errCodeForbidden, "Account is not eligible for this action", err.Error())
	case errors.Is(err, domain.ErrProposalNotFound):
		respondNotFound(c, "Proposal not found", err.Error())
	case errors.Is(err, domain.ErrNotExecutable):
		respondBadRequest(c, "Vote item cannot be executed", err.Error())
	case domain.IsRetryable(err):
		logger.Error(err)
		respondWithError(c, http.StatusBadGateway, errCodeUpstreamError, "Ledger provider unavailable, try again")
	default:
		respondInternalError(c, err, "Operation failed")
	}
}
