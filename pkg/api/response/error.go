package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/storage"
)

// ErrorResponse is the error envelope of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeBudgetExhausted    = "PRIVACY_BUDGET_EXHAUSTED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInternalServer     = errors.New("internal server error")
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, conversation.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, conversation.ErrInvalidMessage),
		errors.Is(err, conversation.ErrInvalidRating),
		errors.Is(err, knowledge.ErrInvalidEntry),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, conversation.ErrDuplicate),
		errors.Is(err, conversation.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, learning.ErrBudgetExhausted):
		return http.StatusForbidden
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns the error code for status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes err with the status and code it maps to. Internal
// errors are not echoed to the client.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	code := ErrorCodeFromStatus(status)
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, learning.ErrBudgetExhausted):
		code = ErrCodeBudgetExhausted
	case errors.As(err, &verrs):
		ErrorWithDetails(w, status, ErrCodeValidationFailed, "validation failed", validationDetails(verrs), requestID)
		return
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	Error(w, status, code, msg, requestID)
}

func validationDetails(verrs validator.ValidationErrors) map[string]any {
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]any{"fields": fields}
}
