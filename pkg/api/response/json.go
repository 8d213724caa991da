// Package response writes the JSON bodies of the HTTP API.
package response

import (
	"encoding/json"
	"net/http"
)

// JSON writes data with statusCode. A nil data writes headers only.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// Headers are out; an encode failure can only truncate the body.
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	JSON(w, statusCode, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}

// ErrorWithDetails writes an ErrorResponse carrying details.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]any, requestID string) {
	JSON(w, statusCode, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}
