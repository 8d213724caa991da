package response

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/storage"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       any
		wantBody   string
	}{
		{name: "ok", statusCode: http.StatusOK, data: map[string]string{"reply": "hi"}, wantBody: `{"reply":"hi"}`},
		{name: "created", statusCode: http.StatusCreated, data: map[string]int{"count": 2}, wantBody: `{"count":2}`},
		{name: "no content", statusCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			JSON(w, tt.statusCode, tt.data)

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
			if tt.data == nil {
				if w.Body.Len() != 0 {
					t.Errorf("body = %q, want empty", w.Body.String())
				}
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got, want any
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal body: %v", err)
			}
			_ = json.Unmarshal([]byte(tt.wantBody), &want)
			g, _ := json.Marshal(got)
			wb, _ := json.Marshal(want)
			if string(g) != string(wb) {
				t.Errorf("body = %s, want %s", g, wb)
			}
		})
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, ErrCodeNotFound, "session not found", "req-1")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != ErrCodeNotFound || resp.Error.Message != "session not found" || resp.Error.RequestID != "req-1" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	type sample struct {
		Name string `validate:"required"`
	}
	verr := validator.New().Struct(sample{})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing record", fmt.Errorf("get session: %w", storage.ErrNotFound), http.StatusNotFound},
		{"missing dead letter", conversation.ErrDeadLetterNotFound, http.StatusNotFound},
		{"invalid message", fmt.Errorf("%w: text", conversation.ErrInvalidMessage), http.StatusBadRequest},
		{"invalid rating", conversation.ErrInvalidRating, http.StatusBadRequest},
		{"invalid entry", knowledge.ErrInvalidEntry, http.StatusBadRequest},
		{"validator errors", verr, http.StatusBadRequest},
		{"version conflict", storage.ErrConflict, http.StatusConflict},
		{"duplicate", conversation.ErrDuplicate, http.StatusConflict},
		{"archived session", conversation.ErrSessionClosed, http.StatusConflict},
		{"budget exhausted", learning.ErrBudgetExhausted, http.StatusForbidden},
		{"unavailable", ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", ErrInternalServer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("HTTPStatusFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeFromStatus(t *testing.T) {
	tests := map[int]string{
		http.StatusBadRequest:         ErrCodeBadRequest,
		http.StatusNotFound:           ErrCodeNotFound,
		http.StatusConflict:           ErrCodeConflict,
		http.StatusTooManyRequests:    ErrCodeRateLimited,
		http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
		999:                           ErrCodeInternalServer,
	}
	for status, want := range tests {
		if got := ErrorCodeFromStatus(status); got != want {
			t.Errorf("ErrorCodeFromStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestHandleError(t *testing.T) {
	t.Run("budget", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleError(w, learning.ErrBudgetExhausted, "r")
		var resp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if w.Code != http.StatusForbidden || resp.Error.Code != ErrCodeBudgetExhausted {
			t.Errorf("got %d %s", w.Code, resp.Error.Code)
		}
	})

	t.Run("internal message hidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleError(w, fmt.Errorf("badger: disk on fire"), "r")
		var resp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Error.Message != "Internal Server Error" {
			t.Errorf("message = %q", resp.Error.Message)
		}
	})

	t.Run("validation details", func(t *testing.T) {
		type req struct {
			Rating int `validate:"min=1"`
		}
		w := httptest.NewRecorder()
		HandleError(w, validator.New().Struct(req{}), "r")
		var resp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Error.Code != ErrCodeValidationFailed {
			t.Fatalf("code = %s", resp.Error.Code)
		}
		fields, _ := resp.Error.Details["fields"].(map[string]any)
		if fields["Rating"] != "min" {
			t.Errorf("details = %v", resp.Error.Details)
		}
	})
}
