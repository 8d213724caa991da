package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yyd/aurora/pkg/logger"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "WARN"},
		{name: "server error", status: http.StatusBadGateway, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewJSONHandler(&buf, nil))

			var ctxLogger *slog.Logger
			h := RequestID()(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxLogger = logger.FromContext(r.Context())
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
			req.Header.Set(RequestIDHeader, "req-7")
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["status"] != float64(tt.status) || entry["size"] != float64(4) {
				t.Errorf("entry = %v", entry)
			}
			if entry["request_id"] != "req-7" || entry["path"] != "/api/v1/messages" {
				t.Errorf("entry = %v", entry)
			}
			if ctxLogger == nil {
				t.Error("handler context has no logger")
			}
		})
	}
}
