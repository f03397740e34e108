package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusAccepted, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusTooManyRequests, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))

			var entry struct {
				Level  string `json:"level"`
				Path   string `json:"path"`
				Status int    `json:"status"`
				Bytes  int64  `json:"bytes"`
			}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("запись лога не JSON: %v (%q)", err, buf.String())
			}
			if entry.Level != tt.level || entry.Status != tt.status {
				t.Errorf("level=%s status=%d, ожидалось %s и %d", entry.Level, entry.Status, tt.level, tt.status)
			}
			if entry.Path != "/api/v1/queue" || entry.Bytes != 4 {
				t.Errorf("path=%s bytes=%d", entry.Path, entry.Bytes)
			}
		})
	}
}

func TestResponseWriter_UnwrapForFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	if err := http.NewResponseController(rw).Flush(); err != nil {
		t.Fatalf("Flush() через обёртку: %v", err)
	}
	if !rec.Flushed {
		t.Error("исходный writer не получил Flush")
	}
}
