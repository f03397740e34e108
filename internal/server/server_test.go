package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/r2r-ingest/internal/config"
)

type routes struct{}

func (routes) Register(r chi.Router) {
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/api/v1/queue", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

// denyAll — middleware, отклоняющий любой запрос.
func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func TestJWTAuthWithExclusions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{Port: 8010, ShutdownTimeout: time.Second}
	srv := New(cfg, logger, routes{}, JWTAuthWithExclusions(denyAll, "/health/", "/metrics"))

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/api/v1/queue", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: статус %d, ожидался %d", tt.path, rec.Code, tt.want)
		}
	}
}
