// status.go — обработчики наблюдаемости очереди: статус лимитера и сводка.
package handlers

import (
	"net/http"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/events"
)

// statisticsResponse — сводка по очереди обработки.
type statisticsResponse struct {
	ByStatus         map[model.Status]int `json:"by_status"`
	Total            int                  `json:"total"`
	ActiveProcessing int                  `json:"active_processing"`
	SuccessRate      float64              `json:"success_rate"`
	CircuitOpen      bool                 `json:"circuit_open"`
	CircuitOpenUntil *time.Time           `json:"circuit_open_until,omitempty"`
	LastCycleAt      *time.Time           `json:"last_cycle_at,omitempty"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

// GetRateLimit — GET /api/v1/rate-limit. Состояние бюджета отправки в R2R.
func (h *APIHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	if userID(w, r) == "" {
		return
	}

	status, err := h.svc.RateLimitStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewRateLimitPayload(status))
}

// GetStatistics — GET /api/v1/stats.
func (h *APIHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	if userID(w, r) == "" {
		return
	}

	stats, err := h.svc.Statistics(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsResponse{
		ByStatus:         stats.ByStatus,
		Total:            stats.Total,
		ActiveProcessing: stats.ActiveProcessing,
		SuccessRate:      stats.SuccessRate(),
		CircuitOpen:      stats.CircuitOpen,
		CircuitOpenUntil: stats.CircuitOpenUntil,
		LastCycleAt:      stats.LastCycleAt,
		GeneratedAt:      stats.GeneratedAt,
	})
}
