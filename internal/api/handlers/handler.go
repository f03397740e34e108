// Пакет handlers — HTTP-обработчики R2R Ingest.
// handler.go — основной обработчик API: маршруты, общие хелперы ответа
// и сопоставление ошибок сервисного слоя HTTP-статусам.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/r2r-ingest/internal/api/errors"
	"github.com/bigkaa/r2r-ingest/internal/api/middleware"
	"github.com/bigkaa/r2r-ingest/internal/events"
	"github.com/bigkaa/r2r-ingest/internal/service"
)

// Config — параметры обработчиков.
type Config struct {
	// ReplayDelay — пауза между повторно доставляемыми событиями
	ReplayDelay time.Duration
	// HeartbeatInterval — интервал heartbeat-комментариев SSE
	HeartbeatInterval time.Duration
	// WaitPollInterval — интервал опроса элемента в /wait
	WaitPollInterval time.Duration
	// DefaultWait — ожидание /wait без параметра timeout
	DefaultWait time.Duration
	// MaxWait — верхняя граница ожидания /wait
	MaxWait time.Duration
}

// APIHandler — основной обработчик API R2R Ingest.
type APIHandler struct {
	svc    *service.ProcessingService
	hub    *events.Hub
	health *HealthHandler
	cfg    Config
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	svc *service.ProcessingService,
	hub *events.Hub,
	health *HealthHandler,
	cfg Config,
	logger *slog.Logger,
) *APIHandler {
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 500 * time.Millisecond
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = 30 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &APIHandler{
		svc:    svc,
		hub:    hub,
		health: health,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Register регистрирует маршруты API в роутере.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/queue", h.EnqueueFile)
		r.Get("/queue", h.ListQueue)
		r.Get("/queue/history", h.QueueHistory)
		r.Get("/queue/{id}", h.GetQueueItem)
		r.Get("/queue/{id}/wait", h.WaitQueueItem)
		r.Post("/queue/{id}/retry", h.RetryQueueItem)
		r.Post("/queue/{id}/cancel", h.CancelQueueItem)
		r.Delete("/queue/{id}/document", h.DeleteDocument)
		r.Post("/sessions/{sessionID}/retry-failed", h.RetryFailedSession)

		r.Get("/rate-limit", h.GetRateLimit)
		r.Get("/stats", h.GetStatistics)
		r.Get("/events", h.StreamEvents)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// userID возвращает sub аутентифицированного пользователя.
// Пустая строка — запрос без claims, ответ 401 уже записан.
func userID(w http.ResponseWriter, r *http.Request) string {
	sub := middleware.SubjectFromContext(r.Context())
	if sub == "" {
		apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
	}
	return sub
}

// writeServiceError сопоставляет ошибку сервиса HTTP-ответу.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Элемент очереди не найден")
	case errors.Is(err, service.ErrInvalidState):
		apierrors.InvalidState(w, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		apierrors.RateLimited(w, "Бюджет запросов к R2R исчерпан, повторите позже")
	case errors.Is(err, service.ErrUpstream):
		apierrors.R2RUnavailable(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// paginationDefaults разбирает limit и offset из query.
// limit — 1..1000 (по умолчанию 100), offset — не меньше 0.
func paginationDefaults(r *http.Request) (limit, offset int, err error) {
	limit, offset = 100, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("limit должен быть целым числом")
		}
		limit = min(max(limit, 1), 1000)
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("offset должен быть целым числом")
		}
		offset = max(offset, 0)
	}
	return limit, offset, nil
}
