// Пакет ratelimit — клиентский бюджет исходящих запросов к R2R.
// Одно окно фиксированной длительности на класс операций; проверка
// не блокирует вызывающего: отклонённый запрос повторяется в следующем цикле.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// Классы операций R2R.
const (
	// ClassIngestion — отправка документов и загрузка частей.
	ClassIngestion = "r2r_ingestion"
	// ClassStatus — опрос статуса задач.
	ClassStatus = "r2r_status"
	// ClassDocument — операции над документами (удаление).
	ClassDocument = "r2r_document"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_rate_limit_decisions_total",
		Help: "Решения лимитера по классам операций (allowed, denied, error)",
	}, []string{"class", "result"})

	windowRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ri_rate_limit_window_requests",
		Help: "Допущено запросов в текущем окне",
	}, []string{"class"})
)

// Config — параметры лимитера.
type Config struct {
	// Enabled — false отключает ограничение (все запросы допускаются)
	Enabled bool
	// Window — длительность окна
	Window time.Duration
	// DefaultMax — бюджет для классов без явной настройки
	DefaultMax int
	// Classes — бюджеты по классам
	Classes map[string]int
}

// Limiter — лимитер запросов к R2R.
type Limiter struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option — опция Limiter.
type Option func(*Limiter)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New создаёт лимитер поверх хранилища окон.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxFor возвращает бюджет запросов на окно для класса.
func (l *Limiter) MaxFor(class string) int {
	if n, ok := l.cfg.Classes[class]; ok {
		return n
	}
	return l.cfg.DefaultMax
}

// Window возвращает длительность окна.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// Allow сообщает, можно ли выполнить запрос класса сейчас, и учитывает его.
// Ошибка хранилища трактуется как отказ.
func (l *Limiter) Allow(ctx context.Context, class string) bool {
	if !l.cfg.Enabled {
		decisionsTotal.WithLabelValues(class, "allowed").Inc()
		return true
	}

	w, ok, err := l.store.Acquire(ctx, class, l.MaxFor(class), l.cfg.Window, l.now().UTC())
	if err != nil {
		decisionsTotal.WithLabelValues(class, "error").Inc()
		l.logger.Warn("Ошибка хранилища окон, запрос отклонён",
			slog.String("class", class),
			slog.String("error", err.Error()),
		)
		return false
	}

	windowRequests.WithLabelValues(class).Set(float64(w.RequestCount))
	if !ok {
		decisionsTotal.WithLabelValues(class, "denied").Inc()
		l.logger.Debug("Бюджет окна исчерпан",
			slog.String("class", class),
			slog.Int("requests", w.RequestCount),
			slog.Int("max", w.MaxRequests),
		)
		return false
	}
	decisionsTotal.WithLabelValues(class, "allowed").Inc()
	return true
}

// Status возвращает снимок окна класса. QueuedItems и EstimatedWaitTime
// заполняет вызывающий, которому известна очередь.
func (l *Limiter) Status(ctx context.Context, class string) model.RateLimitStatus {
	status := model.RateLimitStatus{
		OperationClass: class,
		MaxRequests:    l.MaxFor(class),
		WindowDuration: l.cfg.Window,
		Enabled:        l.cfg.Enabled,
	}
	if !l.cfg.Enabled {
		return status
	}

	w, err := l.store.Get(ctx, class)
	if err != nil {
		l.logger.Warn("Ошибка получения окна",
			slog.String("class", class),
			slog.String("error", err.Error()),
		)
		return status
	}
	if w == nil {
		return status
	}

	now := l.now().UTC()
	resetAt := w.WindowStart.Add(l.cfg.Window)
	if !now.Before(resetAt) {
		return status
	}
	status.CurrentRequests = w.RequestCount
	status.TimeUntilReset = resetAt.Sub(now)
	return status
}

// Reset сбрасывает окно класса.
func (l *Limiter) Reset(ctx context.Context, class string) error {
	if err := l.store.Reset(ctx, class); err != nil {
		return err
	}
	windowRequests.WithLabelValues(class).Set(0)
	l.logger.Info("Окно лимитера сброшено", slog.String("class", class))
	return nil
}
