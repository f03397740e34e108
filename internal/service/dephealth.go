// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// R2R Ingest мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical);
//     только при бэкенде очереди postgres
//   - R2R — HTTP checker к /v3/health (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения
//   - group — имя группы в метриках (RI_DEPHEALTH_GROUP)
//   - db — *sql.DB из pgxpool через stdlib.OpenDBFromPool(); nil — PostgreSQL не мониторится
//   - pgConnURL — URL PostgreSQL (для лейблов, не для подключения)
//   - r2rBaseURL — базовый URL R2R API
//   - checkInterval — интервал проверки (RI_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	r2rBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, r2rBaseURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	r2rBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, r2rBaseURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	r2rBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	// /v3/health относительно базового пути R2R (R2R может стоять за префиксом)
	r2rHealthPath := "/v3/health"
	r2rDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(r2rBaseURL),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(true),
	}
	if parsed, err := url.Parse(r2rBaseURL); err == nil {
		r2rHealthPath = strings.TrimRight(parsed.Path, "/") + r2rHealthPath
		if parsed.Scheme == "https" {
			r2rDepOpts = append(r2rDepOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
	}
	r2rDepOpts = append(r2rDepOpts, dephealth.WithHTTPHealthPath(r2rHealthPath))

	opts := make([]dephealth.Option, 0, 3+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))
	if db != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}
	opts = append(opts, dephealth.HTTP("r2r", r2rDepOpts...))
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
