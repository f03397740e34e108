// worker.go — фоновый воркер очереди обработки.
//
// Один цикл:
//  1. Выборка неконечных элементов в порядке отправки (priority DESC, created_at ASC)
//  2. Разделение на просроченные в processing, готовые к отправке
//     и ожидающие завершения задачи R2R
//  3. Возврат просроченных элементов в повтор (ExpireStale)
//  4. Отправка до maxConcurrent готовых элементов параллельно (семафор)
//  5. Параллельный опрос статуса всех ожидающих элементов
//  6. Рассылка статуса лимитера (R2RStatusUpdate)
//
// Пауза между циклами: activeInterval, если очередь не пуста, иначе idleInterval;
// после ошибки цикла — errorCooldown.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/repository"
)

// Prometheus метрики воркера
var (
	workerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_worker_cycles_total",
		Help: "Циклы воркера по результату (ok, error)",
	}, []string{"result"})

	workerCycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ri_worker_cycle_duration_seconds",
		Help:    "Длительность цикла воркера",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	workerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ri_worker_queue_depth",
		Help: "Неконечные элементы очереди на момент цикла (stale, ready, in_flight, waiting)",
	}, []string{"state"})

	workerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ri_worker_item_panics_total",
		Help: "Паники при обработке отдельных элементов",
	})
)

// WorkerConfig — параметры воркера.
type WorkerConfig struct {
	// MaxConcurrent — максимум элементов, отправляемых за цикл
	MaxConcurrent int
	// ActiveInterval — пауза, если очередь не пуста
	ActiveInterval time.Duration
	// IdleInterval — пауза, если очередь пуста
	IdleInterval time.Duration
	// ErrorCooldown — пауза после ошибки цикла
	ErrorCooldown time.Duration
}

// CycleResult — результат одного цикла воркера.
type CycleResult struct {
	// Active — неконечные элементы в очереди
	Active int
	// Ready — готовые к отправке
	Ready int
	// InFlight — ожидающие завершения задачи R2R
	InFlight int
	// Stale — пробывшие в processing дольше ProcessingTimeout
	Stale int
	// Expired — просроченные элементы, возвращённые в повтор или завершённые ошибкой
	Expired int
	// Dispatched — отправлено в этом цикле (без отложенных и пропущенных)
	Dispatched int
	// Polled — опрошено задач
	Polled int
	// Duration — длительность цикла
	Duration time.Duration
}

// Worker — фоновый воркер очереди обработки.
type Worker struct {
	svc    *ProcessingService
	queue  repository.QueueRepository
	cfg    WorkerConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker создаёт воркер.
func NewWorker(svc *ProcessingService, queue repository.QueueRepository, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Worker{
		svc:    svc,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "worker")),
	}
}

// Start запускает фоновую горутину воркера.
// Вызывается один раз при старте приложения.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Воркер очереди обработки запущен",
			slog.Int("max_concurrent", w.cfg.MaxConcurrent),
			slog.String("active_interval", w.cfg.ActiveInterval.String()),
			slog.String("idle_interval", w.cfg.IdleInterval.String()),
		)

		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Воркер очереди обработки остановлен")
				return
			case <-timer.C:
			}

			wait := w.cfg.IdleInterval
			result, err := w.RunCycle(ctx)
			switch {
			case err != nil:
				w.logger.Error("Ошибка цикла воркера, пауза перед следующим циклом",
					slog.String("error", err.Error()),
					slog.Duration("cooldown", w.cfg.ErrorCooldown),
				)
				wait = w.cfg.ErrorCooldown
			case result.Active > 0:
				wait = w.cfg.ActiveInterval
			}
			timer.Reset(wait)
		}
	}()
}

// Stop останавливает воркер и ждёт завершения текущего цикла.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// RunCycle выполняет один цикл воркера. Ошибка возвращается только при
// недоступности очереди; ошибки отдельных элементов сохраняются в элементах.
// Начатая обработка элементов не прерывается отменой ctx.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	items, err := w.queue.ListActive(ctx, "")
	if err != nil {
		workerCyclesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("получение очереди: %w", err)
	}

	now := w.svc.now().UTC()
	var stale, ready, inFlight []*model.QueueItem
	for _, item := range items {
		switch {
		case item.Stale(now, w.svc.cfg.ProcessingTimeout):
			stale = append(stale, item)
		case item.Ready(now):
			ready = append(ready, item)
		case item.InFlight():
			inFlight = append(inFlight, item)
		}
	}
	if len(ready) > w.cfg.MaxConcurrent {
		ready = ready[:w.cfg.MaxConcurrent]
	}

	workerQueueDepth.WithLabelValues("stale").Set(float64(len(stale)))
	workerQueueDepth.WithLabelValues("ready").Set(float64(len(ready)))
	workerQueueDepth.WithLabelValues("in_flight").Set(float64(len(inFlight)))
	workerQueueDepth.WithLabelValues("waiting").Set(float64(len(items) - len(stale) - len(ready) - len(inFlight)))

	result := &CycleResult{
		Active:   len(items),
		Ready:    len(ready),
		InFlight: len(inFlight),
		Stale:    len(stale),
	}

	// Обработка элемента доводится до конца даже при остановке воркера
	itemCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var errs []error

	w.fanOut(stale, func(item *model.QueueItem) {
		outcome, err := w.svc.ExpireStale(itemCtx, item)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("таймаут %s: %w", item.ID, err))
			return
		}
		if outcome == OutcomeRetrying || outcome == OutcomeFailed {
			result.Expired++
		}
	})

	w.fanOut(ready, func(item *model.QueueItem) {
		outcome, err := w.svc.ProcessDocument(itemCtx, item)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("элемент %s: %w", item.ID, err))
			return
		}
		if outcome != OutcomeDeferred && outcome != OutcomeSkipped {
			result.Dispatched++
		}
	})

	w.fanOut(inFlight, func(item *model.QueueItem) {
		outcome, err := w.svc.CheckStatusAndUpdate(itemCtx, item)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("опрос %s: %w", item.ID, err))
			return
		}
		if outcome != OutcomeDeferred && outcome != OutcomeSkipped {
			result.Polled++
		}
	})

	for _, itemErr := range errs {
		w.logger.Warn("Ошибка обработки элемента", slog.String("error", itemErr.Error()))
	}

	if len(items) > 0 {
		w.svc.PublishRateLimitStatus(itemCtx)
	}

	result.Duration = time.Since(start)
	w.svc.markCycle(time.Now().UTC())
	workerCyclesTotal.WithLabelValues("ok").Inc()
	workerCycleDurationSeconds.Observe(result.Duration.Seconds())

	if result.Dispatched > 0 || result.Polled > 0 || result.Expired > 0 {
		w.logger.Debug("Цикл воркера завершён",
			slog.Int("active", result.Active),
			slog.Int("expired", result.Expired),
			slog.Int("dispatched", result.Dispatched),
			slog.Int("polled", result.Polled),
			slog.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

// fanOut выполняет fn для каждого элемента параллельно, не больше
// MaxConcurrent одновременно, и ждёт завершения всех.
// Паника одного элемента не затрагивает остальные.
func (w *Worker) fanOut(items []*model.QueueItem, fn func(*model.QueueItem)) {
	sem := make(chan struct{}, w.cfg.MaxConcurrent)

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *model.QueueItem) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if r := recover(); r != nil {
					workerPanicsTotal.Inc()
					w.logger.Error("Паника при обработке элемента",
						slog.String("item_id", item.ID),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()

			fn(item)
		}(item)
	}
	wg.Wait()
}
