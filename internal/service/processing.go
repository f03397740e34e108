// processing.go — сервис обработки документов: постановка в очередь,
// отправка в R2R, опрос статуса задач, повторы и ручные операции над очередью.
//
// Жизненный цикл элемента:
//
//	queued → processing (отправлен, task_id + pending_ document id) → completed
//	queued → processing → retrying → processing ... → failed
//	любой неконечный → cancelled
//
// Ошибки отдельных элементов не возвращаются вызывающему: они сохраняются
// в элементе (last_error, error_category) и публикуются событиями.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/events"
	"github.com/bigkaa/r2r-ingest/internal/r2rclient"
	"github.com/bigkaa/r2r-ingest/internal/ratelimit"
	"github.com/bigkaa/r2r-ingest/internal/repository"
	"github.com/bigkaa/r2r-ingest/internal/storage"
)

// Prometheus метрики обработки
var (
	itemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_items_processed_total",
		Help: "Результаты обработки элементов очереди",
	}, []string{"outcome"})

	itemRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_item_retries_total",
		Help: "Запланированные повторы по категориям ошибок",
	}, []string{"category"})

	itemFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_item_failures_total",
		Help: "Элементы, завершившиеся ошибкой, по категориям",
	}, []string{"category"})

	statusPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_status_polls_total",
		Help: "Опросы статуса задач R2R по результату",
	}, []string{"result"})

	authEscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ri_auth_escalations_total",
		Help: "Ошибки авторизации R2R, требующие вмешательства оператора",
	})

	itemsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_items_expired_total",
		Help: "Элементы, снятые с обработки по таймауту, по этапу",
	}, []string{"stage"})

	circuitOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ri_circuit_breaker_opened_total",
		Help: "Сколько раз открывался circuit breaker R2R",
	})

	submitDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ri_r2r_submit_duration_seconds",
		Help:    "Длительность отправки документа в R2R",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Ключи metadata элемента, которые ведёт сервис.
const (
	metaUploadID            = "r2r_upload_id"
	metaChunksDone          = "r2r_chunks_done"
	metaChunksTotal         = "r2r_chunks_total"
	metaSubmittedDocumentID = "r2r_submitted_document_id"
	metaDeletedAt           = "r2r_deleted_at"
)

// Outcome — результат одной операции над элементом очереди.
type Outcome string

// Результаты обработки.
const (
	// OutcomeSubmitted — документ принят R2R, ожидается завершение задачи.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeCompleted — документ проиндексирован.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetrying — запланирован повтор.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeFailed — элемент завершился ошибкой.
	OutcomeFailed Outcome = "failed"
	// OutcomeRunning — задача R2R ещё выполняется.
	OutcomeRunning Outcome = "running"
	// OutcomeDeferred — отложено лимитером или circuit breaker.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped — элемент не готов или изменён параллельно.
	OutcomeSkipped Outcome = "skipped"
)

// R2RClient — операции R2R, используемые сервисом обработки.
type R2RClient interface {
	Ingest(ctx context.Context, req r2rclient.IngestRequest, file io.Reader) (*r2rclient.IngestResponse, error)
	IngestChunked(ctx context.Context, req r2rclient.IngestRequest, file io.ReadSeeker, chunkSize int64,
		progress *r2rclient.ChunkProgress, onChunk func(r2rclient.ChunkProgress) error) (*r2rclient.IngestResponse, error)
	TaskStatus(ctx context.Context, taskID string) (*r2rclient.TaskStatus, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// EventPublisher — получатель push-событий.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// ProcessingConfig — параметры обработки.
type ProcessingConfig struct {
	// MaxRetries — максимум повторов по умолчанию
	MaxRetries int
	// RetryBaseDelay — базовая задержка backoff по умолчанию
	RetryBaseDelay time.Duration
	// ChunkSize — размер части chunked-загрузки
	ChunkSize int64
	// LargeFileThreshold — файлы больше порога загружаются частями
	LargeFileThreshold int64
	// CircuitBreakerThreshold — подряд идущих сбоев R2R до открытия (0 — выключен)
	CircuitBreakerThreshold int
	// CircuitBreakerOpenDuration — на сколько откладывается отправка
	CircuitBreakerOpenDuration time.Duration
	// ProcessingTimeout — предельное время в processing с момента захвата (0 — без ограничения)
	ProcessingTimeout time.Duration
}

// ProcessingService — сервис обработки документов R2R.
type ProcessingService struct {
	queue   repository.QueueRepository
	r2r     R2RClient
	files   storage.FileSource
	limiter *ratelimit.Limiter
	events  EventPublisher
	cfg     ProcessingConfig
	breaker *circuitBreaker
	now     func() time.Time
	logger  *slog.Logger

	cycleMu     sync.Mutex
	lastCycleAt *time.Time
}

// Option — опция ProcessingService.
type Option func(*ProcessingService)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *ProcessingService) { s.now = now }
}

// NewProcessingService создаёт сервис обработки. publisher может быть nil.
func NewProcessingService(
	queue repository.QueueRepository,
	r2r R2RClient,
	files storage.FileSource,
	limiter *ratelimit.Limiter,
	publisher EventPublisher,
	cfg ProcessingConfig,
	logger *slog.Logger,
	opts ...Option,
) *ProcessingService {
	s := &ProcessingService{
		queue:   queue,
		r2r:     r2r,
		files:   files,
		limiter: limiter,
		events:  publisher,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerOpenDuration),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "processing")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueRequest — параметры постановки файла в очередь.
type EnqueueRequest struct {
	UserID           string
	DocumentID       string
	FileID           string
	CompanyID        *string
	CollectionID     *string
	SessionID        *string
	FileName         string
	OriginalFileName string
	StoragePath      string
	FileSize         int64
	ContentType      string
	Checksum         string
	UploadedAt       time.Time
	Priority         model.Priority
	// MaxRetries — nil означает значение по умолчанию
	MaxRetries *int
	// RetryDelay — 0 означает значение по умолчанию
	RetryDelay time.Duration
	Metadata   map[string]string
	Options    model.ProcessingOptions
}

// validate проверяет параметры постановки в очередь.
func (r *EnqueueRequest) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: не указан пользователь", ErrValidation)
	case strings.TrimSpace(r.FileName) == "":
		return fmt.Errorf("%w: не указано имя файла", ErrValidation)
	case r.StoragePath == "":
		return fmt.Errorf("%w: не указан путь к файлу", ErrValidation)
	case r.FileSize <= 0:
		return fmt.Errorf("%w: размер файла должен быть больше 0", ErrValidation)
	case !r.Priority.Valid():
		return fmt.Errorf("%w: недопустимый приоритет %d", ErrValidation, r.Priority)
	case r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > 10):
		return fmt.Errorf("%w: max_retries должен быть в диапазоне 0-10", ErrValidation)
	case r.RetryDelay < 0:
		return fmt.Errorf("%w: retry_delay не может быть отрицательным", ErrValidation)
	}
	return nil
}

// Enqueue ставит загруженный файл в очередь обработки R2R.
func (s *ProcessingService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.QueueItem, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	item := &model.QueueItem{
		ID:               uuid.NewString(),
		DocumentID:       req.DocumentID,
		FileID:           req.FileID,
		UserID:           req.UserID,
		CompanyID:        req.CompanyID,
		CollectionID:     req.CollectionID,
		SessionID:        req.SessionID,
		FileName:         req.FileName,
		OriginalFileName: req.OriginalFileName,
		StoragePath:      req.StoragePath,
		FileSize:         req.FileSize,
		ContentType:      req.ContentType,
		Checksum:         req.Checksum,
		UploadedAt:       req.UploadedAt,
		Priority:         req.Priority,
		Status:           model.StatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
		MaxRetries:       s.cfg.MaxRetries,
		RetryDelay:       s.cfg.RetryBaseDelay,
		ErrorCategory:    model.ErrorNone,
		Metadata:         make(map[string]string, len(req.Metadata)),
		Options:          req.Options,
	}
	if item.DocumentID == "" {
		item.DocumentID = uuid.NewString()
	}
	if item.FileID == "" {
		item.FileID = item.ID
	}
	if item.OriginalFileName == "" {
		item.OriginalFileName = item.FileName
	}
	if item.UploadedAt.IsZero() {
		item.UploadedAt = now
	}
	if req.MaxRetries != nil {
		item.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelay > 0 {
		item.RetryDelay = req.RetryDelay
	}
	for k, v := range req.Metadata {
		item.Metadata[k] = v
	}

	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("постановка в очередь: %w", err)
	}

	s.logger.Info("Файл поставлен в очередь обработки",
		slog.String("item_id", item.ID),
		slog.String("user_id", item.UserID),
		slog.String("file_name", item.FileName),
		slog.Int64("file_size", item.FileSize),
		slog.String("priority", item.Priority.String()),
	)

	s.emitItem(ctx, item)
	s.emitUploadProgress(ctx, item, 0, "Файл поставлен в очередь обработки R2R")
	return item, nil
}

// ProcessDocument отправляет готовый элемент в R2R.
// Порядок: circuit breaker → захват → бюджет r2r_ingestion → отправка →
// сохранение результата → события. Бюджет расходуется только захваченным
// элементом; при отказе лимитера захват снимается.
// Ошибка возвращается только при сбое хранилища очереди.
func (s *ProcessingService) ProcessDocument(ctx context.Context, item *model.QueueItem) (Outcome, error) {
	now := s.now().UTC()
	if !item.Ready(now) {
		return OutcomeSkipped, nil
	}
	if !s.breaker.Allow(now) {
		itemsProcessedTotal.WithLabelValues(string(OutcomeDeferred)).Inc()
		return OutcomeDeferred, nil
	}

	claimed, err := s.queue.Claim(ctx, item.ID, now)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("захват элемента %s: %w", item.ID, err)
	}

	if !s.limiter.Allow(ctx, ratelimit.ClassIngestion) {
		s.releaseClaim(ctx, claimed, item)
		itemsProcessedTotal.WithLabelValues(string(OutcomeDeferred)).Inc()
		s.logger.Debug("Отправка отложена лимитером", slog.String("item_id", item.ID))
		return OutcomeDeferred, nil
	}
	s.emitUploadProgress(ctx, claimed, 10, "Отправка документа в R2R")

	start := time.Now()
	resp, submitErr := s.submit(ctx, claimed)
	submitDurationSeconds.Observe(time.Since(start).Seconds())

	if errors.Is(submitErr, repository.ErrConflict) {
		s.logger.Info("Элемент изменён во время загрузки, отправка прервана",
			slog.String("item_id", claimed.ID),
		)
		return OutcomeSkipped, nil
	}

	now = s.now().UTC()
	var outcome Outcome
	if submitErr != nil {
		outcome = s.applyFailure(claimed, submitErr, now)
	} else {
		outcome = s.applySubmitted(claimed, resp, now)
	}

	if err := s.queue.Update(ctx, claimed); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Info("Элемент изменён во время отправки, результат не сохранён",
				slog.String("item_id", claimed.ID),
				slog.String("outcome", string(outcome)),
			)
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("сохранение элемента %s: %w", claimed.ID, err)
	}

	itemsProcessedTotal.WithLabelValues(string(outcome)).Inc()
	s.emitOutcome(ctx, claimed, outcome)
	return outcome, nil
}

// releaseClaim возвращает захваченному элементу статус до захвата.
// Ошибка сохранения только логируется: такой элемент позже снимет ExpireStale.
func (s *ProcessingService) releaseClaim(ctx context.Context, claimed, previous *model.QueueItem) {
	claimed.Status = previous.Status
	claimed.StartedAt = nil
	if previous.StartedAt != nil {
		started := *previous.StartedAt
		claimed.StartedAt = &started
	}
	if err := s.queue.Update(ctx, claimed); err != nil {
		s.logger.Warn("Не удалось снять захват элемента",
			slog.String("item_id", claimed.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ExpireStale снимает элемент, пробывший в processing дольше ProcessingTimeout:
// оборванную отправку (нет task_id) или задачу R2R без результата.
// Элемент проходит правило повтора с transient-ошибкой и сохраняется
// с проверкой версии. Не просроченный элемент пропускается.
func (s *ProcessingService) ExpireStale(ctx context.Context, item *model.QueueItem) (Outcome, error) {
	if !item.Stale(s.now().UTC(), s.cfg.ProcessingTimeout) {
		return OutcomeSkipped, nil
	}

	stage := "submit"
	if item.InFlight() {
		stage = "task"
	}
	s.logger.Warn("Превышено время обработки элемента",
		slog.String("item_id", item.ID),
		slog.String("stage", stage),
		slog.Duration("timeout", s.cfg.ProcessingTimeout),
	)

	outcome, err := s.finishPoll(ctx, item, func(it *model.QueueItem, now time.Time) Outcome {
		if stage == "task" {
			return s.applyFailure(it, fmt.Errorf("%w: задача R2R %s не завершилась", errProcessingTimeout, *it.R2RTaskID), now)
		}
		return s.applyFailure(it, fmt.Errorf("%w: отправка в R2R не завершилась", errProcessingTimeout), now)
	})
	if err == nil && outcome != OutcomeSkipped {
		itemsExpiredTotal.WithLabelValues(stage).Inc()
	}
	return outcome, err
}

// CheckStatusAndUpdate опрашивает задачу R2R элемента в статусе processing.
// Завершённая задача фиксирует итоговый document id, неудачная применяет
// правило повтора, выполняющаяся публикует только R2RProgressUpdate.
// Задача, не завершившаяся за ProcessingTimeout, снимается через ExpireStale.
// Для элемента, который не ожидает задачу, вызов ничего не делает.
// При успешном сохранении item обновляется на месте.
func (s *ProcessingService) CheckStatusAndUpdate(ctx context.Context, item *model.QueueItem) (Outcome, error) {
	if !item.InFlight() {
		return OutcomeSkipped, nil
	}
	if item.Stale(s.now().UTC(), s.cfg.ProcessingTimeout) {
		return s.ExpireStale(ctx, item)
	}
	if !s.limiter.Allow(ctx, ratelimit.ClassStatus) {
		statusPollsTotal.WithLabelValues("deferred").Inc()
		return OutcomeDeferred, nil
	}

	taskID := *item.R2RTaskID
	st, err := s.r2r.TaskStatus(ctx, taskID)
	if err != nil {
		category, _ := Classify(err)
		if category.Retryable() {
			statusPollsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Ошибка опроса статуса задачи R2R",
				slog.String("item_id", item.ID),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			return OutcomeDeferred, nil
		}
		statusPollsTotal.WithLabelValues("rejected").Inc()
		return s.finishPoll(ctx, item, func(it *model.QueueItem, now time.Time) Outcome {
			return s.applyFailure(it, err, now)
		})
	}

	switch strings.ToLower(st.Status) {
	case r2rclient.TaskCompleted, "success":
		statusPollsTotal.WithLabelValues("completed").Inc()
		return s.finishPoll(ctx, item, func(it *model.QueueItem, now time.Time) Outcome {
			docID := st.DocumentID
			if docID == "" {
				docID = it.Metadata[metaSubmittedDocumentID]
			}
			if docID == "" {
				return s.applyFailure(it, errors.New("R2R завершил задачу без document_id"), now)
			}
			s.complete(it, docID, now)
			return OutcomeCompleted
		})

	case r2rclient.TaskFailed:
		statusPollsTotal.WithLabelValues("failed").Inc()
		return s.finishPoll(ctx, item, func(it *model.QueueItem, now time.Time) Outcome {
			return s.applyFailure(it, fmt.Errorf("%w: %s: %s", errTaskFailed, taskID, st.Error), now)
		})

	default:
		statusPollsTotal.WithLabelValues("running").Inc()
		s.emit(ctx, events.TypeR2RProgressUpdate, item.UserID, events.ProgressUpdatePayload{
			QueueItemID: item.ID,
			DocumentID:  item.DocumentID,
			TaskID:      taskID,
			TaskStatus:  st.Status,
			Progress:    st.Progress,
		})
		return OutcomeRunning, nil
	}
}

// finishPoll применяет результат опроса к копии элемента и сохраняет её.
// Проигранная гонка (элемент уже изменён) — OutcomeSkipped без событий.
func (s *ProcessingService) finishPoll(ctx context.Context, item *model.QueueItem,
	apply func(*model.QueueItem, time.Time) Outcome) (Outcome, error) {
	updated := item.Clone()
	outcome := apply(updated, s.now().UTC())

	if err := s.queue.Update(ctx, updated); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("сохранение результата опроса %s: %w", item.ID, err)
	}
	*item = *updated

	itemsProcessedTotal.WithLabelValues(string(outcome)).Inc()
	s.emitOutcome(ctx, item, outcome)
	return outcome, nil
}

// submit открывает файл и отправляет его в R2R целиком или частями.
func (s *ProcessingService) submit(ctx context.Context, item *model.QueueItem) (*r2rclient.IngestResponse, error) {
	file, err := s.files.Open(ctx, item.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("исходный файл недоступен: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", errSource, err)
	}
	defer file.Close()

	req := buildIngestRequest(item)

	if s.cfg.LargeFileThreshold > 0 && item.FileSize > s.cfg.LargeFileThreshold {
		progress := chunkProgressFromMetadata(item.Metadata)
		if progress != nil {
			s.logger.Info("Продолжение chunked-загрузки",
				slog.String("item_id", item.ID),
				slog.String("upload_id", progress.UploadID),
				slog.Int("chunks_done", progress.ChunksDone),
				slog.Int("chunks_total", progress.TotalChunks),
			)
		}
		return s.r2r.IngestChunked(ctx, req, file, s.cfg.ChunkSize, progress, func(p r2rclient.ChunkProgress) error {
			storeChunkProgress(item, p)
			if err := s.queue.Update(ctx, item); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return err
				}
				return fmt.Errorf("%w: %w", errProgress, err)
			}
			if p.TotalChunks > 0 {
				// 10-90% — загрузка частей, остаток — индексация в R2R
				percent := 10 + 80*p.ChunksDone/p.TotalChunks
				s.emitUploadProgress(ctx, item, percent,
					fmt.Sprintf("Загружено частей: %d из %d", p.ChunksDone, p.TotalChunks))
			}
			return nil
		})
	}

	return s.r2r.Ingest(ctx, req, file)
}

// applySubmitted фиксирует ответ R2R на отправку.
func (s *ProcessingService) applySubmitted(item *model.QueueItem, resp *r2rclient.IngestResponse, now time.Time) Outcome {
	s.breaker.RecordSuccess()
	clearChunkProgress(item)

	switch {
	case resp.TaskID != "":
		taskID := resp.TaskID
		placeholder := model.PlaceholderPrefix + taskID
		item.Status = model.StatusProcessing
		item.R2RTaskID = &taskID
		item.R2RJobID = &taskID
		item.R2RDocumentID = &placeholder
		item.NextRetryAt = nil
		item.LastError = ""
		item.ErrorCategory = model.ErrorNone
		if resp.DocumentID != "" {
			if item.Metadata == nil {
				item.Metadata = make(map[string]string)
			}
			item.Metadata[metaSubmittedDocumentID] = resp.DocumentID
		}
		s.logger.Info("Документ принят R2R",
			slog.String("item_id", item.ID),
			slog.String("task_id", taskID),
		)
		return OutcomeSubmitted

	case resp.DocumentID != "":
		s.complete(item, resp.DocumentID, now)
		return OutcomeCompleted

	default:
		return s.applyFailure(item, errors.New("R2R не вернул task_id и document_id"), now)
	}
}

// complete переводит элемент в completed с итоговым document id.
func (s *ProcessingService) complete(item *model.QueueItem, documentID string, now time.Time) {
	item.Status = model.StatusCompleted
	item.R2RDocumentID = &documentID
	item.CompletedAt = &now
	item.NextRetryAt = nil
	item.LastError = ""
	item.ErrorCategory = model.ErrorNone
	delete(item.Metadata, metaSubmittedDocumentID)

	s.logger.Info("Документ проиндексирован R2R",
		slog.String("item_id", item.ID),
		slog.String("r2r_document_id", documentID),
	)
}

// applyFailure классифицирует ошибку и применяет правило повтора:
// validation, file_format, file_size, permanent — сразу failed;
// authentication — один повтор, затем failed с эскалацией;
// transient, rate_limit — retrying с backoff до исчерпания max_retries.
func (s *ProcessingService) applyFailure(item *model.QueueItem, err error, now time.Time) Outcome {
	category, retryAfter := Classify(err)
	item.LastError = err.Error()
	item.ErrorCategory = category

	if upstreamFailure(err) && s.breaker.RecordFailure(now) {
		circuitOpenTotal.Inc()
		_, until := s.breaker.State(now)
		s.logger.Warn("Circuit breaker R2R открыт, отправка отложена",
			slog.Time("until", until),
		)
	}

	retry := false
	switch category {
	case model.ErrorAuthentication:
		attempts, _ := strconv.Atoi(item.Metadata[model.MetaAuthRetries])
		retry = attempts < 1 && item.RetryCount < item.MaxRetries
		if retry {
			if item.Metadata == nil {
				item.Metadata = make(map[string]string)
			}
			item.Metadata[model.MetaAuthRetries] = strconv.Itoa(attempts + 1)
		} else {
			authEscalationsTotal.Inc()
			s.logger.Error("Повторная ошибка авторизации R2R, требуется проверка учётных данных",
				slog.String("item_id", item.ID),
				slog.String("error", item.LastError),
			)
		}
	case model.ErrorTransient, model.ErrorRateLimit:
		retry = item.RetryCount < item.MaxRetries
	}

	if !retry {
		item.Status = model.StatusFailed
		item.NextRetryAt = nil
		item.CompletedAt = &now
		itemFailuresTotal.WithLabelValues(string(category)).Inc()
		s.logger.Warn("Обработка документа завершилась ошибкой",
			slog.String("item_id", item.ID),
			slog.String("category", string(category)),
			slog.Int("retry_count", item.RetryCount),
			slog.String("error", item.LastError),
		)
		return OutcomeFailed
	}

	base := item.RetryDelay
	if base <= 0 {
		base = s.cfg.RetryBaseDelay
	}
	delay := Backoff(base, item.RetryCount)
	if category == model.ErrorRateLimit && retryAfter > delay {
		delay = retryAfter
	}
	next := now.Add(delay)

	item.Status = model.StatusRetrying
	item.NextRetryAt = &next
	item.RetryCount++
	item.R2RTaskID = nil
	if item.IsPlaceholderDocument() {
		item.R2RDocumentID = nil
	}
	itemRetriesTotal.WithLabelValues(string(category)).Inc()

	s.logger.Info("Запланирован повтор отправки",
		slog.String("item_id", item.ID),
		slog.String("category", string(category)),
		slog.Int("retry_count", item.RetryCount),
		slog.Duration("delay", delay),
	)
	return OutcomeRetrying
}

// Retry возвращает failed-элемент в очередь. retry_count сохраняется,
// поэтому backoff продолжается с достигнутого шага; счётчик повторов
// после ошибки авторизации сбрасывается.
func (s *ProcessingService) Retry(ctx context.Context, userID, id string) (*model.QueueItem, error) {
	item, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: повтор возможен только для failed, текущий статус %s", ErrInvalidState, item.Status)
	}

	item.Status = model.StatusQueued
	item.NextRetryAt = nil
	item.CompletedAt = nil
	item.R2RTaskID = nil
	if item.IsPlaceholderDocument() {
		item.R2RDocumentID = nil
	}
	delete(item.Metadata, model.MetaAuthRetries)
	if err := s.queue.Update(ctx, item); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: элемент изменён параллельно", ErrInvalidState)
		}
		return nil, fmt.Errorf("повтор элемента %s: %w", id, err)
	}

	s.logger.Info("Элемент возвращён в очередь вручную",
		slog.String("item_id", item.ID),
		slog.Int("retry_count", item.RetryCount),
	)
	s.emitItem(ctx, item)
	return item, nil
}

// Cancel отменяет неконечный элемент.
func (s *ProcessingService) Cancel(ctx context.Context, userID, id string) (*model.QueueItem, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}

	item, err := s.queue.Cancel(ctx, id, s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: элемент уже в конечном статусе", ErrInvalidState)
		}
		return nil, fmt.Errorf("отмена элемента %s: %w", id, err)
	}

	s.logger.Info("Элемент отменён", slog.String("item_id", item.ID))
	s.emitItem(ctx, item)
	s.emitUploadProgress(ctx, item, 0, "Обработка отменена")
	return item, nil
}

// RetryFailed возвращает в очередь failed-элементы сессии пользователя,
// кроме ошибок самого файла (validation, file_format, file_size).
func (s *ProcessingService) RetryFailed(ctx context.Context, userID, sessionID string) (int, error) {
	if userID == "" || sessionID == "" {
		return 0, fmt.Errorf("%w: не указаны пользователь или сессия", ErrValidation)
	}

	n, err := s.queue.RequeueFailed(ctx, userID, sessionID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("повтор failed-элементов сессии %s: %w", sessionID, err)
	}

	s.logger.Info("Failed-элементы сессии возвращены в очередь",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Int("count", n),
	)
	return n, nil
}

// GetProcessingQueue возвращает неконечные элементы пользователя в порядке отправки.
func (s *ProcessingService) GetProcessingQueue(ctx context.Context, userID string) ([]*model.QueueItem, error) {
	items, err := s.queue.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение очереди: %w", err)
	}
	return items, nil
}

// History возвращает элементы пользователя с фильтрацией, новые первыми.
func (s *ProcessingService) History(ctx context.Context, filter model.QueueFilter, limit, offset int) ([]*model.QueueItem, error) {
	items, err := s.queue.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение истории очереди: %w", err)
	}
	return items, nil
}

// GetItem возвращает элемент пользователя.
func (s *ProcessingService) GetItem(ctx context.Context, userID, id string) (*model.QueueItem, error) {
	return s.owned(ctx, userID, id)
}

// Statistics возвращает сводку по очереди.
func (s *ProcessingService) Statistics(ctx context.Context) (*model.ProcessingStatistics, error) {
	counts, err := s.queue.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("подсчёт элементов очереди: %w", err)
	}

	now := s.now().UTC()
	stats := &model.ProcessingStatistics{
		ByStatus:         counts,
		ActiveProcessing: counts[model.StatusProcessing],
		GeneratedAt:      now,
	}
	for _, n := range counts {
		stats.Total += n
	}
	if open, until := s.breaker.State(now); open {
		stats.CircuitOpen = true
		stats.CircuitOpenUntil = &until
	}

	s.cycleMu.Lock()
	if s.lastCycleAt != nil {
		t := *s.lastCycleAt
		stats.LastCycleAt = &t
	}
	s.cycleMu.Unlock()

	return stats, nil
}

// RateLimitStatus возвращает состояние бюджета отправки с оценкой ожидания
// для элементов, готовых к отправке.
func (s *ProcessingService) RateLimitStatus(ctx context.Context) (model.RateLimitStatus, error) {
	status := s.limiter.Status(ctx, ratelimit.ClassIngestion)

	counts, err := s.queue.CountByStatus(ctx, "")
	if err != nil {
		return status, fmt.Errorf("подсчёт элементов очереди: %w", err)
	}
	status.QueuedItems = counts[model.StatusQueued] + counts[model.StatusRetrying]
	status.EstimatedWaitTime = EstimateWait(status)
	return status, nil
}

// EstimateWait оценивает ожидание последнего элемента очереди: элементы
// сверх остатка текущего окна распределяются по следующим окнам.
func EstimateWait(st model.RateLimitStatus) time.Duration {
	if !st.Enabled || st.MaxRequests <= 0 {
		return 0
	}
	extra := st.QueuedItems - st.Remaining()
	if extra <= 0 {
		return 0
	}
	return st.TimeUntilReset + st.WindowDuration*time.Duration((extra-1)/st.MaxRequests)
}

// PublishRateLimitStatus рассылает всем пользователям R2RStatusUpdate.
func (s *ProcessingService) PublishRateLimitStatus(ctx context.Context) {
	status, err := s.RateLimitStatus(ctx)
	if err != nil {
		s.logger.Warn("Ошибка получения статуса лимитера", slog.String("error", err.Error()))
		return
	}
	s.emit(ctx, events.TypeR2RStatusUpdate, "", events.NewRateLimitPayload(status))
}

// DeleteDocument удаляет из R2R документ, проиндексированный для элемента.
// Ход удаления публикуется событиями DocumentDeletion*.
func (s *ProcessingService) DeleteDocument(ctx context.Context, userID, id string) error {
	item, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if item.Status != model.StatusCompleted || item.R2RDocumentID == nil || item.IsPlaceholderDocument() {
		return fmt.Errorf("%w: документ ещё не проиндексирован", ErrInvalidState)
	}
	if _, deleted := item.Metadata[metaDeletedAt]; deleted {
		return fmt.Errorf("%w: документ уже удалён", ErrInvalidState)
	}

	documentID := *item.R2RDocumentID
	payload := events.DeletionPayload{
		QueueItemID:   item.ID,
		DocumentID:    item.DocumentID,
		R2RDocumentID: documentID,
	}

	payload.Stage = "started"
	payload.Message = "Удаление документа из R2R"
	s.emit(ctx, events.TypeDocumentDeletionProgress, item.UserID, payload)

	fail := func(err error) error {
		payload.Stage = "failed"
		payload.Message = ""
		payload.Error = err.Error()
		s.emit(ctx, events.TypeDocumentDeletionError, item.UserID, payload)
		return err
	}

	if !s.limiter.Allow(ctx, ratelimit.ClassDocument) {
		return fail(ErrRateLimited)
	}

	if err := s.r2r.DeleteDocument(ctx, documentID); err != nil {
		apiErr, ok := r2rclient.AsAPIError(err)
		if !ok || apiErr.StatusCode != http.StatusNotFound {
			s.logger.Warn("Ошибка удаления документа R2R",
				slog.String("item_id", item.ID),
				slog.String("r2r_document_id", documentID),
				slog.String("error", err.Error()),
			)
			return fail(fmt.Errorf("%w: %w", ErrUpstream, err))
		}
		s.logger.Info("Документ уже отсутствует в R2R",
			slog.String("r2r_document_id", documentID),
		)
	}

	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[metaDeletedAt] = s.now().UTC().Format(time.RFC3339)
	if err := s.queue.Update(ctx, item); err != nil {
		s.logger.Warn("Не удалось отметить удаление документа в очереди",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	payload.Stage = "completed"
	payload.Message = "Документ удалён из R2R"
	s.emit(ctx, events.TypeDocumentDeletionCompleted, item.UserID, payload)

	s.logger.Info("Документ удалён из R2R",
		slog.String("item_id", item.ID),
		slog.String("r2r_document_id", documentID),
	)
	return nil
}

// markCycle запоминает время завершения цикла воркера.
func (s *ProcessingService) markCycle(t time.Time) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.lastCycleAt = &t
}

// owned возвращает элемент, если он принадлежит пользователю.
// Пустой userID — без проверки владельца.
func (s *ProcessingService) owned(ctx context.Context, userID, id string) (*model.QueueItem, error) {
	item, err := s.queue.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение элемента %s: %w", id, err)
	}
	if userID != "" && item.UserID != userID {
		return nil, ErrNotFound
	}
	return item, nil
}

// emitOutcome публикует события по результату обработки.
func (s *ProcessingService) emitOutcome(ctx context.Context, item *model.QueueItem, outcome Outcome) {
	s.emitItem(ctx, item)

	switch outcome {
	case OutcomeSubmitted:
		s.emitUploadProgress(ctx, item, 90, "Документ принят R2R, идёт индексация")
	case OutcomeCompleted:
		s.emitUploadProgress(ctx, item, 100, "Документ проиндексирован")
		completed := events.UploadCompletedPayload{
			QueueItemID:   item.ID,
			DocumentID:    item.DocumentID,
			SessionID:     item.SessionID,
			FileName:      item.FileName,
			R2RDocumentID: *item.R2RDocumentID,
			CompletedAt:   *item.CompletedAt,
		}
		s.emit(ctx, events.TypeFileUploadCompleted, item.UserID, completed)
		s.emit(ctx, events.TypeFileUploadCompletedToUser, item.UserID, completed)
	case OutcomeRetrying:
		s.emitUploadProgress(ctx, item, 0,
			fmt.Sprintf("Повтор %d из %d: %s", item.RetryCount, item.MaxRetries, item.LastError))
	case OutcomeFailed:
		s.emitUploadProgress(ctx, item, 0, item.LastError)
	}
}

func (s *ProcessingService) emitItem(ctx context.Context, item *model.QueueItem) {
	s.emit(ctx, events.TypeR2RProcessingUpdate, item.UserID, events.NewItemPayload(item))
}

func (s *ProcessingService) emitUploadProgress(ctx context.Context, item *model.QueueItem, percent int, message string) {
	s.emit(ctx, events.TypeUploadProgress, item.UserID, events.UploadProgressPayload{
		QueueItemID: item.ID,
		DocumentID:  item.DocumentID,
		SessionID:   item.SessionID,
		FileName:    item.FileName,
		Status:      item.Status,
		Progress:    percent,
		Message:     message,
	})
}

// emit формирует и публикует событие.
func (s *ProcessingService) emit(ctx context.Context, t events.Type, userID string, payload any) {
	if s.events == nil {
		return
	}
	ev, err := events.New(t, userID, payload)
	if err != nil {
		s.logger.Error("Ошибка формирования события",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.events.Publish(ctx, ev)
}

// buildIngestRequest формирует параметры загрузки в R2R.
func buildIngestRequest(item *model.QueueItem) r2rclient.IngestRequest {
	metadata := map[string]string{
		"queue_item_id":      item.ID,
		"document_id":        item.DocumentID,
		"file_id":            item.FileID,
		"user_id":            item.UserID,
		"original_file_name": item.OriginalFileName,
	}
	if item.CompanyID != nil {
		metadata["company_id"] = *item.CompanyID
	}
	if item.SessionID != nil {
		metadata["session_id"] = *item.SessionID
	}
	if item.Checksum != "" {
		metadata["checksum"] = item.Checksum
	}

	strategy := "auto"
	if item.Options.EnableOCR {
		strategy = "hi_res"
	}
	chunking := item.Options.ChunkingStrategy
	if chunking == "" {
		chunking = "recursive"
	}

	req := r2rclient.IngestRequest{
		FileName:    item.FileName,
		ContentType: item.ContentType,
		Size:        item.FileSize,
		Metadata:    metadata,
		IngestionConfig: map[string]any{
			"provider":          "r2r",
			"strategy":          strategy,
			"chunking_strategy": chunking,
		},
	}
	if item.CollectionID != nil {
		req.CollectionID = *item.CollectionID
	}
	return req
}

// chunkProgressFromMetadata восстанавливает прогресс chunked-загрузки.
func chunkProgressFromMetadata(md map[string]string) *r2rclient.ChunkProgress {
	uploadID := md[metaUploadID]
	if uploadID == "" {
		return nil
	}
	done, err1 := strconv.Atoi(md[metaChunksDone])
	total, err2 := strconv.Atoi(md[metaChunksTotal])
	if err1 != nil || err2 != nil || done < 0 || total <= 0 || done > total {
		return nil
	}
	return &r2rclient.ChunkProgress{UploadID: uploadID, TotalChunks: total, ChunksDone: done}
}

func storeChunkProgress(item *model.QueueItem, p r2rclient.ChunkProgress) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[metaUploadID] = p.UploadID
	item.Metadata[metaChunksDone] = strconv.Itoa(p.ChunksDone)
	item.Metadata[metaChunksTotal] = strconv.Itoa(p.TotalChunks)
}

func clearChunkProgress(item *model.QueueItem) {
	delete(item.Metadata, metaUploadID)
	delete(item.Metadata, metaChunksDone)
	delete(item.Metadata, metaChunksTotal)
}
