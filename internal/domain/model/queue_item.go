package model

import (
	"fmt"
	"strings"
	"time"
)

// PlaceholderPrefix — префикс временного R2R document id, пока задача R2R не завершена.
const PlaceholderPrefix = "pending_"

// MetaAuthRetries — ключ metadata: повторы, выполненные после ошибки авторизации R2R.
// Сбрасывается ручным повтором элемента.
const MetaAuthRetries = "r2r_auth_retries"

// Priority — приоритет элемента очереди. Большее значение обрабатывается раньше.
type Priority int

// Приоритеты элементов очереди.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String возвращает имя приоритета в нижнем регистре.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid сообщает, входит ли значение в допустимый диапазон.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority разбирает имя приоритета. Пустая строка — PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("недопустимый приоритет %q, допустимые: low, normal, high, critical", s)
	}
}

// Status — статус элемента очереди.
type Status string

// Статусы элемента очереди.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus проверяет строковое значение статуса.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("недопустимый статус %q", s)
	}
}

// ErrorCategory — категория последней ошибки, определяет допустимость повтора.
type ErrorCategory string

// Категории ошибок.
const (
	ErrorNone           ErrorCategory = "none"
	ErrorTransient      ErrorCategory = "transient"
	ErrorRateLimit      ErrorCategory = "rate_limit"
	ErrorValidation     ErrorCategory = "validation"
	ErrorAuthentication ErrorCategory = "authentication"
	ErrorFileFormat     ErrorCategory = "file_format"
	ErrorFileSize       ErrorCategory = "file_size"
	ErrorPermanent      ErrorCategory = "permanent"
)

// Retryable сообщает, допускает ли категория автоматический повтор.
// Authentication допускает ровно один повтор, это проверяет сервис обработки.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrorTransient, ErrorRateLimit, ErrorAuthentication:
		return true
	default:
		return false
	}
}

// CallerError сообщает, вызвана ли ошибка некорректным файлом или запросом.
// Такие элементы не сбрасываются в очередь при ручном повторе сессии.
func (c ErrorCategory) CallerError() bool {
	return c == ErrorValidation || c == ErrorFileFormat || c == ErrorFileSize
}

// ProcessingOptions — какие функции R2R включить при загрузке.
type ProcessingOptions struct {
	EnableOCR            bool   `json:"enable_ocr"`
	ExtractMetadata      bool   `json:"extract_metadata"`
	GenerateThumbnails   bool   `json:"generate_thumbnails"`
	EnableVersioning     bool   `json:"enable_versioning"`
	EnableFullTextSearch bool   `json:"enable_full_text_search"`
	ChunkingStrategy     string `json:"chunking_strategy,omitempty"`
}

// QueueItem — элемент очереди обработки: один файл на пути в R2R.
// Хранится в таблице processing_queue.
type QueueItem struct {
	// ID — UUID элемента
	ID string
	// DocumentID — идентификатор документа в основной системе
	DocumentID string
	// FileID — идентификатор загруженного файла
	FileID string
	// UserID — владелец (subject JWT)
	UserID string
	// CompanyID — арендатор (опционально)
	CompanyID *string
	// CollectionID — коллекция R2R (опционально)
	CollectionID *string
	// SessionID — сессия загрузки, объединяющая файлы пакета (опционально)
	SessionID *string

	// FileName — имя файла после переименования
	FileName string
	// OriginalFileName — имя файла, выбранное пользователем
	OriginalFileName string
	// StoragePath — путь к файлу в хранилище
	StoragePath string
	// FileSize — размер в байтах
	FileSize int64
	// ContentType — MIME-тип
	ContentType string
	// Checksum — SHA-256 содержимого (опционально)
	Checksum string
	// UploadedAt — время окончания загрузки байтов
	UploadedAt time.Time

	// R2RJobID — идентификатор задания R2R (аудит)
	R2RJobID *string
	// R2RTaskID — асинхронная задача R2R, задаётся после отправки
	R2RTaskID *string
	// R2RDocumentID — документ R2R; с префиксом pending_, пока задача выполняется
	R2RDocumentID *string

	// Priority — приоритет
	Priority Priority
	// Status — статус
	Status Status
	// CreatedAt — время постановки в очередь
	CreatedAt time.Time
	// StartedAt — время последнего захвата воркером
	StartedAt *time.Time
	// CompletedAt — время перехода в конечный статус
	CompletedAt *time.Time
	// UpdatedAt — время последнего изменения
	UpdatedAt time.Time

	// RetryCount — выполненные повторы
	RetryCount int
	// MaxRetries — максимум повторов
	MaxRetries int
	// RetryDelay — базовая задержка backoff для элемента
	RetryDelay time.Duration
	// NextRetryAt — не раньше этого времени элемент может быть отправлен снова
	NextRetryAt *time.Time
	// LastError — текст последней ошибки
	LastError string
	// ErrorCategory — категория последней ошибки
	ErrorCategory ErrorCategory

	// Metadata — произвольные атрибуты (в том числе состояние chunked-загрузки)
	Metadata map[string]string
	// Options — снимок параметров обработки R2R
	Options ProcessingOptions

	// Version — счётчик оптимистичной блокировки
	Version int64
}

// IsPlaceholderDocument сообщает, что R2R document id ещё временный.
func (q *QueueItem) IsPlaceholderDocument() bool {
	return q.R2RDocumentID != nil && strings.HasPrefix(*q.R2RDocumentID, PlaceholderPrefix)
}

// InFlight сообщает, что элемент отправлен в R2R и ожидает завершения задачи.
func (q *QueueItem) InFlight() bool {
	return q.Status == StatusProcessing && q.R2RTaskID != nil && *q.R2RTaskID != "" && q.IsPlaceholderDocument()
}

// Stale сообщает, что элемент находится в processing дольше timeout
// с момента захвата. timeout <= 0 — без ограничения.
func (q *QueueItem) Stale(now time.Time, timeout time.Duration) bool {
	if q.Status != StatusProcessing || timeout <= 0 {
		return false
	}
	since := q.UpdatedAt
	if q.StartedAt != nil {
		since = *q.StartedAt
	}
	return now.Sub(since) > timeout
}

// Ready сообщает, можно ли отправить элемент в R2R в момент now.
func (q *QueueItem) Ready(now time.Time) bool {
	if q.Status != StatusQueued && q.Status != StatusRetrying {
		return false
	}
	return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
}

// Clone возвращает глубокую копию элемента.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	c.CompanyID = cloneString(q.CompanyID)
	c.CollectionID = cloneString(q.CollectionID)
	c.SessionID = cloneString(q.SessionID)
	c.R2RJobID = cloneString(q.R2RJobID)
	c.R2RTaskID = cloneString(q.R2RTaskID)
	c.R2RDocumentID = cloneString(q.R2RDocumentID)
	c.StartedAt = cloneTime(q.StartedAt)
	c.CompletedAt = cloneTime(q.CompletedAt)
	c.NextRetryAt = cloneTime(q.NextRetryAt)
	if q.Metadata != nil {
		c.Metadata = make(map[string]string, len(q.Metadata))
		for k, v := range q.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// QueueFilter — фильтры выборки элементов очереди.
type QueueFilter struct {
	UserID    string
	SessionID string
	Status    *Status
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
