package r2rclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Статусы задач R2R.
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// IngestRequest — параметры загрузки документа в R2R.
type IngestRequest struct {
	// DocumentID — желаемый id документа в R2R (опционально)
	DocumentID string
	// FileName — имя файла в multipart-форме
	FileName string
	// ContentType — MIME-тип файла
	ContentType string
	// Size — размер файла в байтах
	Size int64
	// CollectionID — коллекция R2R (опционально)
	CollectionID string
	// Metadata — метаданные документа
	Metadata map[string]string
	// IngestionConfig — параметры обработки (ocr, извлечение метаданных и т.д.)
	IngestionConfig map[string]any
}

// IngestResponse — ответ R2R на загрузку документа.
// Асинхронная обработка возвращает task_id, синхронная — document_id.
type IngestResponse struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// TaskStatus — состояние асинхронной задачи R2R.
type TaskStatus struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	DocumentID string  `json:"document_id,omitempty"`
	Error      string  `json:"error,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

// UploadSession — сессия chunked-загрузки R2R.
type UploadSession struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int64  `json:"chunk_size"`
}

// envelope — обёртка ответов R2R v3.
type envelope[T any] struct {
	Results T `json:"results"`
}

// errorBody — тело ответа R2R с ошибкой.
type errorBody struct {
	Detail  any    `json:"detail"`
	Message string `json:"message"`
}

// APIError — ответ R2R с кодом не 2xx.
type APIError struct {
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Message — сообщение R2R
	Message string
	// RetryAfter — значение заголовка Retry-After (0, если не задан)
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("R2R вернул статус %d", e.StatusCode)
	}
	return fmt.Sprintf("R2R вернул статус %d: %s", e.StatusCode, e.Message)
}

// AsAPIError извлекает *APIError из цепочки ошибок.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNetworkError сообщает, что запрос к R2R не уложился в таймаут
// или оборвался на уровне сети (*url.Error реализует net.Error).
func IsNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// parseRetryAfter разбирает Retry-After: секунды или HTTP-дата.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
