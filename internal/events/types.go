// Пакет events — контракт push-событий для UI загрузки: типы и полезная
// нагрузка событий, буфер повтора для пользователей без подключения,
// хаб SSE-подписок и зеркалирование событий в RabbitMQ.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// Type — тип события (имя события в SSE-потоке и routing key в AMQP).
type Type string

// Типы событий.
const (
	TypeUploadProgress            Type = "UploadProgress"
	TypeFileUploadCompleted       Type = "FileUploadCompleted"
	TypeFileUploadCompletedToUser Type = "FileUploadCompletedToUser"
	TypeR2RProcessingUpdate       Type = "R2RProcessingUpdate"
	TypeR2RProgressUpdate         Type = "R2RProgressUpdate"
	TypeR2RStatusUpdate           Type = "R2RStatusUpdate"
	TypeDocumentDeletionProgress  Type = "DocumentDeletionProgress"
	TypeDocumentDeletionCompleted Type = "DocumentDeletionCompleted"
	TypeDocumentDeletionError     Type = "DocumentDeletionError"
)

// Buffered сообщает, сохраняется ли событие для повтора,
// если пользователь в момент отправки не подключён.
func (t Type) Buffered() bool {
	return t == TypeFileUploadCompletedToUser
}

// Event — одно push-событие.
type Event struct {
	// ID — UUID события (поле id в SSE)
	ID string `json:"id"`
	// Type — тип события
	Type Type `json:"type"`
	// UserID — адресат; пусто — всем подключённым пользователям
	UserID string `json:"user_id,omitempty"`
	// Payload — JSON полезной нагрузки
	Payload json.RawMessage `json:"payload"`
	// CreatedAt — время формирования
	CreatedAt time.Time `json:"created_at"`
}

// New формирует событие с сериализованной нагрузкой.
func New(t Type, userID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("сериализация события %s: %w", t, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Broadcast сообщает, адресовано ли событие всем пользователям.
func (e Event) Broadcast() bool {
	return e.UserID == ""
}

// ItemPayload — представление элемента очереди в событиях и ответах API.
type ItemPayload struct {
	ID               string                  `json:"id"`
	DocumentID       string                  `json:"document_id"`
	FileID           string                  `json:"file_id"`
	UserID           string                  `json:"user_id"`
	CompanyID        *string                 `json:"company_id,omitempty"`
	CollectionID     *string                 `json:"collection_id,omitempty"`
	SessionID        *string                 `json:"session_id,omitempty"`
	FileName         string                  `json:"file_name"`
	OriginalFileName string                  `json:"original_file_name,omitempty"`
	FileSize         int64                   `json:"file_size"`
	ContentType      string                  `json:"content_type"`
	R2RTaskID        *string                 `json:"r2r_task_id,omitempty"`
	R2RDocumentID    *string                 `json:"r2r_document_id,omitempty"`
	Priority         string                  `json:"priority"`
	Status           model.Status            `json:"status"`
	CreatedAt        time.Time               `json:"created_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt        time.Time               `json:"updated_at"`
	RetryCount       int                     `json:"retry_count"`
	MaxRetries       int                     `json:"max_retries"`
	NextRetryAt      *time.Time              `json:"next_retry_at,omitempty"`
	LastError        string                  `json:"last_error,omitempty"`
	ErrorCategory    model.ErrorCategory     `json:"error_category"`
	Options          model.ProcessingOptions `json:"options"`
}

// NewItemPayload формирует представление элемента очереди.
func NewItemPayload(item *model.QueueItem) ItemPayload {
	return ItemPayload{
		ID:               item.ID,
		DocumentID:       item.DocumentID,
		FileID:           item.FileID,
		UserID:           item.UserID,
		CompanyID:        item.CompanyID,
		CollectionID:     item.CollectionID,
		SessionID:        item.SessionID,
		FileName:         item.FileName,
		OriginalFileName: item.OriginalFileName,
		FileSize:         item.FileSize,
		ContentType:      item.ContentType,
		R2RTaskID:        item.R2RTaskID,
		R2RDocumentID:    item.R2RDocumentID,
		Priority:         item.Priority.String(),
		Status:           item.Status,
		CreatedAt:        item.CreatedAt,
		StartedAt:        item.StartedAt,
		CompletedAt:      item.CompletedAt,
		UpdatedAt:        item.UpdatedAt,
		RetryCount:       item.RetryCount,
		MaxRetries:       item.MaxRetries,
		NextRetryAt:      item.NextRetryAt,
		LastError:        item.LastError,
		ErrorCategory:    item.ErrorCategory,
		Options:          item.Options,
	}
}

// UploadProgressPayload — ход загрузки файла в R2R.
type UploadProgressPayload struct {
	QueueItemID string       `json:"queue_item_id"`
	DocumentID  string       `json:"document_id"`
	SessionID   *string      `json:"session_id,omitempty"`
	FileName    string       `json:"file_name"`
	Status      model.Status `json:"status"`
	// Progress — процент (0-100)
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// UploadCompletedPayload — документ проиндексирован R2R.
type UploadCompletedPayload struct {
	QueueItemID   string    `json:"queue_item_id"`
	DocumentID    string    `json:"document_id"`
	SessionID     *string   `json:"session_id,omitempty"`
	FileName      string    `json:"file_name"`
	R2RDocumentID string    `json:"r2r_document_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ProgressUpdatePayload — задача R2R ещё выполняется.
type ProgressUpdatePayload struct {
	QueueItemID string  `json:"queue_item_id"`
	DocumentID  string  `json:"document_id"`
	TaskID      string  `json:"task_id"`
	TaskStatus  string  `json:"task_status"`
	Progress    float64 `json:"progress"`
}

// RateLimitPayload — состояние бюджета запросов к R2R.
type RateLimitPayload struct {
	OperationClass    string  `json:"operation_class"`
	CurrentRequests   int     `json:"current_requests"`
	MaxRequests       int     `json:"max_requests"`
	WindowSeconds     float64 `json:"window_seconds"`
	TimeUntilReset    float64 `json:"time_until_reset_seconds"`
	QueuedItems       int     `json:"queued_items"`
	EstimatedWaitTime float64 `json:"estimated_wait_seconds"`
	Enabled           bool    `json:"enabled"`
}

// NewRateLimitPayload формирует представление статуса лимитера.
func NewRateLimitPayload(s model.RateLimitStatus) RateLimitPayload {
	return RateLimitPayload{
		OperationClass:    s.OperationClass,
		CurrentRequests:   s.CurrentRequests,
		MaxRequests:       s.MaxRequests,
		WindowSeconds:     s.WindowDuration.Seconds(),
		TimeUntilReset:    s.TimeUntilReset.Seconds(),
		QueuedItems:       s.QueuedItems,
		EstimatedWaitTime: s.EstimatedWaitTime.Seconds(),
		Enabled:           s.Enabled,
	}
}

// DeletionPayload — ход удаления документа из R2R.
type DeletionPayload struct {
	QueueItemID   string `json:"queue_item_id"`
	DocumentID    string `json:"document_id"`
	R2RDocumentID string `json:"r2r_document_id,omitempty"`
	Stage         string `json:"stage"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}
