// queue.go — обработчики очереди обработки: постановка файла, просмотр,
// ожидание результата, повтор, отмена и удаление документа из R2R.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/r2r-ingest/internal/api/errors"
	"github.com/bigkaa/r2r-ingest/internal/api/middleware"
	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/events"
	"github.com/bigkaa/r2r-ingest/internal/poller"
	"github.com/bigkaa/r2r-ingest/internal/service"
)

// maxEnqueueBody — предел тела запроса постановки в очередь.
const maxEnqueueBody = 1 << 20

// enqueueRequest — тело POST /api/v1/queue.
type enqueueRequest struct {
	DocumentID        string                  `json:"document_id"`
	FileID            string                  `json:"file_id"`
	CompanyID         *string                 `json:"company_id"`
	CollectionID      *string                 `json:"collection_id"`
	SessionID         *string                 `json:"session_id"`
	FileName          string                  `json:"file_name"`
	OriginalFileName  string                  `json:"original_file_name"`
	StoragePath       string                  `json:"storage_path"`
	FileSize          int64                   `json:"file_size"`
	ContentType       string                  `json:"content_type"`
	Checksum          string                  `json:"checksum"`
	UploadedAt        *time.Time              `json:"uploaded_at"`
	Priority          string                  `json:"priority"`
	MaxRetries        *int                    `json:"max_retries"`
	RetryDelaySeconds float64                 `json:"retry_delay_seconds"`
	Metadata          map[string]string       `json:"metadata"`
	Options           model.ProcessingOptions `json:"options"`
}

// listResponse — список элементов очереди.
type listResponse struct {
	Items []events.ItemPayload `json:"items"`
	Total int                  `json:"total"`
}

// historyResponse — страница истории очереди.
type historyResponse struct {
	Items  []events.ItemPayload `json:"items"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// waitResponse — результат ожидания элемента.
type waitResponse struct {
	Item events.ItemPayload `json:"item"`
	// TimedOut — элемент не достиг конечного статуса за отведённое время
	TimedOut bool `json:"timed_out"`
}

// retryFailedResponse — результат повтора failed-элементов сессии.
type retryFailedResponse struct {
	SessionID string `json:"session_id"`
	Requeued  int    `json:"requeued"`
}

func toPayloads(items []*model.QueueItem) []events.ItemPayload {
	out := make([]events.ItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, events.NewItemPayload(item))
	}
	return out
}

// EnqueueFile — POST /api/v1/queue. Ставит загруженный файл в очередь R2R.
func (h *APIHandler) EnqueueFile(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	var body enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректное тело запроса: %v", err))
		return
	}

	priority, err := model.ParsePriority(body.Priority)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if body.RetryDelaySeconds < 0 {
		apierrors.ValidationError(w, "retry_delay_seconds не может быть отрицательным")
		return
	}

	req := service.EnqueueRequest{
		UserID:           user,
		DocumentID:       body.DocumentID,
		FileID:           body.FileID,
		CompanyID:        body.CompanyID,
		CollectionID:     body.CollectionID,
		SessionID:        body.SessionID,
		FileName:         body.FileName,
		OriginalFileName: body.OriginalFileName,
		StoragePath:      body.StoragePath,
		FileSize:         body.FileSize,
		ContentType:      body.ContentType,
		Checksum:         body.Checksum,
		Priority:         priority,
		MaxRetries:       body.MaxRetries,
		RetryDelay:       time.Duration(body.RetryDelaySeconds * float64(time.Second)),
		Metadata:         body.Metadata,
		Options:          body.Options,
	}
	if body.UploadedAt != nil {
		req.UploadedAt = *body.UploadedAt
	}
	// Арендатор по умолчанию — из токена
	if req.CompanyID == nil {
		if claims := middleware.ClaimsFromContext(r.Context()); claims != nil && claims.CompanyID != "" {
			companyID := claims.CompanyID
			req.CompanyID = &companyID
		}
	}

	item, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, events.NewItemPayload(item))
}

// ListQueue — GET /api/v1/queue. Неконечные элементы пользователя в порядке отправки.
func (h *APIHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	items, err := h.svc.GetProcessingQueue(r.Context(), user)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: toPayloads(items), Total: len(items)})
}

// QueueHistory — GET /api/v1/queue/history?status=&session_id=&limit=&offset=.
// Все элементы пользователя, новые первыми.
func (h *APIHandler) QueueHistory(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	limit, offset, err := paginationDefaults(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	filter := model.QueueFilter{
		UserID:    user,
		SessionID: r.URL.Query().Get("session_id"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := model.ParseStatus(v)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		filter.Status = &status
	}

	items, err := h.svc.History(r.Context(), filter, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: toPayloads(items), Limit: limit, Offset: offset})
}

// GetQueueItem — GET /api/v1/queue/{id}.
func (h *APIHandler) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	item, err := h.svc.GetItem(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewItemPayload(item))
}

// WaitQueueItem — GET /api/v1/queue/{id}/wait?timeout=30s.
// Опрашивает элемент до конечного статуса или таймаута. По таймауту
// возвращается текущее состояние с timed_out = true.
func (h *APIHandler) WaitQueueItem(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	timeout := h.cfg.DefaultWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			apierrors.ValidationError(w, "timeout должен быть положительной длительностью, например 30s")
			return
		}
		timeout = min(d, h.cfg.MaxWait)
	}

	id := chi.URLParam(r, "id")
	item, err := poller.Poll(r.Context(), h.cfg.WaitPollInterval, timeout,
		func(ctx context.Context) (*model.QueueItem, bool, error) {
			item, err := h.svc.GetItem(ctx, user, id)
			if err != nil {
				return nil, false, err
			}
			return item, item.Status.IsTerminal(), nil
		})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, waitResponse{Item: events.NewItemPayload(item)})
	case errors.Is(err, poller.ErrTimeout) && item != nil:
		writeJSON(w, http.StatusOK, waitResponse{Item: events.NewItemPayload(item), TimedOut: true})
	case errors.Is(err, context.Canceled):
		// клиент отключился, ответ никто не прочитает
	default:
		h.writeServiceError(w, r, err)
	}
}

// RetryQueueItem — POST /api/v1/queue/{id}/retry. Повтор failed-элемента.
func (h *APIHandler) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	item, err := h.svc.Retry(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewItemPayload(item))
}

// CancelQueueItem — POST /api/v1/queue/{id}/cancel.
func (h *APIHandler) CancelQueueItem(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	item, err := h.svc.Cancel(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewItemPayload(item))
}

// DeleteDocument — DELETE /api/v1/queue/{id}/document. Удаляет документ из R2R.
func (h *APIHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	if err := h.svc.DeleteDocument(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryFailedSession — POST /api/v1/sessions/{sessionID}/retry-failed.
func (h *APIHandler) RetryFailedSession(w http.ResponseWriter, r *http.Request) {
	user := userID(w, r)
	if user == "" {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	n, err := h.svc.RetryFailed(r.Context(), user, sessionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retryFailedResponse{SessionID: sessionID, Requeued: n})
}
