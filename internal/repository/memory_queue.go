package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// memoryQueueRepo — in-memory реализация QueueRepository.
// Используется бэкендом RI_QUEUE_BACKEND=memory и в unit-тестах.
// Все операции выполняются под одним мьютексом, наружу отдаются копии.
type memoryQueueRepo struct {
	mu    sync.Mutex
	items map[string]*model.QueueItem
}

// NewMemoryQueueRepository создаёт in-memory репозиторий очереди.
func NewMemoryQueueRepository() QueueRepository {
	return &memoryQueueRepo{items: make(map[string]*model.QueueItem)}
}

func (r *memoryQueueRepo) Enqueue(_ context.Context, item *model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[item.ID]; ok {
		return fmt.Errorf("%w: элемент %s уже в очереди", ErrConflict, item.ID)
	}
	item.Version = 1
	item.UpdatedAt = item.CreatedAt
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *memoryQueueRepo) GetByID(_ context.Context, id string) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (r *memoryQueueRepo) ListActive(_ context.Context, userID string) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.QueueItem
	for _, item := range r.items {
		if item.Status.IsTerminal() {
			continue
		}
		if userID != "" && item.UserID != userID {
			continue
		}
		result = append(result, item.Clone())
	}
	SortForDispatch(result)
	return result, nil
}

func (r *memoryQueueRepo) List(_ context.Context, filter model.QueueFilter, limit, offset int) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.QueueItem
	for _, item := range r.items {
		if filter.UserID != "" && item.UserID != filter.UserID {
			continue
		}
		if filter.SessionID != "" && (item.SessionID == nil || *item.SessionID != filter.SessionID) {
			continue
		}
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		result = append(result, item.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *memoryQueueRepo) Claim(_ context.Context, id string, now time.Time) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.Ready(now) {
		return nil, ErrConflict
	}
	item.Status = model.StatusProcessing
	item.StartedAt = &now
	item.UpdatedAt = now
	item.Version++
	return item.Clone(), nil
}

func (r *memoryQueueRepo) Update(_ context.Context, item *model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != item.Version {
		return ErrConflict
	}

	// Идентификация и описание файла не меняются после постановки в очередь
	updated := item.Clone()
	updated.DocumentID = stored.DocumentID
	updated.FileID = stored.FileID
	updated.UserID = stored.UserID
	updated.CompanyID = stored.CompanyID
	updated.CollectionID = stored.CollectionID
	updated.SessionID = stored.SessionID
	updated.FileName = stored.FileName
	updated.OriginalFileName = stored.OriginalFileName
	updated.StoragePath = stored.StoragePath
	updated.FileSize = stored.FileSize
	updated.ContentType = stored.ContentType
	updated.Checksum = stored.Checksum
	updated.UploadedAt = stored.UploadedAt
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	updated.Version = stored.Version + 1

	r.items[item.ID] = updated
	item.Version = updated.Version
	item.UpdatedAt = updated.UpdatedAt
	return nil
}

func (r *memoryQueueRepo) Cancel(_ context.Context, id string, now time.Time) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status.IsTerminal() {
		return nil, ErrConflict
	}
	item.Status = model.StatusCancelled
	item.CompletedAt = &now
	item.NextRetryAt = nil
	item.UpdatedAt = now
	item.Version++
	return item.Clone(), nil
}

func (r *memoryQueueRepo) RequeueFailed(_ context.Context, userID, sessionID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, item := range r.items {
		if item.UserID != userID || item.SessionID == nil || *item.SessionID != sessionID {
			continue
		}
		if item.Status != model.StatusFailed || item.ErrorCategory.CallerError() {
			continue
		}
		item.Status = model.StatusQueued
		item.NextRetryAt = nil
		item.CompletedAt = nil
		item.R2RTaskID = nil
		if item.R2RDocumentID != nil && strings.HasPrefix(*item.R2RDocumentID, model.PlaceholderPrefix) {
			item.R2RDocumentID = nil
		}
		delete(item.Metadata, model.MetaAuthRetries)
		item.UpdatedAt = now
		item.Version++
		count++
	}
	return count, nil
}

func (r *memoryQueueRepo) CountByStatus(_ context.Context, userID string) (map[model.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[model.Status]int)
	for _, item := range r.items {
		if userID != "" && item.UserID != userID {
			continue
		}
		result[item.Status]++
	}
	return result, nil
}

// SortForDispatch упорядочивает элементы для отправки:
// приоритет по убыванию, затем время постановки по возрастанию.
func SortForDispatch(items []*model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
