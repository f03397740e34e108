package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// QueueRepository — хранилище очереди обработки документов R2R.
type QueueRepository interface {
	// Enqueue сохраняет новый элемент очереди.
	Enqueue(ctx context.Context, item *model.QueueItem) error
	// GetByID возвращает элемент по UUID.
	GetByID(ctx context.Context, id string) (*model.QueueItem, error)
	// ListActive возвращает неконечные элементы в порядке отправки
	// (priority DESC, created_at ASC). Пустой userID — все пользователи.
	ListActive(ctx context.Context, userID string) ([]*model.QueueItem, error)
	// List возвращает элементы с фильтрацией, новые первыми.
	List(ctx context.Context, filter model.QueueFilter, limit, offset int) ([]*model.QueueItem, error)
	// Claim атомарно переводит готовый элемент queued|retrying в processing.
	// Если элемент уже захвачен или ещё не готов — ErrConflict.
	Claim(ctx context.Context, id string, now time.Time) (*model.QueueItem, error)
	// Update сохраняет изменённый элемент при совпадении версии.
	// Устаревшая версия — ErrConflict. При успехе item.Version увеличивается.
	Update(ctx context.Context, item *model.QueueItem) error
	// Cancel переводит неконечный элемент в cancelled.
	// Конечный элемент — ErrConflict.
	Cancel(ctx context.Context, id string, now time.Time) (*model.QueueItem, error)
	// RequeueFailed возвращает в очередь failed-элементы сессии пользователя,
	// кроме ошибок validation, file_format, file_size. retry_count сохраняется.
	RequeueFailed(ctx context.Context, userID, sessionID string, now time.Time) (int, error)
	// CountByStatus возвращает количество элементов по статусам.
	// Пустой userID — все пользователи.
	CountByStatus(ctx context.Context, userID string) (map[model.Status]int, error)
}

// queueColumns — порядок колонок, ожидаемый scanQueueItem.
const queueColumns = `
	id, document_id, file_id, user_id, company_id, collection_id, session_id,
	file_name, original_file_name, storage_path, file_size, content_type, checksum, uploaded_at,
	r2r_job_id, r2r_task_id, r2r_document_id,
	priority, status, created_at, started_at, completed_at, updated_at,
	retry_count, max_retries, retry_delay_ms, next_retry_at, last_error, error_category,
	metadata, options, version`

// queueRepo — реализация QueueRepository на PostgreSQL.
type queueRepo struct {
	db DBTX
}

// NewQueueRepository создаёт репозиторий очереди обработки.
func NewQueueRepository(db DBTX) QueueRepository {
	return &queueRepo{db: db}
}

func (r *queueRepo) Enqueue(ctx context.Context, item *model.QueueItem) error {
	metadata, options, err := encodeJSONB(item)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO processing_queue (
			id, document_id, file_id, user_id, company_id, collection_id, session_id,
			file_name, original_file_name, storage_path, file_size, content_type, checksum, uploaded_at,
			priority, status, retry_count, max_retries, retry_delay_ms, next_retry_at,
			last_error, error_category, metadata, options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $25)
		RETURNING version, updated_at`

	err = r.db.QueryRow(ctx, query,
		item.ID, item.DocumentID, item.FileID, item.UserID,
		item.CompanyID, item.CollectionID, item.SessionID,
		item.FileName, item.OriginalFileName, item.StoragePath, item.FileSize,
		item.ContentType, item.Checksum, item.UploadedAt,
		int16(item.Priority), string(item.Status), item.RetryCount, item.MaxRetries,
		item.RetryDelay.Milliseconds(), item.NextRetryAt,
		item.LastError, string(item.ErrorCategory), metadata, options, item.CreatedAt,
	).Scan(&item.Version, &item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: элемент %s уже в очереди", ErrConflict, item.ID)
		}
		return fmt.Errorf("ошибка постановки в очередь: %w", err)
	}
	return nil
}

func (r *queueRepo) GetByID(ctx context.Context, id string) (*model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM processing_queue WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента очереди: %w", err)
	}
	return item, nil
}

func (r *queueRepo) ListActive(ctx context.Context, userID string) ([]*model.QueueItem, error) {
	query := `SELECT ` + queueColumns + `
		FROM processing_queue
		WHERE status IN ('queued', 'processing', 'retrying')
			AND ($1 = '' OR user_id = $1)
		ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активной очереди: %w", err)
	}
	return collectQueueItems(rows)
}

func (r *queueRepo) List(ctx context.Context, filter model.QueueFilter, limit, offset int) ([]*model.QueueItem, error) {
	// Динамическое построение WHERE
	var conditions []string
	var args []any
	argNum := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argNum))
		args = append(args, filter.UserID)
		argNum++
	}
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argNum))
		args = append(args, filter.SessionID)
		argNum++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filter.Status))
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s
		FROM processing_queue
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, queueColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка очереди: %w", err)
	}
	return collectQueueItems(rows)
}

func (r *queueRepo) Claim(ctx context.Context, id string, now time.Time) (*model.QueueItem, error) {
	query := `
		UPDATE processing_queue
		SET status = 'processing', started_at = $2, updated_at = $2, version = version + 1
		WHERE id = $1
			AND status IN ('queued', 'retrying')
			AND (next_retry_at IS NULL OR next_retry_at <= $2)
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missingOrConflict(ctx, id)
		}
		return nil, fmt.Errorf("ошибка захвата элемента очереди: %w", err)
	}
	return item, nil
}

func (r *queueRepo) Update(ctx context.Context, item *model.QueueItem) error {
	metadata, options, err := encodeJSONB(item)
	if err != nil {
		return err
	}

	query := `
		UPDATE processing_queue
		SET r2r_job_id = $3, r2r_task_id = $4, r2r_document_id = $5,
			priority = $6, status = $7, started_at = $8, completed_at = $9,
			retry_count = $10, max_retries = $11, retry_delay_ms = $12, next_retry_at = $13,
			last_error = $14, error_category = $15, metadata = $16, options = $17,
			updated_at = $18, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	err = r.db.QueryRow(ctx, query,
		item.ID, item.Version,
		item.R2RJobID, item.R2RTaskID, item.R2RDocumentID,
		int16(item.Priority), string(item.Status), item.StartedAt, item.CompletedAt,
		item.RetryCount, item.MaxRetries, item.RetryDelay.Milliseconds(), item.NextRetryAt,
		item.LastError, string(item.ErrorCategory), metadata, options,
		time.Now().UTC(),
	).Scan(&item.Version, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrConflict(ctx, item.ID)
		}
		return fmt.Errorf("ошибка обновления элемента очереди: %w", err)
	}
	return nil
}

func (r *queueRepo) Cancel(ctx context.Context, id string, now time.Time) (*model.QueueItem, error) {
	query := `
		UPDATE processing_queue
		SET status = 'cancelled', completed_at = $2, next_retry_at = NULL,
			updated_at = $2, version = version + 1
		WHERE id = $1 AND status IN ('queued', 'processing', 'retrying')
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missingOrConflict(ctx, id)
		}
		return nil, fmt.Errorf("ошибка отмены элемента очереди: %w", err)
	}
	return item, nil
}

func (r *queueRepo) RequeueFailed(ctx context.Context, userID, sessionID string, now time.Time) (int, error) {
	query := `
		UPDATE processing_queue
		SET status = 'queued', next_retry_at = NULL, completed_at = NULL,
			r2r_task_id = NULL,
			r2r_document_id = CASE WHEN r2r_document_id LIKE 'pending\_%' THEN NULL ELSE r2r_document_id END,
			metadata = metadata - $4::text,
			updated_at = $3, version = version + 1
		WHERE user_id = $1 AND session_id = $2 AND status = 'failed'
			AND error_category NOT IN ('validation', 'file_format', 'file_size')`

	tag, err := r.db.Exec(ctx, query, userID, sessionID, now, model.MetaAuthRetries)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата failed-элементов в очередь: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *queueRepo) CountByStatus(ctx context.Context, userID string) (map[model.Status]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM processing_queue
		WHERE $1 = '' OR user_id = $1
		GROUP BY status`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта элементов очереди: %w", err)
	}
	defer rows.Close()

	result := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования счётчика: %w", err)
		}
		result[model.Status(status)] = count
	}
	return result, rows.Err()
}

// missingOrConflict различает отсутствующую запись и проигранную гонку.
func (r *queueRepo) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processing_queue WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки элемента очереди: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var (
		priority     int16
		status       string
		category     string
		retryDelayMS int64
		metadata     []byte
		options      []byte
	)

	err := row.Scan(
		&item.ID, &item.DocumentID, &item.FileID, &item.UserID,
		&item.CompanyID, &item.CollectionID, &item.SessionID,
		&item.FileName, &item.OriginalFileName, &item.StoragePath, &item.FileSize,
		&item.ContentType, &item.Checksum, &item.UploadedAt,
		&item.R2RJobID, &item.R2RTaskID, &item.R2RDocumentID,
		&priority, &status, &item.CreatedAt, &item.StartedAt, &item.CompletedAt, &item.UpdatedAt,
		&item.RetryCount, &item.MaxRetries, &retryDelayMS, &item.NextRetryAt,
		&item.LastError, &category, &metadata, &options, &item.Version,
	)
	if err != nil {
		return nil, err
	}

	item.Priority = model.Priority(priority)
	item.Status = model.Status(status)
	item.ErrorCategory = model.ErrorCategory(category)
	item.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("ошибка разбора metadata: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &item.Options); err != nil {
			return nil, fmt.Errorf("ошибка разбора options: %w", err)
		}
	}
	return item, nil
}

func collectQueueItems(rows pgx.Rows) ([]*model.QueueItem, error) {
	defer rows.Close()

	var result []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента очереди: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// encodeJSONB сериализует metadata и options для колонок JSONB.
func encodeJSONB(item *model.QueueItem) (metadata, options []byte, err error) {
	md := item.Metadata
	if md == nil {
		md = map[string]string{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, fmt.Errorf("ошибка сериализации metadata: %w", err)
	}
	if options, err = json.Marshal(item.Options); err != nil {
		return nil, nil, fmt.Errorf("ошибка сериализации options: %w", err)
	}
	return metadata, options, nil
}
