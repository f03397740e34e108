package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// RateLimitRepository — окна rate limiting в таблице rate_limit_windows.
// Один бюджет на класс операций для всех экземпляров сервиса.
type RateLimitRepository struct {
	db DBTX
}

// NewRateLimitRepository создаёт репозиторий окон rate limiting.
func NewRateLimitRepository(db DBTX) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Acquire пытается учесть один запрос класса в окне, активном на момент now.
// Истёкшее окно начинается заново. Возвращает состояние окна и признак допуска.
func (r *RateLimitRepository) Acquire(ctx context.Context, class string, maxRequests int, window time.Duration, now time.Time) (model.RateLimitWindow, bool, error) {
	// Строка обновляется, только если окно истекло или бюджет не исчерпан,
	// иначе RETURNING не возвращает строк
	query := `
		INSERT INTO rate_limit_windows AS w (operation_class, window_start, request_count, max_requests)
		VALUES ($1, $2::timestamptz, 1, $4::int)
		ON CONFLICT (operation_class) DO UPDATE SET
			window_start = CASE WHEN w.window_start + $3::interval <= $2::timestamptz
				THEN $2::timestamptz ELSE w.window_start END,
			request_count = CASE WHEN w.window_start + $3::interval <= $2::timestamptz
				THEN 1 ELSE w.request_count + 1 END,
			max_requests = $4::int
		WHERE w.window_start + $3::interval <= $2::timestamptz OR w.request_count < $4::int
		RETURNING operation_class, window_start, request_count, max_requests`

	w := model.RateLimitWindow{}
	err := r.db.QueryRow(ctx, query, class, now, window, maxRequests).Scan(
		&w.OperationClass, &w.WindowStart, &w.RequestCount, &w.MaxRequests,
	)
	if err == nil {
		return w, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return w, false, fmt.Errorf("ошибка учёта запроса %s: %w", class, err)
	}

	current, err := r.Get(ctx, class)
	if err != nil {
		return w, false, err
	}
	if current == nil {
		return model.RateLimitWindow{OperationClass: class, WindowStart: now, MaxRequests: maxRequests}, false, nil
	}
	return *current, false, nil
}

// Get возвращает окно класса или nil, если запросов ещё не было.
func (r *RateLimitRepository) Get(ctx context.Context, class string) (*model.RateLimitWindow, error) {
	query := `
		SELECT operation_class, window_start, request_count, max_requests
		FROM rate_limit_windows
		WHERE operation_class = $1`

	w := &model.RateLimitWindow{}
	err := r.db.QueryRow(ctx, query, class).Scan(
		&w.OperationClass, &w.WindowStart, &w.RequestCount, &w.MaxRequests,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения окна %s: %w", class, err)
	}
	return w, nil
}

// Reset удаляет окно класса, следующий запрос откроет новое.
func (r *RateLimitRepository) Reset(ctx context.Context, class string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM rate_limit_windows WHERE operation_class = $1`, class); err != nil {
		return fmt.Errorf("ошибка сброса окна %s: %w", class, err)
	}
	return nil
}
