// Пакет poller — ожидание результата асинхронной операции периодическим
// опросом с таймаутом и отменой через context.
package poller

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout — результат не получен за отведённое время.
var ErrTimeout = errors.New("превышено время ожидания результата")

// CheckFunc опрашивает операцию. done = true завершает ожидание,
// ошибка прерывает его.
type CheckFunc[T any] func(ctx context.Context) (value T, done bool, err error)

// Poll вызывает check сразу и затем каждые interval, пока check не сообщит
// о завершении, не вернёт ошибку или не истечёт timeout (0 — без таймаута).
// При таймауте возвращается последнее полученное значение и ErrTimeout,
// при отмене ctx — последнее значение и ctx.Err().
func Poll[T any](ctx context.Context, interval, timeout time.Duration, check CheckFunc[T]) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last T
	for {
		value, done, err := check(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, pollErr(ctxErr)
			}
			return value, err
		}
		last = value
		if done {
			return value, nil
		}

		select {
		case <-ctx.Done():
			return last, pollErr(ctx.Err())
		case <-ticker.C:
		}
	}
}

// pollErr отличает собственный таймаут от отмены вызывающим.
func pollErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
