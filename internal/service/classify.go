// classify.go — классификация ошибок отправки в R2R и правило повтора.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/r2rclient"
	"github.com/bigkaa/r2r-ingest/internal/storage"
)

// maxBackoff — верхняя граница задержки повтора.
const maxBackoff = 6 * time.Hour

// Classify определяет категорию ошибки и задержку, запрошенную сервером
// (Retry-After, только для 429).
func Classify(err error) (model.ErrorCategory, time.Duration) {
	if err == nil {
		return model.ErrorNone, 0
	}

	if errors.Is(err, storage.ErrNotFound) {
		return model.ErrorPermanent, 0
	}

	if apiErr, ok := r2rclient.AsAPIError(err); ok {
		return classifyStatus(apiErr.StatusCode), apiErr.RetryAfter
	}

	if errors.Is(err, context.DeadlineExceeded) || r2rclient.IsNetworkError(err) {
		return model.ErrorTransient, 0
	}
	if errors.Is(err, errSource) || errors.Is(err, errProgress) || errors.Is(err, errTaskFailed) ||
		errors.Is(err, errProcessingTimeout) {
		return model.ErrorTransient, 0
	}
	return model.ErrorPermanent, 0
}

// classifyStatus сопоставляет HTTP-статус ответа R2R категории ошибки.
func classifyStatus(code int) model.ErrorCategory {
	switch code {
	case http.StatusTooManyRequests:
		return model.ErrorRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrorAuthentication
	case http.StatusRequestEntityTooLarge:
		return model.ErrorFileSize
	case http.StatusUnsupportedMediaType:
		return model.ErrorFileFormat
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return model.ErrorTransient
	}
	if code >= 400 && code < 500 {
		return model.ErrorValidation
	}
	return model.ErrorPermanent
}

// upstreamFailure сообщает, что ошибка указывает на сбой самого R2R
// (учитывается circuit breaker).
func upstreamFailure(err error) bool {
	if apiErr, ok := r2rclient.AsAPIError(err); ok {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return r2rclient.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded)
}

// Backoff возвращает задержку повтора: base * 2^retryCount, не больше maxBackoff.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for range retryCount {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
