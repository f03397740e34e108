package model

import "time"

// RateLimitWindow — окно учёта исходящих запросов к R2R для одного класса операций.
// В общем режиме хранится в таблице rate_limit_windows.
type RateLimitWindow struct {
	// OperationClass — класс операций (r2r_ingestion, r2r_status, ...)
	OperationClass string
	// WindowStart — начало текущего окна
	WindowStart time.Time
	// RequestCount — допущено запросов в текущем окне
	RequestCount int
	// MaxRequests — бюджет запросов на окно
	MaxRequests int
}

// RateLimitStatus — снимок состояния лимитера для наблюдаемости и UI.
type RateLimitStatus struct {
	OperationClass    string        `json:"operation_class"`
	CurrentRequests   int           `json:"current_requests"`
	MaxRequests       int           `json:"max_requests"`
	WindowDuration    time.Duration `json:"-"`
	TimeUntilReset    time.Duration `json:"-"`
	QueuedItems       int           `json:"queued_items"`
	EstimatedWaitTime time.Duration `json:"-"`
	// Enabled — false, если лимитер выключен конфигурацией
	Enabled bool `json:"enabled"`
}

// Remaining возвращает оставшийся бюджет текущего окна.
func (s RateLimitStatus) Remaining() int {
	if r := s.MaxRequests - s.CurrentRequests; r > 0 {
		return r
	}
	return 0
}
