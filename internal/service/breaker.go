// breaker.go — circuit breaker отправки в R2R: после threshold подряд
// идущих сбоев R2R отправка откладывается на openFor.
package service

import (
	"sync"
	"time"
)

type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	openFor   time.Duration
	failures  int
	openUntil time.Time
}

func newCircuitBreaker(threshold int, openFor time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, openFor: openFor}
}

// Allow сообщает, разрешена ли отправка в момент now.
func (b *circuitBreaker) Allow(now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.openUntil)
}

// RecordSuccess сбрасывает счётчик сбоев.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure учитывает сбой. Возвращает true, если breaker открылся.
func (b *circuitBreaker) RecordFailure(now time.Time) bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.failures = 0
	b.openUntil = now.Add(b.openFor)
	return true
}

// State возвращает момент закрытия, если breaker открыт.
func (b *circuitBreaker) State(now time.Time) (open bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}
