package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// Store — хранилище окон лимитера.
// Реализации: MemoryStore (один процесс) и repository.RateLimitRepository
// (PostgreSQL, общий бюджет для всех экземпляров).
type Store interface {
	// Acquire учитывает один запрос класса, если бюджет окна не исчерпан.
	// Истёкшее окно начинается заново с момента now.
	Acquire(ctx context.Context, class string, maxRequests int, window time.Duration, now time.Time) (model.RateLimitWindow, bool, error)
	// Get возвращает окно класса или nil, если запросов ещё не было.
	Get(ctx context.Context, class string) (*model.RateLimitWindow, error)
	// Reset удаляет окно класса.
	Reset(ctx context.Context, class string) error
}

// MemoryStore — окна лимитера в памяти процесса.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*model.RateLimitWindow
}

// NewMemoryStore создаёт пустое in-memory хранилище окон.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*model.RateLimitWindow)}
}

// Acquire реализует Store.
func (s *MemoryStore) Acquire(_ context.Context, class string, maxRequests int, window time.Duration, now time.Time) (model.RateLimitWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[class]
	if !ok {
		w = &model.RateLimitWindow{OperationClass: class, WindowStart: now}
		s.windows[class] = w
	}
	if !now.Before(w.WindowStart.Add(window)) {
		w.WindowStart = now
		w.RequestCount = 0
	}
	w.MaxRequests = maxRequests

	if w.RequestCount >= maxRequests {
		return *w, false, nil
	}
	w.RequestCount++
	return *w, true, nil
}

// Get реализует Store.
func (s *MemoryStore) Get(_ context.Context, class string) (*model.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[class]
	if !ok {
		return nil, nil
	}
	c := *w
	return &c, nil
}

// Reset реализует Store.
func (s *MemoryStore) Reset(_ context.Context, class string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, class)
	return nil
}
