package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock — управляемые часы.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(store Store, clock *fakeClock) *Limiter {
	return New(store, Config{
		Enabled:    true,
		Window:     time.Second,
		DefaultMax: 10,
		Classes:    map[string]int{ClassIngestion: 3},
	}, testLogger(), WithClock(clock.Now))
}

func TestLimiter_AdmissionAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for i := range 3 {
		if !l.Allow(ctx, ClassIngestion) {
			t.Fatalf("запрос %d должен быть допущен", i+1)
		}
	}
	if l.Allow(ctx, ClassIngestion) {
		t.Error("запрос сверх бюджета должен быть отклонён")
	}

	clock.Advance(500 * time.Millisecond)
	if l.Allow(ctx, ClassIngestion) {
		t.Error("до окончания окна запрос должен быть отклонён")
	}

	clock.Advance(500 * time.Millisecond)
	if !l.Allow(ctx, ClassIngestion) {
		t.Error("после окончания окна запрос должен быть допущен")
	}
}

func TestLimiter_ClassesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for range 3 {
		l.Allow(ctx, ClassIngestion)
	}
	if !l.Allow(ctx, ClassStatus) {
		t.Error("исчерпанный бюджет одного класса не должен влиять на другой")
	}
	if got := l.MaxFor(ClassStatus); got != 10 {
		t.Errorf("MaxFor(status) = %d, ожидается бюджет по умолчанию 10", got)
	}
}

func TestLimiter_Status(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	st := l.Status(ctx, ClassIngestion)
	if st.CurrentRequests != 0 || st.MaxRequests != 3 || st.WindowDuration != time.Second {
		t.Errorf("Status() до запросов = %+v", st)
	}

	l.Allow(ctx, ClassIngestion)
	l.Allow(ctx, ClassIngestion)
	clock.Advance(300 * time.Millisecond)

	st = l.Status(ctx, ClassIngestion)
	if st.CurrentRequests != 2 {
		t.Errorf("CurrentRequests = %d, ожидалось 2", st.CurrentRequests)
	}
	if st.TimeUntilReset != 700*time.Millisecond {
		t.Errorf("TimeUntilReset = %v, ожидалось 700ms", st.TimeUntilReset)
	}
	if st.Remaining() != 1 {
		t.Errorf("Remaining() = %d, ожидался 1", st.Remaining())
	}

	clock.Advance(time.Second)
	st = l.Status(ctx, ClassIngestion)
	if st.CurrentRequests != 0 || st.TimeUntilReset != 0 {
		t.Errorf("Status() после окна = %+v", st)
	}
}

func TestLimiter_ResetClearsWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for range 3 {
		l.Allow(ctx, ClassIngestion)
	}
	if err := l.Reset(ctx, ClassIngestion); err != nil {
		t.Fatalf("Reset() ошибка: %v", err)
	}
	if !l.Allow(ctx, ClassIngestion) {
		t.Error("после Reset() запрос должен быть допущен")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(NewMemoryStore(), Config{Enabled: false, Window: time.Second, DefaultMax: 1}, testLogger())
	ctx := context.Background()
	for range 5 {
		if !l.Allow(ctx, ClassDocument) {
			t.Fatal("выключенный лимитер должен допускать все запросы")
		}
	}
	if st := l.Status(ctx, ClassDocument); st.Enabled {
		t.Error("Status().Enabled = true для выключенного лимитера")
	}
}

// failingStore всегда возвращает ошибку.
type failingStore struct{}

func (failingStore) Acquire(context.Context, string, int, time.Duration, time.Time) (model.RateLimitWindow, bool, error) {
	return model.RateLimitWindow{}, false, errors.New("база недоступна")
}

func (failingStore) Get(context.Context, string) (*model.RateLimitWindow, error) {
	return nil, errors.New("база недоступна")
}

func (failingStore) Reset(context.Context, string) error {
	return errors.New("база недоступна")
}

func TestLimiter_StoreErrorDenies(t *testing.T) {
	l := newTestLimiter(failingStore{}, &fakeClock{now: time.Now()})
	if l.Allow(context.Background(), ClassIngestion) {
		t.Error("при ошибке хранилища запрос должен быть отклонён")
	}
}

func TestLimiter_ConcurrentAdmissions(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, ClassIngestion) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 3 {
		t.Errorf("допущено %d запросов, ожидалось 3", allowed)
	}
}
