package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/r2r-ingest/internal/config"
	"github.com/bigkaa/r2r-ingest/internal/database"
	"github.com/bigkaa/r2r-ingest/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("r2r_ingest_test"),
		postgres.WithUsername("cleverdocs"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("RI_DB_HOST", host)
	t.Setenv("RI_DB_PORT", port.Port())
	t.Setenv("RI_DB_NAME", "r2r_ingest_test")
	t.Setenv("RI_DB_USER", "cleverdocs")
	t.Setenv("RI_DB_PASSWORD", "test-password")
	t.Setenv("RI_DB_SSL_MODE", "disable")
	t.Setenv("RI_R2R_BASE_URL", "http://localhost:7272")
	t.Setenv("RI_JWT_JWKS_URL", "http://localhost:8080/certs")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newItem создаёт элемент очереди для тестов.
func newItem(userID string, priority model.Priority, createdAt time.Time) *model.QueueItem {
	return &model.QueueItem{
		ID:               uuid.New().String(),
		DocumentID:       uuid.New().String(),
		FileID:           uuid.New().String(),
		UserID:           userID,
		FileName:         "report.pdf",
		OriginalFileName: "Отчёт.pdf",
		StoragePath:      "uploads/report.pdf",
		FileSize:         2 * 1024 * 1024,
		ContentType:      "application/pdf",
		UploadedAt:       createdAt,
		Priority:         priority,
		Status:           model.StatusQueued,
		CreatedAt:        createdAt,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		ErrorCategory:    model.ErrorNone,
		Metadata:         map[string]string{"source": "test"},
	}
}

// --- Общие проверки для обеих реализаций ---

func testDispatchOrder(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	low := newItem("user-order", model.PriorityLow, base)
	critical := newItem("user-order", model.PriorityCritical, base)
	normalOld := newItem("user-order", model.PriorityNormal, base)
	normalNew := newItem("user-order", model.PriorityNormal, base.Add(time.Second))

	for _, item := range []*model.QueueItem{low, normalNew, critical, normalOld} {
		if err := repo.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
	}

	items, err := repo.ListActive(ctx, "user-order")
	if err != nil {
		t.Fatalf("ListActive() ошибка: %v", err)
	}
	want := []string{critical.ID, normalOld.ID, normalNew.ID, low.ID}
	if len(items) != len(want) {
		t.Fatalf("ListActive() вернул %d элементов, ожидалось %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("позиция %d: %s (%s), ожидался %s", i, items[i].ID, items[i].Priority, id)
		}
	}
}

func testClaimOnce(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	item := newItem("user-claim", model.PriorityNormal, time.Now().UTC())
	if err := repo.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Claim(ctx, item.ID, time.Now().UTC())
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Claim() неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("элемент захвачен %d раз, ожидался 1", claimed)
	}

	got, err := repo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != model.StatusProcessing || got.StartedAt == nil {
		t.Errorf("после Claim: status = %s, started_at = %v", got.Status, got.StartedAt)
	}
}

func testClaimRespectsNextRetry(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	now := time.Now().UTC()
	item := newItem("user-delay", model.PriorityNormal, now)
	next := now.Add(time.Minute)
	item.Status = model.StatusRetrying
	item.NextRetryAt = &next
	if err := repo.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}

	if _, err := repo.Claim(ctx, item.ID, now); !errors.Is(err, ErrConflict) {
		t.Errorf("Claim() до next_retry_at: ошибка = %v, ожидалась ErrConflict", err)
	}
	if _, err := repo.Claim(ctx, item.ID, next.Add(time.Second)); err != nil {
		t.Errorf("Claim() после next_retry_at: %v", err)
	}
	if _, err := repo.Claim(ctx, uuid.New().String(), now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Claim() несуществующего: ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func testOptimisticUpdate(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	item := newItem("user-update", model.PriorityHigh, time.Now().UTC())
	if err := repo.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}

	first, _ := repo.GetByID(ctx, item.ID)
	second, _ := repo.GetByID(ctx, item.ID)

	task := "task-1"
	first.R2RTaskID = &task
	first.Metadata["chunk_session"] = "s-1"
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	if first.Version != second.Version+1 {
		t.Errorf("Version = %d, ожидалось %d", first.Version, second.Version+1)
	}

	second.LastError = "устаревшая запись"
	if err := repo.Update(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("Update() устаревшей версии: ошибка = %v, ожидалась ErrConflict", err)
	}

	got, _ := repo.GetByID(ctx, item.ID)
	if got.R2RTaskID == nil || *got.R2RTaskID != task {
		t.Errorf("R2RTaskID = %v, ожидался %s", got.R2RTaskID, task)
	}
	if got.Metadata["chunk_session"] != "s-1" {
		t.Errorf("Metadata = %v, ожидался chunk_session", got.Metadata)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, устаревшая запись не должна сохраниться", got.LastError)
	}
}

func testCancel(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	item := newItem("user-cancel", model.PriorityNormal, time.Now().UTC())
	if err := repo.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}

	cancelled, err := repo.Cancel(ctx, item.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Cancel() ошибка: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.CompletedAt == nil {
		t.Errorf("после Cancel: status = %s, completed_at = %v", cancelled.Status, cancelled.CompletedAt)
	}
	if _, err := repo.Cancel(ctx, item.ID, time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Cancel(): ошибка = %v, ожидалась ErrConflict", err)
	}

	active, _ := repo.ListActive(ctx, "user-cancel")
	if len(active) != 0 {
		t.Errorf("ListActive() вернул %d элементов после отмены", len(active))
	}
}

func testRequeueFailed(t *testing.T, repo QueueRepository) {
	ctx := context.Background()
	session := "session-" + uuid.New().String()

	transient := newItem("user-requeue", model.PriorityNormal, time.Now().UTC())
	transient.SessionID = &session
	transient.Status = model.StatusFailed
	transient.RetryCount = 3
	transient.ErrorCategory = model.ErrorTransient
	transient.Metadata[model.MetaAuthRetries] = "1"

	invalid := newItem("user-requeue", model.PriorityNormal, time.Now().UTC())
	invalid.SessionID = &session
	invalid.Status = model.StatusFailed
	invalid.ErrorCategory = model.ErrorFileFormat

	for _, item := range []*model.QueueItem{transient, invalid} {
		if err := repo.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
	}

	n, err := repo.RequeueFailed(ctx, "user-requeue", session, time.Now().UTC())
	if err != nil {
		t.Fatalf("RequeueFailed() ошибка: %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueFailed() = %d, ожидался 1", n)
	}

	got, _ := repo.GetByID(ctx, transient.ID)
	if got.Status != model.StatusQueued {
		t.Errorf("status = %s, ожидался queued", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, должен сохраниться (3)", got.RetryCount)
	}
	if _, ok := got.Metadata[model.MetaAuthRetries]; ok {
		t.Errorf("metadata[%s] не сброшен: %v", model.MetaAuthRetries, got.Metadata)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("metadata[source] = %q, остальные ключи должны сохраниться", got.Metadata["source"])
	}
	got, _ = repo.GetByID(ctx, invalid.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("ошибка формата: status = %s, ожидался failed", got.Status)
	}

	counts, err := repo.CountByStatus(ctx, "user-requeue")
	if err != nil {
		t.Fatalf("CountByStatus() ошибка: %v", err)
	}
	if counts[model.StatusQueued] != 1 || counts[model.StatusFailed] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func runQueueContract(t *testing.T, newRepo func() QueueRepository) {
	tests := []struct {
		name string
		fn   func(*testing.T, QueueRepository)
	}{
		{"порядок отправки", testDispatchOrder},
		{"однократный захват", testClaimOnce},
		{"next_retry_at", testClaimRespectsNextRetry},
		{"оптимистичное обновление", testOptimisticUpdate},
		{"отмена", testCancel},
		{"возврат failed", testRequeueFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepo())
		})
	}
}

// --- In-memory ---

func TestMemoryQueueRepository(t *testing.T) {
	runQueueContract(t, NewMemoryQueueRepository)
}

func TestMemoryQueueRepository_GetByIDReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQueueRepository()
	item := newItem("user-copy", model.PriorityNormal, time.Now().UTC())
	if err := repo.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}

	got, _ := repo.GetByID(ctx, item.ID)
	got.Status = model.StatusCompleted
	got.Metadata["source"] = "changed"

	again, _ := repo.GetByID(ctx, item.ID)
	if again.Status != model.StatusQueued || again.Metadata["source"] != "test" {
		t.Error("изменение копии повлияло на хранимый элемент")
	}
}

func TestMemoryQueueRepository_ListPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQueueRepository()
	base := time.Now().UTC()
	for i := range 5 {
		item := newItem("user-page", model.PriorityNormal, base.Add(time.Duration(i)*time.Second))
		if err := repo.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
	}

	page, err := repo.List(ctx, model.QueueFilter{UserID: "user-page"}, 2, 1)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("List() вернул %d элементов, ожидалось 2", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("List() должен возвращать новые элементы первыми")
	}

	empty, _ := repo.List(ctx, model.QueueFilter{UserID: "user-page"}, 10, 10)
	if len(empty) != 0 {
		t.Errorf("List() за пределами выборки вернул %d элементов", len(empty))
	}
}

// --- PostgreSQL ---

func TestPostgresQueueRepository(t *testing.T) {
	pool := setupTestDB(t)
	runQueueContract(t, func() QueueRepository { return NewQueueRepository(pool) })
}

func TestRateLimitRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRateLimitRepository(pool)
	now := time.Now().UTC()

	for i := 1; i <= 2; i++ {
		w, ok, err := repo.Acquire(ctx, "r2r_ingestion", 2, time.Second, now)
		if err != nil {
			t.Fatalf("Acquire() ошибка: %v", err)
		}
		if !ok || w.RequestCount != i {
			t.Errorf("Acquire() #%d: ok = %v, count = %d", i, ok, w.RequestCount)
		}
	}

	w, ok, err := repo.Acquire(ctx, "r2r_ingestion", 2, time.Second, now.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("Acquire() ошибка: %v", err)
	}
	if ok {
		t.Error("Acquire() сверх бюджета должен быть отклонён")
	}
	if w.RequestCount != 2 {
		t.Errorf("RequestCount = %d, ожидалось 2", w.RequestCount)
	}

	w, ok, err = repo.Acquire(ctx, "r2r_ingestion", 2, time.Second, now.Add(1100*time.Millisecond))
	if err != nil {
		t.Fatalf("Acquire() ошибка: %v", err)
	}
	if !ok || w.RequestCount != 1 {
		t.Errorf("после окна: ok = %v, count = %d", ok, w.RequestCount)
	}

	if err := repo.Reset(ctx, "r2r_ingestion"); err != nil {
		t.Fatalf("Reset() ошибка: %v", err)
	}
	if got, err := repo.Get(ctx, "r2r_ingestion"); err != nil || got != nil {
		t.Errorf("Get() после Reset = %v, %v", got, err)
	}
}
