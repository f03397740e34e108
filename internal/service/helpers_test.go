package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/r2r-ingest/internal/domain/model"
	"github.com/bigkaa/r2r-ingest/internal/events"
	"github.com/bigkaa/r2r-ingest/internal/r2rclient"
	"github.com/bigkaa/r2r-ingest/internal/ratelimit"
	"github.com/bigkaa/r2r-ingest/internal/repository"
	"github.com/bigkaa/r2r-ingest/internal/storage"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeR2R — управляемая реализация R2RClient.
type fakeR2R struct {
	mu          sync.Mutex
	ingested    []string
	statusCalls int
	deleted     []string

	ingestFn  func(req r2rclient.IngestRequest) (*r2rclient.IngestResponse, error)
	chunkedFn func(req r2rclient.IngestRequest, progress *r2rclient.ChunkProgress,
		onChunk func(r2rclient.ChunkProgress) error) (*r2rclient.IngestResponse, error)
	statusFn func(taskID string) (*r2rclient.TaskStatus, error)
	deleteFn func(documentID string) error
}

func (f *fakeR2R) Ingest(_ context.Context, req r2rclient.IngestRequest, file io.Reader) (*r2rclient.IngestResponse, error) {
	if _, err := io.Copy(io.Discard, file); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.ingested = append(f.ingested, req.FileName)
	fn := f.ingestFn
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &r2rclient.IngestResponse{TaskID: "task-" + req.FileName, Status: r2rclient.TaskProcessing}, nil
}

func (f *fakeR2R) IngestChunked(_ context.Context, req r2rclient.IngestRequest, _ io.ReadSeeker, _ int64,
	progress *r2rclient.ChunkProgress, onChunk func(r2rclient.ChunkProgress) error) (*r2rclient.IngestResponse, error) {
	f.mu.Lock()
	f.ingested = append(f.ingested, req.FileName)
	fn := f.chunkedFn
	f.mu.Unlock()

	if fn != nil {
		return fn(req, progress, onChunk)
	}
	return &r2rclient.IngestResponse{TaskID: "task-" + req.FileName}, nil
}

func (f *fakeR2R) TaskStatus(_ context.Context, taskID string) (*r2rclient.TaskStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(taskID)
	}
	return &r2rclient.TaskStatus{TaskID: taskID, Status: r2rclient.TaskProcessing}, nil
}

func (f *fakeR2R) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, documentID)
	fn := f.deleteFn
	f.mu.Unlock()

	if fn != nil {
		return fn(documentID)
	}
	return nil
}

func (f *fakeR2R) ingestedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ingested...)
}

// fakeFiles — хранилище файлов в памяти.
type fakeFiles struct {
	mu   sync.Mutex
	data map[string][]byte
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func (f *fakeFiles) Open(_ context.Context, path string) (io.ReadSeekCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return nopSeekCloser{bytes.NewReader(data)}, nil
}

func (f *fakeFiles) CheckReady() (string, string) {
	return "ok", "в памяти"
}

func (f *fakeFiles) put(path string, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = bytes.Repeat([]byte("x"), size)
}

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// failingUpdateQueue — очередь, у которой следующие failNext вызовов Update
// завершаются ошибкой соединения.
type failingUpdateQueue struct {
	repository.QueueRepository

	mu       sync.Mutex
	failNext int
}

func (q *failingUpdateQueue) Update(ctx context.Context, item *model.QueueItem) error {
	q.mu.Lock()
	if q.failNext > 0 {
		q.failNext--
		q.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	q.mu.Unlock()
	return q.QueueRepository.Update(ctx, item)
}

func (q *failingUpdateQueue) failUpdates(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNext = n
}

// testEnv — сервис обработки поверх in-memory зависимостей.
type testEnv struct {
	svc   *ProcessingService
	queue repository.QueueRepository
	r2r   *fakeR2R
	files *fakeFiles
	pub   *recordingPublisher
	clock *fakeClock
}

func defaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		MaxRetries:         3,
		RetryBaseDelay:     5 * time.Second,
		ChunkSize:          5 * 1024 * 1024,
		LargeFileThreshold: 10 * 1024 * 1024,
	}
}

func newTestEnv(t *testing.T, cfg ProcessingConfig) *testEnv {
	t.Helper()
	return newTestEnvWithLimiter(t, cfg, ratelimit.Config{Enabled: false, Window: time.Second, DefaultMax: 10})
}

func newTestEnvWithLimiter(t *testing.T, cfg ProcessingConfig, limiterCfg ratelimit.Config) *testEnv {
	t.Helper()
	return newTestEnvWithQueue(t, cfg, limiterCfg, repository.NewMemoryQueueRepository())
}

func newTestEnvWithQueue(t *testing.T, cfg ProcessingConfig, limiterCfg ratelimit.Config,
	queue repository.QueueRepository) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	env := &testEnv{
		queue: queue,
		r2r:   &fakeR2R{},
		files: &fakeFiles{data: make(map[string][]byte)},
		pub:   &recordingPublisher{},
		clock: clock,
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), limiterCfg, testLogger(), ratelimit.WithClock(clock.Now))
	env.svc = NewProcessingService(env.queue, env.r2r, env.files, limiter, env.pub, cfg, testLogger(),
		WithClock(clock.Now))
	return env
}

// enqueue ставит в очередь файл заданного размера.
func (e *testEnv) enqueue(t *testing.T, name string, size int, priority model.Priority) *model.QueueItem {
	t.Helper()
	path := "uploads/" + name
	e.files.put(path, size)
	item, err := e.svc.Enqueue(context.Background(), EnqueueRequest{
		UserID:      "user-1",
		FileName:    name,
		StoragePath: path,
		FileSize:    int64(size),
		ContentType: "application/pdf",
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) ошибка: %v", name, err)
	}
	return item
}

func (e *testEnv) get(t *testing.T, id string) *model.QueueItem {
	t.Helper()
	item, err := e.queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) ошибка: %v", id, err)
	}
	return item
}

func (e *testEnv) newWorker(maxConcurrent int) *Worker {
	return NewWorker(e.svc, e.queue, WorkerConfig{
		MaxConcurrent:  maxConcurrent,
		ActiveInterval: 10 * time.Millisecond,
		IdleInterval:   20 * time.Millisecond,
		ErrorCooldown:  20 * time.Millisecond,
	}, testLogger())
}
