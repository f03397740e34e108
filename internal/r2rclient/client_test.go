package r2rclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockR2R создаёт mock HTTP-сервер R2R.
func setupMockR2R(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:   baseURL + "/",
		APIKey:    "test-key",
		Timeout:   5 * time.Second,
		ChunkRate: 1000,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func writeResults(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"results": v})
}

// TestClient_Ingest проверяет multipart-загрузку (POST /v3/documents).
func TestClient_Ingest(t *testing.T) {
	server := setupMockR2R(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/documents" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ошибка разбора формы: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("id"); got != "doc-1" {
			t.Errorf("id = %q, ожидался doc-1", got)
		}
		if got := r.FormValue("collection_ids"); got != `["col-1"]` {
			t.Errorf("collection_ids = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("файл не передан: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "%PDF-1.7 test" {
			t.Errorf("содержимое файла = %q", data)
		}
		if header.Filename != "report.pdf" {
			t.Errorf("filename = %q", header.Filename)
		}

		writeResults(w, IngestResponse{TaskID: "t1", Status: TaskProcessing, Message: "accepted"})
	})

	client := newTestClient(t, server.URL)
	resp, err := client.Ingest(context.Background(), IngestRequest{
		DocumentID:   "doc-1",
		FileName:     "report.pdf",
		ContentType:  "application/pdf",
		CollectionID: "col-1",
		Metadata:     map[string]string{"user_id": "u1"},
	}, strings.NewReader("%PDF-1.7 test"))
	if err != nil {
		t.Fatalf("Ingest() ошибка: %v", err)
	}
	if resp.TaskID != "t1" || resp.Status != TaskProcessing {
		t.Errorf("Ingest() = %+v", resp)
	}
}

// TestClient_APIError проверяет разбор ошибок R2R и Retry-After.
func TestClient_APIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		retryAfter  string
		body        string
		wantMessage string
		wantRetry   time.Duration
	}{
		{"429 с Retry-After", http.StatusTooManyRequests, "7", `{"detail":"rate limited"}`, "rate limited", 7 * time.Second},
		{"413 с message", http.StatusRequestEntityTooLarge, "", `{"message":"file too large"}`, "file too large", 0},
		{"500 текстом", http.StatusInternalServerError, "", "boom", "boom", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupMockR2R(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			client := newTestClient(t, server.URL)
			_, err := client.TaskStatus(context.Background(), "t1")
			apiErr, ok := AsAPIError(err)
			if !ok {
				t.Fatalf("ожидалась *APIError, получено %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, ожидался %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, ожидалось %q", apiErr.Message, tt.wantMessage)
			}
			if apiErr.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, ожидалось %v", apiErr.RetryAfter, tt.wantRetry)
			}
		})
	}
}

// TestClient_TaskStatus проверяет GET /v3/tasks/{id}.
func TestClient_TaskStatus(t *testing.T) {
	server := setupMockR2R(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/tasks/t1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeResults(w, map[string]any{"status": "completed", "document_id": "d1"})
	})

	status, err := newTestClient(t, server.URL).TaskStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TaskStatus() ошибка: %v", err)
	}
	if status.Status != TaskCompleted || status.DocumentID != "d1" || status.TaskID != "t1" {
		t.Errorf("TaskStatus() = %+v", status)
	}
}

// TestClient_DeleteDocument проверяет DELETE /v3/documents/{id}.
func TestClient_DeleteDocument(t *testing.T) {
	var called bool
	server := setupMockR2R(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/v3/documents/d1" {
			called = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	if err := newTestClient(t, server.URL).DeleteDocument(context.Background(), "d1"); err != nil {
		t.Fatalf("DeleteDocument() ошибка: %v", err)
	}
	if !called {
		t.Error("DELETE не был выполнен")
	}
}

// TestClient_NetworkError проверяет классификацию сетевых ошибок.
func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestClient(t, url).Health(context.Background())
	if err == nil {
		t.Fatal("ожидалась ошибка подключения")
	}
	if !IsNetworkError(err) {
		t.Errorf("IsNetworkError(%v) = false", err)
	}
	if _, ok := AsAPIError(err); ok {
		t.Error("сетевая ошибка не должна быть *APIError")
	}
}

func TestClient_CheckReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"response":"ok"}}`))
	}))
	client := newTestClient(t, server.URL)

	if status, _ := client.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %s, ожидался ok", status)
	}
	server.Close()
	if status, _ := client.CheckReady(); status != "degraded" {
		t.Errorf("CheckReady() после остановки R2R = %s, ожидался degraded", status)
	}
}

// mockChunkServer — mock R2R для chunked-загрузки.
type mockChunkServer struct {
	mu        sync.Mutex
	sessions  map[string][][]byte
	completed bool
}

func (m *mockChunkServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v3/documents/uploads":
			var req initUploadRequest
			json.NewDecoder(r.Body).Decode(&req)
			id := "up-" + req.FileName
			m.sessions[id] = make([][]byte, req.TotalChunks)
			writeResults(w, UploadSession{UploadID: id, TotalChunks: req.TotalChunks, ChunkSize: req.ChunkSize})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v3/documents/uploads/"):
			parts := strings.Split(r.URL.Path, "/")
			id, idx := parts[4], parts[6]
			chunks, ok := m.sessions[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 || n >= len(chunks) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			chunks[n], _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/complete"):
			m.completed = true
			writeResults(w, IngestResponse{TaskID: "t-chunked", Status: TaskProcessing})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// TestClient_IngestChunked проверяет загрузку частями и продолжение после сбоя.
func TestClient_IngestChunked(t *testing.T) {
	mock := &mockChunkServer{sessions: make(map[string][][]byte)}
	server := setupMockR2R(t, mock.handler())
	client := newTestClient(t, server.URL)

	content := bytes.Repeat([]byte("0123456789"), 25) // 250 байт, 3 части по 100
	req := IngestRequest{FileName: "big.pdf", ContentType: "application/pdf", Size: int64(len(content))}

	// Первая попытка обрывается после первой части
	var saved ChunkProgress
	errStop := errors.New("остановка")
	_, err := client.IngestChunked(context.Background(), req, bytes.NewReader(content), 100, nil,
		func(p ChunkProgress) error {
			saved = p
			if p.ChunksDone == 1 {
				return errStop
			}
			return nil
		})
	if !errors.Is(err, errStop) {
		t.Fatalf("ожидалась ошибка остановки, получено %v", err)
	}
	if saved.UploadID == "" || saved.TotalChunks != 3 || saved.ChunksDone != 1 {
		t.Fatalf("прогресс после сбоя = %+v", saved)
	}

	// Продолжение с сохранённого прогресса
	resp, err := client.IngestChunked(context.Background(), req, bytes.NewReader(content), 100, &saved,
		func(p ChunkProgress) error { saved = p; return nil })
	if err != nil {
		t.Fatalf("IngestChunked() ошибка: %v", err)
	}
	if resp.TaskID != "t-chunked" {
		t.Errorf("TaskID = %q", resp.TaskID)
	}
	if saved.ChunksDone != 3 {
		t.Errorf("ChunksDone = %d, ожидалось 3", saved.ChunksDone)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if !mock.completed {
		t.Error("CompleteUpload не вызван")
	}
	got := bytes.Join(mock.sessions["up-big.pdf"], nil)
	if !bytes.Equal(got, content) {
		t.Errorf("собранный файл (%d байт) не совпадает с исходным (%d байт)", len(got), len(content))
	}
}

// TestClient_IngestChunked_ExpiredSession проверяет повтор с новой сессией после 404.
func TestClient_IngestChunked_ExpiredSession(t *testing.T) {
	mock := &mockChunkServer{sessions: make(map[string][][]byte)}
	server := setupMockR2R(t, mock.handler())
	client := newTestClient(t, server.URL)

	content := bytes.Repeat([]byte("a"), 150)
	req := IngestRequest{FileName: "expired.pdf", Size: int64(len(content))}
	stale := &ChunkProgress{UploadID: "up-unknown", TotalChunks: 2, ChunksDone: 1}

	resp, err := client.IngestChunked(context.Background(), req, bytes.NewReader(content), 100, stale, nil)
	if err != nil {
		t.Fatalf("IngestChunked() ошибка: %v", err)
	}
	if resp.TaskID != "t-chunked" {
		t.Errorf("TaskID = %q", resp.TaskID)
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size, chunk int64
		want        int
	}{
		{0, 5, 0},
		{5, 5, 1},
		{6, 5, 2},
		{11 * 1024 * 1024, 5 * 1024 * 1024, 3},
	}
	for _, tt := range tests {
		if got := TotalChunks(tt.size, tt.chunk); got != tt.want {
			t.Errorf("TotalChunks(%d, %d) = %d, ожидалось %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("", now); got != 0 {
		t.Errorf("пустое значение: %v", got)
	}
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Errorf("секунды: %v", got)
	}
	date := now.Add(time.Minute).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != time.Minute {
		t.Errorf("HTTP-дата: %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Errorf("некорректное значение: %v", got)
	}
}
