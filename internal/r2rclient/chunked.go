// chunked.go — chunked-загрузка больших файлов в R2R:
// инициализация сессии, загрузка частей с ограничением скорости, завершение.
// Прогресс сессии возвращается вызывающему, чтобы прерванную загрузку
// можно было продолжить с первой незагруженной части.
package r2rclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// ChunkProgress — состояние chunked-загрузки между попытками.
type ChunkProgress struct {
	// UploadID — сессия загрузки R2R
	UploadID string
	// TotalChunks — всего частей
	TotalChunks int
	// ChunksDone — загружено частей (следующая часть имеет этот индекс)
	ChunksDone int
}

// initUploadRequest — тело POST /v3/documents/uploads.
type initUploadRequest struct {
	ID              string            `json:"id,omitempty"`
	FileName        string            `json:"file_name"`
	ContentType     string            `json:"content_type"`
	Size            int64             `json:"size"`
	ChunkSize       int64             `json:"chunk_size"`
	TotalChunks     int               `json:"total_chunks"`
	CollectionIDs   []string          `json:"collection_ids,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IngestionConfig map[string]any    `json:"ingestion_config,omitempty"`
}

// TotalChunks возвращает количество частей для файла размера size.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// InitUpload открывает сессию chunked-загрузки.
// POST /v3/documents/uploads.
func (c *Client) InitUpload(ctx context.Context, req IngestRequest, chunkSize int64) (*UploadSession, error) {
	body := initUploadRequest{
		ID:              req.DocumentID,
		FileName:        req.FileName,
		ContentType:     req.ContentType,
		Size:            req.Size,
		ChunkSize:       chunkSize,
		TotalChunks:     TotalChunks(req.Size, chunkSize),
		Metadata:        req.Metadata,
		IngestionConfig: req.IngestionConfig,
	}
	if req.CollectionID != "" {
		body.CollectionIDs = []string{req.CollectionID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("сериализация InitUpload: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v3/documents/uploads", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("создание запроса InitUpload: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp envelope[UploadSession]
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	if resp.Results.UploadID == "" {
		return nil, errors.New("R2R не вернул upload_id")
	}
	if resp.Results.TotalChunks == 0 {
		resp.Results.TotalChunks = body.TotalChunks
	}
	if resp.Results.ChunkSize == 0 {
		resp.Results.ChunkSize = chunkSize
	}
	return &resp.Results, nil
}

// UploadChunk загружает одну часть. Скорость загрузки частей ограничена
// конфигурацией клиента, вызов ждёт своей очереди.
// PUT /v3/documents/uploads/{id}/chunks/{index}.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	if err := c.chunkLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("ожидание лимита частей: %w", err)
	}

	path := "/v3/documents/uploads/" + url.PathEscape(uploadID) + "/chunks/" + strconv.Itoa(index)
	httpReq, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("создание запроса UploadChunk: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	return c.do(httpReq, nil)
}

// CompleteUpload завершает сессию и запускает обработку документа.
// POST /v3/documents/uploads/{id}/complete.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) (*IngestResponse, error) {
	path := "/v3/documents/uploads/" + url.PathEscape(uploadID) + "/complete"
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса CompleteUpload: %w", err)
	}

	var resp envelope[IngestResponse]
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp.Results, nil
}

// IngestChunked загружает файл частями по chunkSize байт.
// progress — состояние прошлой попытки (nil или пустой UploadID — новая сессия).
// onChunk вызывается после открытия сессии и после каждой загруженной части;
// ошибка onChunk прерывает загрузку.
// Если сессия прошлой попытки истекла на стороне R2R (404), загрузка
// начинается заново.
func (c *Client) IngestChunked(ctx context.Context, req IngestRequest, file io.ReadSeeker, chunkSize int64,
	progress *ChunkProgress, onChunk func(ChunkProgress) error) (*IngestResponse, error) {
	resp, err := c.ingestChunked(ctx, req, file, chunkSize, progress, onChunk)
	if err == nil || progress == nil || progress.UploadID == "" {
		return resp, err
	}

	if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
		c.logger.Warn("Сессия chunked-загрузки не найдена, загрузка начинается заново",
			slog.String("upload_id", progress.UploadID),
			slog.String("file_name", req.FileName),
		)
		return c.ingestChunked(ctx, req, file, chunkSize, nil, onChunk)
	}
	return nil, err
}

func (c *Client) ingestChunked(ctx context.Context, req IngestRequest, file io.ReadSeeker, chunkSize int64,
	progress *ChunkProgress, onChunk func(ChunkProgress) error) (*IngestResponse, error) {
	state := ChunkProgress{}
	if progress != nil && progress.UploadID != "" {
		state = *progress
	} else {
		session, err := c.InitUpload(ctx, req, chunkSize)
		if err != nil {
			return nil, err
		}
		state = ChunkProgress{UploadID: session.UploadID, TotalChunks: session.TotalChunks}
		if onChunk != nil {
			if err := onChunk(state); err != nil {
				return nil, err
			}
		}
	}

	if _, err := file.Seek(int64(state.ChunksDone)*chunkSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("позиционирование файла: %w", err)
	}

	buf := make([]byte, chunkSize)
	for state.ChunksDone < state.TotalChunks {
		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("чтение части %d: %w", state.ChunksDone, err)
		}

		if err := c.UploadChunk(ctx, state.UploadID, state.ChunksDone, buf[:n]); err != nil {
			return nil, err
		}
		state.ChunksDone++

		if onChunk != nil {
			if err := onChunk(state); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Debug("Все части загружены",
		slog.String("upload_id", state.UploadID),
		slog.Int("chunks", state.TotalChunks),
	)
	return c.CompleteUpload(ctx, state.UploadID)
}
