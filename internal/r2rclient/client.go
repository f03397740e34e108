// Пакет r2rclient — HTTP-клиент R2R API v3.
// Операции: загрузка документа (multipart), chunked-загрузка больших файлов,
// статус асинхронной задачи, удаление документа, health.
// Поддерживает TLS с кастомным CA (RI_R2R_CA_CERT_PATH).
package r2rclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config — параметры клиента R2R.
type Config struct {
	// BaseURL — базовый URL R2R API
	BaseURL string
	// APIKey — ключ API (пусто — без авторизации)
	APIKey string
	// Timeout — таймаут одного HTTP-запроса
	Timeout time.Duration
	// CACertPath — путь к CA-сертификату (пусто — системный пул)
	CACertPath string
	// ChunkRate — максимум загружаемых частей в секунду
	ChunkRate float64
}

// Client — HTTP-клиент R2R.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	chunkLimiter *rate.Limiter
	logger       *slog.Logger
}

// New создаёт клиент R2R.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}

	if cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата R2R: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат R2R добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	chunkRate := cfg.ChunkRate
	if chunkRate <= 0 {
		chunkRate = 4
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		chunkLimiter: rate.NewLimiter(rate.Limit(chunkRate), 1),
		logger:       logger.With(slog.String("component", "r2r_client")),
	}, nil
}

// BaseURL возвращает базовый URL R2R (для health-проверок).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ingest загружает документ целиком.
// POST /v3/documents (multipart/form-data).
func (c *Client) Ingest(ctx context.Context, req IngestRequest, file io.Reader) (*IngestResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeIngestForm(mw, req, file))
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v3/documents", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("создание запроса Ingest: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp envelope[IngestResponse]
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("Документ отправлен в R2R",
		slog.String("file_name", req.FileName),
		slog.String("task_id", resp.Results.TaskID),
		slog.String("document_id", resp.Results.DocumentID),
	)
	return &resp.Results, nil
}

// TaskStatus возвращает состояние асинхронной задачи.
// GET /v3/tasks/{id}.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v3/tasks/"+url.PathEscape(taskID), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса TaskStatus: %w", err)
	}

	var resp envelope[TaskStatus]
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	if resp.Results.TaskID == "" {
		resp.Results.TaskID = taskID
	}
	return &resp.Results, nil
}

// DeleteDocument удаляет документ из R2R.
// DELETE /v3/documents/{id}.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, "/v3/documents/"+url.PathEscape(documentID), http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса DeleteDocument: %w", err)
	}
	return c.do(httpReq, nil)
}

// Health проверяет доступность R2R.
// GET /v3/health.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v3/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса Health: %w", err)
	}
	return c.do(httpReq, nil)
}

// CheckReady проверяет доступность R2R для readiness probe.
// Недоступный R2R — "degraded": очередь продолжает принимать файлы.
func (c *Client) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		return "degraded", fmt.Sprintf("R2R недоступен: %v", err)
	}
	return "ok", "R2R доступен"
}

// newRequest создаёт запрос к R2R с авторизацией.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// do выполняет запрос и декодирует JSON-ответ в out (если не nil).
// Ответ с кодом не 2xx возвращается как *APIError.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации R2R
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// newAPIError формирует *APIError из ответа R2R.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := strings.TrimSpace(string(body))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			message = eb.Message
		case eb.Detail != nil:
			if s, ok := eb.Detail.(string); ok {
				message = s
			} else if b, err := json.Marshal(eb.Detail); err == nil {
				message = string(b)
			}
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// writeIngestForm пишет multipart-форму загрузки документа.
func writeIngestForm(mw *multipart.Writer, req IngestRequest, file io.Reader) error {
	if req.DocumentID != "" {
		if err := mw.WriteField("id", req.DocumentID); err != nil {
			return err
		}
	}
	if req.CollectionID != "" {
		ids, _ := json.Marshal([]string{req.CollectionID})
		if err := mw.WriteField("collection_ids", string(ids)); err != nil {
			return err
		}
	}
	if len(req.Metadata) > 0 {
		md, err := json.Marshal(req.Metadata)
		if err != nil {
			return err
		}
		if err := mw.WriteField("metadata", string(md)); err != nil {
			return err
		}
	}
	if len(req.IngestionConfig) > 0 {
		ic, err := json.Marshal(req.IngestionConfig)
		if err != nil {
			return err
		}
		if err := mw.WriteField("ingestion_config", string(ic)); err != nil {
			return err
		}
	}
	if err := mw.WriteField("run_with_orchestration", "true"); err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(req.FileName)))
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("чтение файла: %w", err)
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
