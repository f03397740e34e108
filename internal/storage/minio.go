package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig — параметры подключения к MinIO/S3.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioSource — файлы в бакете MinIO/S3. Путь элемента очереди — ключ объекта.
type MinioSource struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioSource подключается к MinIO и проверяет наличие бакета.
func NewMinioSource(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки бакета %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("бакет %s не существует", cfg.Bucket)
	}

	logger.Info("Подключение к MinIO установлено",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &MinioSource{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "minio_source")),
	}, nil
}

// Open реализует FileSource. *minio.Object поддерживает Seek.
func (s *MinioSource) Open(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", path, err)
	}

	// GetObject ленивый: отсутствие объекта обнаруживается при Stat
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("ошибка чтения метаданных объекта %s: %w", path, err)
	}
	return obj, nil
}

// CheckReady реализует FileSource.
func (s *MinioSource) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "fail", fmt.Sprintf("MinIO недоступен: %v", err)
	}
	if !exists {
		return "fail", fmt.Sprintf("бакет %s не найден", s.bucket)
	}
	return "ok", "бакет доступен"
}
