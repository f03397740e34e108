// Пакет storage — источники загруженных файлов для отправки в R2R:
// локальная файловая система и MinIO/S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound — файл отсутствует в хранилище.
var ErrNotFound = errors.New("файл не найден в хранилище")

// FileSource — хранилище, из которого читаются загруженные файлы.
// Возвращаемый поток поддерживает Seek для продолжения chunked-загрузки.
type FileSource interface {
	// Open открывает файл по пути из элемента очереди.
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)
	// CheckReady проверяет доступность хранилища для health endpoint.
	CheckReady() (status string, message string)
}

// LocalSource — файлы в каталоге на диске.
type LocalSource struct {
	// root — корневой каталог загрузок (RI_STORAGE_LOCAL_ROOT)
	root string
}

// NewLocalSource создаёт источник файлов в каталоге root.
// Создаёт каталог, если он не существует.
func NewLocalSource(root string) (*LocalSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("некорректный каталог хранилища %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог хранилища %s: %w", abs, err)
	}
	return &LocalSource{root: abs}, nil
}

// Root возвращает корневой каталог.
func (s *LocalSource) Root() string {
	return s.root
}

// Open реализует FileSource. Путь вне корневого каталога отклоняется.
func (s *LocalSource) Open(_ context.Context, path string) (io.ReadSeekCloser, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	return f, nil
}

// CheckReady реализует FileSource.
func (s *LocalSource) CheckReady() (status string, message string) {
	info, err := os.Stat(s.root)
	if err != nil {
		return "fail", fmt.Sprintf("каталог хранилища недоступен: %v", err)
	}
	if !info.IsDir() {
		return "fail", "путь хранилища не является каталогом"
	}
	return "ok", "каталог доступен"
}

// resolve возвращает абсолютный путь файла внутри root.
func (s *LocalSource) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: пустой путь", ErrNotFound)
	}
	fullPath := filepath.Join(s.root, filepath.Clean("/"+path))
	if fullPath != s.root && !strings.HasPrefix(fullPath, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: путь %s вне хранилища", ErrNotFound, path)
	}
	return fullPath, nil
}
