package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// TestLocalSource_Open проверяет чтение файла и Seek.
func TestLocalSource_Open(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "user-1"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "user-1", "report.pdf"), []byte("0123456789"), 0o640); err != nil {
		t.Fatal(err)
	}

	src, err := NewLocalSource(root)
	if err != nil {
		t.Fatalf("ошибка создания LocalSource: %v", err)
	}

	f, err := src.Open(context.Background(), "user-1/report.pdf")
	if err != nil {
		t.Fatalf("Open() ошибка: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(5, io.SeekStart); err != nil {
		t.Fatalf("Seek() ошибка: %v", err)
	}
	data, _ := io.ReadAll(f)
	if string(data) != "56789" {
		t.Errorf("прочитано %q, ожидалось 56789", data)
	}
}

// TestLocalSource_NotFound проверяет отсутствующий файл и выход за корень.
func TestLocalSource_NotFound(t *testing.T) {
	src, err := NewLocalSource(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	paths := []string{"missing.pdf", "", "../../etc/passwd"}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			_, err := src.Open(context.Background(), p)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Open(%q): ошибка = %v, ожидалась ErrNotFound", p, err)
			}
		})
	}
}

// TestLocalSource_CheckReady проверяет готовность каталога.
func TestLocalSource_CheckReady(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	src, err := NewLocalSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	if status, msg := src.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %s, %s", status, msg)
	}

	os.RemoveAll(dir)
	if status, _ := src.CheckReady(); status != "fail" {
		t.Errorf("CheckReady() после удаления каталога = %s, ожидался fail", status)
	}
}
