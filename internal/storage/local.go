package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNoFile is returned when an upload has no readable content source.
var ErrNoFile = errors.New("no file provided")

// FileStore persists uploaded files and returns where they live.
type FileStore interface {
	Save(ctx context.Context, body io.Reader, originalName string) (string, error)
}

// LocalStore keeps uploads on local disk under randomized names.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

// Dir returns the absolute upload directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Save writes body to a new file named by a random 32-hex-char id plus the
// original extension. The returned path is absolute.
func (s *LocalStore) Save(ctx context.Context, body io.Reader, originalName string) (string, error) {
	if body == nil {
		return "", ErrNoFile
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, randomName(originalName))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return path, nil
}

func randomName(originalName string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id + strings.ToLower(filepath.Ext(originalName))
}
