package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// FilesystemTransport implements Transport using the local filesystem
type FilesystemTransport struct {
	rootDir string
	baseURL string
}

// NewFilesystemTransport creates a filesystem transport. Files are served by
// something else under baseURL; when baseURL is empty file:// URLs are
// returned.
func NewFilesystemTransport(rootDir, baseURL string) (*FilesystemTransport, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	return &FilesystemTransport{rootDir: abs, baseURL: baseURL}, nil
}

// Put implements Transport
func (f *FilesystemTransport) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", errs.Validation("%v", err)
	}

	target := filepath.Join(f.rootDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", errs.Transport("blob.put", fmt.Errorf("failed to create file directory: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", errs.Transport("blob.put", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", errs.Transport("blob.put", fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Transport("blob.put", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errs.Transport("blob.put", err)
	}

	if f.baseURL == "" {
		return "file://" + filepath.ToSlash(target), nil
	}
	return joinURL(f.baseURL, key), nil
}

// Delete implements Transport
func (f *FilesystemTransport) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return errs.Validation("%v", err)
	}
	err = os.Remove(filepath.Join(f.rootDir, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Transport("blob.delete", err)
	}
	return nil
}

// Open returns the stored bytes of key
func (f *FilesystemTransport) Open(key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	file, err := os.Open(filepath.Join(f.rootDir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.NotFound("file", key)
	}
	if err != nil {
		return nil, errs.Transport("blob.open", err)
	}
	return file, nil
}
