package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/KaramelBytes/analyzethis/internal/utils"
)

// LocalStore keeps blobs as files in one directory.
type LocalStore struct {
	Dir string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates dir when missing.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}
	return &LocalStore{Dir: dir}, nil
}

func (s *LocalStore) Save(ctx context.Context, r io.Reader, suggestedName string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	key := uniqueKey(suggestedName)
	path := filepath.Join(s.Dir, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create blob: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	return key, n, nil
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.Dir, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
