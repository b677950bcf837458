package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a storage reference points at nothing.
var ErrNotFound = errors.New("blob not found")

// Storage keeps uploaded files under opaque keys.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ReadAll opens key and returns its full contents.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// validKey rejects keys that could escape the storage root.
func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) || key == "." || key == ".." {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
