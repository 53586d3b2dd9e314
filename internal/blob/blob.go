// Package blob stores uploaded media and derived artifacts.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"style-pipeline/internal/config"
)

// ErrExists is returned when a key has already been written.
var ErrExists = errors.New("blob already exists")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is write-once object storage keyed by slash-separated paths.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Open picks S3 when a bucket is configured, otherwise the local directory.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewLocal(cfg.UploadDir)
}

// CleanKey normalises a key and rejects ones that escape the store root.
func CleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return cleaned, nil
}
