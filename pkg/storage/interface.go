package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUploadNotSupported is returned by drivers that cannot presign uploads.
var ErrUploadNotSupported = errors.New("presigned upload not supported by this storage driver")

// Storage is the object-store surface the gateway needs for media
// attachments. Objects are written by clients; the gateway only checks
// and links them.
type Storage interface {
	// Write stores content from the reader with the given key.
	// size is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Exists checks if content with the given key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns a URL for reading the content, valid for expires when
	// the driver presigns.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// GetUploadURL returns a URL the client can PUT the content to.
	GetUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
}

// Config selects and configures a storage driver.
type Config struct {
	Driver string      `mapstructure:"driver"` // none, local, s3
	Local  LocalConfig `mapstructure:"local"`
	S3     S3Config    `mapstructure:"s3"`
}

// New builds the configured driver. Driver "none" (or empty) returns nil,
// nil: media references are then accepted without verification.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalStorage(cfg.Local)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
