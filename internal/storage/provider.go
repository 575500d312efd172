// Package storage is the archive's object store: a Service that applies the
// cryptox envelope on top of a pluggable Provider (local filesystem or
// S3-compatible object storage).
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

// Provider is a raw byte store. Implementations return common.ErrorNotFound
// from Get when the object does not exist and treat Delete of a missing
// object as success.
type Provider interface {
	Put(ctx context.Context, path string, content []byte) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Type selects the backend.
type Type string

const (
	TypeLocal Type = "local"
	TypeS3    Type = "s3"
)

// DefaultFolderName is the folder (local) or key prefix (s3) all objects live under.
const DefaultFolderName = "open-archiver"

// Config describes the storage backend and the optional encryption key.
type Config struct {
	Type       Type
	FolderName string

	// EncryptionKey is a 64-character hex string; empty disables encryption.
	EncryptionKey string

	LocalRootPath string

	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3ForcePathStyle  bool
}

// Validate reports missing or inconsistent settings. It does not touch the
// backend.
func (c Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.LocalRootPath == "" {
			return fmt.Errorf("%w: local storage root path is not set", common.ErrInvalidConfig)
		}
	case TypeS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" || c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("%w: one or more S3 storage settings are not set", common.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: invalid storage type %q", common.ErrInvalidConfig, c.Type)
	}
	return nil
}

func (c Config) folder() string {
	if c.FolderName == "" {
		return DefaultFolderName
	}
	return c.FolderName
}

// NewProvider builds the backend named by cfg.Type.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeS3:
		return NewS3Provider(ctx, cfg)
	default:
		return NewLocalProvider(cfg.LocalRootPath, cfg.folder())
	}
}
