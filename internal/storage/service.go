package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/mailarchiver/internal/cryptox"
)

// Service is the only way the rest of the archiver reads or writes objects.
// Every write goes through the envelope codec; reads accept both enveloped
// and legacy plaintext objects.
type Service struct {
	provider Provider
	codec    *cryptox.Codec
}

func NewService(provider Provider, codec *cryptox.Codec) *Service {
	return &Service{provider: provider, codec: codec}
}

// New builds the provider and codec from cfg. Configuration problems are
// returned before any object is touched.
func New(ctx context.Context, cfg Config) (*Service, error) {
	key, err := cryptox.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	codec, err := cryptox.NewCodec(key)
	if err != nil {
		return nil, err
	}
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewService(provider, codec), nil
}

// EncryptionEnabled reports whether new objects are written enveloped.
func (s *Service) EncryptionEnabled() bool {
	return s.codec.Enabled()
}

func (s *Service) Put(ctx context.Context, path string, content []byte) error {
	enc, err := s.codec.Encrypt(content)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", path, err)
	}
	return s.provider.Put(ctx, path, enc)
}

// Get returns the full plaintext of the object at path.
func (s *Service) Get(ctx context.Context, path string) ([]byte, error) {
	rc, err := s.provider.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	plain, err := s.codec.Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plain, nil
}

// GetStream returns a reader yielding the plaintext of the object at path.
// Decryption failures surface from Read; closing the reader closes the
// underlying object.
func (s *Service) GetStream(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := s.provider.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := s.codec.NewDecryptReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return readCloser{Reader: r, Closer: rc}, nil
}

func (s *Service) Delete(ctx context.Context, path string) error {
	return s.provider.Delete(ctx, path)
}

func (s *Service) Exists(ctx context.Context, path string) (bool, error) {
	return s.provider.Exists(ctx, path)
}

type readCloser struct {
	io.Reader
	io.Closer
}
