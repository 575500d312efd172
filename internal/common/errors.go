// Package common defines sentinel errors shared across the archiver core.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound    = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Configuration errors. Always fatal at construction time.
	ErrInvalidConfig = errors.New("invalid configuration")

	// Storage codec errors.
	ErrDecryptionFailed = errors.New("failed to decrypt object, it may be corrupted or the key is incorrect")

	// Connector errors (one source run fails, the process keeps going).
	ErrConnection          = errors.New("source connection failed")
	ErrUnsupportedProvider = errors.New("unsupported ingestion provider")

	// Destructive operations attempted while deletion is disabled.
	ErrDeletionDisabled = errors.New("deletion is disabled for this instance")

	// Queue errors.
	ErrUnknownJob = errors.New("unknown job name")
)
