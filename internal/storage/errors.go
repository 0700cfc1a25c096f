package storage

import "errors"

// Storage error taxonomy. Callers match with errors.Is; implementations
// wrap these with context using fmt.Errorf("...: %w", ErrX).
var (
	ErrPathEscape       = errors.New("path escapes root")
	ErrNotFound         = errors.New("not found")
	ErrNotADirectory    = errors.New("not a directory")
	ErrNotAFile         = errors.New("not a file")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConflict         = errors.New("destination already exists")
	ErrTooLarge         = errors.New("too large")
	ErrTypeNotAllowed   = errors.New("file type not allowed")
	ErrReadOnly         = errors.New("read-only access")
	ErrIncomplete       = errors.New("upload incomplete")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidTarget    = errors.New("invalid restore target")
	ErrRootDeletion     = errors.New("cannot delete the root directory")
	ErrInvalidFormat    = errors.New("invalid archive format")
	ErrInternal         = errors.New("internal storage error")
)
