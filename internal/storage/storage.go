// Package storage persists uploaded sales datasets on local disk. Every
// stored name is prefixed with the owner's hash, which doubles as the
// access check: a caller can only address files carrying its own
// prefix. The interface keeps callers indifferent to the backing store.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound marks a filename that does not exist for this owner.
	ErrNotFound = errors.New("storage: file not found")
	// ErrDenied marks a filename owned by someone else.
	ErrDenied = errors.New("storage: access denied")
	// ErrInvalidName marks a filename that fails validation.
	ErrInvalidName = errors.New("storage: invalid filename")
	// ErrUnsupportedType marks an extension outside the allowlist.
	ErrUnsupportedType = errors.New("storage: unsupported file type")
	// ErrTooLarge marks an upload past the configured size cap.
	ErrTooLarge = errors.New("storage: file too large")
)

// FileInfo describes one stored dataset.
type FileInfo struct {
	Name     string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store is the dataset persistence contract consumed by the capability
// handlers and the HTTP surface.
type Store interface {
	// Save stores the upload under a new owner-prefixed name and
	// returns that name.
	Save(ctx context.Context, userID, filename string, r io.Reader) (string, error)
	// Open returns the file content for reading. The caller closes it.
	Open(ctx context.Context, userID, storedName string) (io.ReadCloser, error)
	// Delete removes the file.
	Delete(ctx context.Context, userID, storedName string) error
	// List returns the owner's files, sorted by name.
	List(ctx context.Context, userID string) ([]FileInfo, error)
}

// UserHash derives the owner prefix for stored filenames: the first 12
// hex characters of SHA-256 over the user ID. Stable across processes,
// opaque to other users.
func UserHash(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:12]
}
