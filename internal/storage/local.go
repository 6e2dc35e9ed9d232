package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// allowedExtensions is the upload allowlist. Legacy .xls is rejected
// with a pointed message because the XLSX reader does not handle the
// old binary format.
var allowedExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
}

// Local stores dataset files in a single directory under the data dir.
type Local struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewLocal creates the store rooted at dir, creating it if needed.
func NewLocal(dir string, maxUploadMB int, logger *slog.Logger) (*Local, error) {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{
		root:     dir,
		maxBytes: int64(maxUploadMB) << 20,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source used for stored-name timestamps.
func (l *Local) SetClock(now func() time.Time) {
	l.now = now
}

// Save validates the upload and writes it as
// <ownerHash>_<unixSeconds>_<sanitized original name>. A partial write
// past the size cap is removed before returning ErrTooLarge.
func (l *Local) Save(ctx context.Context, userID, filename string, r io.Reader) (string, error) {
	if err := validateUploadName(filename); err != nil {
		return "", err
	}

	stored := fmt.Sprintf("%s_%d_%s",
		UserHash(userID),
		l.now().Unix(),
		strings.ReplaceAll(filename, " ", "_"),
	)
	path := filepath.Join(l.root, stored)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", stored, err)
	}

	// Copy one byte past the cap so an at-cap file is distinguishable
	// from an over-cap one.
	n, err := io.Copy(f, io.LimitReader(r, l.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", stored, err)
	}
	if n > l.maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, l.maxBytes)
	}

	l.logger.Info("dataset stored", "file", stored, "bytes", n)
	return stored, nil
}

// Open returns the stored file for reading after the ownership check.
func (l *Local) Open(ctx context.Context, userID, storedName string) (io.ReadCloser, error) {
	path, err := l.resolve(userID, storedName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", storedName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", storedName, err)
	}
	return f, nil
}

// Delete removes the stored file after the ownership check.
func (l *Local) Delete(ctx context.Context, userID, storedName string) error {
	path, err := l.resolve(userID, storedName)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", storedName, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", storedName, err)
	}
	l.logger.Info("dataset deleted", "file", storedName)
	return nil
}

// List returns the caller's stored files, sorted by name.
func (l *Local) List(ctx context.Context, userID string) ([]FileInfo, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}

	prefix := UserHash(userID) + "_"
	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// resolve validates a stored name and maps it to an absolute path.
// Order matters: a malformed name is invalid before it is denied, and
// a foreign prefix is denied without revealing whether the file exists.
func (l *Local) resolve(userID, storedName string) (string, error) {
	if storedName == "" ||
		strings.ContainsAny(storedName, `/\`) ||
		strings.Contains(storedName, "..") {
		return "", fmt.Errorf("%q: %w", storedName, ErrInvalidName)
	}
	if !strings.HasPrefix(storedName, UserHash(userID)+"_") {
		return "", fmt.Errorf("%q: %w", storedName, ErrDenied)
	}
	return filepath.Join(l.root, storedName), nil
}

// validateUploadName checks the client-supplied original filename.
func validateUploadName(filename string) error {
	if filename == "" ||
		strings.ContainsAny(filename, `/\`) ||
		strings.Contains(filename, "..") {
		return fmt.Errorf("%q: %w", filename, ErrInvalidName)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".xls" {
		return fmt.Errorf("%w: legacy .xls is not supported, save as .xlsx or .csv", ErrUnsupportedType)
	}
	if !allowedExtensions[ext] {
		return fmt.Errorf("%w: %s (allowed: .csv, .xlsx)", ErrUnsupportedType, ext)
	}
	return nil
}
