// Package media stores uploaded image bytes and hands back the URL that
// travels inside chat messages. The relay core never inspects stored bytes;
// this is the whole media surface.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxBytes caps a single upload at 5MB.
const DefaultMaxBytes = 5 << 20

// URLPrefix is the path under which stored media is served.
const URLPrefix = "/media/"

// extByMIME is the accepted image type allowlist. Anything else is rejected
// before touching the filesystem.
var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store writes uploads to a directory on the local filesystem and serves
// them back by key.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the upload directory if needed. maxBytes <= 0 selects the
// 5MB default.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("media directory cannot be empty")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare media directory: %w", err)
	}
	return &Store{dir: filepath.Clean(dir), maxBytes: maxBytes}, nil
}

// MaxBytes returns the configured per-upload size cap.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Put stores image bytes and returns the URL to reference them by. Non-image
// mime types fail with ErrUnsupportedMediaType and oversized payloads with
// ErrTooLarge; both are request-level failures surfaced only to the uploader.
func (s *Store) Put(data []byte, mimeType string) (string, error) {
	ext, ok := extByMIME[normalizeMIME(mimeType)]
	if !ok {
		return "", ErrUnsupportedMediaType
	}
	if int64(len(data)) > s.maxBytes {
		return "", ErrTooLarge
	}
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}

	key := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(s.dir, key), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return URLPrefix + key, nil
}

// Path resolves a stored key to its filesystem path. Keys are validated to a
// bare file name so a crafted key cannot escape the media directory.
func (s *Store) Path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, key)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}
