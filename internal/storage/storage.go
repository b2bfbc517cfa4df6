package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidSegment rejects owner identifiers and extensions that would
// alter the write path. Writes must stay under <root>/<owner>/.
var ErrInvalidSegment = errors.New("invalid path segment")

// Store uploads binary images and returns a durable, publicly resolvable URL.
// One attempt per call; callers abort their pipeline on failure.
type Store interface {
	Put(ctx context.Context, ownerID string, data []byte, ext string) (string, error)
}

// WriteError reports a failed object write (quota, permission, I/O).
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DiskStore keeps images under <root>/<owner>/<timestamp>.<ext> and resolves
// them as <publicBaseURL>/images/<owner>/<timestamp>.<ext>. The server mounts
// the root at /images without auth so the oracle can fetch uploads.
type DiskStore struct {
	Root          string
	PublicBaseURL string
	Now           func() time.Time
}

// NewDiskStore returns a DiskStore rooted at the workspace image directory.
func NewDiskStore(root, publicBaseURL string) *DiskStore {
	return &DiskStore{Root: root, PublicBaseURL: publicBaseURL, Now: time.Now}
}

// ImagesDir returns the image root for a workspace.
func ImagesDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".verdant", "images")
}

func (s *DiskStore) Put(ctx context.Context, ownerID string, data []byte, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext = normalizeExt(ext)
	if !validSegment(ownerID) {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidSegment, ownerID)
	}
	if !validSegment(ext) {
		return "", fmt.Errorf("%w: extension %q", ErrInvalidSegment, ext)
	}
	name := fmt.Sprintf("%d.%s", s.now().UnixNano(), ext)
	dir := filepath.Join(s.Root, ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &WriteError{Path: dir, Err: err}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	return fmt.Sprintf("%s/images/%s/%s", s.PublicBaseURL, ownerID, name), nil
}

func (s *DiskStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// validSegment accepts exactly one path element: no separators, no
// current- or parent-directory references.
func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return "jpg"
	}
	return ext
}
