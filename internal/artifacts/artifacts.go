// Package artifacts stores finished ISO images and resolves download
// locations for them, either on the local output volume or in S3.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"iso-builder/internal/config"
)

// ErrUnavailable is returned when a recorded location cannot be served.
var ErrUnavailable = errors.New("artifact not available")

// ISOContentType is the media type recorded for uploaded images.
const ISOContentType = "application/x-iso9660-image"

// Download tells the API how to hand an artifact to a client. Exactly one
// of RedirectURL and Path is set.
type Download struct {
	Name        string
	RedirectURL string
	Path        string
}

// Store persists built images and resolves their download.
type Store interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
	Resolve(ctx context.Context, location string) (Download, error)
}

// New picks S3 when a bucket is configured, the local output dir otherwise.
func New(ctx context.Context, cfg config.ArtifactConfig, outputDir string) (Store, error) {
	local := &LocalStore{baseDir: outputDir}
	if cfg.S3Bucket == "" {
		return local, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3Store(client, cfg, local), nil
}

// LocalStore keeps images under a single base directory.
type LocalStore struct {
	baseDir string
}

// NewLocalStore returns a store rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Upload copies localPath into the base directory unless it already lives
// there, and returns the stored path.
func (l *LocalStore) Upload(_ context.Context, key, localPath string) (string, error) {
	dst := filepath.Join(l.baseDir, sanitizeKey(key))
	if same, _ := samePath(localPath, dst); same {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return dst, nil
}

// Resolve serves a path inside the base directory. Paths outside it are
// refused even if they exist.
func (l *LocalStore) Resolve(_ context.Context, location string) (Download, error) {
	if location == "" || strings.HasPrefix(location, "s3://") {
		return Download{}, fmt.Errorf("%w: %q", ErrUnavailable, location)
	}
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return Download{}, fmt.Errorf("resolve base dir: %w", err)
	}
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Download{}, fmt.Errorf("%w: %s is outside %s", ErrUnavailable, location, base)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Download{}, fmt.Errorf("%w: %s", ErrUnavailable, location)
	}
	return Download{Name: filepath.Base(path), Path: path}, nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}
