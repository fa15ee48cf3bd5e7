package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rillcap/pkg/optimize"
)

// copyBuffers backs every Save; segment payloads are copied in 32 KiB chunks.
var copyBuffers = optimize.NewBytePool(32 * 1024)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Storage defines the blob persistence used for segment payloads.
// Names are slash-separated paths relative to the storage root, e.g. "<session>/<segment>.seg".
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) (int64, error)
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, dir string) ([]string, error)
	Delete(ctx context.Context, name string) error
	MkdirAll(ctx context.Context, dir string) (string, error)
}

// FileStorage implements Storage on the local filesystem.
// Writes go to a temp file in the target directory and are renamed into place,
// so readers never observe a partially written blob.
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the root directory if needed.
func NewFileStorage(basePath string) (*FileStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStorage{basePath: abs}, nil
}

// Root returns the absolute root directory.
func (fs *FileStorage) Root() string {
	return fs.basePath
}

// resolve maps a relative name to an absolute path and refuses anything outside the root.
func (fs *FileStorage) resolve(name string) (string, error) {
	if name == "" {
		return fs.basePath, nil
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob name %q escapes storage root", name)
	}
	return filepath.Join(fs.basePath, clean), nil
}

// MkdirAll creates dir (create-if-absent) and returns its absolute path.
func (fs *FileStorage) MkdirAll(ctx context.Context, dir string) (string, error) {
	path, err := fs.resolve(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return path, nil
}

// Save writes data to name atomically and returns the number of bytes written.
func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	path, err := fs.resolve(name)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create blob file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	n, err := io.CopyBuffer(struct{ io.Writer }{tmp}, &ctxReader{ctx: ctx, r: data}, buf)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("failed to write blob data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to publish blob: %w", err)
	}
	return n, nil
}

// Load opens a blob for reading.
func (fs *FileStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return file, nil
}

// List returns the file names (not paths) directly under dir, sorted. Temp files are skipped.
func (fs *FileStorage) List(ctx context.Context, dir string) ([]string, error) {
	path, err := fs.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	path, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
