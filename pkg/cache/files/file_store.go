package files

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// StagingMarker separates the final file name from the random suffix of a staging file.
const StagingMarker = ".tmp-"

var (
	// ErrClosed is returned if an operation is attempted on a closed container.
	ErrClosed = errors.New("cache file container is closed")
)

// Container represents a cache file being written; writes land on a staging file until Close commits atomically.
type Container struct {
	mu        sync.Mutex
	fs        billy.Filesystem
	file      billy.File
	finalPath string
	tempPath  string
	size      int64
	closed    bool
}

// OpenContainer prepares a staging file next to path inside fs.
func OpenContainer(fs billy.Filesystem, name string) (*Container, error) {
	if name == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	tempFile, err := fs.TempFile(dir, path.Base(name)+StagingMarker)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &Container{
		fs:        fs,
		file:      tempFile,
		finalPath: name,
		tempPath:  tempFile.Name(),
	}, nil
}

// Write appends data to the staged container.
func (c *Container) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	n, err := c.file.Write(p)
	c.size += int64(n)
	return n, err
}

// Size reports how many bytes have been staged so far.
func (c *Container) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Fsync flushes the staged container to disk when the filesystem supports it.
func (c *Container) Fsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return syncFile(c.file)
}

// Close flushes and atomically renames the staged file into place.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Ensure metadata and data are persisted before moving into place.
	if err := syncFile(c.file); err != nil {
		_ = c.file.Close()
		_ = c.fs.Remove(c.tempPath)
		return err
	}
	if err := c.file.Close(); err != nil {
		_ = c.fs.Remove(c.tempPath)
		return err
	}

	if err := replaceFile(c.fs, c.tempPath, c.finalPath); err != nil {
		_ = c.fs.Remove(c.tempPath)
		return err
	}
	return nil
}

// Abort discards the staged data and leaves any existing file untouched.
func (c *Container) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.file.Close()
	if err := c.fs.Remove(c.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// IsStaging reports whether name looks like an uncommitted staging file.
func IsStaging(name string) bool {
	return strings.Contains(path.Base(name), StagingMarker)
}

func syncFile(f billy.File) error {
	if s, ok := f.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func replaceFile(fs billy.Filesystem, tempPath, finalPath string) error {
	if err := fs.Rename(tempPath, finalPath); err == nil {
		return nil
	}
	if err := fs.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old cache file: %w", err)
	}
	if err := fs.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}
