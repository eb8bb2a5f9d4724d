// Package sink provides the durable append-only file writer used to persist
// raw audio, one file per entity.
//
// Each [File] writes straight through to the operating system (no user-space
// buffering), so every frame that Write has accepted survives an abrupt
// process exit. [WithSync] additionally fsyncs after every write for
// power-loss durability at a throughput cost.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by [File.Write] after [File.Close].
var ErrClosed = errors.New("sink: file closed")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Option configures [Open].
type Option func(*File)

// WithSync makes every [File.Write] call fsync the file before returning.
func WithSync(enabled bool) Option {
	return func(f *File) { f.sync = enabled }
}

// File is an append-only raw audio file.
//
// File is safe for concurrent use, although callers normally serialise writes
// per entity themselves to keep frame order.
type File struct {
	path string
	sync bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	closed bool
}

// Open creates the parent directories of path if needed and opens path for
// appending, creating it when absent.
func Open(path string, opts ...Option) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("sink: create directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("sink: open %q: %w", path, err)
	}
	sf := &File{path: path, f: f}
	for _, o := range opts {
		o(sf)
	}
	return sf, nil
}

// Write appends p. A short write is reported as [io.ErrShortWrite].
func (s *File) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	n, err := s.f.Write(p)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("sink: write %q: %w", s.path, err)
	}
	if n != len(p) {
		return fmt.Errorf("sink: write %q: %w", s.path, io.ErrShortWrite)
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sink: sync %q: %w", s.path, err)
		}
	}
	return nil
}

// Close syncs and closes the file. It is safe to call more than once;
// subsequent calls return nil.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	if closeErr != nil {
		return fmt.Errorf("sink: close %q: %w", s.path, closeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("sink: sync %q: %w", s.path, syncErr)
	}
	return nil
}

// Path returns the file path passed to [Open].
func (s *File) Path() string { return s.path }

// Size returns the number of bytes appended through this handle.
func (s *File) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append opens path, appends p and closes the file again. It is meant for
// low-frequency streams that should not hold a descriptor open.
func Append(path string, p []byte, opts ...Option) error {
	f, err := Open(path, opts...)
	if err != nil {
		return err
	}
	werr := f.Write(p)
	cerr := f.Close()
	return errors.Join(werr, cerr)
}
