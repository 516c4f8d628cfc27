package body

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultThreshold is the in-memory limit before a store spills to disk.
	DefaultThreshold = 1 << 20

	// TempPattern is the os.CreateTemp pattern for spilled stores.
	TempPattern = "lefthookroll_*"

	copySlice = 64 * 1024
)

// Mode reports where a store currently keeps its bytes.
type Mode int

const (
	ModeMemory Mode = iota
	ModeDisk
)

func (m Mode) String() string {
	switch m {
	case ModeMemory:
		return "memory"
	case ModeDisk:
		return "disk"
	default:
		return "unknown"
	}
}

var (
	// ErrTempFile is returned when the spill file cannot be created.
	ErrTempFile = errors.New("body: cannot create temp file")

	// ErrWrite is returned when bytes cannot be made durable on disk.
	ErrWrite = errors.New("body: write failed")

	// ErrClosed is returned by reads on a cleared disk store.
	ErrClosed = errors.New("body: store closed")
)

// StoreError wraps an I/O failure with the operation and spill path.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("body: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("body: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store accumulates bytes in memory and migrates them to an unlinked
// temporary file once the threshold would be exceeded. Migration only
// goes memory -> disk for the lifetime of a store (until Clear).
//
// A Store is owned by a single goroutine.
type Store struct {
	mode      Mode
	size      int64
	threshold int64
	dir       string

	mem  []byte
	file *os.File
	path string

	// OnSpill, if set, is called after a successful migration to disk.
	OnSpill func(size int64)
}

// Option configures a Store.
type Option func(*Store)

// WithThreshold sets the memory threshold in bytes. Values <= 0 keep the default.
func WithThreshold(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithTempDir sets the directory used for spill files (default os.TempDir()).
func WithTempDir(dir string) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the active medium.
func (s *Store) Mode() Mode { return s.mode }

// Size returns the number of bytes durable in the active medium.
func (s *Store) Size() int64 { return s.size }

// Threshold returns the configured memory threshold.
func (s *Store) Threshold() int64 { return s.threshold }

// Path returns the (already unlinked) spill path, or "" in memory mode.
func (s *Store) Path() string { return s.path }

// File returns the spill file, or nil in memory mode. The file offset is not
// meaningful to callers; use ReadAt or Rewind.
func (s *Store) File() *os.File { return s.file }

// Append adds p to the store. It never drops bytes silently: any failure to
// create the spill file or write to it is returned and size is left at the
// last durable byte count.
func (s *Store) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if s.mode == ModeMemory && s.size+int64(len(p)) > s.threshold {
		if err := s.spill(); err != nil {
			return err
		}
	}
	if s.mode == ModeMemory {
		s.mem = append(s.mem, p...)
		s.size += int64(len(p))
		return nil
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	if err != nil {
		return &StoreError{Op: "append", Path: s.path, Err: errors.Join(ErrWrite, err)}
	}
	return nil
}

// AppendString is Append for strings.
func (s *Store) AppendString(v string) error {
	return s.Append([]byte(v))
}

// Spill forces migration to disk even below the threshold. It is a no-op for
// stores already on disk.
func (s *Store) Spill() error {
	if s.mode == ModeDisk {
		return nil
	}
	return s.spill()
}

func (s *Store) spill() error {
	f, err := os.CreateTemp(s.dir, TempPattern)
	if err != nil {
		return &StoreError{Op: "spill", Err: errors.Join(ErrTempFile, err)}
	}
	path := f.Name()
	// Unlinked right away so the kernel reclaims the space on crash or exit.
	if err := os.Remove(path); err != nil {
		f.Close()
		return &StoreError{Op: "unlink", Path: path, Err: errors.Join(ErrTempFile, err)}
	}
	if err := writeAll(f, s.mem); err != nil {
		f.Close()
		return &StoreError{Op: "spill", Path: path, Err: errors.Join(ErrWrite, err)}
	}
	s.file = f
	s.path = path
	s.mem = nil
	s.mode = ModeDisk
	if s.OnSpill != nil {
		s.OnSpill(s.size)
	}
	return nil
}

// ReadAt implements io.ReaderAt over the stored bytes in either mode.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &StoreError{Op: "readat", Path: s.path, Err: errors.New("negative offset")}
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if s.mode == ModeMemory {
		n := copy(p, s.mem[off:s.size])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	if s.file == nil {
		return 0, ErrClosed
	}
	want := p
	if rem := s.size - off; int64(len(want)) > rem {
		want = want[:rem]
	}
	n, err := s.file.ReadAt(want, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Reader returns an io.Reader over the whole content that does not disturb
// the spill file offset.
func (s *Store) Reader() io.Reader {
	return io.NewSectionReader(s, 0, s.size)
}

// Rewind seeks the spill file to the start so a child process inheriting the
// descriptor reads the body from the first byte.
func (s *Store) Rewind() error {
	if s.file == nil {
		return nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return &StoreError{Op: "rewind", Path: s.path, Err: err}
	}
	return nil
}

// Bytes returns a copy of the whole content. Intended for diagnostics and
// tests; callers on the hot path use ReadAt.
func (s *Store) Bytes() ([]byte, error) {
	if s.mode == ModeMemory {
		out := make([]byte, len(s.mem))
		copy(out, s.mem)
		return out, nil
	}
	out := make([]byte, s.size)
	n, err := s.ReadAt(out, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == s.size) {
		return nil, err
	}
	return out, nil
}

// Clone returns an independent store with identical content. A disk-backed
// source yields a disk-backed copy with its own spill file, filled through a
// read-at-offset loop; the descriptor is never shared.
func (s *Store) Clone() (*Store, error) {
	c := &Store{threshold: s.threshold, dir: s.dir}
	if s.mode == ModeMemory {
		c.mem = append([]byte(nil), s.mem...)
		c.size = s.size
		c.OnSpill = s.OnSpill
		return c, nil
	}
	// The copy's own spill file is not a threshold crossing; OnSpill is
	// installed only once the copy is complete.
	defer func() { c.OnSpill = s.OnSpill }()
	if err := c.spill(); err != nil {
		return nil, err
	}
	buf := make([]byte, copySlice)
	var off int64
	for off < s.size {
		n, err := s.ReadAt(buf, off)
		if n > 0 {
			if werr := writeAll(c.file, buf[:n]); werr != nil {
				c.Clear()
				return nil, &StoreError{Op: "clone", Path: c.path, Err: errors.Join(ErrWrite, werr)}
			}
			off += int64(n)
			c.size = off
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.Clear()
			return nil, &StoreError{Op: "clone", Path: s.path, Err: err}
		}
		if n == 0 {
			break
		}
	}
	if c.size != s.size {
		c.Clear()
		return nil, &StoreError{Op: "clone", Path: s.path, Err: io.ErrUnexpectedEOF}
	}
	return c, nil
}

// Clear resets the store to empty memory mode and releases the spill file.
func (s *Store) Clear() error {
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	s.mem = nil
	s.size = 0
	s.path = ""
	s.mode = ModeMemory
	return err
}

// Close is Clear, so a Store can be handed around as an io.Closer.
func (s *Store) Close() error {
	return s.Clear()
}

func writeAll(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
