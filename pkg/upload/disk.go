package upload

import (
	"io"
	"os"
	"path/filepath"

	"github.com/lefthookroll/webserv/pkg/body"
)

// DiskStore stores uploads in a local directory.
type DiskStore struct {
	dir     string
	maxSize int64
}

// NewDiskStore creates a DiskStore, creating dir if needed.
//
// Parameters:
//   - dir: Directory to store files
//   - maxSize: Maximum file size in bytes (0 = no limit)
func NewDiskStore(dir string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, maxSize: maxSize}, nil
}

// Dir returns the storage directory.
func (s *DiskStore) Dir() string { return s.dir }

// Save writes src to dir/name, replacing any existing file. The content is
// written to a temporary file first and renamed into place.
func (s *DiskStore) Save(name, contentType string, src *body.Store) (*File, error) {
	if s.maxSize > 0 && src.Size() > s.maxSize {
		return nil, ErrTooLarge
	}
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return nil, ErrBadName
	}

	dst := filepath.Join(s.dir, name)
	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()

	written, err := io.Copy(f, src.Reader())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	return &File{
		ID:          name,
		Filename:    name,
		ContentType: contentType,
		Size:        written,
		Path:        dst,
	}, nil
}
