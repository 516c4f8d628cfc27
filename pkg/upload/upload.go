package upload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path"
	"strings"

	"github.com/lefthookroll/webserv/pkg/body"
)

// ErrTooLarge is returned when a body exceeds the store's size limit.
var ErrTooLarge = errors.New("upload: file too large")

// ErrBadName is returned for names that cannot be stored safely.
var ErrBadName = errors.New("upload: invalid file name")

// ErrBadDestination is returned by Open for an unusable upload_store value.
var ErrBadDestination = errors.New("upload: invalid destination")

// Store is an upload storage backend.
type Store interface {
	// Save persists the content of src under name. A Store must not retain
	// src after Save returns.
	Save(name, contentType string, src *body.Store) (*File, error)
}

// File describes a stored upload.
type File struct {
	// ID is the stored name.
	ID string

	// Filename is the name requested by the client, if any.
	Filename string

	// ContentType is the MIME type sent with the request.
	ContentType string

	// Size is the content size in bytes.
	Size int64

	// Path is the local filesystem path (for DiskStore).
	Path string

	// URL is the remote location (for S3Store).
	URL string

	// Pending is set when the transfer completes after Save returns.
	Pending bool
}

// Location returns the value for a Location response header.
func (f *File) Location() string {
	if f.URL != "" {
		return f.URL
	}
	return f.Path
}

// StoreName derives a safe object name from the last segment of a request
// path. An empty or directory target yields a random name.
func StoreName(target string) (string, error) {
	if target == "" || strings.HasSuffix(target, "/") {
		return generateID(), nil
	}
	name := path.Base(target)
	switch {
	case name == "." || name == "/" || name == "":
		return generateID(), nil
	case name == "..", strings.ContainsAny(name, "\x00\\"):
		return "", ErrBadName
	}
	return name, nil
}

// generateID generates a random object name.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
