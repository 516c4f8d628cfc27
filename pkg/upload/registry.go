package upload

import (
	"fmt"
	"strings"
)

// Registry opens the Store for an upload_store value and caches it. It is
// used from the event loop only.
type Registry struct {
	stores map[string]Store
	client PutObjectAPI

	// NewS3Client builds the shared S3 client on first use. Defaults to
	// NewS3ClientFromEnv.
	NewS3Client func() PutObjectAPI

	// OnS3Complete is installed on every S3Store the registry opens.
	OnS3Complete func(f *File, err error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores:      make(map[string]Store),
		NewS3Client: func() PutObjectAPI { return NewS3ClientFromEnv() },
	}
}

// Open returns the store for dest: a directory path or s3://bucket/prefix.
func (r *Registry) Open(dest string) (Store, error) {
	if s, ok := r.stores[dest]; ok {
		return s, nil
	}

	var s Store
	switch {
	case strings.HasPrefix(dest, "s3://"):
		bucket, prefix, ok := ParseS3URL(dest)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadDestination, dest)
		}
		if r.client == nil {
			r.client = r.NewS3Client()
		}
		s3s := NewS3Store(r.client, bucket, prefix, 0)
		s3s.OnComplete = r.OnS3Complete
		s = s3s
	case dest == "":
		return nil, fmt.Errorf("%w: empty", ErrBadDestination)
	default:
		ds, err := NewDiskStore(dest, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDestination, err)
		}
		s = ds
	}
	r.stores[dest] = s
	return s, nil
}
