package upload_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/upload"
)

func newBody(t *testing.T, content string, threshold int64) *body.Store {
	t.Helper()
	b := body.New(body.WithThreshold(threshold), body.WithTempDir(t.TempDir()))
	if err := b.AppendString(content); err != nil {
		t.Fatalf("Append: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDiskStore_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := upload.NewDiskStore(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	for _, threshold := range []int64{1 << 20, 4} {
		src := newBody(t, "file contents", threshold)
		f, err := store.Save("a.txt", "text/plain", src)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if f.Pending || f.Size != 13 || f.Path != filepath.Join(dir, "a.txt") {
			t.Errorf("File = %+v", f)
		}
		data, err := os.ReadFile(f.Path)
		if err != nil || string(data) != "file contents" {
			t.Errorf("stored = %q, %v", data, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (no temp leftovers)", len(entries))
	}
}

func TestDiskStore_Limits(t *testing.T) {
	store, err := upload.NewDiskStore(t.TempDir(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save("big.txt", "", newBody(t, "123456", 1<<20)); err != upload.ErrTooLarge {
		t.Errorf("err = %v, want %v", err, upload.ErrTooLarge)
	}
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := store.Save(name, "", newBody(t, "x", 1<<20)); err != upload.ErrBadName {
			t.Errorf("Save(%q) err = %v, want %v", name, err, upload.ErrBadName)
		}
	}
}

func TestStoreName(t *testing.T) {
	tests := []struct {
		target string
		want   string
		random bool
		err    error
	}{
		{"/upload/photo.png", "photo.png", false, nil},
		{"/upload/", "", true, nil},
		{"/upload", "upload", false, nil},
		{"", "", true, nil},
		{"/upload/a\\b", "", false, upload.ErrBadName},
	}
	for _, tt := range tests {
		got, err := upload.StoreName(tt.target)
		if err != tt.err {
			t.Errorf("StoreName(%q) err = %v, want %v", tt.target, err, tt.err)
			continue
		}
		if tt.random {
			if len(got) != 32 {
				t.Errorf("StoreName(%q) = %q, want random id", tt.target, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("StoreName(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

type fakeS3 struct {
	mu   sync.Mutex
	puts map[string][]byte
	meta map[string]map[string]string
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
		f.meta = make(map[string]map[string]string)
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.puts[key] = data
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_SaveUploadsAsynchronously(t *testing.T) {
	client := &fakeS3{}
	store := upload.NewS3Store(client, "bucket", "in/", 0)

	done := make(chan error, 1)
	store.OnComplete = func(_ *upload.File, err error) { done <- err }

	src := newBody(t, "spilled payload", 4)
	f, err := store.Save("report.csv", "text/csv", src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !f.Pending || f.URL != "s3://bucket/in/report.csv" || f.Location() != f.URL {
		t.Errorf("File = %+v", f)
	}

	// The source is free to be released as soon as Save returns.
	src.Clear()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if got := string(client.puts["bucket/in/report.csv"]); got != "spilled payload" {
		t.Errorf("object = %q", got)
	}
	if client.meta["bucket/in/report.csv"]["original-filename"] != "report.csv" {
		t.Errorf("metadata = %v", client.meta["bucket/in/report.csv"])
	}
}

func TestS3Store_FailureIsReported(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	store := upload.NewS3Store(client, "bucket", "", 0)
	done := make(chan error, 1)
	store.OnComplete = func(_ *upload.File, err error) { done <- err }

	if _, err := store.Save("x", "", newBody(t, "x", 1<<20)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected upload error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete")
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in             string
		bucket, prefix string
		ok             bool
	}{
		{"s3://b/p", "b", "p/", true},
		{"s3://b/p/", "b", "p/", true},
		{"s3://b", "b", "", true},
		{"s3:///p", "", "", false},
		{"/var/uploads", "", "", false},
	}
	for _, tt := range tests {
		b, p, ok := upload.ParseS3URL(tt.in)
		if b != tt.bucket || p != tt.prefix || ok != tt.ok {
			t.Errorf("ParseS3URL(%q) = %q, %q, %v", tt.in, b, p, ok)
		}
	}
}

func TestRegistry_Open(t *testing.T) {
	reg := upload.NewRegistry()
	client := &fakeS3{}
	calls := 0
	reg.NewS3Client = func() upload.PutObjectAPI { calls++; return client }

	dir := filepath.Join(t.TempDir(), "up")
	a, err := reg.Open(dir)
	if err != nil {
		t.Fatalf("Open(dir): %v", err)
	}
	b, _ := reg.Open(dir)
	if a != b {
		t.Error("Open should cache stores")
	}
	if _, ok := a.(*upload.DiskStore); !ok {
		t.Errorf("Open(dir) = %T", a)
	}

	s1, err := reg.Open("s3://bucket/x")
	if err != nil {
		t.Fatalf("Open(s3): %v", err)
	}
	if _, ok := s1.(*upload.S3Store); !ok {
		t.Errorf("Open(s3) = %T", s1)
	}
	reg.Open("s3://other")
	if calls != 1 {
		t.Errorf("S3 client built %d times, want 1", calls)
	}

	if _, err := reg.Open("s3://"); !errors.Is(err, upload.ErrBadDestination) {
		t.Errorf("Open(s3://) = %v", err)
	}
}
