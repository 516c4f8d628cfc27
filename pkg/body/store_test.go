package body_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/lefthookroll/webserv/pkg/body"
)

func mustBytes(t *testing.T, s *body.Store) []byte {
	t.Helper()
	b, err := s.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return b
}

func TestStore_StaysInMemoryAtOrBelowThreshold(t *testing.T) {
	s := body.New(body.WithThreshold(10), body.WithTempDir(t.TempDir()))
	defer s.Close()

	parts := []string{"abc", "", "defg", "hij"}
	for _, p := range parts {
		if err := s.AppendString(p); err != nil {
			t.Fatalf("Append(%q): %v", p, err)
		}
	}

	if s.Mode() != body.ModeMemory {
		t.Fatalf("Mode = %v, want memory", s.Mode())
	}
	if s.Size() != 10 {
		t.Fatalf("Size = %d, want 10", s.Size())
	}
	if got := string(mustBytes(t, s)); got != "abcdefghij" {
		t.Fatalf("content = %q", got)
	}
	if s.File() != nil {
		t.Fatal("File() should be nil in memory mode")
	}
}

func TestStore_SpillsOnceAndKeepsContent(t *testing.T) {
	dir := t.TempDir()
	s := body.New(body.WithThreshold(8), body.WithTempDir(dir))
	defer s.Close()

	spills := 0
	s.OnSpill = func(int64) { spills++ }

	var want bytes.Buffer
	for _, p := range []string{"12345", "6789", "abcdef", "g", "hijklmnop"} {
		want.WriteString(p)
		if err := s.AppendString(p); err != nil {
			t.Fatalf("Append(%q): %v", p, err)
		}
	}

	if s.Mode() != body.ModeDisk {
		t.Fatalf("Mode = %v, want disk", s.Mode())
	}
	if spills != 1 {
		t.Fatalf("spills = %d, want 1", spills)
	}
	if s.Size() != int64(want.Len()) {
		t.Fatalf("Size = %d, want %d", s.Size(), want.Len())
	}
	if got := mustBytes(t, s); !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("content = %q, want %q", got, want.Bytes())
	}

	// The spill file is unlinked right after creation.
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatalf("spill path should not exist; stat err=%v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp dir has %d entries, want 0", len(entries))
	}
}

func TestStore_CloneDiskBackedIsIndependent(t *testing.T) {
	s := body.New(body.WithThreshold(4), body.WithTempDir(t.TempDir()))
	payload := bytes.Repeat([]byte("0123456789"), 20000)
	if err := s.Append(payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer c.Close()

	if c.Mode() != body.ModeDisk {
		t.Fatalf("clone Mode = %v, want disk", c.Mode())
	}
	if c.File() == s.File() {
		t.Fatal("clone shares the source file")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Size() != 0 || s.Mode() != body.ModeMemory {
		t.Fatalf("after Clear: size=%d mode=%v", s.Size(), s.Mode())
	}

	if c.Size() != int64(len(payload)) {
		t.Fatalf("clone Size = %d, want %d", c.Size(), len(payload))
	}
	if got := mustBytes(t, c); !bytes.Equal(got, payload) {
		t.Fatal("clone content differs from source")
	}
}

func TestStore_CloneDoesNotReportSpill(t *testing.T) {
	s := body.New(body.WithThreshold(4), body.WithTempDir(t.TempDir()))
	defer s.Close()
	var spills []int64
	s.OnSpill = func(size int64) { spills = append(spills, size) }
	if err := s.Append([]byte("0123456789")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer c.Close()

	if len(spills) != 1 {
		t.Errorf("OnSpill calls = %d, want 1 (Clone must not report a spill)", len(spills))
	}
	if c.OnSpill == nil {
		t.Error("clone should keep the OnSpill hook")
	}
}

func TestStore_CloneMemory(t *testing.T) {
	s := body.New()
	s.AppendString("hello")
	c, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	s.AppendString(" world")
	if got := string(mustBytes(t, c)); got != "hello" {
		t.Fatalf("clone content = %q, want %q", got, "hello")
	}
}

func TestStore_ReadAtAndReader(t *testing.T) {
	for _, threshold := range []int64{1 << 20, 3} {
		s := body.New(body.WithThreshold(threshold), body.WithTempDir(t.TempDir()))
		s.AppendString("hello, world")

		p := make([]byte, 5)
		n, err := s.ReadAt(p, 7)
		if n != 5 || string(p) != "world" {
			t.Fatalf("threshold %d: ReadAt = %d %q (%v)", threshold, n, p, err)
		}

		n, err = s.ReadAt(make([]byte, 10), 10)
		if n != 2 || err != io.EOF {
			t.Fatalf("threshold %d: short ReadAt = %d, %v; want 2, EOF", threshold, n, err)
		}

		all, err := io.ReadAll(s.Reader())
		if err != nil || string(all) != "hello, world" {
			t.Fatalf("threshold %d: Reader = %q, %v", threshold, all, err)
		}
		s.Close()
	}
}

func TestStore_SpillForcesDiskAndRewind(t *testing.T) {
	s := body.New(body.WithTempDir(t.TempDir()))
	defer s.Close()
	s.AppendString("small body")

	if err := s.Spill(); err != nil {
		t.Fatalf("Spill: %v", err)
	}
	if s.Mode() != body.ModeDisk {
		t.Fatalf("Mode = %v, want disk", s.Mode())
	}
	if err := s.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	got, err := io.ReadAll(s.File())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "small body" {
		t.Fatalf("file content = %q", got)
	}
}

func TestStore_SpillFailureIsReported(t *testing.T) {
	s := body.New(body.WithThreshold(2), body.WithTempDir("/nonexistent/dir/for/spill"))
	s.AppendString("ab")

	err := s.AppendString("c")
	if err == nil {
		t.Fatal("expected error when spill directory is missing")
	}
	var se *body.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *body.StoreError", err)
	}
	if s.Size() != 2 || s.Mode() != body.ModeMemory {
		t.Fatalf("after failed spill: size=%d mode=%v", s.Size(), s.Mode())
	}
}
