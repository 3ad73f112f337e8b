//go:build unix

package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestReadOnly(t *testing.T) {
	f := tempFile(t, 8192)
	if _, err := f.WriteAt([]byte("hello"), 100); err != nil {
		t.Fatal(err)
	}
	m, err := New(int(f.Fd()), 8192, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if m.Writable() {
		t.Fatal("read-only map reports writable")
	}
	if got := m.Data()[100:105]; !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("mapped content = %q", got)
	}
}

func TestWriteThrough(t *testing.T) {
	f := tempFile(t, 4096)
	m, err := New(int(f.Fd()), 4096, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	copy(m.Data()[10:], "written via map")
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 15)
	if _, err := f.ReadAt(buf, 10); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "written via map" {
		t.Fatalf("file content = %q", buf)
	}
}

func TestTwoMapsShareFile(t *testing.T) {
	// This is the growth pattern: a writer maps the file again after
	// extending it while the first map stays alive.
	f := tempFile(t, 4096)
	first, err := New(int(f.Fd()), 4096, true)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if err := f.Truncate(8192); err != nil {
		t.Fatal(err)
	}
	second, err := New(int(f.Fd()), 8192, true)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	copy(first.Data()[0:], "old view")
	if got := second.Data()[0:8]; !bytes.Equal(got, []byte("old view")) {
		t.Fatalf("second map sees %q", got)
	}
	if second.Size() != 8192 || first.Size() != 4096 {
		t.Fatalf("sizes = %d, %d", first.Size(), second.Size())
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := tempFile(t, 4096)
	m, err := New(int(f.Fd()), 4096, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != ErrNotMapped {
		t.Fatalf("Sync after Close = %v, want ErrNotMapped", err)
	}
}

func TestInvalidSize(t *testing.T) {
	f := tempFile(t, 4096)
	if _, err := New(int(f.Fd()), 0, false); err != ErrInvalidSize {
		t.Fatalf("New with zero length = %v, want ErrInvalidSize", err)
	}
}

func TestAdvise(t *testing.T) {
	f := tempFile(t, 4096)
	m, err := New(int(f.Fd()), 4096, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.AdviseRandom(); err != nil {
		t.Fatal(err)
	}
	if err := m.AdviseSequential(); err != nil {
		t.Fatal(err)
	}
}
