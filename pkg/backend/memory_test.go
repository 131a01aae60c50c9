package backend

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := NewMemoryBackend(make([]byte, 1024))

	data := []byte("paravirtual")
	if _, err := b.WriteAt(data, 512); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := make([]byte, len(data))
	if _, err := b.ReadAt(got, 512); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %q, want %q", got, data)
	}

	size, err := b.Size()
	if err != nil {
		t.Fatalf("size failed: %v", err)
	}
	if size != 1024 {
		t.Errorf("size %d, want 1024", size)
	}
	if err := b.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestMemoryBackendBounds(t *testing.T) {
	b := NewMemoryBackend(make([]byte, 64))

	for name, access := range map[string]func() error{
		"read past end": func() error {
			_, err := b.ReadAt(make([]byte, 8), 60)
			return err
		},
		"write past end": func() error {
			_, err := b.WriteAt(make([]byte, 65), 0)
			return err
		},
		"negative offset": func() error {
			_, err := b.ReadAt(make([]byte, 1), -1)
			return err
		},
	} {
		if err := access(); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: got %v, want %v", name, err, ErrOutOfRange)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatalf("creating image: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(4096); err != nil {
		t.Fatalf("truncating image: %v", err)
	}

	b := NewFileBackend(f)

	data := []byte("persisted")
	if _, err := b.WriteAt(data, 100); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	got := make([]byte, len(data))
	if _, err := b.ReadAt(got, 100); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %q, want %q", got, data)
	}

	size, err := b.Size()
	if err != nil {
		t.Fatalf("size failed: %v", err)
	}
	if size != 4096 {
		t.Errorf("size %d, want 4096", size)
	}
}
