package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestRollingWriterRollsAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	w := newRollingWriter(dir, 64, false, 0, false)
	defer w.Close()

	line := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(append(line, '\n')); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "capture-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("got %d files, want at least 2 after rolling", len(files))
	}
}

func TestRollingWriterNamesStayUnique(t *testing.T) {
	dir := t.TempDir()
	w := newRollingWriter(dir, 1, false, 0, false)
	defer w.Close()

	// every write exceeds the cap, so each one opens a new file, all
	// within the same timestamp
	for i := 0; i < 20; i++ {
		if _, err := w.Write([]byte("yy\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "capture-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 20 {
		t.Fatalf("got %d files, want 20 distinct files", len(files))
	}
}

func TestRollingWriterCompress(t *testing.T) {
	dir := t.TempDir()
	w := newRollingWriter(dir, 0, true, 0, false)

	payload := []byte("compressed capture line\n")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "capture-*.jsonl.gz"))
	if err != nil || len(files) != 1 {
		t.Fatalf("gz files = %v (err %v), want exactly 1", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decompressed = %q, want %q", got, payload)
	}
}
