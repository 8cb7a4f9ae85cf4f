package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ospreyproxy/osprey/internal/logging"
)

// rollingWriter writes capture files under a directory, starting a new
// file once the current one reaches maxBytes. With compression on, files
// are gzip streams named .jsonl.gz. Old files past the retention window
// are removed at each roll.
type rollingWriter struct {
	dir       string
	maxBytes  int64
	compress  bool
	retention time.Duration

	file    *os.File
	gz      *gzip.Writer
	out     io.Writer
	written int64
	seq     int

	enableDebug bool
}

func newRollingWriter(dir string, maxBytes int64, compress bool, retention time.Duration, enableDebug bool) *rollingWriter {
	return &rollingWriter{
		dir:         dir,
		maxBytes:    maxBytes,
		compress:    compress,
		retention:   retention,
		enableDebug: enableDebug,
	}
}

// Write appends one record line, rolling to a fresh file first when the
// current one is full.
func (w *rollingWriter) Write(p []byte) (int, error) {
	if w.file == nil || (w.maxBytes > 0 && w.written+int64(len(p)) > w.maxBytes) {
		if err := w.roll(); err != nil {
			return 0, err
		}
	}
	n, err := w.out.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rollingWriter) roll() error {
	if err := w.closeCurrent(); err != nil {
		logging.Warn("Capture file close error: %v", err)
	}

	// The sequence number keeps names unique when two rolls land in the
	// same timestamp; O_EXCL catches leftovers from an earlier process.
	var file *os.File
	for {
		w.seq++
		name := fmt.Sprintf("capture-%s-%04d.jsonl",
			time.Now().Format("20060102-150405"), w.seq)
		if w.compress {
			name += ".gz"
		}
		f, err := os.OpenFile(filepath.Join(w.dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err == nil {
			file = f
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to open capture file: %w", err)
		}
	}
	w.file = file
	w.written = 0
	if w.compress {
		w.gz = gzip.NewWriter(file)
		w.out = w.gz
	} else {
		w.out = file
	}

	if w.enableDebug {
		logging.Debug("Capture file opened: %s", file.Name())
	}

	w.cleanup()
	return nil
}

func (w *rollingWriter) closeCurrent() error {
	if w.file == nil {
		return nil
	}
	var err error
	if w.gz != nil {
		err = w.gz.Close()
		w.gz = nil
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.out = nil
	return err
}

// cleanup removes capture files older than the retention window. Zero
// retention keeps everything.
func (w *rollingWriter) cleanup() {
	if w.retention <= 0 {
		return
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-w.retention)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "capture-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.file != nil && path == w.file.Name() {
			continue
		}
		if err := os.Remove(path); err == nil && w.enableDebug {
			logging.Debug("Removed expired capture file: %s", entry.Name())
		}
	}
}

// Close flushes and closes the current file.
func (w *rollingWriter) Close() error {
	return w.closeCurrent()
}
