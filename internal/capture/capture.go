// Package capture persists completed exchanges as JSON lines for offline
// inspection. Records flow through a buffered channel to a single writer
// goroutine so sessions never block on disk.
package capture

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// Config holds capture configuration.
type Config struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`

	// MaxBodyBytes caps the stored (decoded) body per direction. Zero
	// keeps the default of 64 KiB.
	MaxBodyBytes int `json:"max_body_bytes"`

	// ExcludeHeaders are dropped from records. Defaults cover
	// credentials.
	ExcludeHeaders []string `json:"exclude_headers"`

	// MaxFileMB rolls to a new capture file once the current one grows
	// past this size. Zero keeps the default of 100 MB.
	MaxFileMB int64 `json:"max_file_mb"`

	// Compress writes gzip capture files.
	Compress bool `json:"compress"`

	// RetentionHours removes capture files older than this at each
	// roll. Zero keeps everything.
	RetentionHours int `json:"retention_hours"`
}

// Record is one captured exchange.
type Record struct {
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  uint64            `json:"session_id"`
	ClientAddr string            `json:"client_addr"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	HTTPS      bool              `json:"https"`
	Method     string            `json:"method"`
	URI        string            `json:"uri"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	ReqHeaders map[string]string `json:"request_headers,omitempty"`
	ReqBody    string            `json:"request_body,omitempty"`
	RespHeader map[string]string `json:"response_headers,omitempty"`
	RespBody   string            `json:"response_body,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// Stats tracks capture counters.
type Stats struct {
	Captured   int64 `json:"captured"`
	Dropped    int64 `json:"dropped"`
	SaveErrors int64 `json:"save_errors"`
	mutex      sync.RWMutex
}

// StatsSnapshot is a capture counter snapshot without mutex.
type StatsSnapshot struct {
	Captured   int64 `json:"captured"`
	Dropped    int64 `json:"dropped"`
	SaveErrors int64 `json:"save_errors"`
}

// Manager owns the capture files and the writer goroutine.
type Manager struct {
	config      *Config
	exclude     map[string]bool
	out         *rollingWriter
	records     chan *Record
	done        chan struct{}
	wg          sync.WaitGroup
	enableDebug bool
	stats       Stats
}

// NewManager creates a capture manager. A nil or disabled config yields a
// manager whose Capture is a no-op.
func NewManager(config *Config, enableDebug bool) *Manager {
	if config == nil {
		config = &Config{}
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 64 * 1024
	}
	if config.ExcludeHeaders == nil {
		config.ExcludeHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "Proxy-Authorization"}
	}
	if config.MaxFileMB == 0 {
		config.MaxFileMB = 100
	}

	exclude := make(map[string]bool, len(config.ExcludeHeaders))
	for _, h := range config.ExcludeHeaders {
		exclude[strings.ToLower(h)] = true
	}

	return &Manager{
		config:      config,
		exclude:     exclude,
		records:     make(chan *Record, 256),
		done:        make(chan struct{}),
		enableDebug: enableDebug,
	}
}

// Enabled reports whether records will be persisted.
func (m *Manager) Enabled() bool { return m.config.Enabled }

// Start prepares the capture directory and launches the writer.
func (m *Manager) Start() error {
	if !m.config.Enabled {
		return nil
	}
	if err := os.MkdirAll(m.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	m.out = newRollingWriter(m.config.Dir,
		m.config.MaxFileMB*1024*1024,
		m.config.Compress,
		time.Duration(m.config.RetentionHours)*time.Hour,
		m.enableDebug)
	if err := m.out.roll(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.writer()
	return nil
}

// Stop flushes pending records and closes the current file.
func (m *Manager) Stop() error {
	if !m.config.Enabled || m.out == nil {
		return nil
	}
	close(m.done)
	m.wg.Wait()
	return m.out.Close()
}

func (m *Manager) writer() {
	defer m.wg.Done()
	enc := json.NewEncoder(m.out)

	for {
		select {
		case rec := <-m.records:
			if err := enc.Encode(rec); err != nil {
				m.stats.mutex.Lock()
				m.stats.SaveErrors++
				m.stats.mutex.Unlock()
				log.Printf("Capture write error: %v", err)
			}
		case <-m.done:
			// drain what is already queued
			for {
				select {
				case rec := <-m.records:
					if err := enc.Encode(rec); err != nil {
						log.Printf("Capture write error: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Exchange builds and queues a record from a finished request/response
// pair. A full queue drops the record rather than stalling the session.
func (m *Manager) Exchange(sessionID uint64, clientAddr, host string, port int, https bool,
	req *httpmsg.Request, resp *httpmsg.Response, took time.Duration) {
	if !m.config.Enabled {
		return
	}

	rec := &Record{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		Host:       host,
		Port:       port,
		HTTPS:      https,
		Method:     req.Method,
		URI:        req.URI,
		Status:     resp.StatusCode,
		DurationMs: took.Milliseconds(),
		ReqHeaders: m.headerMap(req.Headers),
		RespHeader: m.headerMap(resp.Headers),
	}

	if body, truncated := m.bodyText(req.Headers, req.Body.Data()); body != "" {
		rec.ReqBody = body
		rec.Truncated = rec.Truncated || truncated
	}
	if body, truncated := m.bodyText(resp.Headers, resp.Body.Data()); body != "" {
		rec.RespBody = body
		rec.Truncated = rec.Truncated || truncated
	}

	select {
	case m.records <- rec:
		m.stats.mutex.Lock()
		m.stats.Captured++
		m.stats.mutex.Unlock()
	default:
		m.stats.mutex.Lock()
		m.stats.Dropped++
		m.stats.mutex.Unlock()
	}
}

func (m *Manager) headerMap(headers httpmsg.Headers) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if m.exclude[strings.ToLower(h.Name)] {
			continue
		}
		out[h.Name] = h.Value
	}
	return out
}

// bodyText decodes the body per Content-Encoding and truncates it to the
// configured cap. Binary payloads that fail decoding are stored raw.
func (m *Manager) bodyText(headers httpmsg.Headers, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}

	encoding, _ := headers.Get("Content-Encoding")
	decoded, err := DecodeBody(body, encoding)
	if err != nil {
		if m.enableDebug {
			log.Printf("Capture body decode (%s) failed: %v", encoding, err)
		}
		decoded = body
	}

	truncated := false
	if len(decoded) > m.config.MaxBodyBytes {
		decoded = decoded[:m.config.MaxBodyBytes]
		truncated = true
	}
	return string(decoded), truncated
}

// GetStats returns capture counters.
func (m *Manager) GetStats() StatsSnapshot {
	m.stats.mutex.RLock()
	defer m.stats.mutex.RUnlock()
	return StatsSnapshot{
		Captured:   m.stats.Captured,
		Dropped:    m.stats.Dropped,
		SaveErrors: m.stats.SaveErrors,
	}
}
