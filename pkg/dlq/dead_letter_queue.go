// Package dlq implements the dead-record sink: every raw line a worker
// skips (failed validation, malformed request line, schema mismatch) is
// recorded as one JSON line instead of silently vanishing, so operators
// can audit what a run dropped. A buffered queue, file rotation, and
// periodic retention cleanup keep this bounded; there's no alerting or
// automatic reprocessing, since a dropped log line isn't a delivery that
// makes sense to retry.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cdn-log-anonymizer/pkg/compression"
)

// Config controls the dead-record sink.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	QueueSize     int           `yaml:"queue_size"`
	MaxFileSize   int64         `yaml:"max_file_size_mb"`
	RetentionDays int           `yaml:"retention_days"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 7
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.Directory == "" {
		c.Directory = "./deadletters"
	}
}

// Entry is one dead-letter record: a raw line that a worker could not turn
// into a derived record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RawLine   string    `json:"raw_line"`
	Reason    string    `json:"reason"`
	Column    string    `json:"column,omitempty"`
	WorkerID  int       `json:"worker_id"`
}

// Stats is a point-in-time snapshot of sink activity.
type Stats struct {
	TotalEntries   int64
	EntriesWritten int64
	WriteErrors    int64
	FilesCreated   int64
	LastFlush      time.Time
}

// Sink accepts dead records off a bounded queue and writes them as JSONL,
// rotating to a new file once the current one crosses MaxFileSize.
type Sink struct {
	cfg    Config
	logger *logrus.Logger

	queue chan Entry
	file  *os.File

	mu    sync.Mutex
	stats Stats

	stop chan struct{}
	done chan struct{}
}

// New creates a dead-record sink. Call Start to begin accepting entries.
func New(cfg Config, logger *logrus.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start creates the dead-letter directory and its first file, then begins
// the background write/flush/cleanup loop.
func (s *Sink) Start() error {
	if !s.cfg.Enabled {
		close(s.done)
		return nil
	}
	if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create dead-letter directory: %w", err)
	}
	if err := s.rotate(); err != nil {
		return fmt.Errorf("create initial dead-letter file: %w", err)
	}
	go s.loop()
	return nil
}

// Add enqueues one dead record. Non-blocking: a full queue drops the entry
// and logs a warning rather than stalling the caller (a worker goroutine in
// the hot path).
func (s *Sink) Add(entry Entry) {
	if !s.cfg.Enabled {
		return
	}
	entry.Timestamp = time.Now()
	select {
	case s.queue <- entry:
		s.mu.Lock()
		s.stats.TotalEntries++
		s.mu.Unlock()
	default:
		s.logger.Warn("dead-letter queue full, dropping entry")
		s.mu.Lock()
		s.stats.WriteErrors++
		s.mu.Unlock()
	}
}

func (s *Sink) loop() {
	defer close(s.done)

	flushTicker := time.NewTicker(s.cfg.FlushInterval)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-s.stop:
			s.drain()
			s.closeFile()
			return
		case entry := <-s.queue:
			s.write(entry)
		case <-flushTicker.C:
			s.flush()
		case <-cleanupTicker.C:
			s.cleanupOld()
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case entry := <-s.queue:
			s.write(entry)
		default:
			return
		}
	}
}

func (s *Sink) write(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		s.stats.WriteErrors++
		return
	}
	if s.shouldRotateLocked() {
		if err := s.rotateLocked(); err != nil {
			s.logger.WithError(err).Error("failed to rotate dead-letter file")
			s.stats.WriteErrors++
			return
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal dead-letter entry")
		s.stats.WriteErrors++
		return
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		s.logger.WithError(err).Error("failed to write dead-letter entry")
		s.stats.WriteErrors++
		return
	}
	s.stats.EntriesWritten++
}

func (s *Sink) shouldRotateLocked() bool {
	info, err := s.file.Stat()
	if err != nil {
		return true
	}
	return info.Size() >= s.cfg.MaxFileSize*1024*1024
}

func (s *Sink) rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Sink) rotateLocked() error {
	if s.file != nil {
		path := s.file.Name()
		s.file.Close()
		go s.compressRotated(path)
	}
	name := fmt.Sprintf("deadletters_%s.jsonl", time.Now().Format("20060102_150405"))
	f, err := os.OpenFile(filepath.Join(s.cfg.Directory, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.stats.FilesCreated++
	return nil
}

// compressRotated gzips a file that just rolled off active writing, freeing
// disk space for long-running follow-mode deployments.
func (s *Sink) compressRotated(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()

	gz, err := compression.NewGzipWriteCloser(out)
	if err != nil {
		return
	}
	buf := bufio.NewReader(in)
	if _, err := buf.WriteTo(gz); err != nil {
		gz.Close()
		return
	}
	if err := gz.Close(); err != nil {
		return
	}
	os.Remove(path)
}

func (s *Sink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Sync()
		s.stats.LastFlush = time.Now()
	}
}

func (s *Sink) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *Sink) cleanupOld() {
	pattern := filepath.Join(s.cfg.Directory, "deadletters_*.jsonl.gz")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Stop flushes any queued entries and closes the active file. Calling Stop
// again is a no-op.
func (s *Sink) Stop() error {
	if !s.cfg.Enabled {
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

// GetStats returns a snapshot of sink activity, for /stats.
func (s *Sink) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	return stats
}

// Len reports the total number of entries accepted since Start.
func (s *Sink) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.TotalEntries
}
