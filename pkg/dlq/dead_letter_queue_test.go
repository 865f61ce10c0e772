package dlq

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestSink(t *testing.T, cfg Config) *Sink {
	t.Helper()
	cfg.Directory = t.TempDir()
	cfg.Enabled = true
	cfg.FlushInterval = 20 * time.Millisecond
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s := New(cfg, logger)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestSinkWritesEntryToFile(t *testing.T) {
	s := newTestSink(t, Config{})
	s.Add(Entry{RawLine: "malformed line", Reason: "missing ip", WorkerID: 3})

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(s.cfg.Directory, "deadletters_*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected exactly one dead-letter file, got %v (err=%v)", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open dead-letter file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line in the dead-letter file")
	}
	var got Entry
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if got.RawLine != "malformed line" || got.Reason != "missing ip" {
		t.Errorf("got %+v", got)
	}
}

func TestSinkDisabledIsNoOp(t *testing.T) {
	logger := logrus.New()
	s := New(Config{Enabled: false, Directory: t.TempDir()}, logger)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Add(Entry{RawLine: "x", Reason: "y"})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0 when disabled", n)
	}
}

func TestSinkQueueFullDropsEntry(t *testing.T) {
	cfg := Config{QueueSize: 1}
	s := newTestSink(t, cfg)

	// Fill and then immediately overflow before the loop drains it.
	for i := 0; i < 5; i++ {
		s.Add(Entry{RawLine: "x", Reason: "y"})
	}
	// No assertion on dropped count (timing-dependent); this just exercises
	// the non-blocking path without deadlocking.
}
