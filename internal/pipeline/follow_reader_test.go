package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdn-log-anonymizer/pkg/compression"
	"cdn-log-anonymizer/pkg/positions"

	"github.com/sirupsen/logrus"
)

func appendBzip2Stream(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	bw, err := compression.NewBzip2WriteCloser(f)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if _, err := bw.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFollowReaderReadsAcrossConcatenatedStreams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log.bz2")

	line := sampleLine24()
	appendBzip2Stream(t, path, []string{line, line})

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	posMgr := positions.New(filepath.Join(dir, "positions"), logger)

	queue := make(chan Batch, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := NewFollowReader(path, 10, -1, 30*time.Millisecond, queue, nil, posMgr, logger)

	runDone := make(chan error, 1)
	go func() { runDone <- reader.Run(ctx) }()

	var got []string
	collectUntil := func(want int, timeout time.Duration) {
		deadline := time.After(timeout)
		for len(got) < want {
			select {
			case batch := <-queue:
				got = append(got, batch.Lines...)
			case <-deadline:
				return
			}
		}
	}

	collectUntil(2, time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d lines after first stream, want 2", len(got))
	}

	// Append a second, independently-framed bzip2 stream, simulating a
	// rotation-unaware writer appending to the same archive in place.
	appendBzip2Stream(t, path, []string{line})
	collectUntil(3, 2*time.Second)
	if len(got) != 3 {
		t.Fatalf("got %d lines after second stream, want 3", len(got))
	}

	cancel()
	<-runDone

	if off := posMgr.Get(path); off <= 0 {
		t.Errorf("expected a persisted positive offset, got %d", off)
	}
}
