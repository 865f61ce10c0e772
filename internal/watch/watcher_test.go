package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cdn-log-anonymizer/pkg/types"

	"github.com/sirupsen/logrus"
)

func TestWatcherRunsLandedArchiveOnce(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	var mu sync.Mutex
	var runs []string

	w, err := New(types.InboxConfig{
		Directory:   dir,
		QuietPeriod: 50 * time.Millisecond,
	}, func(ctx context.Context, path string) error {
		mu.Lock()
		runs = append(runs, path)
		mu.Unlock()
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the watcher register before the file appears
	path := filepath.Join(dir, "access.log.bz2")
	if err := os.WriteFile(path, []byte("not really bzip2, just bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(1500 * time.Millisecond)
	for {
		mu.Lock()
		n := len(runs)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the landed archive to be processed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want exactly 1: %v", len(runs), runs)
	}
	if runs[0] != path {
		t.Errorf("run path = %q, want %q", runs[0], path)
	}
}

func TestIsArchiveFiltersNonBz2(t *testing.T) {
	cases := map[string]bool{
		"access.log.bz2": true,
		"access.log":     false,
		"access.log.tmp": false,
		".hidden.bz2":    true,
	}
	for name, want := range cases {
		if got := isArchive(name); got != want {
			t.Errorf("isArchive(%q) = %v, want %v", name, got, want)
		}
	}
}
