// Package watch implements the inbox watcher: when inbox.enabled is set,
// it watches a directory for newly landed *.bz2 archives and runs each
// one, in landing order, through the supervisor's pipeline.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cdn-log-anonymizer/pkg/types"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Runner executes one pipeline run against a landed archive.
type Runner func(ctx context.Context, path string) error

// Watcher watches a directory for new *.bz2 archives and feeds each one,
// in landing order, to run once no fsnotify.Write event has fired for it
// for quietPeriod — a quiet period is how it avoids opening an archive
// that is still being copied into place. Each candidate file gets its own
// debounce timer, since several archives can land in the inbox concurrently.
type Watcher struct {
	dir         string
	quietPeriod time.Duration
	run         Runner
	logger      *logrus.Logger

	fs *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	seen   map[string]bool
	landed chan string
}

// New builds a Watcher over cfg.Directory.
func New(cfg types.InboxConfig, run Runner, logger *logrus.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: new watcher: %w", err)
	}

	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = 5 * time.Second
	}

	w := &Watcher{
		dir:         cfg.Directory,
		quietPeriod: quiet,
		run:         run,
		logger:      logger,
		fs:          fs,
		timers:      make(map[string]*time.Timer),
		seen:        make(map[string]bool),
		landed:      make(chan string, 64),
	}

	if err := fs.Add(cfg.Directory); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch: add directory %s: %w", cfg.Directory, err)
	}
	return w, nil
}

// Run scans the directory for archives already present, then watches for
// new ones, processing every landed file sequentially through run until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	if err := w.scanExisting(); err != nil {
		w.logger.WithError(err).Warn("watch: initial directory scan failed")
	}

	go w.watchEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path := <-w.landed:
			w.logger.WithField("file", path).Info("watch: archive landed, starting run")
			if err := w.run(ctx, path); err != nil {
				w.logger.WithError(err).WithField("file", path).Error("watch: pipeline run failed")
			}
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isArchive(e.Name()) {
			continue
		}
		w.scheduleLanding(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !isArchive(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleLanding(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watch: fsnotify error")
		}
	}
}

// scheduleLanding (re)starts the quiet-period timer for path. A fired
// timer means no Write event has arrived for quietPeriod, so the archive
// is considered fully copied and ready to process.
func (w *Watcher) scheduleLanding(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.quietPeriod, func() {
		w.mu.Lock()
		delete(w.timers, path)
		alreadyLanded := w.seen[path]
		w.seen[path] = true
		w.mu.Unlock()

		if alreadyLanded {
			return
		}
		select {
		case w.landed <- path:
		default:
			w.logger.WithField("file", path).Warn("watch: landed queue full, dropping notification")
		}
	})
}

func isArchive(name string) bool {
	return strings.HasSuffix(name, ".bz2")
}
