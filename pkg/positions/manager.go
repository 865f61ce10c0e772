// Package positions persists the byte offset already consumed from each
// followed log file, so a restarted process resumes mid-file instead of
// reprocessing already-anonymized lines. Saves are atomic
// (write-temp-then-rename) and the on-disk shape is plain JSON: one
// offset per path is all a followed file needs.
package positions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Position is the persisted state for one followed file.
type Position struct {
	Offset       int64     `json:"offset"`
	LastModified time.Time `json:"last_modified"`
}

// Manager tracks one Position per file path and flushes them to a single
// JSON file on disk.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	file     string
	logger   *logrus.Logger
	byPath   map[string]Position
	dirty    bool
}

// New builds a Manager rooted at dir. dir is created if it does not exist.
func New(dir string, logger *logrus.Logger) *Manager {
	if dir == "" {
		dir = "./positions"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.WithError(err).WithField("directory", dir).Warn("positions: failed to create directory")
	}
	return &Manager{
		dir:    dir,
		file:   filepath.Join(dir, "positions.json"),
		logger: logger,
		byPath: make(map[string]Position),
	}
}

// Load reads the positions file from disk. A missing file is not an error;
// the manager simply starts empty.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var loaded map[string]Position
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	m.byPath = loaded
	return nil
}

// Get returns the last-persisted offset for path, or zero if unknown.
func (m *Manager) Get(path string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byPath[path].Offset
}

// Set records a new offset for path and marks the manager dirty.
func (m *Manager) Set(path string, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPath[path] = Position{Offset: offset, LastModified: time.Now()}
	m.dirty = true
}

// Save persists the current offsets via a temp-file-then-rename write, so a
// crash mid-write never corrupts the previous snapshot.
func (m *Manager) Save() error {
	m.mu.RLock()
	if !m.dirty {
		m.mu.RUnlock()
		return nil
	}
	snapshot := make(map[string]Position, len(m.byPath))
	for k, v := range m.byPath {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.file); err != nil {
		os.Remove(tmp)
		return err
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}
