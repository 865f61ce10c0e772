package store

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"cdn-log-anonymizer/pkg/errors"
	"cdn-log-anonymizer/pkg/types"
)

// Manager owns one Store per anonymized column and coordinates their
// loading, WAL replay, and checkpointing.
type Manager struct {
	secretsDir     string
	checkpointDir  string
	checkpointOn   bool
	logger         *logrus.Logger
	stores         map[string]*Store
}

// NewManager creates a store for every column in types.AnonymizedColumns.
func NewManager(cfg types.Config, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{
		secretsDir:    cfg.App.SecretsDir,
		checkpointDir: cfg.Checkpoint.Directory,
		checkpointOn:  cfg.Checkpoint.Enabled,
		logger:        logger,
		stores:        make(map[string]*Store, len(types.AnonymizedColumns)),
	}

	for _, column := range types.AnonymizedColumns {
		var wal string
		if m.checkpointOn {
			wal = m.walPath(column)
		}
		s, err := New(column, types.ColumnTokenLength[column], wal)
		if err != nil {
			return nil, err
		}
		m.stores[column] = s
	}
	return m, nil
}

// Store returns the pseudonym store for column, or nil if column is not one
// of the anonymized columns.
func (m *Manager) Store(column string) *Store {
	return m.stores[column]
}

// Map satisfies transform.Stores: it looks up key in the named column's
// store, minting a token on first sight.
func (m *Manager) Map(column string, key *string) *string {
	s, ok := m.stores[column]
	if !ok {
		return nil
	}
	return s.Map(key)
}

func (m *Manager) secretsPath(column string) string {
	return filepath.Join(m.secretsDir, "secrets_"+column+".csv")
}

func (m *Manager) walPath(column string) string {
	return filepath.Join(m.checkpointDir, "secrets_"+column+".wal")
}

// LoadAll loads every column's secrets CSV, then replays its WAL on top so
// tokens minted since the last Save are not re-minted. A load failure for
// one column is logged and that column starts empty rather than failing
// the whole run.
func (m *Manager) LoadAll() error {
	for column, s := range m.stores {
		if err := s.Load(m.secretsPath(column)); err != nil {
			appErr, _ := errors.AsAppError(err)
			m.logger.WithFields(logrus.Fields{
				"column": column,
				"error":  appErr,
			}).Warn("failed to load secrets file, starting column empty")
		}
		if m.checkpointOn {
			if err := s.ReplayWAL(m.walPath(column)); err != nil {
				m.logger.WithFields(logrus.Fields{
					"column": column,
					"error":  err,
				}).Warn("failed to replay checkpoint WAL")
			}
		}
	}
	return nil
}

// SaveAll persists every column's secrets CSV and truncates its WAL. A
// save failure for one column doesn't stop the rest: every column still
// attempts to save so one bad column doesn't lose every column's work.
func (m *Manager) SaveAll() error {
	var first error
	for column, s := range m.stores {
		if err := s.Save(m.secretsPath(column)); err != nil {
			m.logger.WithFields(logrus.Fields{"column": column, "error": err}).Error("failed to save secrets file")
			if first == nil {
				first = err
			}
			continue
		}
		if err := s.TruncateWAL(); err != nil {
			m.logger.WithFields(logrus.Fields{"column": column, "error": err}).Warn("failed to truncate checkpoint WAL after save")
		}
	}
	return first
}

// Sizes reports the current key count of every column store, for /stats.
func (m *Manager) Sizes() map[string]int {
	out := make(map[string]int, len(m.stores))
	for column, s := range m.stores {
		out[column] = s.Len()
	}
	return out
}

// Close releases every store's WAL handle.
func (m *Manager) Close() error {
	for _, s := range m.stores {
		_ = s.Close()
	}
	return nil
}
