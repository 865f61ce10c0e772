// Package store implements the per-column pseudonym store: a concurrent
// key→token map with an idempotent, first-write-wins contract, backed by
// a sharded map for throughput and a write-ahead log for crash-safety
// between CSV snapshots.
package store

import (
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"cdn-log-anonymizer/pkg/errors"
	"cdn-log-anonymizer/pkg/persistence"
)

const numShards = 64

type shard struct {
	mu sync.Mutex
	m  map[string]string
}

// Store is one column's key→token map. It satisfies types.PseudonymStore.
type Store struct {
	column   string
	nibbles  int
	shards   [numShards]*shard
	wal      *persistence.WAL
}

// New creates an empty store for column, minting tokenNibbles-nibble hex
// tokens. If walPath is non-empty, every newly minted token is durably
// appended there before Map returns it.
func New(column string, tokenNibbles int, walPath string) (*Store, error) {
	s := &Store{column: column, nibbles: tokenNibbles}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]string)}
	}
	if walPath != "" {
		w, err := persistence.Open(walPath)
		if err != nil {
			return nil, errors.StoreLoadError(column, "open-wal", err)
		}
		s.wal = w
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return s.shards[h%uint64(numShards)]
}

// Map returns the stable token for key, minting one on first sight. A nil
// key returns a nil token: null values are never inserted into the store.
// Concurrent first-sight calls for the same key are idempotent — exactly
// one token is minted and every caller observes it.
func (s *Store) Map(key *string) *string {
	if key == nil {
		return nil
	}
	sh := s.shardFor(*key)

	sh.mu.Lock()
	if tok, ok := sh.m[*key]; ok {
		sh.mu.Unlock()
		return &tok
	}
	tok := mintToken(s.column, s.nibbles)
	sh.m[*key] = tok
	sh.mu.Unlock()

	if s.wal != nil {
		// A WAL write failure must not block anonymization: the token is
		// already authoritative in memory and will be captured by the next
		// successful Save. Worst case on crash is re-minting this one key.
		_ = s.wal.Append(*key, tok)
	}
	return &tok
}

// mintToken builds a column-prefixed token: column + "-" + lowercase hex,
// so a token is self-describing about which column minted it.
func mintToken(column string, nibbles int) string {
	byteLen := (nibbles + 1) / 2
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is unavailable; there
		// is no safe fallback for a pseudonymization token.
		panic(errors.New(errors.CodeRNGUnavailable, "store", "mint-token", "crypto/rand unavailable").Wrap(err))
	}
	return column + "-" + hex.EncodeToString(buf)[:nibbles]
}

// ReplayWAL loads any tokens recorded since the last Save, applying them
// directly without re-minting. Call once at startup, after Load.
func (s *Store) ReplayWAL(walPath string) error {
	return persistence.Replay(walPath, func(key, token string) {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if _, ok := sh.m[key]; !ok {
			sh.m[key] = token
		}
		sh.mu.Unlock()
	})
}

// Load replaces the store's contents from a secrets CSV file of `key,token`
// rows. A missing or empty file is not an error and leaves the store as it
// is — it means this column has never been seen before.
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.StoreLoadError(s.column, "open", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	cleared := false
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.StoreLoadError(s.column, "parse", err)
		}
		if !cleared {
			// An empty file leaves the store untouched; the first row
			// replaces whatever the store held before.
			for _, sh := range s.shards {
				sh.mu.Lock()
				sh.m = make(map[string]string)
				sh.mu.Unlock()
			}
			cleared = true
		}
		sh := s.shardFor(row[0])
		sh.mu.Lock()
		sh.m[row[0]] = row[1]
		sh.mu.Unlock()
	}
	return nil
}

// Save writes the store's full contents to a secrets CSV file, one
// `key,token` row per entry, keys sorted for a stable diff across runs.
func (s *Store) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.StoreSaveError(s.column, "create", err)
	}

	w := csv.NewWriter(f)
	for _, key := range s.sortedKeys() {
		sh := s.shardFor(key)
		sh.mu.Lock()
		tok := sh.m[key]
		sh.mu.Unlock()
		if err := w.Write([]string{key, tok}); err != nil {
			f.Close()
			return errors.StoreSaveError(s.column, "write", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errors.StoreSaveError(s.column, "flush", err)
	}
	if err := f.Close(); err != nil {
		return errors.StoreSaveError(s.column, "close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.StoreSaveError(s.column, "rename", err)
	}
	return nil
}

// Len reports the number of distinct keys currently mapped.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.m {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// TruncateWAL discards the write-ahead log after a successful Save, since
// the CSV snapshot now supersedes everything it recorded.
func (s *Store) TruncateWAL() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Truncate()
}

// Close releases the store's WAL handle, if any.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}
