// Package persistence implements the pseudonym store's crash-recovery
// write-ahead log: every pending store insertion is appended here before
// it's acknowledged, so a crash between two store.Save() calls never
// re-mints a token for a key that's already on disk.
package persistence

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// WAL is a per-column append-only log of (key, token) pairs minted since
// the last clean Store.Save(). Each Append call writes one independently
// LZ4-compressed, length-prefixed frame and fsyncs, so a crash loses at
// most the frame currently being written — never a previously durable one.
type WAL struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// Open creates or appends to the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	return &WAL{path: path, file: f}, nil
}

// Append durably records one newly minted (key, token) pair.
func (w *WAL) Append(key, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var plain strings.Builder
	cw := csv.NewWriter(&plain)
	if err := cw.Write([]string{key, token}); err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	src := []byte(plain.String())
	compressed := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, compressed)
	if err != nil {
		return fmt.Errorf("compress wal record: %w", err)
	}

	// A length-prefixed frame: [rawLen uint32][compressedLen uint32][compressed bytes].
	// n == 0 means lz4 judged the block incompressible, which is common for
	// short records; the frame then stores it raw.
	frame := compressed[:n]
	if n == 0 {
		frame = src
	}
	header := make([]byte, 8)
	putUint32(header[0:4], uint32(len(src)))
	putUint32(header[4:8], uint32(len(frame)))

	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("write wal frame: %w", err)
	}
	return w.file.Sync()
}

// Replay reads every frame from the start of the WAL and invokes apply for
// each (key, token) pair, in the order they were appended. It is intended
// to run once at startup, before the store's CSV secrets file is trusted
// as complete.
func Replay(path string, apply func(key, token string)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open wal %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			// A truncated trailing frame (crash mid-write) ends replay
			// gracefully rather than failing the whole run.
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("read wal header: %w", err)
		}
		rawLen := getUint32(header[0:4])
		frameLen := getUint32(header[4:8])

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil
			}
			return fmt.Errorf("read wal frame: %w", err)
		}

		var plain []byte
		if frameLen == rawLen {
			plain = frame
		} else {
			plain = make([]byte, rawLen)
			n, err := lz4.UncompressBlock(frame, plain)
			if err != nil {
				return fmt.Errorf("decompress wal frame: %w", err)
			}
			plain = plain[:n]
		}

		rows, err := csv.NewReader(strings.NewReader(string(plain))).ReadAll()
		if err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}
		for _, row := range rows {
			if len(row) != 2 {
				continue
			}
			apply(row[0], row[1])
		}
	}
}

// Truncate discards the WAL's contents. Call after a successful Store.Save()
// since the CSV secrets file now supersedes everything the WAL recorded.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

// Close closes the underlying WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
