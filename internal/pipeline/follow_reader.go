package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cdn-log-anonymizer/pkg/backpressure"
	"cdn-log-anonymizer/pkg/compression"
	"cdn-log-anonymizer/pkg/positions"

	"github.com/sirupsen/logrus"
)

// countingReader tracks how many bytes have been pulled from the
// underlying raw (compressed) file, so the exact raw offset at which one
// bzip2 stream ends — and the next one can be reopened — is known.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// FollowReader is a Reader variant that never treats EOF as the end of
// the run. It polls the source file for growth and, on growth, reopens a
// fresh bzip2 stream at the raw byte offset where the previous stream
// ended — bzip2 framing permits concatenated streams, which is how a
// log-rotation-unaware writer appends to an archive in place. The raw
// offset is persisted via pkg/positions after every completed stream so
// a restarted process resumes mid-file.
//
// Growth is detected by polling os.Stat rather than by line-oriented
// tailing: the source is a binary compressed stream, so reading "lines"
// out of it before a full bzip2 block has landed would just be garbage.
type FollowReader struct {
	path         string
	chunkSize    int
	maxLines     int
	pollInterval time.Duration

	queue   chan<- Batch
	monitor *backpressure.Monitor
	posMgr  *positions.Manager
	logger  *logrus.Logger

	LinesEmitted int64
}

// NewFollowReader constructs a FollowReader. posMgr may be nil to disable
// offset persistence (every run then starts from the beginning of path).
func NewFollowReader(path string, chunkSize, maxLines int, pollInterval time.Duration, queue chan<- Batch, monitor *backpressure.Monitor, posMgr *positions.Manager, logger *logrus.Logger) *FollowReader {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &FollowReader{
		path:         path,
		chunkSize:    chunkSize,
		maxLines:     maxLines,
		pollInterval: pollInterval,
		queue:        queue,
		monitor:      monitor,
		posMgr:       posMgr,
		logger:       logger,
	}
}

// Run tails path indefinitely until ctx is cancelled or maxLines is
// reached, closing the queue on either exit so every worker observes EOF.
func (r *FollowReader) Run(ctx context.Context) error {
	defer close(r.queue)

	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var rawOffset int64
	if r.posMgr != nil {
		rawOffset = r.posMgr.Get(r.path)
		if rawOffset > 0 {
			if _, err := f.Seek(rawOffset, io.SeekStart); err != nil {
				return fmt.Errorf("follow: seek to saved offset: %w", err)
			}
		}
	}

	lines := make([]string, 0, r.chunkSize)
	emitted := 0

	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		if r.monitor != nil {
			r.monitor.Throttle(ctx)
		}
		batch := Batch{Lines: lines}
		lines = make([]string, 0, r.chunkSize)
		select {
		case r.queue <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	persist := func() {
		if r.posMgr == nil {
			return
		}
		r.posMgr.Set(r.path, rawOffset)
		if err := r.posMgr.Save(); err != nil {
			r.logger.WithError(err).Warn("follow: failed to persist offset")
		}
	}

	for {
		// cr wraps the raw file directly; bufio below buffers the
		// decompressed text, not cr, so cr.n after this stream ends is
		// exactly the number of compressed bytes the bzip2 stream
		// consumed — safe to use as the next stream's start offset.
		cr := &countingReader{r: f}
		decompressed := compression.NewBzip2Reader(cr)
		br := bufio.NewReaderSize(decompressed, 1<<20)

		for {
			line, readErr := br.ReadString('\n')
			if len(line) > 0 {
				if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
					lines = append(lines, trimmed)
					emitted++
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					return readErr
				}
				break
			}

			if len(lines) >= r.chunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
			if r.maxLines >= 0 && emitted >= r.maxLines {
				if err := flush(); err != nil {
					return err
				}
				r.LinesEmitted = int64(emitted)
				return nil
			}
		}

		rawOffset += cr.n
		if err := flush(); err != nil {
			return err
		}
		persist()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
			info, err := os.Stat(r.path)
			if err != nil {
				return err
			}
			if info.Size() > rawOffset {
				if _, err := f.Seek(rawOffset, io.SeekStart); err != nil {
					return err
				}
				break
			}
		}
	}
}
