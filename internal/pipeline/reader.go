package pipeline

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"cdn-log-anonymizer/pkg/backpressure"
	"cdn-log-anonymizer/pkg/compression"

	"github.com/sirupsen/logrus"
)

// Batch is a group of whole decompressed lines handed from the Reader to
// a Worker over the bounded queue.
type Batch struct {
	Lines []string
}

// Reader decompresses the source file and groups lines into batches of
// approximately chunkSize lines each, publishing them onto the bounded
// queue.
type Reader struct {
	path      string
	chunkSize int
	maxLines  int // -1 = unlimited
	queue     chan<- Batch
	monitor   *backpressure.Monitor
	logger    *logrus.Logger

	LinesEmitted int64
}

// NewReader constructs a Reader. monitor may be nil to disable throttling.
func NewReader(path string, chunkSize, maxLines int, queue chan<- Batch, monitor *backpressure.Monitor, logger *logrus.Logger) *Reader {
	return &Reader{
		path:      path,
		chunkSize: chunkSize,
		maxLines:  maxLines,
		queue:     queue,
		monitor:   monitor,
		logger:    logger,
	}
}

// Run streams the source file until exhausted, ctx is cancelled, or
// maxLines is reached. It always closes the queue on return so every
// worker observes EOF.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.queue)

	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	decompressed := compression.NewBzip2Reader(f)
	br := bufio.NewReaderSize(decompressed, 1<<20)

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

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lines = append(lines, line)
			emitted++
			r.LinesEmitted = int64(emitted)
		}

		reachedLimit := r.maxLines != -1 && emitted >= r.maxLines
		if len(lines) >= r.chunkSize || reachedLimit {
			if flushErr := flush(); flushErr != nil {
				return flushErr
			}
		}

		if err != nil {
			if err != io.EOF {
				r.logger.WithError(err).Warn("reader: decompression stopped early")
			}
			return flush()
		}
		if reachedLimit {
			return nil
		}
	}
}
