// Package pipeline implements the bounded three-stage pipeline: a Reader
// decompresses the source and batches lines onto a bounded queue, and N
// Workers transform each batch and write it to their own compressed
// sink, rather than sharing one combined output stage.
package pipeline

import (
	"context"
	"sync"

	"cdn-log-anonymizer/internal/metrics"
	"cdn-log-anonymizer/pkg/backpressure"

	"github.com/sirupsen/logrus"
)

// Pipeline owns the bounded queue and the lifetime of the reader and
// worker goroutines for one run. Secrets load/save and signal handling
// live one layer up, in internal/app.
type Pipeline struct {
	reader  *Reader
	workers []*Worker
	queue   chan Batch

	logger *logrus.Logger
}

// New builds a Pipeline with Q1 sized queueLen and one goroutine per
// worker in workers.
func New(sourcePath string, chunkSize, maxLines, queueLen int, monitor *backpressure.Monitor, workers []*Worker, logger *logrus.Logger) *Pipeline {
	queue := make(chan Batch, queueLen)
	return &Pipeline{
		reader:  NewReader(sourcePath, chunkSize, maxLines, queue, monitor, logger),
		workers: workers,
		queue:   queue,
		logger:  logger,
	}
}

// Run starts the reader and all workers and blocks until every worker has
// drained Q1 following EOF, or ctx is cancelled. It always returns after
// every worker has stopped its sinks, so the caller (the supervisor) can
// safely proceed to save the pseudonym stores.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(p.workers)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.reader.Run(ctx); err != nil && err != context.Canceled {
			errs <- err
		}
	}()

	for _, w := range p.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.QueueDepth.Set(float64(len(p.queue)))
			if err := w.Run(ctx, p.queue); err != nil && err != context.Canceled {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		return err // first error observed; any others are discarded
	}
	return nil
}

// LinesRead reports the reader's current progress, for the status server.
func (p *Pipeline) LinesRead() int64 {
	return p.reader.LinesEmitted
}
