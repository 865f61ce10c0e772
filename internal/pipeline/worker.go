package pipeline

import (
	"context"
	"fmt"
	"time"

	"cdn-log-anonymizer/internal/enrich"
	"cdn-log-anonymizer/internal/metrics"
	"cdn-log-anonymizer/internal/transform"
	"cdn-log-anonymizer/pkg/dlq"
	"cdn-log-anonymizer/pkg/types"

	"github.com/sirupsen/logrus"
)

// WorkerConfig carries everything a Worker needs that is shared
// process-wide: the column layout, run-wide constants, and the stores and
// databases owned by the supervisor.
type WorkerConfig struct {
	ID           int
	ColumnLayout string
	CacheName    string
	PopName      string
	TimeShiftDays int
	Xyte         float64
	CacheSize    int

	Stores   transform.Stores
	Geo      types.GeoLookup
	UA       types.UserAgentLookup
	DeadLetters *dlq.Sink
	Sinks    []types.Sink // this worker's primary file sink plus optional Kafka egress
}

// Worker dequeues batches, parses and transforms each record, and writes
// surviving records to its sinks. Each worker owns its own enrichment
// caches, so no two workers ever contend on the same cache entry.
type Worker struct {
	cfg    WorkerConfig
	idx    columnIndex
	logger *logrus.Logger

	transformCtx transform.Context

	processed int64
	skipped   int64
}

// NewWorker builds a Worker with fresh, worker-local enrichment caches
// wrapping the shared GeoIP/UA databases.
func NewWorker(cfg WorkerConfig, logger *logrus.Logger) (*Worker, error) {
	idx, err := layoutFor(cfg.ColumnLayout)
	if err != nil {
		return nil, err
	}

	cachedGeo, err := enrich.NewCachedGeoLookup(cfg.Geo, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("worker %d: geo cache: %w", cfg.ID, err)
	}
	cachedUA, err := enrich.NewCachedUserAgentLookup(cfg.UA, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("worker %d: ua cache: %w", cfg.ID, err)
	}

	return &Worker{
		cfg:    cfg,
		idx:    idx,
		logger: logger,
		transformCtx: transform.Context{
			CacheName:     cfg.CacheName,
			PopName:       cfg.PopName,
			TimeShiftDays: cfg.TimeShiftDays,
			Xyte:          cfg.Xyte,
			Stores:        cfg.Stores,
			Enrich: transform.Enrichers{
				Geo: cachedGeo,
				UA:  cachedUA,
			},
		},
	}, nil
}

// Run drains queue until it is closed (EOF) or ctx is cancelled, then
// stops its sinks. A closed, drained Go channel reports (zero, false)
// immediately, so there's no need to poll for EOF on a timer.
func (w *Worker) Run(ctx context.Context, queue <-chan Batch) error {
	label := fmt.Sprintf("%d", w.cfg.ID)

	for _, sink := range w.cfg.Sinks {
		if err := sink.Start(ctx); err != nil {
			return fmt.Errorf("worker %d: start sink: %w", w.cfg.ID, err)
		}
	}

	for {
		select {
		case batch, ok := <-queue:
			if !ok {
				return w.stopSinks()
			}
			start := time.Now()
			w.processBatch(ctx, batch)
			metrics.ChunkProcessingDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		case <-ctx.Done():
			w.stopSinks()
			return ctx.Err()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, batch Batch) {
	records := make([]types.DerivedRecord, 0, len(batch.Lines))

	for _, line := range batch.Lines {
		raw, err := ParseLine(line, w.idx)
		if err != nil {
			w.skipped++
			metrics.RecordsSkippedTotal.WithLabelValues("parse_error").Inc()
			w.deadLetter(line, err)
			continue
		}

		// The side filter runs before Transform, since only the caller
		// knows whether `side` was even a column in this input's layout.
		if raw.Side != nil && *raw.Side != "c" {
			metrics.RecordsSkippedTotal.WithLabelValues("side_filter").Inc()
			continue
		}
		raw.Side = nil

		derived, err := transform.Transform(w.transformCtx, raw)
		if err != nil {
			w.skipped++
			metrics.RecordsSkippedTotal.WithLabelValues("transform_error").Inc()
			w.deadLetter(line, err)
			continue
		}

		records = append(records, derived)
		w.processed++
	}

	metrics.RecordsProcessedTotal.WithLabelValues(w.cfg.CacheName, w.cfg.PopName).Add(float64(len(records)))

	for _, sink := range w.cfg.Sinks {
		if err := sink.Send(ctx, records); err != nil {
			metrics.SinkWriteErrorsTotal.WithLabelValues(fmt.Sprintf("worker-%d", w.cfg.ID)).Inc()
			w.logger.WithError(err).Error("worker: sink write failed")
		}
	}
}

func (w *Worker) deadLetter(line string, cause error) {
	if w.cfg.DeadLetters == nil {
		return
	}
	w.cfg.DeadLetters.Add(dlq.Entry{
		RawLine:  line,
		Reason:   cause.Error(),
		WorkerID: w.cfg.ID,
	})
}

func (w *Worker) stopSinks() error {
	var firstErr error
	for _, sink := range w.cfg.Sinks {
		if err := sink.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
