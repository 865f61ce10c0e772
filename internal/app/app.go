// Package app implements the pipeline supervisor: it owns configuration
// loading, the shared pseudonym stores, the enrichment databases, and
// the lifetime of however many pipeline runs a process performs (one
// for a plain batch invocation, one per landed file under the inbox
// watcher, or an unbounded one under follow mode), plus the ambient
// checkpoint, dead-letter, status, and backpressure services that run
// alongside them.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"cdn-log-anonymizer/internal/config"
	"cdn-log-anonymizer/internal/enrich"
	"cdn-log-anonymizer/internal/pipeline"
	"cdn-log-anonymizer/internal/sinks"
	"cdn-log-anonymizer/internal/status"
	"cdn-log-anonymizer/internal/store"
	"cdn-log-anonymizer/internal/watch"
	"cdn-log-anonymizer/pkg/backpressure"
	"cdn-log-anonymizer/pkg/dlq"
	"cdn-log-anonymizer/pkg/positions"
	"cdn-log-anonymizer/pkg/types"

	"github.com/sirupsen/logrus"
)

// noopGeoLookup is used when no GeoIP database is configured, so a
// development or test run never needs one on disk. Every record's
// coordinates field comes back null, which the output schema already
// treats as a valid "unresolved" outcome.
type noopGeoLookup struct{}

func (noopGeoLookup) Lookup(string) (*string, error) { return nil, nil }

// App is the pipeline supervisor.
type App struct {
	config *types.Config
	logger *logrus.Logger

	stores      *store.Manager
	geo         types.GeoLookup
	geoCloser   io.Closer
	ua          types.UserAgentLookup
	deadLetters *dlq.Sink
	backpressureMonitor *backpressure.Monitor
	statusServer        *status.Server
	posMgr              *positions.Manager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
	doneDrained bool

	linesRead int64
	startedAt time.Time
}

// New loads configuration and initializes every collaborator an App
// needs before it can Start. Failures to load the configuration, open the
// enrichment databases, create the working directories, build the stores
// or start the dead-letter sink are fatal. An unreadable secrets CSV or
// follow-mode positions file is logged and that state starts empty.
func New(args config.CLIArgs) (*App, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	if err := a.initEnrichment(); err != nil {
		cancel()
		return nil, err
	}

	if err := os.MkdirAll(cfg.App.SecretsDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}
	if err := os.MkdirAll(cfg.App.OutputDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if cfg.Checkpoint.Enabled {
		if err := os.MkdirAll(cfg.Checkpoint.Directory, 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	stores, err := store.NewManager(*cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init stores: %w", err)
	}
	if err := stores.LoadAll(); err != nil {
		cancel()
		return nil, fmt.Errorf("load stores: %w", err)
	}
	a.stores = stores

	if cfg.DeadLetters.Enabled {
		dlqSink := dlq.New(dlq.Config{
			Enabled:   cfg.DeadLetters.Enabled,
			Directory: cfg.DeadLetters.Directory,
		}, logger)
		if err := dlqSink.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("start dead letter sink: %w", err)
		}
		a.deadLetters = dlqSink
	}

	if cfg.Backpressure.Enabled {
		a.backpressureMonitor = backpressure.NewMonitor(cfg.Backpressure, logger)
	}

	if cfg.Status.Enabled {
		a.statusServer = status.New(cfg.Status.Addr, a.snapshot, logger)
	}

	if cfg.Follow.Enabled {
		a.posMgr = positions.New(cfg.App.PositionsDir, logger)
		if err := a.posMgr.Load(); err != nil {
			logger.WithError(err).Warn("app: failed to load follow-mode positions, starting fresh")
		}
	}

	return a, nil
}

func (a *App) initEnrichment() error {
	if a.config.App.GeoIPPath != "" {
		geo, err := enrich.OpenGeoIP(a.config.App.GeoIPPath)
		if err != nil {
			return fmt.Errorf("open geoip database: %w", err)
		}
		a.geo = geo
		a.geoCloser = geo
	} else {
		a.logger.Warn("app: no geoip_path configured, coordinates will always be null")
		a.geo = noopGeoLookup{}
	}

	ua, err := enrich.OpenUserAgentParser(a.config.App.UserAgentPath)
	if err != nil {
		return fmt.Errorf("open user-agent parser: %w", err)
	}
	a.ua = ua
	return nil
}

// Start launches the ambient services and kicks off whichever run mode
// the configuration selects, returning immediately: the run itself
// completes (or fails, or runs forever) on a background goroutine
// reporting through a.done.
func (a *App) Start() error {
	a.startedAt = time.Now()
	a.logger.Info("starting cdn-log-anonymizer")

	if a.statusServer != nil {
		a.statusServer.Start()
	}
	if a.backpressureMonitor != nil {
		monitor := a.backpressureMonitor
		go func() {
			if err := monitor.Start(a.ctx); err != nil && err != context.Canceled {
				a.logger.WithError(err).Warn("backpressure monitor stopped")
			}
		}()
	}

	go func() {
		a.done <- a.runMode()
	}()
	return nil
}

// runMode dispatches to the configured run mode: inbox watching, follow
// mode, or a single batch run against config.LogFile.
func (a *App) runMode() error {
	switch {
	case a.config.Inbox.Enabled:
		w, err := watch.New(a.config.Inbox, a.runOnce, a.logger)
		if err != nil {
			return fmt.Errorf("init inbox watcher: %w", err)
		}
		return w.Run(a.ctx)
	case a.config.Follow.Enabled:
		return a.runFollow(a.ctx)
	default:
		return a.runOnce(a.ctx, a.config.LogFile)
	}
}

// runOnce builds a fresh worker pool and runs the bounded pipeline once
// against path, then checkpoints the pseudonym stores. Multiple calls
// (one per landed inbox file) share the same stores, so a token minted
// for a key in one run is reused for the same key in the next.
func (a *App) runOnce(ctx context.Context, path string) error {
	workers, err := a.buildWorkers(path)
	if err != nil {
		return err
	}

	p := pipeline.New(path, a.config.Pipeline.ChunkSize, a.config.Pipeline.MaxLines, a.config.Pipeline.QueueLen, a.backpressureMonitor, workers, a.logger)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("run pipeline for %s: %w", path, err)
	}
	atomic.AddInt64(&a.linesRead, p.LinesRead())

	if err := a.stores.SaveAll(); err != nil {
		a.logger.WithError(err).Error("app: failed to checkpoint pseudonym stores")
	}
	return nil
}

// runFollow wires a FollowReader directly onto a worker pool, bypassing
// pipeline.Reader: the reader half of the bounded pipeline never signals
// EOF under follow mode, so there is no discrete "run" to repeat.
func (a *App) runFollow(ctx context.Context) error {
	workers, err := a.buildWorkers(a.config.LogFile)
	if err != nil {
		return err
	}

	queue := make(chan pipeline.Batch, a.config.Pipeline.QueueLen)
	reader := pipeline.NewFollowReader(a.config.LogFile, a.config.Pipeline.ChunkSize, a.config.Pipeline.MaxLines,
		a.config.Follow.PollInterval, queue, a.backpressureMonitor, a.posMgr, a.logger)

	errs := make(chan error, len(workers)+1)
	go func() {
		errs <- reader.Run(ctx)
	}()
	for _, w := range workers {
		w := w
		go func() {
			errs <- w.Run(ctx, queue)
		}()
	}

	var first error
	for i := 0; i < len(workers)+1; i++ {
		if err := <-errs; err != nil && err != context.Canceled && first == nil {
			first = err
		}
	}
	atomic.AddInt64(&a.linesRead, reader.LinesEmitted)
	if err := a.stores.SaveAll(); err != nil {
		a.logger.WithError(err).Error("app: failed to checkpoint pseudonym stores")
	}
	return first
}

// buildWorkers constructs one Worker per configured process, each with
// its own output sink(s): a local bzip2 CSV file and, if enabled, its
// own independent Kafka producer.
func (a *App) buildWorkers(sourcePath string) ([]*pipeline.Worker, error) {
	base := filepath.Base(sourcePath)
	workers := make([]*pipeline.Worker, 0, a.config.Pipeline.NProc)

	for i := 0; i < a.config.Pipeline.NProc; i++ {
		outPath := filepath.Join(a.config.App.OutputDir, fmt.Sprintf("%s.%s-%s.w%d.csv.bz2", base, a.config.CacheName, a.config.PopName, i))
		workerSinks := []types.Sink{sinks.NewLocalFileSink(outPath, a.config.CSV.NAValues)}

		if a.config.Kafka.Enabled {
			kafkaSink, err := sinks.NewKafkaSink(a.config.Kafka, a.logger, a.deadLetters)
			if err != nil {
				return nil, fmt.Errorf("init kafka sink for worker %d: %w", i, err)
			}
			if kafkaSink != nil {
				workerSinks = append(workerSinks, kafkaSink)
			}
		}

		w, err := pipeline.NewWorker(pipeline.WorkerConfig{
			ID:            i,
			ColumnLayout:  a.config.CSV.ColumnLayout,
			CacheName:     a.config.CacheName,
			PopName:       a.config.PopName,
			TimeShiftDays: a.config.Secrets.TimeShiftDays,
			Xyte:          a.config.Secrets.Xyte,
			CacheSize:     a.config.Pipeline.CacheSize,
			Stores:        a.stores,
			Geo:           a.geo,
			UA:            a.ua,
			DeadLetters:   a.deadLetters,
			Sinks:         workerSinks,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// snapshot produces the /stats payload for the status server.
func (a *App) snapshot() status.Snapshot {
	var deadLetters int64
	if a.deadLetters != nil {
		deadLetters = a.deadLetters.Len()
	}
	return status.Snapshot{
		State:         "running",
		LinesRead:     atomic.LoadInt64(&a.linesRead),
		StoreSizes:    a.stores.Sizes(),
		DeadLetters:   deadLetters,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
	}
}

// Run starts the application and blocks until a shutdown signal arrives
// or the active run mode finishes on its own (always true for a plain
// batch invocation; only true for follow/inbox mode on an unrecoverable
// error).
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		a.logger.WithField("signal", sig).Info("shutdown signal received")
	case runErr = <-a.done:
		a.doneDrained = true
		if runErr != nil {
			a.logger.WithError(runErr).Error("pipeline run failed")
		}
	}

	if err := a.Stop(); err != nil {
		a.logger.WithError(err).Error("error during shutdown")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// Stop cancels the run context, waits for it to unwind, and releases
// every collaborator App owns.
func (a *App) Stop() error {
	a.logger.Info("stopping cdn-log-anonymizer")
	a.cancel()

	if !a.doneDrained {
		select {
		case <-a.done:
		case <-time.After(a.config.Pipeline.WorkerJoinTimeout):
			a.logger.Warn("app: pipeline run did not exit within the worker join timeout")
		}
	}

	var firstErr error
	if a.statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.statusServer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.deadLetters != nil {
		if err := a.deadLetters.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.stores.SaveAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.stores.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.geoCloser != nil {
		if err := a.geoCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.posMgr != nil {
		if err := a.posMgr.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
