package types

// WorkerState mirrors the worker's lifecycle state machine.
type WorkerState string

const (
	WorkerIdle     WorkerState = "Idle"
	WorkerRunning  WorkerState = "Running"
	WorkerDraining WorkerState = "Draining"
	WorkerExited   WorkerState = "Exited"
)

// WorkerStats is a point-in-time snapshot of one worker goroutine.
type WorkerStats struct {
	ID             int         `json:"id"`
	State          WorkerState `json:"state"`
	BatchesHandled int64       `json:"batches_handled"`
	RecordsEmitted int64       `json:"records_emitted"`
	RecordsSkipped int64       `json:"records_skipped"`
}

// PipelineStats is a JSON-tagged pipeline progress snapshot. The status
// server's /stats endpoint does not serve it; it serves status.Snapshot.
type PipelineStats struct {
	BytesConsumed int64         `json:"bytes_consumed"`
	SourceBytes   int64         `json:"source_bytes"`
	LinesEmitted  int64         `json:"lines_emitted"`
	QueueDepth    int           `json:"queue_depth"`
	QueueCapacity int           `json:"queue_capacity"`
	ReaderEOF     bool          `json:"reader_eof"`
	Workers       []WorkerStats `json:"workers"`
	StoreSizes    map[string]int `json:"store_sizes"`
	DeadLetters   int64         `json:"dead_letters"`
}
