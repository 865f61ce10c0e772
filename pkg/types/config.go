package types

import "time"

// Config is the complete application configuration: the YAML-loaded
// operational settings plus the INI-loaded secrets section and the CLI
// positional arguments, merged in a fixed precedence order.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	CSV     CSVDialectConfig `yaml:"csv"`
	Secrets SecretsConfig `yaml:"-"` // always sourced from the INI configfile, never the YAML file

	Metrics      MetricsConfig      `yaml:"metrics"`
	Status       StatusConfig       `yaml:"status"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	DeadLetters  DeadLettersConfig  `yaml:"deadletters"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Inbox        InboxConfig        `yaml:"inbox"`
	Follow       FollowConfig       `yaml:"follow"`
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Positional arguments, not part of the YAML tree.
	LogFile   string `yaml:"-"`
	CacheName string `yaml:"-"`
	PopName   string `yaml:"-"`
}

// AppConfig contains ambient application settings.
type AppConfig struct {
	LogLevel      string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat     string `yaml:"log_format"` // json or text
	SecretsDir    string `yaml:"secrets_dir"`
	GeoIPPath     string `yaml:"geoip_path"`
	UserAgentPath string `yaml:"useragent_regexes_path"`
	OutputDir     string `yaml:"output_dir"`
	PositionsDir  string `yaml:"positions_dir"`
}

// PipelineConfig carries the CLI options that shape the
// reader/worker/writer stages.
type PipelineConfig struct {
	NProc      int `yaml:"nproc"`
	CacheSize  int `yaml:"cachesize"`
	MaxLines   int `yaml:"maxlines"` // -1 = unlimited
	ChunkSize  int `yaml:"chunksize"`
	QueueLen   int `yaml:"queuelen"`
	WorkerJoinTimeout time.Duration `yaml:"worker_join_timeout"`
	DequeueTimeout    time.Duration `yaml:"dequeue_timeout"`
}

// CSVDialectConfig mirrors the CLI's CSV dialect flags.
type CSVDialectConfig struct {
	Encoding    string `yaml:"encoding"`
	Delimiter   string `yaml:"delimiter"`
	QuoteChar   string `yaml:"quotechar"`
	NAValues    string `yaml:"navalues"`
	EscapeChar  string `yaml:"escapechar"`
	ColumnLayout string `yaml:"column_layout"` // "24" or "26"
}

// SecretsConfig is the literal `[secrets]` INI section.
type SecretsConfig struct {
	TimeShiftDays int     `ini:"timeshiftdays"`
	Xyte          float64 `ini:"xyte"`
}

// MetricsConfig controls the Prometheus registry exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// CheckpointConfig controls the store write-ahead log.
type CheckpointConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// DeadLettersConfig controls the dead-record sink.
type DeadLettersConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// KafkaConfig controls the optional secondary Kafka egress. Records
// already written to a worker's primary bzip2 file are additionally
// published here best-effort; a down broker never blocks or fails the
// primary path.
type KafkaConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	Compression     string        `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	RequiredAcks    int16         `yaml:"required_acks"`
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	QueueSize       int           `yaml:"queue_size"`
	RetryMax        int           `yaml:"retry_max"`
	Timeout         time.Duration `yaml:"timeout"`
	Partitioner     string        `yaml:"partitioner"` // hash, round-robin, random

	Auth KafkaAuthConfig `yaml:"auth"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// KafkaAuthConfig controls SASL authentication against the broker.
type KafkaAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// CircuitBreakerConfig controls the breaker that guards Kafka publish calls.
type CircuitBreakerConfig struct {
	MaxFailures  int64         `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// InboxConfig controls the optional directory watcher.
type InboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Directory    string        `yaml:"directory"`
	QuietPeriod  time.Duration `yaml:"quiet_period"`
}

// FollowConfig controls the optional tail-following reader.
type FollowConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BackpressureConfig controls the memory-pressure reader throttle.
type BackpressureConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HighWaterBytes uint64        `yaml:"high_water_bytes"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	MaxSleep       time.Duration `yaml:"max_sleep"`
}
