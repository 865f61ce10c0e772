// Package config loads the layered configuration: a YAML app config,
// environment overrides, an INI secrets section and CLI flags, applied in
// that order so later layers win.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"cdn-log-anonymizer/pkg/errors"
	"cdn-log-anonymizer/pkg/types"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
)

// CLIArgs holds the flag.Parse output that cmd/main.go passes through.
// The CLI dialect/pipeline flags are all optional overrides: a zero
// value (empty string, zero int) leaves whatever the YAML file or its
// defaults already set, so a bare positional invocation works against a
// fully-defaulted config.
type CLIArgs struct {
	ConfigFile  string // --config, YAML app config
	SecretsFile string // --configfile, INI [secrets] section
	LogFile     string // positional: source access log
	CacheName   string // positional
	PopName     string // positional

	NProc      int // --nproc
	CacheSize  int // --cachesize
	MaxLines   *int // --maxlines (nil = unset; -1 is a valid, meaningful value)
	ChunkSize  int // --chunksize
	QueueLen   int // --queuelen

	Encoding   string // --encoding
	Delimiter  string // --delimiter
	QuoteChar  string // --quotechar
	NAValues   string // --navalues
	EscapeChar string // --escapechar
}

// Load builds a fully-populated types.Config from args: YAML file, then
// defaults, then environment overrides, then the INI secrets section,
// then CLI arguments (which always win), then validation.
func Load(args CLIArgs) (*types.Config, error) {
	cfg := &types.Config{}

	if args.ConfigFile != "" {
		if err := loadYAML(args.ConfigFile, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigNotFound, "config", "load-yaml", err.Error())
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if args.SecretsFile != "" {
		if err := loadSecrets(args.SecretsFile, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigNotFound, "config", "load-secrets", err.Error())
		}
	}

	applyCLIOverrides(cfg, args)

	cfg.LogFile = args.LogFile
	cfg.CacheName = args.CacheName
	cfg.PopName = args.PopName

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyCLIOverrides(cfg *types.Config, args CLIArgs) {
	if args.NProc > 0 {
		cfg.Pipeline.NProc = args.NProc
	}
	if args.CacheSize > 0 {
		cfg.Pipeline.CacheSize = args.CacheSize
	}
	if args.MaxLines != nil {
		cfg.Pipeline.MaxLines = *args.MaxLines
	}
	if args.ChunkSize > 0 {
		cfg.Pipeline.ChunkSize = args.ChunkSize
	}
	if args.QueueLen > 0 {
		cfg.Pipeline.QueueLen = args.QueueLen
	}
	if args.Encoding != "" {
		cfg.CSV.Encoding = args.Encoding
	}
	if args.Delimiter != "" {
		cfg.CSV.Delimiter = args.Delimiter
	}
	if args.QuoteChar != "" {
		cfg.CSV.QuoteChar = args.QuoteChar
	}
	if args.NAValues != "" {
		cfg.CSV.NAValues = args.NAValues
	}
	if args.EscapeChar != "" {
		cfg.CSV.EscapeChar = args.EscapeChar
	}
}

func loadYAML(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadSecrets parses the literal `[secrets]` INI section. A missing
// section leaves the zero value, which Validate rejects.
func loadSecrets(path string, cfg *types.Config) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("read secrets file %s: %w", path, err)
	}
	section := f.Section("secrets")
	if days, err := section.Key("timeshiftdays").Int(); err == nil {
		cfg.Secrets.TimeShiftDays = days
	}
	if xyte, err := section.Key("xyte").Float64(); err == nil {
		cfg.Secrets.Xyte = xyte
	}
	return nil
}

// defaultNProc leaves two cores free for the reader goroutine and the
// rest of the process, but never drops below 2 workers even on a small box.
func defaultNProc() int {
	if n := runtime.NumCPU() - 2; n > 2 {
		return n
	}
	return 2
}

func applyDefaults(cfg *types.Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}
	if cfg.App.SecretsDir == "" {
		cfg.App.SecretsDir = "secrets"
	}
	if cfg.App.OutputDir == "" {
		cfg.App.OutputDir = "output"
	}
	if cfg.App.PositionsDir == "" {
		cfg.App.PositionsDir = "positions"
	}

	if cfg.Pipeline.NProc <= 0 {
		cfg.Pipeline.NProc = defaultNProc()
	}
	if cfg.Pipeline.CacheSize <= 0 {
		cfg.Pipeline.CacheSize = 10000
	}
	if cfg.Pipeline.MaxLines == 0 {
		cfg.Pipeline.MaxLines = -1
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		cfg.Pipeline.ChunkSize = 5000
	}
	if cfg.Pipeline.QueueLen <= 0 {
		cfg.Pipeline.QueueLen = 64
	}
	if cfg.Pipeline.WorkerJoinTimeout <= 0 {
		cfg.Pipeline.WorkerJoinTimeout = 30 * time.Second
	}
	if cfg.Pipeline.DequeueTimeout <= 0 {
		cfg.Pipeline.DequeueTimeout = 500 * time.Millisecond
	}

	if cfg.CSV.Encoding == "" {
		cfg.CSV.Encoding = "utf-8"
	}
	if cfg.CSV.Delimiter == "" {
		cfg.CSV.Delimiter = ","
	}
	if cfg.CSV.QuoteChar == "" {
		cfg.CSV.QuoteChar = `"`
	}
	if cfg.CSV.NAValues == "" {
		cfg.CSV.NAValues = "-"
	}
	if cfg.CSV.ColumnLayout == "" {
		cfg.CSV.ColumnLayout = "26"
	}

	if cfg.Status.Addr == "" {
		cfg.Status.Addr = ":8401"
	}
	if cfg.Checkpoint.Directory == "" {
		cfg.Checkpoint.Directory = cfg.App.SecretsDir
	}
	if cfg.DeadLetters.Directory == "" {
		cfg.DeadLetters.Directory = "deadletters"
	}

	if cfg.Kafka.Compression == "" {
		cfg.Kafka.Compression = "snappy"
	}
	if cfg.Kafka.Partitioner == "" {
		cfg.Kafka.Partitioner = "hash"
	}
	if cfg.Kafka.BatchSize <= 0 {
		cfg.Kafka.BatchSize = 500
	}
	if cfg.Kafka.BatchTimeout <= 0 {
		cfg.Kafka.BatchTimeout = time.Second
	}
	if cfg.Kafka.QueueSize <= 0 {
		cfg.Kafka.QueueSize = 10000
	}
	if cfg.Kafka.CircuitBreaker.MaxFailures <= 0 {
		cfg.Kafka.CircuitBreaker.MaxFailures = 5
	}
	if cfg.Kafka.CircuitBreaker.ResetTimeout <= 0 {
		cfg.Kafka.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Inbox.QuietPeriod <= 0 {
		cfg.Inbox.QuietPeriod = 10 * time.Second
	}
	if cfg.Follow.PollInterval <= 0 {
		cfg.Follow.PollInterval = time.Second
	}

	if cfg.Backpressure.HighWaterBytes == 0 {
		cfg.Backpressure.HighWaterBytes = 2 << 30 // 2GiB
	}
	if cfg.Backpressure.CheckInterval <= 0 {
		cfg.Backpressure.CheckInterval = 2 * time.Second
	}
	if cfg.Backpressure.MaxSleep <= 0 {
		cfg.Backpressure.MaxSleep = 500 * time.Millisecond
	}
}

// applyEnvOverrides reads CDNANON_*-prefixed environment variables.
func applyEnvOverrides(cfg *types.Config) {
	cfg.App.LogLevel = getEnvString("CDNANON_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("CDNANON_LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.GeoIPPath = getEnvString("CDNANON_GEOIP_PATH", cfg.App.GeoIPPath)

	cfg.Pipeline.NProc = getEnvInt("CDNANON_NPROC", cfg.Pipeline.NProc)
	cfg.Pipeline.CacheSize = getEnvInt("CDNANON_CACHESIZE", cfg.Pipeline.CacheSize)
	cfg.Pipeline.QueueLen = getEnvInt("CDNANON_QUEUELEN", cfg.Pipeline.QueueLen)

	cfg.Kafka.Enabled = getEnvBool("CDNANON_KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = getEnvStringSlice("CDNANON_KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnvString("CDNANON_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Auth.Username = getEnvString("CDNANON_KAFKA_SASL_USER", cfg.Kafka.Auth.Username)
	cfg.Kafka.Auth.Password = getEnvString("CDNANON_KAFKA_SASL_PASS", cfg.Kafka.Auth.Password)

	cfg.Status.Enabled = getEnvBool("CDNANON_STATUS_ENABLED", cfg.Status.Enabled)
	cfg.Status.Addr = getEnvString("CDNANON_STATUS_ADDR", cfg.Status.Addr)
}

// Validate rejects configurations that would let the pipeline start in a
// fatal, unrecoverable state.
func Validate(cfg *types.Config) error {
	var problems []string

	if cfg.Secrets.TimeShiftDays <= 0 {
		problems = append(problems, "secrets.timeshiftdays must be positive")
	}
	if cfg.Pipeline.CacheSize < 0 {
		problems = append(problems, "pipeline.cachesize must not be negative")
	}
	if cfg.CacheName == "" {
		problems = append(problems, "cachename is required")
	}
	if cfg.PopName == "" {
		problems = append(problems, "popname is required")
	}
	if cfg.CSV.ColumnLayout != "24" && cfg.CSV.ColumnLayout != "26" {
		problems = append(problems, "csv.column_layout must be \"24\" or \"26\"")
	}

	if len(problems) > 0 {
		return errors.New(errors.CodeConfigValidation, "config", "validate", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return def
}
