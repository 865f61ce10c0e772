package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdn-log-anonymizer/pkg/circuit_breaker"
	"cdn-log-anonymizer/pkg/dlq"
	"cdn-log-anonymizer/pkg/types"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaSink republishes derived records to a Kafka topic as a best-effort
// secondary egress. Unlike LocalFileSink, a failure here never blocks or
// fails the worker's primary write: publish errors trip a circuit breaker
// and, if configured, land the record in the dead-letter sink instead.
type KafkaSink struct {
	cfg     types.KafkaConfig
	logger  *logrus.Logger
	breaker *circuit_breaker.Breaker
	dlq     *dlq.Sink

	producer sarama.AsyncProducer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewKafkaSink builds a Kafka producer from cfg. Returns (nil, nil) when
// disabled so callers can skip wiring it into the pipeline entirely.
func NewKafkaSink(cfg types.KafkaConfig, logger *logrus.Logger, deadLetters *dlq.Sink) (*KafkaSink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: no topic configured")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	if cfg.RequiredAcks != 0 {
		saramaCfg.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		saramaCfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaCfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaCfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaCfg.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaCfg.Producer.Compression = sarama.CompressionNone
	}

	if cfg.BatchSize > 0 {
		saramaCfg.Producer.Flush.Messages = cfg.BatchSize
	}
	if cfg.BatchTimeout > 0 {
		saramaCfg.Producer.Flush.Frequency = cfg.BatchTimeout
	}
	if cfg.RetryMax > 0 {
		saramaCfg.Producer.Retry.Max = cfg.RetryMax
	}
	if cfg.Timeout > 0 {
		saramaCfg.Net.DialTimeout = cfg.Timeout
		saramaCfg.Net.ReadTimeout = cfg.Timeout
		saramaCfg.Net.WriteTimeout = cfg.Timeout
	}

	if cfg.Auth.Enabled {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = cfg.Auth.Username
		saramaCfg.Net.SASL.Password = cfg.Auth.Password

		switch strings.ToUpper(cfg.Auth.Mechanism) {
		case "PLAIN":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
			}
		}
	}

	switch strings.ToLower(cfg.Partitioner) {
	case "round-robin":
		saramaCfg.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case "random":
		saramaCfg.Producer.Partitioner = sarama.NewRandomPartitioner
	default:
		saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaSink{
		cfg:    cfg,
		logger: logger,
		breaker: circuit_breaker.New(circuit_breaker.Config{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		}),
		dlq:      deadLetters,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the goroutine that drains producer acks/errors.
func (k *KafkaSink) Start(ctx context.Context) error {
	k.wg.Add(1)
	go k.drainResponses()
	return nil
}

// Send publishes each record through the circuit breaker, keyed by cache
// name for stable per-cache partitioning. A tripped breaker or marshal
// failure routes the record to the dead-letter sink instead of blocking.
func (k *KafkaSink) Send(ctx context.Context, records []types.DerivedRecord) error {
	for i := range records {
		record := &records[i]
		err := k.breaker.Execute(func() error {
			value, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			select {
			case k.producer.Input() <- &sarama.ProducerMessage{
				Topic: k.cfg.Topic,
				Key:   sarama.StringEncoder(record.CacheName),
				Value: sarama.ByteEncoder(value),
			}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			k.failed.Add(1)
			k.logger.WithError(err).Warn("kafka publish failed, continuing without secondary egress")
			if k.dlq != nil {
				k.dlq.Add(dlq.Entry{
					Timestamp: time.Now(),
					RawLine:   record.Path,
					Reason:    fmt.Sprintf("kafka_publish_failed: %v", err),
				})
			}
			continue
		}
		k.sent.Add(1)
	}
	return nil
}

// Stop closes the producer once pending sends have been acknowledged.
func (k *KafkaSink) Stop() error {
	k.cancel()
	k.wg.Wait()
	return k.producer.Close()
}

func (k *KafkaSink) drainResponses() {
	defer k.wg.Done()
	for {
		select {
		case <-k.ctx.Done():
			return
		case success, ok := <-k.producer.Successes():
			if !ok {
				return
			}
			k.logger.WithFields(logrus.Fields{
				"topic":     success.Topic,
				"partition": success.Partition,
				"offset":    success.Offset,
			}).Trace("record delivered to kafka")
		case err, ok := <-k.producer.Errors():
			if !ok {
				return
			}
			k.logger.WithError(err.Err).Warn("kafka producer reported async error")
		}
	}
}
