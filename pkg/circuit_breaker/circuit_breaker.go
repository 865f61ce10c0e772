// Package circuit_breaker guards the optional Kafka secondary egress:
// publish failures trip the breaker so a down or misconfigured broker
// doesn't add per-batch publish latency to the primary bzip2 sink path.
package circuit_breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned by Execute in place of calling through,
// while the breaker is tripped and its cooldown hasn't elapsed.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Stats is a point-in-time snapshot of breaker activity, for /stats.
type Stats struct {
	State         string
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// Config controls when the breaker trips and how long it stays tripped.
type Config struct {
	MaxFailures   int64         `yaml:"max_failures"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Breaker is a three-state (closed/open/half-open) circuit breaker: a
// closed breaker calls through and counts consecutive failures, MaxFailures
// in a row trips it open, and an open breaker rejects every call until
// ResetTimeout has elapsed, at which point the next call is admitted as a
// half-open trial — success closes the breaker, failure reopens it.
type Breaker struct {
	cfg Config

	mu        sync.RWMutex
	state     string
	failures  int64
	successes int64
	requests  int64

	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time
}

func withDefaults(cfg Config) Config {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return cfg
}

// New builds a Breaker, filling in defaults for any zero-valued Config field.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: withDefaults(cfg), state: StateClosed}
}

// Execute runs fn if the breaker currently admits calls, and folds the
// outcome back into the breaker's state. Callers never see fn's panics
// turned into anything else; they just see its error, or
// ErrCircuitBreakerOpen if the trip hasn't cooled down yet.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitBreakerOpen
	}
	if err := fn(); err != nil {
		b.onFailure(err)
		return err
	}
	b.onSuccess()
	return nil
}

// admit decides whether to let a call through, promoting an open breaker to
// half-open the instant its cooldown expires. While half-open every call is
// admitted; the first outcome recorded closes or reopens the breaker.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	if b.state != StateOpen {
		return true
	}
	if time.Now().Before(b.nextRetryTime) {
		return false
	}
	b.state = StateHalfOpen
	return true
}

func (b *Breaker) onFailure(_ error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	// A half-open trial failing reopens immediately, regardless of MaxFailures.
	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = StateOpen
		b.nextRetryTime = time.Now().Add(b.cfg.ResetTimeout)
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.lastSuccess = time.Now()
	b.state = StateClosed
	b.failures = 0
}

// State returns the breaker's current state string.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// Reset forces the breaker back to closed and clears its failure count, for
// operator-driven recovery without waiting out the cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.nextRetryTime = time.Time{}
}

// GetStats returns a snapshot of the breaker's counters, for /stats.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}
