// Package resilience provides retry, timeout and circuit breaker wrappers for
// calls that leave the process: adapter extraction and result sink writes.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout passes.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before the next probe.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes required to close
	// the circuit again. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip decides whether an error counts as a failure. If nil, every
	// non-nil error except caller cancellation counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards calls to a single source.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Guard(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Guard runs fn through cb and returns its value. ErrCircuitOpen is
// returned without calling fn while the circuit is open.
func Guard[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.record(ctx, err)
	return val, err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.moveTo(CircuitClosed)
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.successes = 0
		cb.moveTo(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.trips(ctx, err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMaxProbes {
				cb.failures = 0
				cb.successes = 0
				cb.moveTo(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.moveTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) trips(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.ShouldTrip != nil {
		return cb.cfg.ShouldTrip(err)
	}
	// The caller giving up says nothing about the source's health.
	return ctx.Err() == nil
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// SourceBreakers holds one circuit breaker per source name.
type SourceBreakers struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewSourceBreakers creates an empty breaker set. Breakers are created on
// first use with cfg; state changes are logged with the source name.
func NewSourceBreakers(cfg CircuitBreakerConfig) *SourceBreakers {
	return &SourceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for source, creating it if needed.
func (sb *SourceBreakers) For(source string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if cb, ok := sb.breakers[source]; ok {
		return cb
	}
	cfg := sb.cfg
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("circuit state change",
			zap.String("source", source),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}
	cb := NewCircuitBreaker(cfg)
	sb.breakers[source] = cb
	return cb
}

// BreakerStatus is a point-in-time view of one source's breaker.
type BreakerStatus struct {
	Source   string `json:"source"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Snapshot returns the status of every breaker, sorted by source.
func (sb *SourceBreakers) Snapshot() []BreakerStatus {
	sb.mu.Lock()
	names := make([]string, 0, len(sb.breakers))
	for name := range sb.breakers {
		names = append(names, name)
	}
	breakers := make(map[string]*CircuitBreaker, len(sb.breakers))
	for k, v := range sb.breakers {
		breakers[k] = v
	}
	sb.mu.Unlock()

	sort.Strings(names)
	out := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		cb := breakers[name]
		out = append(out, BreakerStatus{
			Source:   name,
			State:    cb.State().String(),
			Failures: cb.Failures(),
		})
	}
	return out
}
