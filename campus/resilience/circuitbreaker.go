// Package resilience provides a process-scoped circuit breaker
// registry. Breakers guard storage collaborators (event store, audit
// chain) so a failing backend sheds load quickly instead of queueing
// doomed work.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// ErrCircuitOpen is returned without invoking the guarded call while
// the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker; zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens
	// the breaker. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before letting
	// a probe call through. Default 10s.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	return c
}

// Breaker is a closed/open/half-open circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	logger hclog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time

	now func() time.Time
}

func NewBreaker(name string, cfg Config, logger hclog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("breaker").With("breaker", name),
		now:    time.Now,
	}
}

// State returns the breaker's current state, accounting for reset
// timeout elapse.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Call invokes fn unless the breaker is open. A success closes the
// breaker; a failure in half-open reopens it immediately.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	state := b.currentState()
	if state == StateOpen {
		b.mu.Unlock()
		metrics.IncrCounterWithLabels([]string{"campus", "breaker", "rejected"}, 1,
			[]metrics.Label{{Name: "breaker", Value: b.name}})
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	b.state = state
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			if b.state != StateOpen {
				b.logger.Warn("circuit opened", "failures", b.failures)
				metrics.IncrCounterWithLabels([]string{"campus", "breaker", "opened"}, 1,
					[]metrics.Label{{Name: "breaker", Value: b.name}})
			}
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return err
	}

	if b.state != StateClosed {
		b.logger.Info("circuit closed")
	}
	b.state = StateClosed
	b.failures = 0
	return nil
}

// Registry hands out named breakers, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	logger   hclog.Logger
}

func NewRegistry(cfg Config, logger hclog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the named breaker, creating it with the registry config
// when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.logger)
		r.breakers[name] = b
	}
	return b
}
