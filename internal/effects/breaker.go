package effects

import (
	"sync"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// BreakerState is the state of one destination's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures every circuit in a Breakers registry.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before a trial call is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trials allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type circuit struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	trials      int
}

// Breakers tracks a circuit per live destination (webhook host, datastore
// table, document target) so a dead endpoint stops receiving traffic.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig
	now      func() time.Time

	// OnStateChange, when set, is called after a circuit opens or closes.
	OnStateChange func(destination string, state BreakerState)
}

// NewBreakers creates a registry.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{circuits: map[string]*circuit{}, config: config, now: time.Now}
}

// Allow returns a CIRCUIT_OPEN error when calls to destination are being rejected.
func (b *Breakers) Allow(destination string) error {
	c := b.get(destination)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.lastFailure) < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", destination, c.failures).
				WithDetails(map[string]any{
					"destination":          destination,
					"consecutive_failures": c.failures,
					"cooldown_remaining":   (b.config.Cooldown - b.now().Sub(c.lastFailure)).String(),
				})
		}
		c.state = BreakerHalfOpen
		c.trials = 1
	case BreakerHalfOpen:
		if c.trials >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: trial call in flight", destination)
		}
		c.trials++
	}
	return nil
}

// Success closes the circuit for destination.
func (b *Breakers) Success(destination string) {
	c := b.get(destination)
	c.mu.Lock()
	was := c.state
	c.state = BreakerClosed
	c.failures = 0
	c.trials = 0
	c.mu.Unlock()
	if was != BreakerClosed {
		b.notify(destination, BreakerClosed)
	}
}

// Failure records a failed call and returns the resulting state. Any failure
// while half-open reopens the circuit.
func (b *Breakers) Failure(destination string) BreakerState {
	c := b.get(destination)
	c.mu.Lock()
	was := c.state
	c.failures++
	c.lastFailure = b.now()
	if c.state == BreakerHalfOpen || c.failures >= b.config.FailureThreshold {
		c.state = BreakerOpen
	}
	state := c.state
	c.mu.Unlock()
	if state == BreakerOpen && was != BreakerOpen {
		b.notify(destination, BreakerOpen)
	}
	return state
}

// State returns the current state for destination.
func (b *Breakers) State(destination string) BreakerState {
	c := b.get(destination)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && b.now().Sub(c.lastFailure) >= b.config.Cooldown {
		return BreakerHalfOpen
	}
	return c.state
}

func (b *Breakers) notify(destination string, state BreakerState) {
	if b.OnStateChange != nil {
		b.OnStateChange(destination, state)
	}
}

func (b *Breakers) get(destination string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[destination]
	if !ok {
		c = &circuit{}
		b.circuits[destination] = c
	}
	return c
}
