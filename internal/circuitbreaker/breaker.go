// Package circuitbreaker guards per-agent, per-failure-type operations
// with a Closed/Open/HalfOpen state machine (§4.3 of the spec), built on
// top of github.com/sony/gobreaker rather than a hand-rolled state
// machine — the library's Counts/ReadyToTrip/OnStateChange shape maps
// onto the spec's breaker almost exactly.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
)

// Config controls the breaker thresholds (§6.3 circuit_breaker.* options).
type Config struct {
	FailureThreshold uint32        // failures within WindowPeriod before tripping Open
	WindowPeriod     time.Duration // Closed-state Counts reset on this timer (§4.3 "within window")
	CooldownPeriod   time.Duration // Open → HalfOpen after this elapses
	HalfOpenMaxCalls uint32        // trial calls allowed while HalfOpen
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, WindowPeriod: 60 * time.Second, CooldownPeriod: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// Registry holds one *gobreaker.CircuitBreaker per (agent, failure type)
// pair — the process-wide mutable state §9 calls out as the system's only
// legitimate global state.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *log.Logger
	breakers map[key]*gobreaker.CircuitBreaker
}

type key struct {
	agent string
	kind  domain.FailureType
}

// NewRegistry builds an empty registry; breakers are created lazily on
// first use per (agent, kind) pair.
func NewRegistry(cfg Config, logger *log.Logger) *Registry {
	return &Registry{cfg: cfg, logger: logger, breakers: make(map[key]*gobreaker.CircuitBreaker)}
}

func (r *Registry) breakerFor(k key) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[k]; ok {
		return cb
	}
	threshold := r.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        string(k.kind) + ":" + k.agent,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		// Interval resets Counts on a timer while Closed, giving §4.3's
		// "count failures within window" semantics instead of gobreaker's
		// stdlib consecutive-failure counting: ReadyToTrip below sums every
		// failure since the last reset, so an interleaved success no longer
		// wipes out failures that happened earlier in the same window.
		Interval: r.cfg.WindowPeriod,
		Timeout:  r.cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.logger != nil {
				r.logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
			}
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[k] = cb
	return cb
}

// Allow reports whether a call for (agent, kind) may proceed right now,
// without actually making the call — used by the Coordinator's
// pre-flight consultation before a claim/work attempt (§4.3).
func (r *Registry) Allow(agent string, kind domain.FailureType) error {
	cb := r.breakerFor(key{agent, kind})
	if cb.State() == gobreaker.StateOpen {
		return errs.New(errs.CircuitOpen, "circuit open for agent %s, failure type %s", agent, kind)
	}
	return nil
}

// Execute runs fn under the (agent, kind) breaker, recording success or
// failure against its trip threshold. A CircuitOpen error from Execute
// itself is translated into the taxonomy's CircuitOpen kind; any other
// error from fn passes through unchanged after being recorded.
func (r *Registry) Execute(agent string, kind domain.FailureType, fn func() error) error {
	cb := r.breakerFor(key{agent, kind})
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.New(errs.CircuitOpen, "circuit open for agent %s, failure type %s", agent, kind)
	}
	return err
}

// State reports the current state of the (agent, kind) breaker, creating
// it (Closed) if it does not yet exist. The claim path never calls it
// (it uses Allow/Execute), and health_check counts via OpenCount instead.
func (r *Registry) State(agent string, kind domain.FailureType) domain.BreakerState {
	cb := r.breakerFor(key{agent, kind})
	switch cb.State() {
	case gobreaker.StateOpen:
		return domain.Open
	case gobreaker.StateHalfOpen:
		return domain.HalfOpen
	default:
		return domain.Closed
	}
}

// OpenCount returns the number of breakers currently Open, for the
// health_check response's circuit-breaker summary.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cb := range r.breakers {
		if cb.State() == gobreaker.StateOpen {
			n++
		}
	}
	return n
}
