package routing

import (
	"sync"
	"time"
)

type circuitState int

const (
	// circuitClosed: healthy, requests flow normally.
	circuitClosed circuitState = iota
	// circuitOpen: tripped, requests are rejected until the cooldown passes.
	circuitOpen
	// circuitHalfOpen: cooldown elapsed, one probe request is allowed.
	circuitHalfOpen
)

type channelCircuit struct {
	state               circuitState
	consecutiveFailures int
	lastFailure         time.Time
}

// DefaultFailureThreshold and DefaultCooldown match the gateway's stock
// breaker tuning.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// CircuitBreaker tracks per-channel health. Channels with no recorded
// failures carry no state and are always available.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*channelCircuit
	threshold int
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		states:    make(map[string]*channelCircuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// IsAvailable reports whether the channel may receive a request. An open
// circuit transitions to half-open once the cooldown has elapsed, which
// admits a single probe.
func (b *CircuitBreaker) IsAvailable(channelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	circuit, ok := b.states[channelID]
	if !ok {
		return true
	}

	switch circuit.state {
	case circuitOpen:
		if !circuit.lastFailure.IsZero() && time.Since(circuit.lastFailure) >= b.cooldown {
			circuit.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *CircuitBreaker) RecordSuccess(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if circuit, ok := b.states[channelID]; ok {
		circuit.consecutiveFailures = 0
		circuit.state = circuitClosed
	}
}

// RecordFailure increments the failure count and opens the circuit at the
// threshold. A half-open probe that fails re-opens immediately.
func (b *CircuitBreaker) RecordFailure(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	circuit, ok := b.states[channelID]
	if !ok {
		circuit = &channelCircuit{}
		b.states[channelID] = circuit
	}

	circuit.consecutiveFailures++
	circuit.lastFailure = time.Now()

	if circuit.consecutiveFailures >= b.threshold {
		circuit.state = circuitOpen
	}
}
