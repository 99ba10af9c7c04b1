// Package circuitbreaker stops dispatch to providers that keep failing.
// Each provider gets its own breaker: consecutive failures trip it open,
// and after a cool-down a single probe request tests recovery. A failed
// probe doubles the cool-down up to a ceiling, so a provider that stays
// down is asked less and less often.
//
// Breaker state is deliberately per-instance. Spend and rate state are
// shared through Redis; health is a local observation, and instances may
// legitimately disagree about it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/quillforge/modelmux/internal/domain"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing recovery
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

type Config struct {
	// FailureThreshold is the run of consecutive failures that trips the
	// breaker open.
	FailureThreshold int
	// Cooldown is the initial wait before a probe is allowed. Each failed
	// probe doubles it, up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Status is a point-in-time view for the admin and health surfaces.
type Status struct {
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	Cooldown    string    `json:"cooldown"`
	LastFailure time.Time `json:"last_failure_at,omitzero"`
	NextProbeAt time.Time `json:"next_probe_at,omitzero"`
}

// Breaker is the per-provider state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	cooldown    time.Duration
	lastFailure time.Time
	nextProbeAt time.Time
	probing     bool

	// onChange runs with the breaker lock held; handlers must not block.
	onChange func(from, to State)
	now      func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}

	return &Breaker{
		cfg:      cfg,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. When the cool-down of an
// open breaker has elapsed, Allow grants exactly one probe: concurrent
// callers are refused until the probe's outcome is recorded or discarded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return domain.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return domain.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// The probe failed: back off harder each time.
		b.probing = false
		b.cooldown = min(2*b.cooldown, b.cfg.MaxCooldown)
		b.trip()
	}
}

// Discard returns an unused half-open probe slot. The orchestrator calls
// it when an attempt was aborted after Allow but before reaching the
// provider (admission or budget denial), so the trial neither succeeded
// nor failed.
func (b *Breaker) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Ready reports whether a call could currently pass Allow. It never
// consumes the probe slot, so the router can use it for candidate
// eligibility without racing real attempts.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return !b.now().Before(b.nextProbeAt)
	case StateHalfOpen:
		return !b.probing
	}
	return true
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and restores the base cool-down. This
// is the admin override; normal recovery goes through the probe.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
	b.nextProbeAt = time.Time{}
	b.transition(StateClosed)
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		State:       b.state.String(),
		Failures:    b.failures,
		Cooldown:    b.cooldown.String(),
		LastFailure: b.lastFailure,
		NextProbeAt: b.nextProbeAt,
	}
}

// trip opens the breaker for the current cool-down. Caller holds b.mu.
func (b *Breaker) trip() {
	b.nextProbeAt = b.now().Add(b.cooldown)
	b.transition(StateOpen)
}

// transition moves to a new state and fires the hook. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// Registry holds one breaker per provider, creating them on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	onChange func(provider string, from, to State)
}

type RegistryOption func(*Registry)

// WithStateChange registers a hook fired on every state transition, for
// metrics and operator notifications. Hooks run with the breaker lock
// held and must not block.
func WithStateChange(fn func(provider string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the provider's breaker, creating it exactly once.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[provider]; ok {
		return b
	}

	b = New(r.cfg)
	if hook := r.onChange; hook != nil {
		name := provider
		b.onChange = func(from, to State) { hook(name, from, to) }
	}
	r.breakers[provider] = b
	return b
}

// States reports the status of every breaker created so far.
func (r *Registry) States() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Status()
	}
	return out
}

// Reset closes the named breaker. It reports false when no breaker exists
// for that provider.
func (r *Registry) Reset(provider string) bool {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
