// Package resilience holds the failure-isolation primitives wrapped around backend calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/capitalize-ai/gembot/internal/model"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker counts consecutive failures for one API. It opens once the count
// reaches the threshold within the window and lets a single probe through
// after the window has passed since the last failure. Any success resets it.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	now       func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	probing     bool
	onOpen      func(name string)
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// OnOpen registers a callback fired each time the breaker trips.
func OnOpen(fn func(name string)) BreakerOption {
	return func(b *Breaker) { b.onOpen = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, window time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	b := &Breaker{name: name, threshold: threshold, window: window, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the API name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.failures < b.threshold {
		return StateClosed
	}
	if b.now().Sub(b.lastFailure) < b.window {
		return StateOpen
	}
	return StateHalfOpen
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is admitted until it reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateOpen:
		return model.ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return model.ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Blocked reports whether Allow would currently reject a call, without
// claiming the half-open probe.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateOpen:
		return true
	case StateHalfOpen:
		return b.probing
	}
	return false
}

// Success resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	now := b.now()
	if b.failures > 0 && b.failures < b.threshold && now.Sub(b.lastFailure) >= b.window {
		// The previous streak is outside the window.
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	b.probing = false
	tripped := b.failures == b.threshold
	onOpen := b.onOpen
	b.mu.Unlock()

	if tripped && onOpen != nil {
		onOpen(b.name)
	}
}

// Execute runs fn if the breaker allows it and records the result. Caller
// cancellation is not counted against the backend.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil && !isDeadline(err):
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	default:
		b.Failure()
	}
	return err
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrModelTimeout)
}

// BreakerSet lazily creates one breaker per API name.
type BreakerSet struct {
	threshold int
	window    time.Duration
	opts      []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set whose breakers share threshold and window.
func NewBreakerSet(threshold int, window time.Duration, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		threshold: threshold,
		window:    window,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.threshold, s.window, s.opts...)
		s.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.Name()] = b.State()
	}
	return out
}
