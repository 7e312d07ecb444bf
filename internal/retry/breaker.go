package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// StateStore persists breaker state across restarts. Optional: without one
// the breaker lives for the process lifetime.
type StateStore interface {
	SaveBreaker(ctx context.Context, state BreakerState, failures int,
		since time.Time) error
	LoadBreaker(ctx context.Context) (BreakerState, int, time.Time, error)
}

// Breaker tracks the aggregate health of the bank interface, independent of
// any per-transaction retry record. It is an explicit, mutex-protected
// service object injected wherever submission happens, never a global.
//
//	closed --(threshold consecutive failures)--> open
//	open   --(cool-down elapsed)--> half-open (one probe)
//	half-open --probe ok--> closed, --probe fails--> open
type Breaker struct {
	threshold int
	coolDown  time.Duration

	mu             sync.Mutex
	state          BreakerState
	failures       int
	lastTransition time.Time
	probeInFlight  bool

	store    StateStore
	onChange func(from, to BreakerState)
	now      func() time.Time
	log      *slog.Logger
}

func NewBreaker(threshold int, coolDown time.Duration) *Breaker {
	return &Breaker{
		threshold:      threshold,
		coolDown:       coolDown,
		state:          BreakerClosed,
		lastTransition: time.Now(),
		now:            time.Now,
		log:            slog.With("component", "circuit-breaker"),
	}
}

// WithStore attaches persistence and restores any saved state.
func (b *Breaker) WithStore(ctx context.Context, store StateStore) *Breaker {
	b.store = store

	state, failures, since, err := store.LoadBreaker(ctx)
	if err != nil {
		b.log.Warn("couldn't restore breaker state, starting closed", "error", err)
		return b
	}

	if state != "" {
		b.mu.Lock()
		b.state = state
		b.failures = failures
		b.lastTransition = since
		b.mu.Unlock()

		b.log.Info("restored breaker state", "state", state, "failures", failures)
	}

	return b
}

// OnStateChange registers a callback invoked (outside the lock) on every
// transition. Used for notification events and metrics.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.onChange = fn
}

// Allow reports whether a submission attempt may proceed. In the open state
// it starts a single probe once the cool-down has elapsed; a second caller
// during that probe is rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return nil

	case BreakerOpen:
		if b.now().Sub(b.lastTransition) < b.coolDown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()
		return nil

	case BreakerHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

		b.probeInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Success records a successful call. A successful half-open probe closes
// the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()

	b.failures = 0
	b.probeInFlight = false

	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}

	b.mu.Unlock()
}

// Failure records a classified-retryable failure. The threshold counts
// consecutive failures; a failed half-open probe reopens immediately and
// resets the cool-down timer.
func (b *Breaker) Failure() {
	b.mu.Lock()

	b.probeInFlight = false

	switch b.state {
	case BreakerHalfOpen:
		b.transition(BreakerOpen)

	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(BreakerOpen)
		}
	}

	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.lastTransition = b.now()

	if to == BreakerClosed {
		b.failures = 0
	}

	b.log.Warn("breaker state transition", "from", from, "to", to)

	if b.store != nil {
		state, failures, since := b.state, b.failures, b.lastTransition
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if err := b.store.SaveBreaker(ctx, state, failures, since); err != nil {
				b.log.Error("couldn't persist breaker state", "error", err)
			}
		}()
	}

	if b.onChange != nil {
		go b.onChange(from, to)
	}
}
