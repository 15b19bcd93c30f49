package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default restart parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// RestarterConfig configures a [Restarter].
type RestarterConfig struct {
	// Name labels log lines.
	Name string

	// Start brings the resource back up. It is called through Breaker.
	Start func() error

	// Breaker guards Start. A nil Breaker gets a default one.
	Breaker *CircuitBreaker

	// MaxRetries is the number of attempts per failure before giving up.
	// Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 100ms and 5s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnRestart is called after Start succeeds. May be nil.
	OnRestart func(attempt int)

	// OnGiveUp is called when the retries are exhausted or the breaker is
	// open. err wraps the last failure. May be nil.
	OnGiveUp func(err error)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Restarter brings a failed resource back with exponential backoff.
//
// Callers start [Restarter.Run] on a goroutine, then call
// [Restarter.NotifyFailure] whenever the resource fails. Failures signalled
// while a restart is already in progress are coalesced.
type Restarter struct {
	name       string
	start      func() error
	breaker    *CircuitBreaker
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onRestart  func(int)
	onGiveUp   func(error)
	logger     *slog.Logger

	failed   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRestarter creates a [Restarter]. cfg.Start must not be nil.
func NewRestarter(cfg RestarterConfig) *Restarter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(CircuitBreakerConfig{Name: cfg.Name, Logger: cfg.Logger})
	}
	return &Restarter{
		name:       cfg.Name,
		start:      cfg.Start,
		breaker:    cfg.Breaker,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		onRestart:  cfg.OnRestart,
		onGiveUp:   cfg.OnGiveUp,
		logger:     cfg.Logger.With("resource", cfg.Name),
		failed:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Breaker returns the breaker guarding restarts.
func (r *Restarter) Breaker() *CircuitBreaker { return r.breaker }

// NotifyFailure signals that the resource has failed. It never blocks.
func (r *Restarter) NotifyFailure() {
	select {
	case r.failed <- struct{}{}:
	default:
	}
}

// Stop halts Run. Safe to call more than once.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Run waits for failure notifications and restarts the resource until ctx is
// cancelled or Stop is called.
func (r *Restarter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.failed:
			r.attemptRestart(ctx)
		}
	}
}

func (r *Restarter) attemptRestart(ctx context.Context) {
	current := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(current):
		}

		err := r.breaker.Execute(r.start)
		if err == nil {
			r.logger.Info("resilience: restarted", "attempt", attempt)
			if r.onRestart != nil {
				r.onRestart(attempt)
			}
			return
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			break
		}
		r.logger.Warn("resilience: restart attempt failed", "attempt", attempt, "err", err)

		current = min(current*2, r.maxBackoff)
	}

	err := fmt.Errorf("resilience: %s: giving up: %w", r.name, lastErr)
	r.logger.Error("resilience: restart abandoned", "err", lastErr)
	if r.onGiveUp != nil {
		r.onGiveUp(err)
	}
}
