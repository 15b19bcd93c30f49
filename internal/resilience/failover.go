package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every endpoint of a [Failover] failed or had
// an open breaker.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

type endpoint[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover holds an ordered list of interchangeable endpoints, such as
// several relay URLs. [Try] walks them in order; each endpoint has its own
// breaker so one that keeps failing is skipped on later attempts.
//
// Endpoints must be added before the first Try.
type Failover[T any] struct {
	endpoints []endpoint[T]
	cfg       CircuitBreakerConfig
	logger    *slog.Logger
}

// NewFailover creates an empty Failover. cfg is the template for each
// endpoint's breaker; its Name is replaced by the endpoint name.
func NewFailover[T any](cfg CircuitBreakerConfig) *Failover[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover[T]{cfg: cfg, logger: logger}
}

// Add appends an endpoint after the ones already present.
func (f *Failover[T]) Add(name string, v T) {
	cfg := f.cfg
	cfg.Name = name
	f.endpoints = append(f.endpoints, endpoint[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of endpoints.
func (f *Failover[T]) Len() int { return len(f.endpoints) }

// Try calls fn with each endpoint in order until one succeeds and returns
// its result and name. It stops early when ctx is done. When every endpoint
// fails the error wraps [ErrAllFailed] and the last failure.
func Try[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	if len(f.endpoints) == 0 {
		return zero, "", fmt.Errorf("%w: no endpoints", ErrAllFailed)
	}
	for i := range f.endpoints {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		ep := &f.endpoints[i]
		var result R
		err := ep.breaker.Execute(func() error {
			var err error
			result, err = fn(ctx, ep.value)
			return err
		})
		if err == nil {
			return result, ep.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			f.logger.Debug("resilience: skipping endpoint, circuit open", "endpoint", ep.name)
			continue
		}
		if i < len(f.endpoints)-1 {
			f.logger.Warn("resilience: endpoint failed, trying next", "endpoint", ep.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
