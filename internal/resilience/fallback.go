package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/switchline/internal/observe"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig holds the breaker settings applied to every backend of a
// [FallbackGroup]. The breaker name is replaced by the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and optional fallbacks of the same
// type, each behind its own [CircuitBreaker]. Backends are tried in
// registration order.
//
// Backends must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup returns a group whose first backend is primary.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(name, primary)
	return g
}

// AddFallback appends a backend tried after all previously added ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.backends = append(g.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(cbCfg)})
}

// Primary returns the first backend.
func (g *FallbackGroup[T]) Primary() T { return g.backends[0].value }

// Names returns backend names in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, len(g.backends))
	for i, b := range g.backends {
		out[i] = b.name
	}
	return out
}

// Execute runs fn against each backend until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult runs fn against each backend of g until one succeeds and
// returns its result. It stops early when ctx is done, returning the context
// error rather than [ErrAllFailed].
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var errs []error
	log := observe.Logger(ctx)
	for i := range g.backends {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		b := &g.backends[i]
		var res R
		err := b.breaker.Execute(func() error {
			var err error
			res, err = fn(ctx, b.value)
			return err
		})
		if err == nil {
			if i > 0 {
				log.Info("fallback backend served request", "backend", b.name)
			}
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("backend skipped, circuit open", "backend", b.name)
		} else {
			log.Warn("backend failed", "backend", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
