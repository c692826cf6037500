package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned while a provider's circuit breaker is open.
var ErrUnavailable = errors.New("llm provider unavailable")

// BreakerConfig configures WithBreaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// The breaker trips once MinRequests calls were made in the current
	// interval and at least FailureThreshold of them failed.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used by the pipeline.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// WithBreaker wraps p in a circuit breaker. Cancelled or expired contexts
// are not counted as provider failures. The returned provider keeps
// image support when p has it.
func WithBreaker(p Provider, cfg BreakerConfig) Provider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("llm: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return guard(p, func(ctx context.Context, call func() (*ChatResponse, error)) (*ChatResponse, error) {
		out, err := cb.Execute(func() (any, error) { return call() })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, cfg.Name, err)
		}
		if err != nil {
			return nil, err
		}
		return out.(*ChatResponse), nil
	})
}

// WithRateLimit limits p to perSecond requests with the given burst.
// Callers block until a token is available or ctx is done.
func WithRateLimit(p Provider, perSecond float64, burst int) Provider {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return guard(p, func(ctx context.Context, call func() (*ChatResponse, error)) (*ChatResponse, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
		return call()
	})
}

type guardFunc func(ctx context.Context, call func() (*ChatResponse, error)) (*ChatResponse, error)

func guard(p Provider, g guardFunc) Provider {
	gp := guardedProvider{inner: p, guard: g}
	if v, ok := p.(VisionProvider); ok {
		return &guardedVisionProvider{guardedProvider: gp, vision: v}
	}
	return &gp
}

type guardedProvider struct {
	inner Provider
	guard guardFunc
}

func (g *guardedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return g.guard(ctx, func() (*ChatResponse, error) { return g.inner.Chat(ctx, req) })
}

type guardedVisionProvider struct {
	guardedProvider
	vision VisionProvider
}

func (g *guardedVisionProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return g.guard(ctx, func() (*ChatResponse, error) { return g.vision.ChatWithImages(ctx, req) })
}
