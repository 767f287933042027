// Package ratelimit paces lifecycle calls per instance with token buckets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/gce-vm-relay/internal/metrics"
	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// DefaultMaxKeys bounds how many buckets a Limiter tracks at once.
const DefaultMaxKeys = 10000

// ErrTooManyKeys is returned when every tracked bucket is still refilling
// and a new key would exceed the cap.
var ErrTooManyKeys = errors.New("too many instances are being rate limited")

// Limiter manages one token bucket per key. Buckets that have refilled are
// indistinguishable from new ones, so they are dropped when the cap is hit.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	maxKeys      int
}

// Config holds rate limiter configuration.
type Config struct {
	PerInstanceRPS float64
	Burst          int
	// MaxKeys caps tracked buckets; zero means DefaultMaxKeys.
	MaxKeys int
}

// Enabled reports whether the config actually limits anything.
func (c Config) Enabled() bool {
	return c.PerInstanceRPS > 0
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerInstanceRPS)
	if cfg.PerInstanceRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		maxKeys:      maxKeys,
	}
}

// Wait blocks until a token is available for key, respecting the context.
// A wait that could not finish before the context deadline fails with
// context.DeadlineExceeded.
func (l *Limiter) Wait(ctx context.Context, key string) (time.Duration, error) {
	limiter, err := l.bucket(key)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", key, ctxErr)
		}
		// rate reports "would exceed context deadline" without waiting.
		return time.Since(start), fmt.Errorf("rate limit wait for %s: %w (%v)", key, context.DeadlineExceeded, err)
	}
	return time.Since(start), nil
}

func (l *Limiter) bucket(key string) (*rate.Limiter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[key]; ok {
		return limiter, nil
	}
	if len(l.limiters) >= l.maxKeys {
		l.evictIdleLocked(time.Now())
		if len(l.limiters) >= l.maxKeys {
			return nil, fmt.Errorf("%w: %d buckets refilling", ErrTooManyKeys, len(l.limiters))
		}
	}
	limiter := rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[key] = limiter
	return limiter, nil
}

func (l *Limiter) evictIdleLocked(now time.Time) {
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.defaultBurst) {
			delete(l.limiters, key)
		}
	}
}

// Len reports how many buckets are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

type closer interface {
	Close() error
}

// Controller paces calls to next so each instance sees at most the
// configured rate.
type Controller struct {
	next    relay.Controller
	limiter *Limiter
}

// Wrap returns next behind a per-instance limiter.
func Wrap(next relay.Controller, cfg Config) *Controller {
	return &Controller{next: next, limiter: New(cfg)}
}

// Start waits for the instance's bucket, then forwards the call.
func (c *Controller) Start(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	if err := c.wait(ctx, relay.ActionStart, ref); err != nil {
		return relay.Operation{}, err
	}
	return c.next.Start(ctx, ref)
}

// Stop waits for the instance's bucket, then forwards the call.
func (c *Controller) Stop(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	if err := c.wait(ctx, relay.ActionStop, ref); err != nil {
		return relay.Operation{}, err
	}
	return c.next.Stop(ctx, ref)
}

// Close releases the wrapped controller when it holds resources.
func (c *Controller) Close() error {
	if cl, ok := c.next.(closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Controller) wait(ctx context.Context, action relay.Action, ref relay.InstanceRef) error {
	delay, err := c.limiter.Wait(ctx, ref.String())
	// Only record waits the bucket actually imposed.
	if delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(string(action), delay)
	}
	if errors.Is(err, ErrTooManyKeys) {
		return &relay.ProviderError{Status: http.StatusTooManyRequests, Message: ErrTooManyKeys.Error(), Err: err}
	}
	return err
}
