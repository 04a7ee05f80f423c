package idempotency

import (
	"context"
	"net/http"
	"time"
)

const (
	// DefaultHeaderName is the HTTP header carrying the client key.
	DefaultHeaderName = "Idempotency-Key"
	// DefaultTTL is the replay-cache lifetime for completed outcomes.
	DefaultTTL = 24 * time.Hour
	// DefaultWait bounds how long a duplicate waits for the in-flight
	// original before giving up.
	DefaultWait = 2 * time.Second
	// DefaultLockTTL is the lease safety ceiling. It must exceed the
	// expected handler execution time; a handler that outlives it can be
	// overtaken by a retry.
	DefaultLockTTL = 30 * time.Second
)

// Config is the per-operation protocol surface, supplied explicitly at
// route-registration time.
type Config struct {
	// Scope distinguishes which logical operation the key belongs to.
	// Empty means a fallback derived from the request's method and path.
	Scope string
	// Required rejects requests without an idempotency key.
	Required bool
	// TTL is the replay-cache lifetime.
	TTL time.Duration
	// Wait is the maximum time to wait for a concurrent duplicate.
	Wait time.Duration
	// LockTTL is the lease safety ceiling.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Wait <= 0 {
		c.Wait = DefaultWait
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// PrincipalFunc extracts the authenticated caller's identity from a
// request. Coordination is always scoped per principal: two callers
// presenting the same key never collide.
type PrincipalFunc func(r *http.Request) (string, error)

type principalCtxKey struct{}

// ContextWithPrincipal attaches the authenticated principal to a context.
// Auth middleware is expected to call it before the idempotency gateway
// runs.
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, principal)
}

// PrincipalFromContext returns the principal installed by
// ContextWithPrincipal, or "".
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalCtxKey{}).(string)
	return p
}

func contextPrincipal(r *http.Request) (string, error) {
	return PrincipalFromContext(r.Context()), nil
}

type middlewareConfig struct {
	Config
	HeaderName string
	Principal  PrincipalFunc
}

// Option is a functional option for the gateway middleware.
type Option func(*middlewareConfig)

// WithHeaderName sets the HTTP header name for idempotency keys.
func WithHeaderName(name string) Option {
	return func(c *middlewareConfig) {
		c.HeaderName = name
	}
}

// WithScope sets an explicit scope key for the protected operation.
func WithScope(scope string) Option {
	return func(c *middlewareConfig) {
		c.Scope = scope
	}
}

// WithRequired makes the idempotency key mandatory for the operation.
func WithRequired() Option {
	return func(c *middlewareConfig) {
		c.Required = true
	}
}

// WithTTL sets the replay-cache lifetime for completed outcomes.
func WithTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) {
		c.TTL = ttl
	}
}

// WithWait sets how long a duplicate waits for the in-flight original.
func WithWait(wait time.Duration) Option {
	return func(c *middlewareConfig) {
		c.Wait = wait
	}
}

// WithLockTTL sets the lease safety ceiling.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) {
		c.LockTTL = ttl
	}
}

// WithPrincipalFunc overrides how the caller's principal is extracted.
// The default reads the value installed by ContextWithPrincipal.
func WithPrincipalFunc(fn PrincipalFunc) Option {
	return func(c *middlewareConfig) {
		c.Principal = fn
	}
}

func newMiddlewareConfig(opts []Option) *middlewareConfig {
	cfg := &middlewareConfig{
		HeaderName: DefaultHeaderName,
		Principal:  contextPrincipal,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Config = cfg.Config.withDefaults()
	return cfg
}
