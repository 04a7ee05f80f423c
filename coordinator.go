package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// MaxKeyLength is the maximum accepted length of a client-supplied
// idempotency key.
const MaxKeyLength = 255

const keyPrefix = "idem:v1"

// Polling bounds for waiting on a concurrently in-flight duplicate.
const (
	defaultPollInterval = 50 * time.Millisecond
	defaultPollCeiling  = 500 * time.Millisecond
)

// Outcome classifies the result of Begin.
type Outcome int

const (
	// OutcomeSkip means no key was supplied and none was required;
	// coordination is a no-op and the operation runs unconditionally.
	OutcomeSkip Outcome = iota

	// OutcomeAcquired means the lease was newly created. The caller must
	// execute the operation and call Complete or Release exactly once.
	OutcomeAcquired

	// OutcomeReplay means a completed record with a matching fingerprint
	// exists; the caller must return it verbatim without re-executing.
	OutcomeReplay

	// OutcomeInProgress means a concurrent duplicate holds the lease right
	// now. The caller should wait via WaitForCompletion rather than fail.
	OutcomeInProgress

	// OutcomeConflict means the stored record's fingerprint differs from
	// this request's: the client reused the key for a different operation.
	OutcomeConflict
)

// Request carries the inputs Begin needs to identify and fingerprint a
// write operation.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      []byte
	Principal string
	Key       string
}

// Response is the outcome of the wrapped operation, as sent on the wire.
type Response struct {
	Status  int
	HasBody bool
	Body    []byte
	Headers http.Header
}

// Lease identifies an idempotency slot. Only an OutcomeAcquired lease
// grants ownership; the InProgress outcome carries one purely so the
// caller can wait on the slot.
type Lease struct {
	key         string
	requestHash string
}

// Begin is the result of Coordinator.Begin.
type Begin struct {
	Outcome Outcome
	Lease   *Lease
	Cached  *Record
}

// Coordinator orchestrates the idempotency protocol against an external
// Store. It holds no in-process locks and spawns no goroutines; any number
// of instances may coordinate on the same store.
type Coordinator struct {
	store          Store
	logger         *slog.Logger
	maxCachedBytes int
	pollInterval   time.Duration
	pollCeiling    time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured logger the Coordinator reports races and
// degrades to.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMaxCachedBytes sets the maximum encoded size of a cached outcome.
// Completions that would exceed it release the lease instead of caching.
func WithMaxCachedBytes(n int) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxCachedBytes = n
	}
}

// NewCoordinator creates a Coordinator backed by the given store.
func NewCoordinator(store Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:          store,
		logger:         slog.Default(),
		maxCachedBytes: DefaultMaxCachedBytes,
		pollInterval:   defaultPollInterval,
		pollCeiling:    defaultPollCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the structured logger the coordinator was configured
// with, so gateways built on top of it log through the same sink.
func (c *Coordinator) Logger() *slog.Logger {
	return c.logger
}

// Begin runs the acquisition side of the protocol for one request.
// Validation failures (missing required key, oversized key, missing
// principal) are reported before any store access; store failures are
// fatal for the request, never silently degraded to a skip.
func (c *Coordinator) Begin(ctx context.Context, req Request, cfg Config) (Begin, error) {
	cfg = cfg.withDefaults()
	if req.Key == "" {
		if cfg.Required {
			return Begin{}, ErrKeyRequired
		}
		return Begin{Outcome: OutcomeSkip}, nil
	}
	if len(req.Key) > MaxKeyLength {
		return Begin{}, ErrKeyTooLong
	}
	if req.Principal == "" {
		return Begin{}, ErrNoPrincipal
	}

	scope := cfg.Scope
	if scope == "" {
		scope = req.Method + " " + req.Path
	}
	hash := Fingerprint(req.Method, req.Path, req.Query, req.Body)
	lease := &Lease{key: storageKey(req.Principal, scope, req.Key), requestHash: hash}

	enc, err := encodeRecord(newInProgressRecord(hash))
	if err != nil {
		return Begin{}, fmt.Errorf("encode lease record: %w", err)
	}

	ok, err := c.store.Acquire(ctx, lease.key, enc, cfg.LockTTL)
	if err != nil {
		return Begin{}, fmt.Errorf("idempotency store acquire: %w", err)
	}
	if ok {
		return Begin{Outcome: OutcomeAcquired, Lease: lease}, nil
	}

	// The key already exists. Classify the occupant, allowing for exactly
	// one extra acquire attempt if the record expired under us.
	retried := false
	for {
		data, err := c.store.Read(ctx, lease.key)
		if errors.Is(err, ErrNotFound) {
			if retried {
				// Lost a second race; some other request now owns the slot.
				return Begin{Outcome: OutcomeInProgress, Lease: lease}, nil
			}
			retried = true
			ok, err := c.store.Acquire(ctx, lease.key, enc, cfg.LockTTL)
			if err != nil {
				return Begin{}, fmt.Errorf("idempotency store acquire: %w", err)
			}
			if ok {
				return Begin{Outcome: OutcomeAcquired, Lease: lease}, nil
			}
			continue
		}
		if err != nil {
			return Begin{}, fmt.Errorf("idempotency store read: %w", err)
		}

		rec, valid := decodeRecord(data)
		if !valid {
			// Unreadable by every instance; leaving it would wedge the key
			// until its TTL. Drop it and take the same single retry path.
			c.logger.Warn("dropping undecodable idempotency record", "key", lease.key)
			if err := c.store.Remove(ctx, lease.key); err != nil {
				return Begin{}, fmt.Errorf("idempotency store remove: %w", err)
			}
			if retried {
				return Begin{Outcome: OutcomeInProgress, Lease: lease}, nil
			}
			retried = true
			ok, err := c.store.Acquire(ctx, lease.key, enc, cfg.LockTTL)
			if err != nil {
				return Begin{}, fmt.Errorf("idempotency store acquire: %w", err)
			}
			if ok {
				return Begin{Outcome: OutcomeAcquired, Lease: lease}, nil
			}
			continue
		}

		if rec.RequestHash != hash {
			return Begin{Outcome: OutcomeConflict}, nil
		}
		if rec.Completed() {
			return Begin{Outcome: OutcomeReplay, Cached: &rec}, nil
		}
		return Begin{Outcome: OutcomeInProgress, Lease: lease}, nil
	}
}

// WaitForCompletion polls the store until the in-flight duplicate resolves
// or the wait budget elapses. It returns the completed record when the
// holder finishes, (nil, nil) when the record vanished or the budget ran
// out, and ErrKeyReused when the slot was repurposed for a different
// payload mid-wait.
func (c *Coordinator) WaitForCompletion(ctx context.Context, lease *Lease, wait time.Duration) (*Record, error) {
	interval := c.pollInterval
	deadline := time.Now().Add(wait)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		data, err := c.store.Read(ctx, lease.key)
		if errors.Is(err, ErrNotFound) {
			// The holder released or failed; the caller falls through to
			// its own timeout handling.
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency store read: %w", err)
		}
		rec, valid := decodeRecord(data)
		if !valid {
			return nil, nil
		}
		if rec.RequestHash != lease.requestHash {
			return nil, ErrKeyReused
		}
		if rec.Completed() {
			return &rec, nil
		}

		interval *= 2
		if interval > c.pollCeiling {
			interval = c.pollCeiling
		}
	}
}

// Complete finalizes an acquired lease. Failures (status >= 400) release
// the lease so a retry re-executes; successes are cached unless the
// encoded record exceeds the size limit, in which case the engine forgets
// the outcome rather than store an oversized entry. The overwrite happens
// only while the stored record is still the caller's own in-progress
// lease; a completion arriving after the lease was lost is discarded.
func (c *Coordinator) Complete(ctx context.Context, lease *Lease, res Response, cfg Config) error {
	cfg = cfg.withDefaults()
	if res.Status >= http.StatusBadRequest {
		return c.Release(ctx, lease)
	}

	enc, err := encodeRecord(newCompletedRecord(lease.requestHash, res))
	if err != nil {
		if relErr := c.Release(ctx, lease); relErr != nil {
			return relErr
		}
		return fmt.Errorf("encode completed record: %w", err)
	}
	if len(enc) > c.maxCachedBytes {
		c.logger.Info("response too large to cache, releasing lease",
			"key", lease.key, "size", len(enc), "limit", c.maxCachedBytes)
		return c.Release(ctx, lease)
	}

	// Re-validate before the overwrite: if the lease expired mid-handler the
	// slot may already belong to a different request, and a late completion
	// must not clobber it. The outcome is simply forgotten; the new holder
	// owns the key now.
	data, err := c.store.Read(ctx, lease.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency store read: %w", err)
	}
	cur, valid := decodeRecord(data)
	if !valid || !cur.InProgress() || cur.RequestHash != lease.requestHash {
		c.logger.Warn("lease no longer owned, discarding completion", "key", lease.key)
		return nil
	}

	if err := c.store.Write(ctx, lease.key, enc, cfg.TTL); err != nil {
		return fmt.Errorf("idempotency store write: %w", err)
	}
	return nil
}

// Release deletes the lease, but only while the stored record is still the
// caller's own in-progress lease. A record that something else completed
// or repurposed in the meantime is left untouched.
func (c *Coordinator) Release(ctx context.Context, lease *Lease) error {
	data, err := c.store.Read(ctx, lease.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency store read: %w", err)
	}
	rec, valid := decodeRecord(data)
	if !valid || !rec.InProgress() || rec.RequestHash != lease.requestHash {
		return nil
	}
	if err := c.store.Remove(ctx, lease.key); err != nil {
		return fmt.Errorf("idempotency store remove: %w", err)
	}
	return nil
}

// storageKey derives the store key for an identity tuple. The scope is
// stored only as a truncated hash to bound key length and avoid leaking
// internal route names into the store.
func storageKey(principal, scope, clientKey string) string {
	sum := sha256.Sum256([]byte(scope))
	scopeHash := base64.RawURLEncoding.EncodeToString(sum[:12])
	// Principal and client key are caller-controlled; escaping keeps a
	// colon-bearing value from aliasing another identity's key.
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, url.QueryEscape(principal), scopeHash, url.QueryEscape(clientKey))
}
