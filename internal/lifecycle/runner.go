package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

// Claimer leases entity keys across processes that share the database.
type Claimer interface {
	Claim(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, resource, owner string) error
}

// DefaultClaimTTL is how long a lease outlives a replica that stopped
// renewing it.
const DefaultClaimTTL = time.Minute

// ErrClaimed is returned by Hold when another replica owns the key.
var ErrClaimed = fmt.Errorf("%w: entity is claimed by another replica", errdefs.ErrTransient)

// Runner owns the background goroutines started by the lifecycle managers.
// Every operation runs under a context derived from the runner, is keyed by
// entity, and is waited for on shutdown.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*operation

	claims   Claimer
	owner    string
	claimTTL time.Duration
}

type operation struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner returns a Runner whose operations are cancelled by Shutdown.
func NewRunner(logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "lifecycle-runner").Logger(),
		inflight: make(map[string]*operation),
	}
}

// WithClaims makes the runner lease every key from c before running an
// operation on it, renew the lease while the operation runs and release it
// afterwards. An operation whose lease is lost is cancelled.
func (r *Runner) WithClaims(c Claimer, owner string, ttl time.Duration) *Runner {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	r.claims = c
	r.owner = owner
	r.claimTTL = ttl
	return r
}

// Go starts fn for key unless an operation for key is already running here
// or another replica holds the key. It reports whether fn was started.
func (r *Runner) Go(key, name string, fn func(ctx context.Context)) bool {
	if r.InFlight(key) || !r.claim(r.ctx, key) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return false
	}
	return r.startLocked(key, name, fn)
}

// Hold leases key for work done outside an operation of its own, such as an
// agent deleted by its stack's teardown. The returned release keeps the
// lease when a local operation still runs for key.
func (r *Runner) Hold(ctx context.Context, key string) (func(), error) {
	if r.claims == nil {
		return func() {}, nil
	}
	ok, err := r.claims.Claim(ctx, key, r.owner, r.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("claiming %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrClaimed)
	}
	return func() {
		if !r.InFlight(key) {
			r.release(key)
		}
	}, nil
}

func (r *Runner) claim(ctx context.Context, key string) bool {
	if r.claims == nil {
		return true
	}
	ok, err := r.claims.Claim(ctx, key, r.owner, r.claimTTL)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("claiming entity")
		return false
	}
	if !ok {
		r.logger.Debug().Str("key", key).Msg("entity claimed by another replica")
	}
	return ok
}

func (r *Runner) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.claims.ReleaseClaim(ctx, key, r.owner); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("releasing claim")
	}
}

// renew keeps the lease on key alive until ctx is done and cancels the
// operation once another replica took it over.
func (r *Runner) renew(ctx context.Context, key string, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.claimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := r.claims.Claim(ctx, key, r.owner, r.claimTTL)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("renewing claim")
			}
			continue
		}
		if !ok {
			r.logger.Warn().Str("key", key).Msg("claim lost to another replica, cancelling operation")
			cancel()
			return
		}
	}
}

// Replace cancels the running operation for key, if any, and starts fn.
// fn starts only after the previous operation returned.
func (r *Runner) Replace(key, name string, fn func(ctx context.Context)) bool {
	if !r.InFlight(key) && !r.claim(r.ctx, key) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, busy := r.inflight[key]; busy {
		r.logger.Debug().Str("key", key).Str("cancelled", prev.name).Str("operation", name).Msg("superseding operation")
		prev.cancel()
		wait := prev.done
		inner := fn
		fn = func(ctx context.Context) {
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
			inner(ctx)
		}
	}
	return r.startLocked(key, name, fn)
}

func (r *Runner) startLocked(key, name string, fn func(ctx context.Context)) bool {
	if r.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(r.ctx)
	op := &operation{name: name, cancel: cancel, done: make(chan struct{})}
	r.inflight[key] = op

	renewed := make(chan struct{})
	if r.claims != nil {
		go func() {
			defer close(renewed)
			r.renew(ctx, key, cancel)
		}()
	} else {
		close(renewed)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(op.done)
		defer func() {
			cancel()
			<-renewed
			r.mu.Lock()
			last := r.inflight[key] == op
			if last {
				delete(r.inflight, key)
			}
			r.mu.Unlock()
			if last && r.claims != nil {
				r.release(key)
			}
		}()
		fn(ctx)
	}()
	return true
}

// Cancel cancels the running operation for key and returns a channel that is
// closed once it has returned. The channel is closed already when nothing
// runs for key.
func (r *Runner) Cancel(key string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.inflight[key]; ok {
		op.cancel()
		return op.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// InFlight reports whether an operation for key is running.
func (r *Runner) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key]
	return ok
}

// Wait blocks until every running operation has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown cancels all operations and waits for them until ctx is done.
// Interrupted operations leave their entity in a transitional status for the
// recoverer.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start implements manager.Runnable. It blocks until ctx is cancelled and
// then shuts the runner down.
func (r *Runner) Start(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn().Err(err).Msg("lifecycle operations still running at shutdown")
	}
	return nil
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (r *Runner) NeedLeaderElection() bool { return false }
