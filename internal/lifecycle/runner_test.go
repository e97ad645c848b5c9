package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/store"
)

func TestRunnerGoRejectsDuplicates(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	release := make(chan struct{})

	require.True(t, r.Go("k", "first", func(ctx context.Context) { <-release }))
	assert.True(t, r.InFlight("k"))
	assert.False(t, r.Go("k", "second", func(ctx context.Context) {}))

	close(release)
	r.Wait()
	assert.False(t, r.InFlight("k"))
	assert.True(t, r.Go("k", "third", func(ctx context.Context) {}))
	r.Wait()
}

func TestRunnerReplaceCancelsAndWaits(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	var firstDone atomic.Bool
	started := make(chan struct{})

	r.Go("k", "deploy", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		firstDone.Store(true)
	})
	<-started

	var sawFirstDone atomic.Bool
	require.True(t, r.Replace("k", "teardown", func(ctx context.Context) {
		sawFirstDone.Store(firstDone.Load())
	}))
	r.Wait()
	assert.True(t, sawFirstDone.Load(), "replacement runs after the cancelled operation returned")
	assert.False(t, r.InFlight("k"))
}

func TestRunnerCancel(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	<-r.Cancel("idle")

	r.Go("k", "op", func(ctx context.Context) { <-ctx.Done() })
	select {
	case <-r.Cancel("k"):
	case <-time.After(time.Second):
		t.Fatal("cancelled operation did not return")
	}
}

func TestRunnerShutdown(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	r.Go("k", "op", func(ctx context.Context) { <-ctx.Done() })
	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, r.Go("k2", "late", func(ctx context.Context) {}), "no new work after shutdown")

	stuck := NewRunner(zerolog.Nop())
	block := make(chan struct{})
	defer close(block)
	stuck.Go("k", "op", func(ctx context.Context) { <-block })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, stuck.Shutdown(ctx), context.DeadlineExceeded)
}

func newClaimStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{DSN: filepath.Join(t.TempDir(), "claims.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestRunnerClaimsKeysAcrossReplicas(t *testing.T) {
	st := newClaimStore(t)
	a := NewRunner(zerolog.Nop()).WithClaims(st, "replica-a", time.Minute)
	b := NewRunner(zerolog.Nop()).WithClaims(st, "replica-b", time.Minute)
	release := make(chan struct{})

	require.True(t, a.Go("agent/x", "deploy", func(ctx context.Context) { <-release }))
	holder, err := st.ClaimHolder(context.Background(), "agent/x")
	require.NoError(t, err)
	assert.Equal(t, "replica-a", holder)

	assert.False(t, b.Go("agent/x", "deploy", func(ctx context.Context) {}), "another replica owns the key")
	assert.False(t, b.Replace("agent/x", "teardown", func(ctx context.Context) {}))
	_, err = b.Hold(context.Background(), "agent/x")
	assert.ErrorIs(t, err, ErrClaimed)
	assert.True(t, errdefs.IsTransient(err))
	assert.True(t, b.Go("agent/y", "deploy", func(ctx context.Context) {}), "other keys are free")
	b.Wait()

	close(release)
	a.Wait()
	holder, err = st.ClaimHolder(context.Background(), "agent/x")
	require.NoError(t, err)
	assert.Empty(t, holder, "the lease is released when the operation returns")

	var ran atomic.Bool
	require.True(t, b.Go("agent/x", "deploy", func(ctx context.Context) { ran.Store(true) }))
	b.Wait()
	assert.True(t, ran.Load())
}

func TestRunnerCancelsOperationWhenClaimIsLost(t *testing.T) {
	st := newClaimStore(t)
	ctx := context.Background()
	r := NewRunner(zerolog.Nop()).WithClaims(st, "replica-a", 30*time.Millisecond)
	cancelled := make(chan struct{})

	require.True(t, r.Go("stack/s", "teardown", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	// Another replica takes the key over between two renewals.
	require.Eventually(t, func() bool {
		if err := st.ReleaseClaim(ctx, "stack/s", "replica-a"); err != nil {
			return false
		}
		ok, err := st.Claim(ctx, "stack/s", "replica-b", time.Hour)
		return err == nil && ok
	}, time.Second, time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation kept running without its lease")
	}
	r.Wait()
	holder, err := st.ClaimHolder(ctx, "stack/s")
	require.NoError(t, err)
	assert.Equal(t, "replica-b", holder, "a lost lease is not released")
}

func TestRunnerHoldKeepsLeaseOfRunningOperation(t *testing.T) {
	st := newClaimStore(t)
	ctx := context.Background()
	r := NewRunner(zerolog.Nop()).WithClaims(st, "replica-a", time.Minute)

	release, err := r.Hold(ctx, "agent/x")
	require.NoError(t, err)
	release()
	holder, err := st.ClaimHolder(ctx, "agent/x")
	require.NoError(t, err)
	assert.Empty(t, holder)

	block := make(chan struct{})
	require.True(t, r.Go("agent/x", "deploy", func(ctx context.Context) { <-block }))
	release, err = r.Hold(ctx, "agent/x")
	require.NoError(t, err)
	release()
	holder, err = st.ClaimHolder(ctx, "agent/x")
	require.NoError(t, err)
	assert.Equal(t, "replica-a", holder)
	close(block)
	r.Wait()

	noClaims, err := NewRunner(zerolog.Nop()).Hold(ctx, "agent/x")
	require.NoError(t, err)
	noClaims()
}

func TestRetry(t *testing.T) {
	backoff := wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 3}
	ctx := context.Background()

	calls := 0
	err := retry(ctx, backoff, zerolog.Nop(), "ok", func(context.Context) error {
		calls++
		if calls < 3 {
			return errdefs.ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	transient := errors.Join(errdefs.ErrTransient, errors.New("apiserver down"))
	err = retry(ctx, backoff, zerolog.Nop(), "exhausted", func(context.Context) error {
		calls++
		return transient
	})
	assert.Equal(t, transient, err, "the last transient error is returned")
	assert.Equal(t, 3, calls)

	calls = 0
	err = retry(ctx, backoff, zerolog.Nop(), "permanent", func(context.Context) error {
		calls++
		return errdefs.Forbiddenf("rbac")
	})
	assert.True(t, errdefs.IsForbidden(err))
	assert.Equal(t, 1, calls)
}

func TestEndpoints(t *testing.T) {
	e := Endpoints{Scheme: "https", Host: "agents.example.com", ChatUIBaseURL: "http://localhost:3002/"}
	stackID := "3f1c2b9a-8e0d-4c55-9a61-0d8f3b7c2e11"
	agentID := "9b2e4f60-1a7c-4d3e-8f15-6c0a2d9e7b44"

	graphID, apiURL, uiURL, err := e.For(stackID, agentID)
	require.NoError(t, err)
	assert.Equal(t, stackID+"__"+agentID, graphID)
	assert.Equal(t, "https://agents.example.com/stacks/"+stackID+"/agents/"+agentID+"/", apiURL)
	assert.Equal(t,
		"http://localhost:3002/?apiUrl=https%3A%2F%2Fagents.example.com%2Fstacks%2F"+stackID+"%2Fagents%2F"+agentID+"%2F&assistantId="+graphID,
		uiURL)

	_, _, _, err = e.For("not-a-uuid", agentID)
	assert.True(t, errdefs.IsValidation(err))
}
