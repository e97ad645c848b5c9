package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

const (
	testStackID = "3f1c2b9a-8e0d-4c55-9a61-0d8f3b7c2e11"
	testAgentID = "9b2e4f60-1a7c-4d3e-8f15-6c0a2d9e7b44"
)

type fakeStatus struct {
	mu     sync.Mutex
	states map[string]kube.ResourceState
	errs   map[string]error
	reads  int
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{states: map[string]kube.ResourceState{}, errs: map[string]error{}}
}

func (f *fakeStatus) set(kind kube.Kind, namespace, name string, phase kube.Phase, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[string(kind)+"/"+namespace+"/"+name] = kube.ResourceState{Phase: phase, Message: msg}
}

func (f *fakeStatus) GetStatus(_ context.Context, kind kube.Kind, namespace, name string) (kube.ResourceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	key := string(kind) + "/" + namespace + "/" + name
	if err, ok := f.errs[key]; ok {
		return kube.ResourceState{}, err
	}
	if s, ok := f.states[key]; ok {
		return s, nil
	}
	return kube.ResourceState{Phase: kube.PhaseNotFound}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{DSN: filepath.Join(t.TempDir(), "test.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func seed(t *testing.T, st *store.Store, stackStatus models.StackStatus, agentStatus models.AgentStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateStack(ctx, &models.Stack{
		ID: testStackID, Name: "s", Namespace: "stack-" + testStackID, Status: stackStatus, CreatedBy: "alice",
	}))
	if agentStatus != "" {
		require.NoError(t, st.CreateAgent(ctx, &models.Agent{
			ID: testAgentID, StackID: testStackID, Name: "a", Status: agentStatus,
			DiskPath: "/data/" + testAgentID, CreatedBy: "alice",
		}))
	}
}

func newTestPoller(st *store.Store, cluster StatusReader) *StatusPoller {
	return NewStatusPoller(st, cluster, PollerOptions{
		Interval:     5 * time.Millisecond,
		IdleInterval: time.Hour,
		Endpoints:    lifecycle.Endpoints{Scheme: "https", Host: "agents.example.com", ChatUIBaseURL: "http://ui"},
	}, nil, zerolog.Nop())
}

const (
	testNamespace  = "stack-" + testStackID
	testDeployment = "agent-" + testAgentID
)

func TestPollerAgentTransitions(t *testing.T) {
	tests := []struct {
		name       string
		from       models.AgentStatus
		phase      kube.Phase
		message    string
		graph      bool
		want       models.AgentStatus
		wantReason string
	}{
		{name: "deployment missing", from: models.AgentRunning, phase: kube.PhaseNotFound, want: models.AgentFailed,
			wantReason: "deployment " + testDeployment + " not found in cluster"},
		{name: "rollout failed", from: models.AgentDeploying, phase: kube.PhaseFailed, message: "ProgressDeadlineExceeded",
			want: models.AgentFailed, wantReason: "ProgressDeadlineExceeded"},
		{name: "became ready", from: models.AgentDeploying, phase: kube.PhaseReady, graph: true, want: models.AgentRunning},
		{name: "ready before graph registration", from: models.AgentDeploying, phase: kube.PhaseReady, want: models.AgentDeploying},
		{name: "failed recovers", from: models.AgentFailed, phase: kube.PhaseReady, graph: true, want: models.AgentRunning},
		{name: "failed without graph stays failed", from: models.AgentFailed, phase: kube.PhaseReady, want: models.AgentFailed},
		{name: "running degrades", from: models.AgentRunning, phase: kube.PhasePending, message: "0/1 replicas available",
			want: models.AgentDeploying, wantReason: "0/1 replicas available"},
		{name: "deploying stays", from: models.AgentDeploying, phase: kube.PhasePending, want: models.AgentDeploying},
		{name: "failed stays failed", from: models.AgentFailed, phase: kube.PhaseNotFound, want: models.AgentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			seed(t, st, models.StackReady, tt.from)
			if tt.graph {
				require.NoError(t, st.SetAgentGraph(ctx, testAgentID, testStackID+"__"+testAgentID))
			}
			cluster := newFakeStatus()
			cluster.set(kube.KindNamespace, "", testNamespace, kube.PhaseReady, "")
			if tt.phase != kube.PhaseNotFound {
				cluster.set(kube.KindDeployment, testNamespace, testDeployment, tt.phase, tt.message)
			}

			require.NoError(t, newTestPoller(st, cluster).PollOnce(ctx))

			got, err := st.GetAgent(ctx, testAgentID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			if tt.wantReason != "" {
				require.NotNil(t, got.StatusReason)
				assert.Equal(t, tt.wantReason, *got.StatusReason)
			}
			if tt.want == models.AgentRunning {
				require.NotNil(t, got.APIURL)
				assert.Equal(t, "https://agents.example.com/stacks/"+testStackID+"/agents/"+testAgentID+"/", *got.APIURL)
				require.NotNil(t, got.GraphID)
				assert.Equal(t, testStackID+"__"+testAgentID, *got.GraphID)
			}
		})
	}
}

func TestPollerSkipsLifecycleOwnedAgents(t *testing.T) {
	for _, status := range []models.AgentStatus{models.AgentPending, models.AgentDeleting} {
		t.Run(string(status), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			seed(t, st, models.StackReady, status)
			cluster := newFakeStatus()
			cluster.set(kube.KindNamespace, "", testNamespace, kube.PhaseReady, "")

			require.NoError(t, newTestPoller(st, cluster).PollOnce(ctx))
			got, err := st.GetAgent(ctx, testAgentID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
		})
	}
}

func TestPollerSkipsFailedAgentWithPendingDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, models.StackReady, models.AgentRunning)
	_, err := st.MarkAgentDeleting(ctx, testAgentID, nil, "alice")
	require.NoError(t, err)
	_, err = st.SetAgentStatus(ctx, testAgentID, nil, models.AgentFailed, "boom")
	require.NoError(t, err)

	cluster := newFakeStatus()
	cluster.set(kube.KindNamespace, "", testNamespace, kube.PhaseReady, "")
	cluster.set(kube.KindDeployment, testNamespace, testDeployment, kube.PhaseReady, "")
	require.NoError(t, newTestPoller(st, cluster).PollOnce(ctx))

	got, err := st.GetAgent(ctx, testAgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, got.Status)
}

func TestPollerStackTransitions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, models.StackReady, "")
	cluster := newFakeStatus()
	poller := newTestPoller(st, cluster)

	require.NoError(t, poller.PollOnce(ctx))
	got, err := st.GetStack(ctx, testStackID)
	require.NoError(t, err)
	assert.Equal(t, models.StackFailed, got.Status)
	require.NotNil(t, got.StatusReason)
	assert.Contains(t, *got.StatusReason, "namespace "+testNamespace+" not found in cluster")

	cluster.set(kube.KindNamespace, "", testNamespace, kube.PhaseReady, "")
	require.NoError(t, poller.PollOnce(ctx))
	got, err = st.GetStack(ctx, testStackID)
	require.NoError(t, err)
	assert.Equal(t, models.StackReady, got.Status)
	assert.Nil(t, got.StatusReason)
}

func TestPollerSkipsCreatingStacks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, models.StackCreating, "")
	cluster := newFakeStatus()

	require.NoError(t, newTestPoller(st, cluster).PollOnce(ctx))
	got, err := st.GetStack(ctx, testStackID)
	require.NoError(t, err)
	assert.Equal(t, models.StackCreating, got.Status)
	assert.Zero(t, cluster.reads)
}

func TestPollerIgnoresReadErrors(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, models.StackReady, models.AgentRunning)
	cluster := newFakeStatus()
	cluster.errs["Namespace//"+testNamespace] = errdefs.ErrTransient
	cluster.errs["Deployment/"+testNamespace+"/"+testDeployment] = errdefs.ErrTransient

	require.NoError(t, newTestPoller(st, cluster).PollOnce(ctx))
	a, err := st.GetAgent(ctx, testAgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentRunning, a.Status)
	s, err := st.GetStack(ctx, testStackID)
	require.NoError(t, err)
	assert.Equal(t, models.StackReady, s.Status)
}

func TestPollerIntervalFollowsTransitionalRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	poller := newTestPoller(st, newFakeStatus())
	assert.Equal(t, time.Hour, poller.nextInterval(ctx))

	seed(t, st, models.StackCreating, "")
	assert.Equal(t, 5*time.Millisecond, poller.nextInterval(ctx))
}

func TestPollerTriggerWakesLoop(t *testing.T) {
	st := newTestStore(t)
	cluster := newFakeStatus()
	poller := newTestPoller(st, cluster)
	seed(t, st, models.StackReady, "")
	cluster.set(kube.KindNamespace, "", testNamespace, kube.PhaseReady, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Start(ctx) }()

	// The idle interval is an hour, so only Trigger can cause a second pass.
	require.Eventually(t, func() bool {
		cluster.mu.Lock()
		defer cluster.mu.Unlock()
		return cluster.reads >= 1
	}, time.Second, 5*time.Millisecond)

	poller.Trigger()
	poller.Trigger()
	require.Eventually(t, func() bool {
		cluster.mu.Lock()
		defer cluster.mu.Unlock()
		return cluster.reads >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.False(t, poller.NeedLeaderElection())
}
