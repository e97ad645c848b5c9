// Package controller holds the background loops that keep persisted state in
// line with the cluster: the status poller and the recoverer.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/internal/naming"
	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultIdlePollInterval = 30 * time.Second

	// pollConcurrency bounds concurrent status reads per tick.
	pollConcurrency = 4
)

// StatusReader reads the live state of cluster objects.
type StatusReader interface {
	GetStatus(ctx context.Context, kind kube.Kind, namespace, name string) (kube.ResourceState, error)
}

// PollerOptions configures a StatusPoller.
type PollerOptions struct {
	// Interval is used while any stack or agent is in a transitional state.
	Interval time.Duration
	// IdleInterval is used otherwise.
	IdleInterval time.Duration
	Endpoints    lifecycle.Endpoints
	// LeaderElection runs the poller on the elected replica only.
	LeaderElection bool
}

// StatusPoller reconciles stored statuses with the cluster. It only ever
// writes to the database, and every write is a compare-and-set on the status
// it observed, so it never overrides a lifecycle transition.
type StatusPoller struct {
	store   *store.Store
	cluster StatusReader
	opts    PollerOptions
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	wake    chan struct{}
}

// NewStatusPoller returns a StatusPoller.
func NewStatusPoller(st *store.Store, cluster StatusReader, opts PollerOptions, metrics *telemetry.Metrics, logger zerolog.Logger) *StatusPoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdlePollInterval
	}
	return &StatusPoller{
		store:   st,
		cluster: cluster,
		opts:    opts,
		metrics: metrics,
		logger:  logger.With().Str("component", "status-poller").Logger(),
		wake:    make(chan struct{}, 1),
	}
}

// Trigger wakes the poller before its next scheduled tick.
func (p *StatusPoller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (p *StatusPoller) NeedLeaderElection() bool { return p.opts.LeaderElection }

// Start implements manager.Runnable.
func (p *StatusPoller) Start(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.opts.Interval).Dur("idle_interval", p.opts.IdleInterval).Msg("starting status poller")
	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("status poll failed")
		}

		timer := time.NewTimer(p.nextInterval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info().Msg("stopping status poller")
			return nil
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *StatusPoller) nextInterval(ctx context.Context) time.Duration {
	busy, err := p.store.HasTransitional(ctx)
	if err != nil || busy {
		return p.opts.Interval
	}
	return p.opts.IdleInterval
}

// PollOnce runs a single reconciliation pass.
func (p *StatusPoller) PollOnce(ctx context.Context) error {
	stacks, err := p.store.ListStacksByStatus(ctx, models.StackReady, models.StackFailed)
	if err != nil {
		return fmt.Errorf("listing stacks: %w", err)
	}
	agents, err := p.store.ListAgentsByStatus(ctx, models.AgentDeploying, models.AgentRunning, models.AgentFailed)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, st := range stacks {
		g.Go(func() error {
			p.pollStack(gctx, st)
			return nil
		})
	}
	for _, a := range agents {
		g.Go(func() error {
			p.pollAgent(gctx, a)
			return nil
		})
	}
	return g.Wait()
}

func (p *StatusPoller) pollStack(ctx context.Context, st models.Stack) {
	if st.Status == models.StackFailed && st.DeleteRequestedAt != nil {
		return
	}
	logger := p.logger.With().Str("stack_id", st.ID).Logger()

	state, err := p.cluster.GetStatus(ctx, kube.KindNamespace, "", st.Namespace)
	if err != nil {
		logger.Debug().Err(err).Msg("reading namespace")
		return
	}

	switch {
	case st.Status == models.StackReady && state.Phase == kube.PhaseNotFound:
		reason := fmt.Sprintf("namespace %s not found in cluster", st.Namespace)
		p.setStack(ctx, logger, st, models.StackFailed, errdefs.Class(errdefs.ErrNotFound)+": "+reason)
	case st.Status == models.StackFailed && state.Phase == kube.PhaseReady:
		p.setStack(ctx, logger, st, models.StackReady, "")
	}
}

func (p *StatusPoller) setStack(ctx context.Context, logger zerolog.Logger, st models.Stack, to models.StackStatus, reason string) {
	changed, err := p.store.SetStackStatus(ctx, st.ID, []models.StackStatus{st.Status}, to, reason)
	if err != nil {
		logger.Warn().Err(err).Msg("updating stack status")
		return
	}
	if changed {
		logger.Info().Str("from", string(st.Status)).Str("to", string(to)).Msg("stack status changed")
		p.metrics.RecordStatusChange(ctx, "stack", string(to))
	}
}

func (p *StatusPoller) pollAgent(ctx context.Context, a models.Agent) {
	if a.Status == models.AgentFailed && a.DeleteRequestedAt != nil {
		return
	}
	logger := p.logger.With().Str("agent_id", a.ID).Logger()

	namespace, err := naming.NamespaceFor(a.StackID)
	if err != nil {
		logger.Warn().Err(err).Msg("deriving namespace")
		return
	}
	name, err := naming.DeploymentNameFor(a.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("deriving deployment name")
		return
	}
	state, err := p.cluster.GetStatus(ctx, kube.KindDeployment, namespace, name)
	if err != nil {
		logger.Debug().Err(err).Msg("reading deployment")
		return
	}

	from := []models.AgentStatus{a.Status}
	switch state.Phase {
	case kube.PhaseNotFound:
		if a.Status == models.AgentFailed {
			return
		}
		p.setAgent(ctx, logger, a, models.AgentFailed, fmt.Sprintf("deployment %s not found in cluster", name))
	case kube.PhaseFailed:
		if a.Status == models.AgentFailed {
			return
		}
		p.setAgent(ctx, logger, a, models.AgentFailed, state.Message)
	case kube.PhaseReady:
		if a.Status == models.AgentRunning && a.APIURL != nil && a.UIURL != nil {
			return
		}
		if a.GraphID == nil {
			// The graph is not registered yet. The deploy promotes the agent
			// itself once it is.
			return
		}
		graphID, apiURL, uiURL, err := p.opts.Endpoints.For(a.StackID, a.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("building agent urls")
			return
		}
		changed, err := p.store.SetAgentDeployment(ctx, a.ID, from, store.Deployment{
			GraphID: graphID,
			APIURL:  apiURL,
			UIURL:   uiURL,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("updating agent status")
			return
		}
		if changed && a.Status != models.AgentRunning {
			logger.Info().Str("from", string(a.Status)).Str("to", string(models.AgentRunning)).Msg("agent status changed")
			p.metrics.RecordStatusChange(ctx, "agent", string(models.AgentRunning))
		}
	case kube.PhasePending:
		if a.Status == models.AgentRunning {
			p.setAgent(ctx, logger, a, models.AgentDeploying, state.Message)
		}
	}
}

func (p *StatusPoller) setAgent(ctx context.Context, logger zerolog.Logger, a models.Agent, to models.AgentStatus, reason string) {
	changed, err := p.store.SetAgentStatus(ctx, a.ID, []models.AgentStatus{a.Status}, to, reason)
	if err != nil {
		logger.Warn().Err(err).Msg("updating agent status")
		return
	}
	if changed {
		logger.Info().Str("from", string(a.Status)).Str("to", string(to)).Str("reason", reason).Msg("agent status changed")
		p.metrics.RecordStatusChange(ctx, "agent", string(to))
	}
}
