package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

// DefaultRecoveryInterval is how often the recoverer looks for abandoned work.
const DefaultRecoveryInterval = time.Minute

// StackResumer restarts the pending operation of a stack.
type StackResumer interface {
	Resume(ctx context.Context, st models.Stack) bool
}

// AgentResumer restarts the pending operation of an agent.
type AgentResumer interface {
	Resume(ctx context.Context, a models.Agent) bool
}

// RecovererOptions configures a Recoverer.
type RecovererOptions struct {
	Interval time.Duration
	// LeaderElection runs recovery on the elected replica only. Every resume
	// also has to win the entity's claim, so replicas without leader
	// election still never drive the same entity twice.
	LeaderElection bool
}

// Recoverer resumes operations that no replica owns, such as work
// interrupted by a restart or a delete that failed and must be retried.
type Recoverer struct {
	store    *store.Store
	stacks   StackResumer
	agents   AgentResumer
	interval time.Duration
	leader   bool
	logger   zerolog.Logger
}

// NewRecoverer returns a Recoverer.
func NewRecoverer(st *store.Store, stacks StackResumer, agents AgentResumer, opts RecovererOptions, logger zerolog.Logger) *Recoverer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRecoveryInterval
	}
	return &Recoverer{
		store:    st,
		stacks:   stacks,
		agents:   agents,
		interval: opts.Interval,
		leader:   opts.LeaderElection,
		logger:   logger.With().Str("component", "recoverer").Logger(),
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (r *Recoverer) NeedLeaderElection() bool { return r.leader }

// Start implements manager.Runnable. It recovers once immediately and then
// on every interval.
func (r *Recoverer) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("recovery pass failed")
		} else if n > 0 {
			r.logger.Info().Int("resumed", n).Msg("resumed abandoned operations")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RecoverOnce resumes every abandoned stack and agent operation and returns
// how many were started.
func (r *Recoverer) RecoverOnce(ctx context.Context) (int, error) {
	resumed := 0

	stacks, err := r.store.ListStacksByStatus(ctx, models.StackCreating, models.StackDeleting, models.StackFailed)
	if err != nil {
		return 0, fmt.Errorf("listing stacks: %w", err)
	}
	for _, st := range stacks {
		if st.Status == models.StackFailed && st.DeleteRequestedAt == nil {
			continue
		}
		if r.stacks.Resume(ctx, st) {
			r.logger.Info().Str("stack_id", st.ID).Str("status", string(st.Status)).Msg("resumed stack")
			resumed++
		}
	}

	agents, err := r.store.ListAgentsByStatus(ctx, models.AgentPending, models.AgentDeploying, models.AgentDeleting, models.AgentFailed)
	if err != nil {
		return resumed, fmt.Errorf("listing agents: %w", err)
	}
	for _, a := range agents {
		if a.Status == models.AgentFailed && a.DeleteRequestedAt == nil {
			continue
		}
		if r.agents.Resume(ctx, a) {
			r.logger.Info().Str("agent_id", a.ID).Str("status", string(a.Status)).Msg("resumed agent")
			resumed++
		}
	}
	return resumed, nil
}
