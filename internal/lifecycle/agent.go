package lifecycle

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/keymutex"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/fsstore"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/naming"
	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
	"github.com/agentplatform/stack-agent-manager/internal/validation"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

// CreateAgentInput is an agent upload.
type CreateAgentInput struct {
	Name        string
	Description *string
	Filename    string
	// Size is the declared upload size, or -1 when unknown.
	Size    int64
	Archive io.Reader
}

// UpdateAgentInput changes agent metadata. Nil fields are kept.
type UpdateAgentInput struct {
	Name        *string
	Description *string
}

// AgentManager deploys, updates and deletes agents.
type AgentManager struct {
	store    *store.Store
	fs       *fsstore.Store
	registry *fsstore.GraphRegistry
	cluster  Cluster
	runner   *Runner
	locks    keymutex.KeyMutex
	opts     Options
	metrics  *telemetry.Metrics
	notify   Notifier
	logger   zerolog.Logger
}

// NewAgentManager returns an AgentManager.
func NewAgentManager(st *store.Store, fs *fsstore.Store, registry *fsstore.GraphRegistry, cluster Cluster, runner *Runner, opts Options, metrics *telemetry.Metrics, logger zerolog.Logger) *AgentManager {
	return &AgentManager{
		store:    st,
		fs:       fs,
		registry: registry,
		cluster:  cluster,
		runner:   runner,
		locks:    keymutex.NewHashed(0),
		opts:     opts.withDefaults(),
		metrics:  metrics,
		logger:   logger.With().Str("component", "agent-manager").Logger(),
	}
}

// SetNotifier registers the component told about state transitions.
func (m *AgentManager) SetNotifier(n Notifier) { m.notify = n }

// Endpoints returns the URL builder used for agents.
func (m *AgentManager) Endpoints() Endpoints { return m.opts.Endpoints }

func (m *AgentManager) trigger() {
	if m.notify != nil {
		m.notify.Trigger()
	}
}

// Create stores and extracts the uploaded archive, records the agent as
// pending and starts the deployment. The stack must be ready and owned by
// actor.
func (m *AgentManager) Create(ctx context.Context, stackID string, in CreateAgentInput, actor string) (*models.Agent, error) {
	start := time.Now()
	name, err := validation.ValidateDisplayName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDescription(in.Description); err != nil {
		return nil, err
	}
	if err := validation.ValidateArchiveFilename(in.Filename); err != nil {
		return nil, err
	}
	if limit := m.fs.Limits().MaxArchiveBytes; in.Size > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", fsstore.ErrArchiveTooLarge, in.Size, limit)
	}

	st, err := m.store.GetStack(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if st.CreatedBy != actor {
		return nil, errdefs.Forbiddenf("You can only add agents to stacks you created")
	}
	if st.Status != models.StackReady {
		return nil, errdefs.Conflictf("stack %s is %s, agents can only be added to ready stacks", stackID, st.Status)
	}
	taken, err := m.store.AgentNameTaken(ctx, stackID, name, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errdefs.Conflictf("an agent named %q already exists in this stack", name)
	}

	id := uuid.NewString()
	extracted, err := m.fs.StoreAndExtract(ctx, stackID, id, in.Archive)
	if err != nil {
		m.metrics.RecordOperation(ctx, "agent", "upload", result(err), time.Since(start))
		return nil, err
	}

	a := &models.Agent{
		ID:          id,
		StackID:     stackID,
		Name:        name,
		Description: in.Description,
		Status:      models.AgentPending,
		GraphSlug:   extracted.GraphSlug,
		DiskPath:    extracted.Dir,
		CreatedBy:   actor,
	}
	if err := m.store.CreateAgent(ctx, a); err != nil {
		if rerr := m.fs.DeleteAgentDir(stackID, id); rerr != nil {
			m.logger.Warn().Err(rerr).Str("agent_id", id).Msg("removing agent directory after failed insert")
		}
		return nil, err
	}

	m.logger.Info().Str("agent_id", id).Str("stack_id", stackID).Int("files", extracted.Files).Int64("bytes", extracted.Bytes).Msg("agent uploaded")
	m.runner.Go(agentKey(id), "deploy", func(ctx context.Context) { m.deploy(ctx, id) })
	m.trigger()
	return a, nil
}

// Get returns an agent. Agents of other users are not found.
func (m *AgentManager) Get(ctx context.Context, id, actor string) (*models.Agent, error) {
	return m.owned(ctx, id, actor, "")
}

// ListByStack returns the agents of one of the actor's stacks.
func (m *AgentManager) ListByStack(ctx context.Context, stackID, actor string) ([]models.Agent, error) {
	st, err := m.store.GetStack(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if st.CreatedBy != actor {
		return nil, errdefs.NotFoundf("stack %s not found", stackID)
	}
	return m.store.ListAgentsByStack(ctx, stackID)
}

// Update changes name and description, keeping names unique per stack.
func (m *AgentManager) Update(ctx context.Context, id string, in UpdateAgentInput, actor string) (*models.Agent, error) {
	a, err := m.owned(ctx, id, actor, "update")
	if err != nil {
		return nil, err
	}
	if a.Status == models.AgentDeleting {
		return nil, errdefs.Conflictf("agent %s is being deleted", id)
	}

	params := store.UpdateAgentParams{UpdatedBy: actor, Description: in.Description}
	if err := validation.ValidateDescription(in.Description); err != nil {
		return nil, err
	}
	if in.Name != nil {
		name, err := validation.ValidateDisplayName(*in.Name)
		if err != nil {
			return nil, err
		}
		taken, err := m.store.AgentNameTaken(ctx, a.StackID, name, a.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, errdefs.Conflictf("an agent named %q already exists in this stack", name)
		}
		params.Name = &name
	}
	return m.store.UpdateAgentMeta(ctx, id, params)
}

// Delete marks the agent deleting and removes its objects, graph entry,
// directory and row in the background. A running deployment is cancelled.
func (m *AgentManager) Delete(ctx context.Context, id, actor string) (*models.Agent, error) {
	a, err := m.owned(ctx, id, actor, "delete")
	if err != nil {
		return nil, err
	}
	if a.Status == models.AgentDeleting {
		return a, nil
	}
	changed, err := m.store.MarkAgentDeleting(ctx, id, []models.AgentStatus{
		models.AgentPending, models.AgentDeploying, models.AgentRunning, models.AgentFailed,
	}, actor)
	if err != nil {
		return nil, err
	}
	deleting, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		m.runner.Replace(agentKey(id), "teardown", func(ctx context.Context) { m.teardown(ctx, id) })
		m.trigger()
	}
	return deleting, nil
}

// Redeploy re-runs the deployment of a failed agent, or its deletion when
// a delete was requested.
func (m *AgentManager) Redeploy(ctx context.Context, id, actor string) (*models.Agent, error) {
	a, err := m.owned(ctx, id, actor, "redeploy")
	if err != nil {
		return nil, err
	}
	if a.Status != models.AgentFailed {
		return nil, errdefs.Conflictf("agent %s is %s, only failed agents can be redeployed", id, a.Status)
	}
	if m.runner.InFlight(agentKey(id)) || !m.resume(ctx, *a) {
		return nil, errdefs.Conflictf("agent %s has an operation in progress", id)
	}
	fresh, err := m.store.GetAgent(ctx, id)
	if err != nil {
		gone := *a
		gone.Status = models.AgentDeleting
		return &gone, nil
	}
	return fresh, nil
}

// Resume restarts the pending operation of an agent found in a
// transitional state. It reports whether an operation started.
func (m *AgentManager) Resume(ctx context.Context, a models.Agent) bool {
	if m.runner.InFlight(agentKey(a.ID)) {
		return false
	}
	return m.resume(ctx, a)
}

func (m *AgentManager) resume(ctx context.Context, a models.Agent) bool {
	key := agentKey(a.ID)
	switch {
	case a.Status == models.AgentDeleting:
		return m.start(key, "teardown", a.ID, m.teardown)
	case a.DeleteRequestedAt != nil:
		changed, err := m.store.MarkAgentDeleting(ctx, a.ID, []models.AgentStatus{models.AgentFailed}, a.CreatedBy)
		if err != nil || !changed {
			return false
		}
		return m.start(key, "teardown", a.ID, m.teardown)
	case a.Status == models.AgentPending || a.Status == models.AgentDeploying:
		return m.start(key, "deploy", a.ID, m.deploy)
	case a.Status == models.AgentFailed:
		changed, err := m.store.SetAgentStatus(ctx, a.ID, []models.AgentStatus{models.AgentFailed}, models.AgentPending, "")
		if err != nil || !changed {
			return false
		}
		return m.start(key, "deploy", a.ID, m.deploy)
	}
	return false
}

func (m *AgentManager) start(key, name, id string, fn func(context.Context, string)) bool {
	started := m.runner.Go(key, name, func(ctx context.Context) { fn(ctx, id) })
	if started {
		m.trigger()
	}
	return started
}

func (m *AgentManager) owned(ctx context.Context, id, actor, verb string) (*models.Agent, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.CreatedBy != actor {
		if verb == "" {
			return nil, errdefs.NotFoundf("agent %s not found", id)
		}
		return nil, forbidden(verb, "agent")
	}
	return a, nil
}

// Workload renders the cluster objects of an agent.
func (m *AgentManager) Workload(st *models.Stack, a *models.Agent) (kube.AgentObjects, error) {
	w := kube.AgentWorkload{
		StackID:       st.ID,
		AgentID:       a.ID,
		AgentName:     a.Name,
		Namespace:     st.Namespace,
		Image:         m.opts.Image,
		HostPath:      a.DiskPath,
		GraphsPrefix:  m.opts.GraphsPrefix,
		IngressHost:   m.opts.Endpoints.Host,
		IngressClass:  m.opts.IngressClass,
		TLSSecretName: m.opts.TLSSecretName,
	}
	if m.registry != nil {
		w.RegistryHostDir = filepath.Dir(m.registry.Path())
		w.RegistryFileName = filepath.Base(m.registry.Path())
	}
	return kube.BuildAgentObjects(w)
}

// deploy applies the agent's objects, registers its graph and waits for the
// Deployment. On timeout the objects are left in place for a redeploy.
func (m *AgentManager) deploy(ctx context.Context, id string) {
	m.locks.LockKey(id)
	defer func() { _ = m.locks.UnlockKey(id) }()

	start := time.Now()
	logger := m.logger.With().Str("agent_id", id).Str("operation", "deploy").Logger()

	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("loading agent")
		}
		return
	}
	if a.Status != models.AgentPending && a.Status != models.AgentDeploying {
		logger.Debug().Str("status", string(a.Status)).Msg("agent no longer deploying, skipping")
		return
	}
	inFlight := []models.AgentStatus{models.AgentPending, models.AgentDeploying}
	// The poller may promote a Ready deployment to running before the graph
	// is registered, so a failure must still be able to override running.
	failFrom := []models.AgentStatus{models.AgentPending, models.AgentDeploying, models.AgentRunning}

	step, err := func() (string, error) {
		st, err := m.store.GetStack(ctx, a.StackID)
		if err != nil {
			return "stack", err
		}
		objs, err := m.Workload(st, a)
		if err != nil {
			return "render", err
		}
		if err := retry(ctx, m.opts.Backoff, logger, "deployment", func(ctx context.Context) error {
			_, err := m.cluster.EnsureDeployment(ctx, objs.Deployment.DeepCopy())
			return err
		}); err != nil {
			return "deployment", err
		}
		if err := retry(ctx, m.opts.Backoff, logger, "service", func(ctx context.Context) error {
			_, err := m.cluster.EnsureService(ctx, objs.Service.DeepCopy())
			return err
		}); err != nil {
			return "service", err
		}
		if err := retry(ctx, m.opts.Backoff, logger, "ingress", func(ctx context.Context) error {
			_, err := m.cluster.EnsureIngress(ctx, objs.Ingress.DeepCopy())
			return err
		}); err != nil {
			return "ingress", err
		}

		if _, err := m.store.SetAgentStatus(ctx, id, inFlight, models.AgentDeploying, ""); err != nil {
			return "status", err
		}
		m.trigger()

		graphID, apiURL, uiURL, err := m.opts.Endpoints.For(a.StackID, a.ID)
		if err != nil {
			return "render", err
		}
		graphPath, err := naming.GraphPath(m.opts.GraphsPrefix, a.StackID, a.ID, a.GraphSlug)
		if err != nil {
			return "registry", err
		}
		if m.registry != nil {
			if err := m.registry.Register(ctx, graphID, graphPath); err != nil {
				return "registry", err
			}
		}
		if err := m.store.SetAgentGraph(ctx, id, graphID); err != nil {
			return "status", err
		}

		if err := m.waitDeployment(ctx, st.Namespace, objs.Deployment.Name); err != nil {
			return "rollout", err
		}

		changed, err := m.store.SetAgentDeployment(ctx, id, []models.AgentStatus{models.AgentDeploying}, store.Deployment{
			GraphID: graphID,
			APIURL:  apiURL,
			UIURL:   uiURL,
		})
		if err != nil {
			return "status", err
		}
		if changed {
			m.metrics.RecordStatusChange(ctx, "agent", string(models.AgentRunning))
		}
		return "", nil
	}()

	if ctx.Err() != nil {
		logger.Info().Msg("deployment interrupted, leaving agent for recovery")
		return
	}
	m.metrics.RecordOperation(ctx, "agent", "deploy", result(err), time.Since(start))
	if err != nil {
		logger.Error().Err(err).Str("step", step).Msg("deployment failed")
		if _, serr := m.store.SetAgentStatus(ctx, id, failFrom, models.AgentFailed, reasonOf(step, err)); serr != nil {
			logger.Error().Err(serr).Msg("recording failure")
		}
		m.trigger()
		return
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("agent running")
	m.trigger()
}

func (m *AgentManager) waitDeployment(ctx context.Context, namespace, name string) error {
	var last kube.ResourceState
	err := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, m.opts.DeployTimeout, true, func(ctx context.Context) (bool, error) {
		state, err := m.cluster.GetStatus(ctx, kube.KindDeployment, namespace, name)
		if err != nil {
			if errdefs.IsTransient(err) {
				return false, nil
			}
			return false, err
		}
		last = state
		switch state.Phase {
		case kube.PhaseReady:
			return true, nil
		case kube.PhaseFailed:
			return false, fmt.Errorf("deployment %s failed: %s", name, state.Message)
		}
		return false, nil
	})
	if err != nil && wait.Interrupted(err) && ctx.Err() == nil {
		if last.Message != "" {
			return fmt.Errorf("%w: timed out waiting for deployment %s (%s)", errdefs.ErrTransient, name, last.Message)
		}
		return fmt.Errorf("%w: timed out waiting for deployment %s", errdefs.ErrTransient, name)
	}
	return err
}

// teardown is the background half of Delete.
func (m *AgentManager) teardown(ctx context.Context, id string) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			m.logger.Error().Err(err).Str("agent_id", id).Msg("loading agent")
		}
		return
	}
	st, err := m.store.GetStack(ctx, a.StackID)
	if err != nil {
		m.logger.Error().Err(err).Str("agent_id", id).Msg("loading stack")
		return
	}
	if err := m.deleteNow(ctx, *a, st); err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Str("agent_id", id).Msg("agent teardown failed")
	}
}

// deleteNow removes an agent synchronously: Ingress, Service, Deployment,
// graph entry, directory and row, in that order. It is used by the agent
// teardown and by the stack cascade. On failure the agent is left failed
// with its delete request recorded.
func (m *AgentManager) deleteNow(ctx context.Context, a models.Agent, st *models.Stack) error {
	if a.Status != models.AgentDeleting {
		if _, err := m.store.MarkAgentDeleting(ctx, a.ID, nil, a.CreatedBy); err != nil {
			return err
		}
		// The cascade runs outside the agent's own runner key, so stop any
		// deployment still holding the agent lock.
		select {
		case <-m.runner.Cancel(agentKey(a.ID)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.locks.LockKey(a.ID)
	defer func() { _ = m.locks.UnlockKey(a.ID) }()

	start := time.Now()
	logger := m.logger.With().Str("agent_id", a.ID).Str("operation", "teardown").Logger()

	step, err := func() (string, error) {
		name, err := naming.DeploymentNameFor(a.ID)
		if err != nil {
			return "render", err
		}
		for _, kind := range []kube.Kind{kube.KindIngress, kube.KindService, kube.KindDeployment} {
			err := retry(ctx, m.opts.Backoff, logger, string(kind), func(ctx context.Context) error {
				return m.cluster.Delete(ctx, kind, st.Namespace, name)
			})
			if err != nil {
				return string(kind), err
			}
		}
		graphID, err := naming.GraphIDFor(a.StackID, a.ID)
		if err != nil {
			return "registry", err
		}
		if m.registry != nil {
			if err := m.registry.Remove(ctx, graphID); err != nil {
				return "registry", err
			}
		}
		if err := m.fs.DeleteAgentDir(a.StackID, a.ID); err != nil {
			return "directory", err
		}
		if err := m.store.DeleteAgent(ctx, a.ID); err != nil {
			return "record", err
		}
		return "", nil
	}()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.metrics.RecordOperation(ctx, "agent", "delete", result(err), time.Since(start))
	if err != nil {
		if _, serr := m.store.SetAgentStatus(ctx, a.ID, []models.AgentStatus{models.AgentDeleting}, models.AgentFailed, reasonOf(step, err)); serr != nil {
			logger.Error().Err(serr).Msg("recording failure")
		}
		m.trigger()
		return fmt.Errorf("deleting agent %s (%s): %w", a.ID, step, err)
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("agent deleted")
	m.trigger()
	return nil
}
