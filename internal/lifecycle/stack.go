package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/keymutex"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/fsstore"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/naming"
	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
	"github.com/agentplatform/stack-agent-manager/internal/validation"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

// CreateStackInput is the request to create a stack.
type CreateStackInput struct {
	Name        string
	Description *string
}

// UpdateStackInput changes stack metadata. Nil fields are kept.
type UpdateStackInput struct {
	Name        *string
	Description *string
}

// StackDetail is a stack with its agents.
type StackDetail struct {
	models.Stack
	Agents []models.Agent
}

// StackManager creates, updates and tears down stacks.
type StackManager struct {
	store   *store.Store
	fs      *fsstore.Store
	cluster Cluster
	agents  *AgentManager
	runner  *Runner
	locks   keymutex.KeyMutex
	opts    Options
	metrics *telemetry.Metrics
	notify  Notifier
	logger  zerolog.Logger
}

// NewStackManager returns a StackManager. agents is used to cascade stack
// deletion.
func NewStackManager(st *store.Store, fs *fsstore.Store, cluster Cluster, agents *AgentManager, runner *Runner, opts Options, metrics *telemetry.Metrics, logger zerolog.Logger) *StackManager {
	return &StackManager{
		store:   st,
		fs:      fs,
		cluster: cluster,
		agents:  agents,
		runner:  runner,
		locks:   keymutex.NewHashed(0),
		opts:    opts.withDefaults(),
		metrics: metrics,
		logger:  logger.With().Str("component", "stack-manager").Logger(),
	}
}

// SetNotifier registers the component told about state transitions.
func (m *StackManager) SetNotifier(n Notifier) { m.notify = n }

func (m *StackManager) trigger() {
	if m.notify != nil {
		m.notify.Trigger()
	}
}

// Create records a new stack in creating state and starts provisioning.
func (m *StackManager) Create(ctx context.Context, in CreateStackInput, actor string) (*models.Stack, error) {
	name, err := validation.ValidateDisplayName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDescription(in.Description); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	namespace, err := naming.NamespaceFor(id)
	if err != nil {
		return nil, err
	}
	st := &models.Stack{
		ID:          id,
		Name:        name,
		Description: in.Description,
		Namespace:   namespace,
		Status:      models.StackCreating,
		CreatedBy:   actor,
	}
	if err := m.store.CreateStack(ctx, st); err != nil {
		return nil, err
	}

	m.logger.Info().Str("stack_id", id).Str("namespace", namespace).Str("actor", actor).Msg("stack created")
	m.runner.Go(stackKey(id), "provision", func(ctx context.Context) { m.provision(ctx, id) })
	m.trigger()
	return st, nil
}

// Get returns a stack and its agents. Stacks of other users are not found.
func (m *StackManager) Get(ctx context.Context, id, actor string) (*StackDetail, error) {
	st, err := m.owned(ctx, id, actor, "")
	if err != nil {
		return nil, err
	}
	agents, err := m.store.ListAgentsByStack(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StackDetail{Stack: *st, Agents: agents}, nil
}

// List returns the actor's stacks.
func (m *StackManager) List(ctx context.Context, actor, search string, page, limit int) ([]models.StackWithCount, int, error) {
	return m.store.ListStacks(ctx, store.ListStacksParams{
		Owner:  actor,
		Search: search,
		Page:   page,
		Limit:  limit,
	})
}

// Update changes name and description. Status is never touched.
func (m *StackManager) Update(ctx context.Context, id string, in UpdateStackInput, actor string) (*models.Stack, error) {
	st, err := m.owned(ctx, id, actor, "update")
	if err != nil {
		return nil, err
	}
	if st.Status == models.StackDeleting {
		return nil, errdefs.Conflictf("stack %s is being deleted", id)
	}

	params := store.UpdateStackParams{UpdatedBy: actor, Description: in.Description}
	if in.Name != nil {
		name, err := validation.ValidateDisplayName(*in.Name)
		if err != nil {
			return nil, err
		}
		params.Name = &name
	}
	if err := validation.ValidateDescription(in.Description); err != nil {
		return nil, err
	}
	return m.store.UpdateStackMeta(ctx, id, params)
}

// Delete marks the stack deleting and starts the teardown of its agents,
// namespace and directory. A running provisioning is cancelled. Deleting a
// stack that is already deleting restarts its teardown if none is running.
func (m *StackManager) Delete(ctx context.Context, id, actor string) (*models.Stack, error) {
	st, err := m.owned(ctx, id, actor, "delete")
	if err != nil {
		return nil, err
	}
	if st.Status == models.StackDeleting {
		// Restarts a teardown that failed and is waiting for recovery.
		if m.Resume(ctx, *st) {
			return m.current(ctx, st), nil
		}
		return st, nil
	}
	changed, err := m.store.MarkStackDeleting(ctx, id,
		[]models.StackStatus{models.StackCreating, models.StackReady, models.StackFailed}, actor)
	if err != nil {
		return nil, err
	}
	// Read before starting the teardown, which removes the row when done.
	deleting, err := m.store.GetStack(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		m.runner.Replace(stackKey(id), "teardown", func(ctx context.Context) { m.teardown(ctx, id) })
		m.trigger()
	}
	return deleting, nil
}

// Retry re-runs the failed operation of a stack: teardown when a delete was
// requested, provisioning otherwise.
func (m *StackManager) Retry(ctx context.Context, id, actor string) (*models.Stack, error) {
	st, err := m.owned(ctx, id, actor, "retry")
	if err != nil {
		return nil, err
	}
	if st.Status != models.StackFailed {
		return nil, errdefs.Conflictf("stack %s is %s, only failed stacks can be retried", id, st.Status)
	}
	if m.runner.InFlight(stackKey(id)) || !m.resume(ctx, *st) {
		return nil, errdefs.Conflictf("stack %s has an operation in progress", id)
	}
	return m.current(ctx, st), nil
}

// current rereads a stack after starting an operation on it. A teardown may
// already have removed the row, in which case the stack is reported deleting.
func (m *StackManager) current(ctx context.Context, st *models.Stack) *models.Stack {
	fresh, err := m.store.GetStack(ctx, st.ID)
	if err != nil {
		gone := *st
		gone.Status = models.StackDeleting
		return &gone
	}
	return fresh
}

// Resume restarts the pending operation of a stack found in a transitional
// state, typically after a restart. It reports whether an operation started.
func (m *StackManager) Resume(ctx context.Context, st models.Stack) bool {
	if m.runner.InFlight(stackKey(st.ID)) {
		return false
	}
	return m.resume(ctx, st)
}

func (m *StackManager) resume(ctx context.Context, st models.Stack) bool {
	key := stackKey(st.ID)
	switch {
	case st.Status == models.StackDeleting:
		return m.start(key, "teardown", st.ID, m.teardown)
	case st.DeleteRequestedAt != nil:
		changed, err := m.store.MarkStackDeleting(ctx, st.ID, []models.StackStatus{models.StackFailed}, st.CreatedBy)
		if err != nil || !changed {
			return false
		}
		return m.start(key, "teardown", st.ID, m.teardown)
	case st.Status == models.StackCreating:
		return m.start(key, "provision", st.ID, m.provision)
	case st.Status == models.StackFailed:
		changed, err := m.store.SetStackStatus(ctx, st.ID, []models.StackStatus{models.StackFailed}, models.StackCreating, "")
		if err != nil || !changed {
			return false
		}
		return m.start(key, "provision", st.ID, m.provision)
	}
	return false
}

func (m *StackManager) start(key, name, id string, fn func(context.Context, string)) bool {
	started := m.runner.Go(key, name, func(ctx context.Context) { fn(ctx, id) })
	if started {
		m.trigger()
	}
	return started
}

// owned loads a stack and checks that actor created it. Reads of foreign
// stacks look like missing stacks; mutations are forbidden with verb.
func (m *StackManager) owned(ctx context.Context, id, actor, verb string) (*models.Stack, error) {
	st, err := m.store.GetStack(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.CreatedBy != actor {
		if verb == "" {
			return nil, errdefs.NotFoundf("stack %s not found", id)
		}
		return nil, forbidden(verb, "stack")
	}
	return st, nil
}

// provision creates the directory and namespace of a stack and waits for the
// namespace. On failure whatever this attempt created is removed.
func (m *StackManager) provision(ctx context.Context, id string) {
	m.locks.LockKey(id)
	defer func() { _ = m.locks.UnlockKey(id) }()

	start := time.Now()
	logger := m.logger.With().Str("stack_id", id).Str("operation", "provision").Logger()

	st, err := m.store.GetStack(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("loading stack")
		return
	}
	if st.Status != models.StackCreating {
		logger.Debug().Str("status", string(st.Status)).Msg("stack no longer creating, skipping")
		return
	}

	var createdDir, createdNamespace bool
	step, err := func() (string, error) {
		if _, err := m.fs.CreateStackDir(id); err != nil {
			return "directory", err
		}
		createdDir = true

		err := retry(ctx, m.opts.Backoff, logger, "namespace", func(ctx context.Context) error {
			res, err := m.cluster.EnsureNamespace(ctx, st.Namespace, naming.StackLabels(id))
			if res == controllerutil.OperationResultCreated {
				createdNamespace = true
			}
			return err
		})
		if err != nil {
			return "namespace", err
		}

		if m.opts.StackDatabase {
			err := retry(ctx, m.opts.Backoff, logger, "database", func(ctx context.Context) error {
				return m.cluster.EnsureStackDatabase(ctx, id, st.Namespace)
			})
			if err != nil {
				return "database", err
			}
		}

		if err := m.waitNamespace(ctx, st.Namespace, kube.PhaseReady); err != nil {
			return "namespace", err
		}
		return "", nil
	}()

	if ctx.Err() != nil {
		logger.Info().Msg("provisioning interrupted, leaving stack for recovery")
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("step", step).Msg("provisioning failed, rolling back")
		m.rollback(logger, st, createdDir, createdNamespace)
		if _, serr := m.store.SetStackStatus(ctx, id, []models.StackStatus{models.StackCreating}, models.StackFailed, reasonOf(step, err)); serr != nil {
			logger.Error().Err(serr).Msg("recording failure")
		}
		m.metrics.RecordOperation(ctx, "stack", "create", result(err), time.Since(start))
		m.trigger()
		return
	}

	changed, err := m.store.SetStackStatus(ctx, id, []models.StackStatus{models.StackCreating}, models.StackReady, "")
	if err != nil {
		logger.Error().Err(err).Msg("recording ready status")
	}
	if changed {
		m.metrics.RecordStatusChange(ctx, "stack", string(models.StackReady))
	}
	m.metrics.RecordOperation(ctx, "stack", "create", result(err), time.Since(start))
	logger.Info().Dur("elapsed", time.Since(start)).Msg("stack ready")
	m.trigger()
}

func (m *StackManager) rollback(logger zerolog.Logger, st *models.Stack, dir, namespace bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.NamespaceTimeout)
	defer cancel()
	if namespace {
		if err := m.cluster.Delete(ctx, kube.KindNamespace, "", st.Namespace); err != nil {
			logger.Warn().Err(err).Msg("rollback: deleting namespace")
		}
	}
	if dir {
		if err := m.fs.DeleteStackDir(st.ID); err != nil {
			logger.Warn().Err(err).Msg("rollback: removing stack directory")
		}
	}
}

// teardown deletes every agent of the stack, then the namespace, the
// directory and finally the row. On failure the stack stays deleting with
// the failure as its reason, and the recoverer retries it.
func (m *StackManager) teardown(ctx context.Context, id string) {
	m.locks.LockKey(id)
	defer func() { _ = m.locks.UnlockKey(id) }()

	start := time.Now()
	logger := m.logger.With().Str("stack_id", id).Str("operation", "teardown").Logger()

	st, err := m.store.GetStack(ctx, id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("loading stack")
		}
		return
	}
	if st.Status != models.StackDeleting {
		logger.Debug().Str("status", string(st.Status)).Msg("stack no longer deleting, skipping")
		return
	}

	step, err := func() (string, error) {
		agents, err := m.store.ListAgentsByStack(ctx, id)
		if err != nil {
			return "agents", err
		}
		for _, a := range agents {
			release, err := m.runner.Hold(ctx, agentKey(a.ID))
			if err != nil {
				return "agent " + a.ID, err
			}
			err = m.agents.deleteNow(ctx, a, st)
			release()
			if err != nil {
				return "agent " + a.ID, err
			}
		}

		err = retry(ctx, m.opts.Backoff, logger, "namespace", func(ctx context.Context) error {
			return m.cluster.Delete(ctx, kube.KindNamespace, "", st.Namespace)
		})
		if err != nil {
			return "namespace", err
		}
		if err := m.waitNamespace(ctx, st.Namespace, kube.PhaseNotFound); err != nil {
			return "namespace", err
		}
		if err := m.fs.DeleteStackDir(id); err != nil {
			return "directory", err
		}
		if err := m.store.DeleteStack(ctx, id); err != nil {
			return "record", err
		}
		return "", nil
	}()

	if ctx.Err() != nil {
		logger.Info().Msg("teardown interrupted, leaving stack for recovery")
		return
	}
	m.metrics.RecordOperation(ctx, "stack", "delete", result(err), time.Since(start))
	if err != nil {
		logger.Error().Err(err).Str("step", step).Msg("teardown failed, stack stays deleting")
		if _, serr := m.store.SetStackStatus(ctx, id, []models.StackStatus{models.StackDeleting}, models.StackDeleting, reasonOf(step, err)); serr != nil {
			logger.Error().Err(serr).Msg("recording failure")
		}
		m.trigger()
		return
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("stack deleted")
	m.trigger()
}

// waitNamespace polls the namespace until it reaches want or the namespace
// timeout passes.
func (m *StackManager) waitNamespace(ctx context.Context, name string, want kube.Phase) error {
	var last kube.ResourceState
	err := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, m.opts.NamespaceTimeout, true, func(ctx context.Context) (bool, error) {
		state, err := m.cluster.GetStatus(ctx, kube.KindNamespace, "", name)
		if err != nil {
			if errdefs.IsTransient(err) {
				return false, nil
			}
			return false, err
		}
		last = state
		return state.Phase == want, nil
	})
	if err != nil && wait.Interrupted(err) && ctx.Err() == nil {
		return fmt.Errorf("%w: timed out waiting for namespace %s to become %s (last %s)",
			errdefs.ErrTransient, name, want, last.Phase)
	}
	return err
}
