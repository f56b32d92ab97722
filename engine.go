package marcus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/config"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/memory"
	"github.com/marcushq/marcus/project"
	"github.com/marcushq/marcus/provider"
)

// Engine is the assembled coordination server core. One engine serves many
// agents over whatever transport the host wires up.
type Engine struct {
	cfg      config.Config
	store    persist.Store
	events   *bus.Bus
	registry *project.Registry
	syncer   *project.Syncer
	leases   *LeaseManager
	subtasks *SubtaskManager
	sched    *Scheduler
	learner  *memory.Learner
	gridlock *GridlockDetector
	contexts *ContextStore
	inferer  *HybridInferer
	kanban   provider.KanbanProvider
	ai       provider.AIProvider
	logger   *slog.Logger
}

// NewEngine wires an engine from its backends.
func NewEngine(cfg config.Config, store persist.Store, kanban provider.KanbanProvider, ai provider.AIProvider, logger *slog.Logger) *Engine {
	var busOpts []bus.Option
	if cfg.Features.Events.Persistence {
		busOpts = append(busOpts, bus.WithStore(store))
	}
	busOpts = append(busOpts, bus.WithHistoryLimit(cfg.Features.Events.HistoryLimit))
	events := bus.New(logger, busOpts...)

	registry := project.NewRegistry(store, logger)
	syncer := project.NewSyncer(registry, store, kanban, cfg.Provider, logger)
	leases := NewLeaseManager(store, events, logger, LeaseConfig{
		TTL:         cfg.Lease.InitialTTL.Std(),
		MaxRenewals: cfg.Lease.MaxRenewals,
		MaxTotal:    cfg.Lease.MaxTotal.Std(),
	})
	subtasks := NewSubtaskManager(store, ai, logger, DecompositionConfig{
		MinHours:    cfg.Features.Decomposition.MinHours,
		MaxSubtasks: cfg.Features.Decomposition.MaxSubtasks,
		Timeout:     cfg.Timeouts.AI(),
	})
	learner := memory.NewLearner(store, logger, cfg.Features.Memory.MinSamples)
	gridlock := NewGridlockDetector(events, logger, GridlockConfig{
		Window:    cfg.Gridlock.Window.Std(),
		Threshold: cfg.Gridlock.Threshold,
		Cooldown:  cfg.Gridlock.Cooldown.Std(),
	})
	sched := NewScheduler(store, leases, subtasks, learner, gridlock, ai, events, logger, Weights{
		Priority: cfg.Scoring.Priority,
		Age:      cfg.Scoring.Age,
		Fit:      cfg.Scoring.Fit,
		Success:  cfg.Scoring.Success,
		Estimate: cfg.Scoring.Estimate,
	})
	contexts := NewContextStore(store, subtasks, events, logger, cfg.Features.Context.MaxDepth)
	inferer := NewHybridInferer(ai, logger, cfg.Timeouts.AIInfer())

	return &Engine{
		cfg:      cfg,
		store:    store,
		events:   events,
		registry: registry,
		syncer:   syncer,
		leases:   leases,
		subtasks: subtasks,
		sched:    sched,
		learner:  learner,
		gridlock: gridlock,
		contexts: contexts,
		inferer:  inferer,
		kanban:   kanban,
		ai:       ai,
		logger:   logger,
	}
}

// Events exposes the bus for hosts that want to subscribe.
func (e *Engine) Events() *bus.Bus { return e.events }

// Registry exposes the project registry.
func (e *Engine) Registry() *project.Registry { return e.registry }

// Startup restores persisted state and recovers leases left over from a
// previous run.
func (e *Engine) Startup(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	recovered, err := e.leases.Tick(ctx)
	if err != nil {
		return fmt.Errorf("recover stale leases: %w", err)
	}
	if len(recovered) > 0 {
		e.logger.Info("Recovered stale leases from previous run", "count", len(recovered))
	}
	return nil
}

// Run drives the background maintenance loop until the context ends, then
// closes the bus. Call after Startup.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Lease.Tick.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.events.Close()
			return ctx.Err()
		case <-ticker.C:
			e.maintain(ctx)
		}
	}
}

// maintain is one background pass: recover expired leases, invalidate agent
// profiles that stopped heartbeating, and expire old audit records.
func (e *Engine) maintain(ctx context.Context) {
	if _, err := e.leases.Tick(ctx); err != nil {
		e.logger.Error("Lease monitor tick failed", "error", err)
	}
	e.expireIdleAgents(ctx)
	if retention := e.cfg.Retention.Std(); retention > 0 {
		cutoff := time.Now().Add(-retention)
		for _, collection := range []string{persist.CollectionEvents, persist.CollectionAssignments} {
			n, err := e.store.Cleanup(ctx, collection, cutoff)
			if err != nil {
				e.logger.Warn("Retention cleanup failed", "collection", collection, "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("Expired old records", "collection", collection, "removed", n)
			}
		}
	}
}

// expireIdleAgents drops agent profiles with no heartbeat inside the idle
// TTL. Their leases, if any, expire through the normal recovery path.
func (e *Engine) expireIdleAgents(ctx context.Context) {
	ttl := e.cfg.AgentIdleTTL.Std()
	if ttl <= 0 {
		return
	}
	recs, err := e.store.Query(ctx, persist.CollectionAgents, nil, 0, 0)
	if err != nil {
		e.logger.Warn("Agent profile sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-ttl)
	for _, agent := range persist.DecodeAll[board.AgentProfile](recs) {
		if agent.LastSeen.After(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, persist.CollectionAgents, agent.AgentID); err != nil {
			e.logger.Warn("Failed to expire agent profile", "agent_id", agent.AgentID, "error", err)
			continue
		}
		e.logger.Info("Agent profile expired after idle TTL", "agent_id", agent.AgentID)
	}
}

// RegisterAgent records an agent profile. A duplicate agent_id is rejected
// while the existing profile is fresh; once the previous incarnation has
// been silent past the idle TTL, registration takes the id over, releasing
// any leases it still holds and returning those tasks to the pool.
func (e *Engine) RegisterAgent(ctx context.Context, profile board.AgentProfile) (board.AgentProfile, error) {
	if profile.AgentID == "" || profile.Role == "" {
		return profile, Errorf(KindInvalidInput, "agent registration needs agent_id and role")
	}
	var existing board.AgentProfile
	err := e.store.Retrieve(ctx, persist.CollectionAgents, profile.AgentID, &existing)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return profile, classify(err, "read agent profile")
	}
	if err == nil {
		if ttl := e.cfg.AgentIdleTTL.Std(); ttl <= 0 || time.Since(existing.LastSeen) < ttl {
			return profile, Errorf(KindAlreadyRegistered, "agent %s is already registered", profile.AgentID).
				WithDetail("agent_id", profile.AgentID)
		}
	}
	dropped, err := e.leases.ReleaseAgent(ctx, profile.AgentID)
	if err != nil {
		return profile, err
	}
	for _, lease := range dropped {
		e.returnToPool(ctx, lease.TaskID)
		e.logger.Info("Released lease held by silent predecessor", "agent_id", profile.AgentID, "task_id", lease.TaskID)
	}
	profile.LastSeen = time.Now()
	if rate, samples, err := e.learner.SuccessRate(ctx, profile.AgentID); err == nil && samples > 0 {
		profile.SuccessRate = rate
	}
	if err := e.store.Store(ctx, persist.CollectionAgents, profile.AgentID, profile); err != nil {
		return profile, classify(err, "persist agent profile")
	}
	return profile, nil
}

// returnToPool flips a task (or subtask) back to todo after a lease drop.
func (e *Engine) returnToPool(ctx context.Context, taskID string) {
	var task board.Task
	if err := e.store.Retrieve(ctx, persist.CollectionTasks, taskID, &task); err == nil {
		task.AssignedTo = ""
		task.Transition(board.StatusTodo, "engine", "lease released")
		if err := e.store.Store(ctx, persist.CollectionTasks, taskID, task); err != nil {
			e.logger.Error("Failed to return task to pool", "task_id", taskID, "error", err)
		}
		return
	}
	var st board.Subtask
	if err := e.store.Retrieve(ctx, persist.CollectionSubtasks, taskID, &st); err == nil {
		st.AssignedTo = ""
		st.Transition(board.StatusTodo, "engine", "lease released")
		if err := e.store.Store(ctx, persist.CollectionSubtasks, taskID, st); err != nil {
			e.logger.Error("Failed to return subtask to pool", "task_id", taskID, "error", err)
		}
	}
}

// RequestNextTask resolves the agent and active project and delegates to the
// scheduler. When decomposition is enabled, oversized candidates are broken
// down before assignment.
func (e *Engine) RequestNextTask(ctx context.Context, agentID string) (*Assignment, error) {
	agent, err := e.sched.LoadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	active, err := e.registry.Active(ctx)
	if errors.Is(err, project.ErrNoProjects) {
		return nil, Errorf(KindNotFound, "no active project")
	}
	if err != nil {
		return nil, classify(err, "load active project")
	}

	if e.cfg.Features.Decomposition.Enabled {
		if err := e.decomposePending(ctx, active.ID); err != nil {
			e.logger.Warn("Decomposition pass failed, assigning tasks whole", "error", err)
		}
	}

	agent.LastSeen = time.Now()
	if err := e.store.Store(ctx, persist.CollectionAgents, agent.AgentID, agent); err != nil {
		e.logger.Warn("Failed to record agent heartbeat", "agent_id", agentID, "error", err)
	}

	asn, err := e.sched.RequestNextTask(ctx, agent, active.ID)
	if err != nil {
		return nil, err
	}
	if asn == nil {
		tasks, terr := e.sched.ProjectTasks(ctx, active.ID)
		if terr == nil {
			e.gridlock.Check(ctx, tasks)
		}
		return nil, nil
	}
	if e.cfg.Features.Context.Enabled {
		if tc, cerr := e.contexts.GetTaskContext(ctx, asn.TaskID); cerr == nil {
			asn.Context = &tc
		} else {
			e.logger.Warn("Context materialization failed", "task_id", asn.TaskID, "error", cerr)
		}
	}
	return asn, nil
}

// decomposePending breaks down qualifying todo tasks that have no subtasks
// yet. One pass handles at most one task so a pull is never delayed by a
// burst of AI calls.
func (e *Engine) decomposePending(ctx context.Context, projectID string) error {
	tasks, err := e.sched.ProjectTasks(ctx, projectID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Status != board.StatusTodo || t.AssignedTo != "" || !e.subtasks.ShouldDecompose(t) {
			continue
		}
		existing, err := e.subtasks.Subtasks(ctx, t.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := e.subtasks.Decompose(ctx, t); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// ProgressReport is one report_task_progress call.
type ProgressReport struct {
	AgentID     string  `json:"agent_id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"` // in_progress, completed, blocked
	Percent     int     `json:"percent,omitempty"`
	ActualHours float64 `json:"actual_hours,omitempty"`
	Note        string  `json:"note,omitempty"`
}

// ReportProgress handles agent progress: renewing the lease on in_progress,
// completing on completed, parking on blocked. The legacy tag "done" is an
// alias for completed. Reporting completion on an already-done task succeeds
// without effect.
func (e *Engine) ReportProgress(ctx context.Context, report ProgressReport) error {
	switch report.Status {
	case "in_progress":
		_, err := e.leases.Renew(ctx, report.TaskID, report.AgentID)
		return err
	case "completed", "done":
		return e.complete(ctx, report)
	case "blocked":
		return e.block(ctx, report.AgentID, report.TaskID, report.Note, "")
	default:
		return Errorf(KindInvalidInput, "unknown progress status %q", report.Status)
	}
}

func (e *Engine) complete(ctx context.Context, report ProgressReport) error {
	// Duplicate completion is a no-op: the first report already released
	// the lease and moved the task.
	if task, st, err := e.loadEither(ctx, report.TaskID); err == nil {
		done := task != nil && task.Status == board.StatusDone ||
			st != nil && st.Status == board.StatusDone
		if done {
			return nil
		}
	}

	if _, err := e.leases.Verify(ctx, report.TaskID, report.AgentID); err != nil {
		return err
	}

	task, st, err := e.loadEither(ctx, report.TaskID)
	if err != nil {
		return err
	}

	var labels []string
	var estimated float64
	var completedParent string
	switch {
	case st != nil:
		labels, estimated = st.Labels, st.EstimatedHours
		parentDone, err := e.subtasks.OnSubtaskDone(ctx, *st, report.ActualHours)
		if err != nil {
			return err
		}
		if parentDone {
			completedParent = st.ParentTaskID
		}
	case task != nil:
		labels, estimated = task.Labels, task.EstimatedHours
		task.ActualHours = report.ActualHours
		task.Transition(board.StatusDone, report.AgentID, report.Note)
		if err := e.store.Store(ctx, persist.CollectionTasks, task.ID, *task); err != nil {
			return classify(err, "persist completed task")
		}
		e.pushBoardStatus(ctx, task, string(board.StatusDone))
	}

	if err := e.leases.Release(ctx, report.TaskID, report.AgentID); err != nil {
		return err
	}
	if e.cfg.Features.Memory.Enabled {
		outcome := board.Outcome{
			AgentID:        report.AgentID,
			TaskID:         report.TaskID,
			Labels:         labels,
			Success:        true,
			EstimatedHours: estimated,
			ActualHours:    report.ActualHours,
		}
		if err := e.learner.Record(ctx, outcome); err != nil {
			e.logger.Warn("Failed to record outcome", "task_id", report.TaskID, "error", err)
		}
	}
	e.events.Publish(ctx, bus.Event{
		Type:   bus.TypeTaskCompleted,
		Source: "engine",
		Data:   map[string]any{"task_id": report.TaskID, "agent_id": report.AgentID},
	}, false)

	// The last subtask rolled its parent up to done; announce the parent
	// after the subtask and mirror it to the board.
	if completedParent != "" {
		var parent board.Task
		if err := e.store.Retrieve(ctx, persist.CollectionTasks, completedParent, &parent); err == nil {
			e.pushBoardStatus(ctx, &parent, string(board.StatusDone))
			e.events.Publish(ctx, bus.Event{
				Type:   bus.TypeTaskCompleted,
				Source: "engine",
				Data:   map[string]any{"task_id": parent.ID, "agent_id": report.AgentID, "rollup": true},
			}, false)
		}
	}
	return nil
}

// BlockerReport is one report_blocker call.
type BlockerReport struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// ReportBlocker parks a task as blocked, releases the lease, and records a
// failed outcome for the learner.
func (e *Engine) ReportBlocker(ctx context.Context, report BlockerReport) error {
	if report.Description == "" {
		return Errorf(KindInvalidInput, "blocker needs a description")
	}
	return e.block(ctx, report.AgentID, report.TaskID, report.Description, report.Severity)
}

func (e *Engine) block(ctx context.Context, agentID, taskID, description, severity string) error {
	if _, err := e.leases.Verify(ctx, taskID, agentID); err != nil {
		return err
	}
	task, st, err := e.loadEither(ctx, taskID)
	if err != nil {
		return err
	}

	var labels []string
	var estimated float64
	switch {
	case st != nil:
		labels, estimated = st.Labels, st.EstimatedHours
		st.Transition(board.StatusBlocked, agentID, description)
		if err := e.store.Store(ctx, persist.CollectionSubtasks, st.ID, *st); err != nil {
			return classify(err, "persist blocked subtask")
		}
	case task != nil:
		labels, estimated = task.Labels, task.EstimatedHours
		task.Transition(board.StatusBlocked, agentID, description)
		if err := e.store.Store(ctx, persist.CollectionTasks, task.ID, *task); err != nil {
			return classify(err, "persist blocked task")
		}
		e.pushBoardStatus(ctx, task, string(board.StatusBlocked))
	}

	if err := e.leases.Release(ctx, taskID, agentID); err != nil {
		return err
	}
	if e.cfg.Features.Memory.Enabled {
		outcome := board.Outcome{
			AgentID:        agentID,
			TaskID:         taskID,
			Labels:         labels,
			Success:        false,
			EstimatedHours: estimated,
			BlockerKinds:   []string{severity},
		}
		if severity == "" {
			outcome.BlockerKinds = nil
		}
		if err := e.learner.Record(ctx, outcome); err != nil {
			e.logger.Warn("Failed to record outcome", "task_id", taskID, "error", err)
		}
	}
	e.events.Publish(ctx, bus.Event{
		Type:   bus.TypeTaskBlocked,
		Source: "engine",
		Data:   map[string]any{"task_id": taskID, "agent_id": agentID, "description": description},
	}, false)
	return nil
}

// loadEither fetches taskID from tasks, then subtasks. Exactly one of the
// returns is non-nil on success.
func (e *Engine) loadEither(ctx context.Context, taskID string) (*board.Task, *board.Subtask, error) {
	var task board.Task
	err := e.store.Retrieve(ctx, persist.CollectionTasks, taskID, &task)
	if err == nil {
		return &task, nil, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return nil, nil, classify(err, "read task")
	}
	var st board.Subtask
	err = e.store.Retrieve(ctx, persist.CollectionSubtasks, taskID, &st)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, nil, Errorf(KindUnknownTask, "task %s does not exist", taskID).
			WithDetail("task_id", taskID)
	}
	if err != nil {
		return nil, nil, classify(err, "read subtask")
	}
	return nil, &st, nil
}

// pushBoardStatus mirrors a status change to the kanban provider. Board
// failures are logged, never surfaced: the local store is authoritative.
func (e *Engine) pushBoardStatus(ctx context.Context, task *board.Task, status string) {
	if e.kanban == nil {
		return
	}
	cfg, err := e.registry.Get(ctx, task.ProjectID)
	if err != nil {
		return
	}
	remoteKey := cfg.ProviderConfig["remote_key"]
	if remoteKey == "" {
		return
	}
	boardCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Board())
	defer cancel()
	if err := e.kanban.UpdateTask(boardCtx, remoteKey, task.ID, provider.TaskUpdate{Status: &status}); err != nil {
		e.logger.Warn("Board status push failed", "task_id", task.ID, "error", err)
	}
}

// TaskInput describes one task to create with a project.
type TaskInput struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"` // names of other inputs
	EstimatedHours float64  `json:"estimated_hours,omitempty"`
}

// CreateProjectResult reports what create_project produced.
type CreateProjectResult struct {
	Project  board.ProjectConfig `json:"project"`
	Tasks    []board.Task        `json:"tasks"`
	Warnings []string            `json:"warnings,omitempty"`
}

// CreateProject registers a project, builds its task set, infers missing
// dependencies, repairs the graph, and makes the project active. Explicit
// task inputs win; without them the description is decomposed by the AI
// backend into an initial plan.
func (e *Engine) CreateProject(ctx context.Context, name, description string, inputs []TaskInput) (CreateProjectResult, error) {
	var result CreateProjectResult
	if name == "" {
		return result, Errorf(KindInvalidInput, "project name is required")
	}

	if len(inputs) == 0 {
		planned, err := e.planFromDescription(ctx, name, description)
		if err != nil {
			return result, err
		}
		inputs = planned
	}

	cfg, err := e.registry.Add(ctx, board.ProjectConfig{Name: name, Provider: e.cfg.Provider})
	if err != nil {
		return result, classify(err, "register project")
	}
	result.Project = cfg

	now := time.Now()
	idByName := make(map[string]string, len(inputs))
	tasks := make([]board.Task, 0, len(inputs))
	for _, in := range inputs {
		if in.Name == "" {
			return result, Errorf(KindInvalidInput, "every task needs a name")
		}
		if _, dup := idByName[in.Name]; dup {
			return result, Errorf(KindInvalidInput, "duplicate task name %q", in.Name)
		}
		prio := board.Priority(in.Priority)
		if prio == "" {
			prio = board.PriorityMedium
		} else if !lo.Contains([]board.Priority{board.PriorityLow, board.PriorityMedium, board.PriorityHigh, board.PriorityUrgent}, prio) {
			return result, Errorf(KindInvalidInput, "unknown priority %q", in.Priority)
		}
		t := board.Task{
			ID:             uuid.New().String(),
			Name:           in.Name,
			Description:    in.Description,
			Status:         board.StatusTodo,
			Priority:       prio,
			Labels:         in.Labels,
			EstimatedHours: in.EstimatedHours,
			ProjectID:      cfg.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		idByName[in.Name] = t.ID
		tasks = append(tasks, t)
	}
	for i, in := range inputs {
		for _, depName := range in.DependsOn {
			depID, ok := idByName[depName]
			if !ok {
				return result, Errorf(KindInvalidInput, "task %q depends on unknown task %q", in.Name, depName)
			}
			tasks[i].AddDependency(depID)
		}
	}

	for _, edge := range e.inferer.Infer(ctx, tasks) {
		for i := range tasks {
			if tasks[i].ID == edge.FromID {
				tasks[i].AddDependency(edge.ToID)
			}
		}
	}

	repaired, warnings, err := board.Validate(tasks)
	if err != nil {
		return result, classify(err, "validate task graph")
	}
	result.Warnings = warnings
	for _, w := range warnings {
		e.logger.Warn("Task graph repaired", "project_id", cfg.ID, "warning", w)
	}

	for _, t := range repaired {
		if err := e.store.Store(ctx, persist.CollectionTasks, t.ID, t); err != nil {
			return result, classify(err, "persist task")
		}
	}
	result.Tasks = repaired

	if _, err := e.registry.Select(ctx, cfg.ID); err != nil {
		return result, classify(err, "activate project")
	}
	e.events.Publish(ctx, bus.Event{
		Type:   bus.TypeProjectSelected,
		Source: "engine",
		Data:   map[string]any{"project_id": cfg.ID, "name": cfg.Name, "created": true},
	}, false)
	return result, nil
}

// planFromDescription turns a free-form project description into task inputs
// via the AI backend.
func (e *Engine) planFromDescription(ctx context.Context, name, description string) ([]TaskInput, error) {
	if e.ai == nil || description == "" {
		return nil, Errorf(KindInvalidInput, "create_project needs tasks or a description to plan from")
	}
	aiCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.AI())
	defer cancel()
	dec, err := e.ai.Decompose(aiCtx, name, description, 0)
	if err != nil {
		return nil, Errorf(KindAIUnavailable, "plan project %q", name).Wrap(err)
	}
	inputs := make([]TaskInput, 0, len(dec.Subtasks))
	for _, st := range dec.Subtasks {
		in := TaskInput{
			Name:           st.Name,
			Description:    st.Description,
			EstimatedHours: st.EstimatedHours,
		}
		for _, dep := range st.Dependencies {
			if dep >= 0 && dep < len(dec.Subtasks) {
				in.DependsOn = append(in.DependsOn, dec.Subtasks[dep].Name)
			}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// SelectProject switches the active project by id or name.
func (e *Engine) SelectProject(ctx context.Context, idOrName string) (board.ProjectConfig, error) {
	if idOrName == "" {
		return board.ProjectConfig{}, Errorf(KindInvalidInput, "select_project needs a project id or name")
	}
	cfg, err := e.registry.Select(ctx, idOrName)
	if err != nil {
		if KindOf(err) != KindNotFound {
			return cfg, classify(err, "select project")
		}
		cfg, err = e.registry.SelectByName(ctx, idOrName)
		if err != nil {
			return cfg, classify(err, "select project")
		}
	}
	e.events.Publish(ctx, bus.Event{
		Type:   bus.TypeProjectSelected,
		Source: "engine",
		Data:   map[string]any{"project_id": cfg.ID, "name": cfg.Name},
	}, false)
	return cfg, nil
}

// Health is the diagnose snapshot. Status summarizes the pipeline: "stable",
// "accumulating" when blocked tasks pile up, "stalled" when gridlocked.
type Health struct {
	ActiveProject string         `json:"active_project,omitempty"`
	Status        string         `json:"status"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
	BlockedRatio  float64        `json:"blocked_ratio"`
	ActiveLeases  int            `json:"active_leases"`
	EventLog      struct {
		Degraded bool `json:"degraded"`
		Recent   int  `json:"recent"`
	} `json:"event_log"`
	Gridlock Diagnosis `json:"gridlock"`
}

// Diagnose reports coordination health for the active project.
func (e *Engine) Diagnose(ctx context.Context) (Health, error) {
	var h Health
	h.Status = "stable"
	h.TasksByStatus = make(map[string]int)

	active, err := e.registry.Active(ctx)
	if err != nil && !errors.Is(err, project.ErrNoProjects) {
		return h, classify(err, "load active project")
	}
	if err == nil {
		h.ActiveProject = active.ID
		tasks, err := e.sched.ProjectTasks(ctx, active.ID)
		if err != nil {
			return h, err
		}
		for _, t := range tasks {
			h.TasksByStatus[string(t.Status)]++
		}
		h.Gridlock = e.gridlock.Check(ctx, tasks)
		open := len(tasks) - h.TasksByStatus[string(board.StatusDone)]
		if open > 0 {
			h.BlockedRatio = float64(h.TasksByStatus[string(board.StatusBlocked)]) / float64(open)
		}
		switch {
		case h.Gridlock.Detected:
			h.Status = "stalled"
		case h.BlockedRatio >= 0.5:
			h.Status = "accumulating"
		}
	}

	recs, err := e.store.Query(ctx, persist.CollectionLeases, nil, 0, 0)
	if err != nil {
		return h, classify(err, "query leases")
	}
	for _, lease := range persist.DecodeAll[board.Lease](recs) {
		if lease.Status.Live() {
			h.ActiveLeases++
		}
	}
	h.EventLog.Degraded = e.events.Degraded()
	h.EventLog.Recent = len(e.events.History(0))
	return h, nil
}

// ContextStore exposes the context operations for the tool surface.
func (e *Engine) ContextStore() *ContextStore { return e.contexts }

// Syncer exposes provider synchronization for the tool surface and CLI.
func (e *Engine) Syncer() *project.Syncer { return e.syncer }
