package marcus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/persist"
)

// defaultContextDepth bounds dependency traversal when materializing a task
// context. Anything deeper than three hops is noise to an agent.
const defaultContextDepth = 3

// ContextStore materializes per-task working context on demand and records
// the decisions and artifacts agents report. Contexts are never persisted;
// they are recomputed from the board every call.
type ContextStore struct {
	store    persist.Store
	subtasks *SubtaskManager
	events   *bus.Bus
	logger   *slog.Logger
	maxDepth int
}

// NewContextStore creates a context store.
func NewContextStore(store persist.Store, subtasks *SubtaskManager, events *bus.Bus, logger *slog.Logger, maxDepth int) *ContextStore {
	if maxDepth <= 0 {
		maxDepth = defaultContextDepth
	}
	return &ContextStore{store: store, subtasks: subtasks, events: events, logger: logger, maxDepth: maxDepth}
}

// LogDecision records a decision an agent made while holding a task.
func (c *ContextStore) LogDecision(ctx context.Context, d board.Decision) (board.Decision, error) {
	if d.TaskID == "" || d.Summary == "" {
		return d, Errorf(KindInvalidInput, "decision needs task_id and summary")
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	if err := c.store.Store(ctx, persist.CollectionDecisions, d.ID, d); err != nil {
		return d, classify(err, "persist decision")
	}
	c.events.Publish(ctx, bus.Event{
		Type:   bus.TypeDecisionLogged,
		Source: "context",
		Data:   map[string]any{"task_id": d.TaskID, "agent_id": d.AgentID, "decision_id": d.ID},
	}, false)
	return d, nil
}

// LogArtifact records a file or document an agent produced.
func (c *ContextStore) LogArtifact(ctx context.Context, a board.Artifact) (board.Artifact, error) {
	if a.TaskID == "" || a.Path == "" {
		return a, Errorf(KindInvalidInput, "artifact needs task_id and path")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if err := c.store.Store(ctx, persist.CollectionArtifacts, a.ID, a); err != nil {
		return a, classify(err, "persist artifact")
	}
	c.events.Publish(ctx, bus.Event{
		Type:   bus.TypeArtifactLogged,
		Source: "context",
		Data:   map[string]any{"task_id": a.TaskID, "agent_id": a.AgentID, "path": a.Path},
	}, false)
	return a, nil
}

// GetTaskContext builds the working context for a task: dependency status up
// to the traversal depth, direct dependents, related decisions and
// artifacts, and for subtasks the sibling contracts and shared conventions.
func (c *ContextStore) GetTaskContext(ctx context.Context, taskID string) (board.TaskContext, error) {
	var out board.TaskContext

	task, isSubtask, err := c.loadAny(ctx, taskID)
	if err != nil {
		return out, err
	}
	out.Task = task

	recs, err := c.store.Query(ctx, persist.CollectionTasks, func(rec persist.Record) bool {
		var row struct {
			ProjectID string `json:"project_id"`
		}
		return rec.Decode(&row) == nil && row.ProjectID == task.ProjectID
	}, 0, 0)
	if err != nil {
		return out, classify(err, "query project tasks")
	}
	byID := make(map[string]board.Task)
	for _, t := range persist.DecodeAll[board.Task](recs) {
		byID[t.ID] = t
	}

	// Dependencies, breadth-first, cut at the depth limit.
	visited := map[string]bool{task.ID: true}
	frontier := task.Dependencies
	for depth := 1; depth <= c.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, depID := range frontier {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			out.Dependencies = append(out.Dependencies, board.DependencyInfo{
				TaskID:  dep.ID,
				Name:    dep.Name,
				Status:  dep.Status,
				Summary: board.Summarize(&dep),
			})
			next = append(next, dep.Dependencies...)
		}
		frontier = next
	}

	for _, t := range byID {
		for _, dep := range t.Dependencies {
			if dep == task.ID {
				out.DependentTasks = append(out.DependentTasks, board.DependencyInfo{
					TaskID:  t.ID,
					Name:    t.Name,
					Status:  t.Status,
					Summary: board.Summarize(&t),
				})
			}
		}
	}
	sort.Slice(out.DependentTasks, func(i, j int) bool {
		return out.DependentTasks[i].TaskID < out.DependentTasks[j].TaskID
	})

	related := map[string]bool{task.ID: true}
	for _, dep := range task.Dependencies {
		related[dep] = true
	}
	out.RelatedDecisions, err = c.decisionsFor(ctx, related)
	if err != nil {
		return out, err
	}
	out.RelatedArtifacts, err = c.artifactsFor(ctx, related)
	if err != nil {
		return out, err
	}

	if isSubtask {
		if err := c.fillSiblings(ctx, taskID, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// loadAny finds a task by id in the task collection, falling back to
// subtasks.
func (c *ContextStore) loadAny(ctx context.Context, taskID string) (board.Task, bool, error) {
	var task board.Task
	err := c.store.Retrieve(ctx, persist.CollectionTasks, taskID, &task)
	if err == nil {
		return task, false, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return task, false, classify(err, "read task")
	}
	var st board.Subtask
	err = c.store.Retrieve(ctx, persist.CollectionSubtasks, taskID, &st)
	if errors.Is(err, persist.ErrNotFound) {
		return task, false, Errorf(KindUnknownTask, "task %s does not exist", taskID).
			WithDetail("task_id", taskID)
	}
	if err != nil {
		return task, false, classify(err, "read subtask")
	}
	return st.Task, true, nil
}

func (c *ContextStore) fillSiblings(ctx context.Context, subtaskID string, out *board.TaskContext) error {
	var st board.Subtask
	if err := c.store.Retrieve(ctx, persist.CollectionSubtasks, subtaskID, &st); err != nil {
		return classify(err, "read subtask")
	}
	siblings, err := c.subtasks.Subtasks(ctx, st.ParentTaskID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ID == subtaskID {
			continue
		}
		out.SiblingSubtasks = append(out.SiblingSubtasks, board.SiblingInfo{
			SubtaskID: sib.ID,
			Name:      sib.Name,
			Order:     sib.Order,
			Status:    sib.Status,
			Provides:  sib.Provides,
		})
	}
	conventions, err := c.subtasks.Conventions(ctx, st.ParentTaskID)
	if err != nil {
		return err
	}
	if conventions != "" {
		out.SharedConventions = map[string]string{"conventions": conventions}
	}
	return nil
}

func (c *ContextStore) decisionsFor(ctx context.Context, taskIDs map[string]bool) ([]board.Decision, error) {
	recs, err := c.store.Query(ctx, persist.CollectionDecisions, func(rec persist.Record) bool {
		var row struct {
			TaskID string `json:"task_id"`
		}
		return rec.Decode(&row) == nil && taskIDs[row.TaskID]
	}, 0, 0)
	if err != nil {
		return nil, classify(err, "query decisions")
	}
	return persist.DecodeAll[board.Decision](recs), nil
}

func (c *ContextStore) artifactsFor(ctx context.Context, taskIDs map[string]bool) ([]board.Artifact, error) {
	recs, err := c.store.Query(ctx, persist.CollectionArtifacts, func(rec persist.Record) bool {
		var row struct {
			TaskID string `json:"task_id"`
		}
		return rec.Decode(&row) == nil && taskIDs[row.TaskID]
	}, 0, 0)
	if err != nil {
		return nil, classify(err, "query artifacts")
	}
	return persist.DecodeAll[board.Artifact](recs), nil
}
