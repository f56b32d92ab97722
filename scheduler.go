package marcus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/metrics"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/memory"
	"github.com/marcushq/marcus/provider"
)

// Weights are the assignment scoring coefficients.
type Weights struct {
	Priority float64
	Age      float64
	Fit      float64
	Success  float64
	Estimate float64
}

// DefaultWeights favors priority and skill fit, with a mild push toward old
// and small tasks.
func DefaultWeights() Weights {
	return Weights{Priority: 10, Age: 0.1, Fit: 5, Success: 4, Estimate: 0.5}
}

// Assignment is what an agent receives from a successful pull.
type Assignment struct {
	TaskID         string    `json:"task_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	IsSubtask      bool      `json:"is_subtask"`
	ParentTaskID   string    `json:"parent_task_id,omitempty"`
	Priority       string    `json:"priority"`
	EstimatedHours float64   `json:"estimated_hours"`
	LeaseID        string    `json:"lease_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Instructions   string    `json:"instructions,omitempty"`
	Recovered      bool      `json:"recovered,omitempty"`

	// Context is the materialized working context for the task, filled in
	// by the engine after the lease commits. For subtasks it carries the
	// sibling contracts and shared conventions.
	Context *board.TaskContext `json:"context,omitempty"`
}

// candidate is one assignable unit: a plain task, or a subtask with its
// parent.
type candidate struct {
	task    board.Task
	subtask *board.Subtask
	parent  *board.Task
	score   float64
	success float64
}

// Scheduler turns pull requests into leased assignments. Pulls for the same
// project serialize on a per-project mutex so two agents never race for one
// task.
type Scheduler struct {
	store    persist.Store
	leases   *LeaseManager
	subtasks *SubtaskManager
	learner  *memory.Learner
	gridlock *GridlockDetector
	ai       provider.AIProvider
	events   *bus.Bus
	logger   *slog.Logger
	weights  Weights
	now      func() time.Time

	mu         sync.Mutex
	projectMus map[string]*sync.Mutex
}

// NewScheduler wires the assignment pipeline.
func NewScheduler(store persist.Store, leases *LeaseManager, subtasks *SubtaskManager, learner *memory.Learner, gridlock *GridlockDetector, ai provider.AIProvider, events *bus.Bus, logger *slog.Logger, weights Weights) *Scheduler {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scheduler{
		store:      store,
		leases:     leases,
		subtasks:   subtasks,
		learner:    learner,
		gridlock:   gridlock,
		ai:         ai,
		events:     events,
		logger:     logger,
		weights:    weights,
		now:        time.Now,
		projectMus: make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) projectMu(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.projectMus[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.projectMus[projectID] = mu
	}
	return mu
}

// RequestNextTask picks, leases, and returns the best assignable task for
// the agent in the given project. A nil assignment with nil error means no
// work is available; the refusal feeds the gridlock detector.
func (s *Scheduler) RequestNextTask(ctx context.Context, agent board.AgentProfile, projectID string) (*Assignment, error) {
	mu := s.projectMu(projectID)
	mu.Lock()
	defer mu.Unlock()

	if agent.Capacity > 0 {
		held, err := s.leases.ActiveCount(ctx, agent.AgentID)
		if err != nil {
			return nil, err
		}
		if held >= agent.Capacity {
			s.refuse(agent.AgentID, "at capacity")
			return nil, nil
		}
	}

	tasks, err := s.projectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.gather(ctx, projectID, tasks, agent)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		s.refuse(agent.AgentID, "no assignable tasks")
		return nil, nil
	}

	best := s.pick(ctx, candidates, agent)
	return s.commit(ctx, best, agent)
}

func (s *Scheduler) refuse(agentID, reason string) {
	metrics.PullsRefused.Inc()
	s.gridlock.RecordRefusal(agentID, reason)
}

func (s *Scheduler) projectTasks(ctx context.Context, projectID string) ([]board.Task, error) {
	recs, err := s.store.Query(ctx, persist.CollectionTasks, func(rec persist.Record) bool {
		var row struct {
			ProjectID string `json:"project_id"`
		}
		return rec.Decode(&row) == nil && row.ProjectID == projectID
	}, 0, 0)
	if err != nil {
		return nil, classify(err, "query project tasks")
	}
	return persist.DecodeAll[board.Task](recs), nil
}

// gather builds the candidate set. Subtasks of decomposed parents are
// preferred: when any subtask is available, plain tasks are not offered.
func (s *Scheduler) gather(ctx context.Context, projectID string, tasks []board.Task, agent board.AgentProfile) ([]candidate, error) {
	byID := lo.SliceToMap(tasks, func(t board.Task) (string, board.Task) { return t.ID, t })
	anyInProgress := lo.ContainsBy(tasks, func(t board.Task) bool { return t.Status == board.StatusInProgress })

	subtasks, err := s.subtasks.ProjectSubtasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	inProgressPaths := collectBusyPaths(subtasks)

	var out []candidate
	for _, st := range Available(subtasks) {
		st := st
		parent, ok := byID[st.ParentTaskID]
		if !ok || parent.Status == board.StatusDone {
			continue
		}
		if !s.safe(&st.Task, anyInProgress) {
			continue
		}
		if overlapsBusyPaths(st.FileArtifacts, inProgressPaths) {
			continue
		}
		out = append(out, candidate{task: st.Task, subtask: &st, parent: &parent})
	}
	if len(out) > 0 {
		return out, nil
	}

	decomposed := make(map[string]bool)
	for _, st := range subtasks {
		decomposed[st.ParentTaskID] = true
	}

	graph := board.NewGraph(tasks)
	for i := range tasks {
		t := tasks[i]
		if t.Status != board.StatusTodo || t.AssignedTo != "" || decomposed[t.ID] {
			continue
		}
		if !graph.DependenciesMet(&tasks[i]) {
			continue
		}
		if !s.safe(&t, anyInProgress) {
			continue
		}
		out = append(out, candidate{task: t})
	}
	return out, nil
}

// safe applies the safety filter: destructive work runs alone.
func (s *Scheduler) safe(t *board.Task, anyInProgress bool) bool {
	if t.HasLabel(board.LabelDestructive) && anyInProgress {
		return false
	}
	return true
}

// collectBusyPaths returns the file artifact globs claimed by in-progress
// subtasks.
func collectBusyPaths(subtasks []board.Subtask) [][]string {
	var out [][]string
	for _, st := range subtasks {
		if st.Status == board.StatusInProgress && len(st.FileArtifacts) > 0 {
			out = append(out, st.FileArtifacts)
		}
	}
	return out
}

func overlapsBusyPaths(paths []string, busy [][]string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, b := range busy {
		if board.PathsOverlap(paths, b) {
			return true
		}
	}
	return false
}

// pick scores every candidate and returns the winner. Ties break on subtask
// order, then parent priority, then task id, so the outcome is stable.
func (s *Scheduler) pick(ctx context.Context, candidates []candidate, agent board.AgentProfile) candidate {
	now := s.now()
	for i := range candidates {
		c := &candidates[i]
		pred, err := s.learner.Predict(ctx, agent.AgentID, &c.task)
		if err != nil {
			pred = memory.Prediction{SuccessProbability: 0.7, ExpectedHours: c.task.EstimatedHours}
		}
		c.success = pred.SuccessProbability

		age := now.Sub(c.task.CreatedAt).Hours()
		if age < 0 {
			age = 0
		}
		prio := c.task.Priority
		if c.parent != nil && c.parent.Priority.Weight() > prio.Weight() {
			prio = c.parent.Priority
		}
		c.score = s.weights.Priority*prio.Weight() +
			s.weights.Age*age +
			s.weights.Fit*skillFit(&c.task, &agent) +
			s.weights.Success*pred.SuccessProbability -
			s.weights.Estimate*c.task.EstimatedHours

		// A recovered task goes back to whoever lost it, if they ask.
		if prev, ok := s.leases.PreviousAgent(c.task.ID); ok && prev == agent.AgentID {
			c.score += 100
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ao, bo := subtaskOrder(a), subtaskOrder(b)
		if ao != bo {
			return ao < bo
		}
		ap, bp := parentPriority(a), parentPriority(b)
		if ap != bp {
			return ap > bp
		}
		return a.task.ID < b.task.ID
	})
	return candidates[0]
}

func subtaskOrder(c candidate) int {
	if c.subtask != nil {
		return c.subtask.Order
	}
	return board.IntegrationOrder + 1
}

func parentPriority(c candidate) float64 {
	if c.parent != nil {
		return c.parent.Priority.Weight()
	}
	return c.task.Priority.Weight()
}

// skillFit measures label/skill overlap in [0, 1]. No labels or no skills is
// neutral.
func skillFit(t *board.Task, agent *board.AgentProfile) float64 {
	if len(t.Labels) == 0 || len(agent.Skills) == 0 {
		return 0.5
	}
	matched := lo.CountBy(t.Labels, func(l string) bool { return agent.HasSkill(l) })
	return float64(matched) / float64(len(t.Labels))
}

// commit makes the assignment durable: lease first, then the status flip.
// If the flip fails the lease is rolled back and the pull fails, so no task
// is ever marked in progress without a live lease.
func (s *Scheduler) commit(ctx context.Context, c candidate, agent board.AgentProfile) (*Assignment, error) {
	_, wasRecovered := s.leases.PreviousAgent(c.task.ID)

	lease, err := s.leases.Issue(ctx, &c.task, agent.AgentID)
	if err != nil {
		return nil, err
	}

	if err := s.markInProgress(ctx, c, agent.AgentID); err != nil {
		if rbErr := s.leases.Rollback(ctx, c.task.ID); rbErr != nil {
			s.logger.Error("Lease rollback failed", "task_id", c.task.ID, "error", rbErr)
		}
		return nil, err
	}
	s.leases.ClearPreviousAgent(c.task.ID)

	asn := &Assignment{
		TaskID:         c.task.ID,
		Name:           c.task.Name,
		Description:    c.task.Description,
		IsSubtask:      c.subtask != nil,
		Priority:       string(c.task.Priority),
		EstimatedHours: c.task.EstimatedHours,
		LeaseID:        lease.ID,
		LeaseExpiresAt: lease.ExpiresAt,
		Recovered:      wasRecovered,
	}
	if c.subtask != nil {
		asn.ParentTaskID = c.subtask.ParentTaskID
	}
	asn.Instructions = s.instructions(ctx, c)

	metrics.AssignmentsIssued.Inc()
	s.logger.Info("Assigned task",
		"task_id", c.task.ID, "agent_id", agent.AgentID, "subtask", asn.IsSubtask, "score", fmt.Sprintf("%.2f", c.score))
	s.events.Publish(ctx, bus.Event{
		Type:   bus.TypeTaskAssigned,
		Source: "scheduler",
		Data: map[string]any{
			"task_id":  c.task.ID,
			"agent_id": agent.AgentID,
			"lease_id": lease.ID,
		},
	}, false)
	return asn, nil
}

func (s *Scheduler) markInProgress(ctx context.Context, c candidate, agentID string) error {
	if c.subtask != nil {
		st := *c.subtask
		st.AssignedTo = agentID
		st.Transition(board.StatusInProgress, agentID, "assigned")
		if err := s.store.Store(ctx, persist.CollectionSubtasks, st.ID, st); err != nil {
			return classify(err, "persist subtask assignment")
		}
		return nil
	}
	t := c.task
	t.AssignedTo = agentID
	t.Transition(board.StatusInProgress, agentID, "assigned")
	if err := s.store.Store(ctx, persist.CollectionTasks, t.ID, t); err != nil {
		return classify(err, "persist task assignment")
	}
	return nil
}

// instructions asks the AI backend for working guidance; failures fall back
// to a deterministic summary so a pull never fails on the nicety.
func (s *Scheduler) instructions(ctx context.Context, c candidate) string {
	fallback := fmt.Sprintf("Work on %q. %s", c.task.Name, c.task.Description)
	if s.ai == nil {
		return fallback
	}
	var notes []string
	if c.subtask != nil {
		siblings, err := s.subtasks.Subtasks(ctx, c.subtask.ParentTaskID)
		if err == nil {
			for _, sib := range siblings {
				if sib.ID != c.subtask.ID && sib.Provides != "" {
					notes = append(notes, fmt.Sprintf("%s provides %s", sib.Name, sib.Provides))
				}
			}
		}
	}
	text, err := s.ai.GenerateInstructions(ctx, c.task.Name, c.task.Description, notes)
	if err != nil || text == "" {
		return fallback
	}
	return text
}

// ProjectTasks exposes the project task query for the engine and tools.
func (s *Scheduler) ProjectTasks(ctx context.Context, projectID string) ([]board.Task, error) {
	return s.projectTasks(ctx, projectID)
}

// LoadAgent fetches a registered agent profile.
func (s *Scheduler) LoadAgent(ctx context.Context, agentID string) (board.AgentProfile, error) {
	var profile board.AgentProfile
	err := s.store.Retrieve(ctx, persist.CollectionAgents, agentID, &profile)
	if errors.Is(err, persist.ErrNotFound) {
		return profile, Errorf(KindUnknownAgent, "agent %s is not registered", agentID).
			WithDetail("agent_id", agentID)
	}
	if err != nil {
		return profile, classify(err, "read agent")
	}
	return profile, nil
}
