package marcus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/provider"
)

// DecompositionConfig bounds automatic task breakdown.
type DecompositionConfig struct {
	MinHours    float64
	MaxSubtasks int
	Timeout     time.Duration
}

// DefaultDecompositionConfig matches the production thresholds.
func DefaultDecompositionConfig() DecompositionConfig {
	return DecompositionConfig{MinHours: 4, MaxSubtasks: 8, Timeout: 30 * time.Second}
}

// minComponentIndicators is how many distinct system components a task must
// mention before decomposition is worth the AI round trip.
const minComponentIndicators = 3

// componentIndicators are the vocabulary hints that a task spans multiple
// components. Matching is case-insensitive substring over name plus
// description.
var componentIndicators = []string{
	"api", "endpoint", "database", "schema", "migration", "frontend",
	"backend", "ui", "auth", "model", "service", "cache", "queue",
	"pipeline", "deploy", "integration", "cli", "storage", "worker",
}

// exemptKeywords name task kinds that are never decomposed regardless of
// size: they are atomic by nature.
var exemptKeywords = []string{"bugfix", "hotfix", "refactor", "deployment", "documentation"}

// collectionConventions holds per-parent shared conventions extracted during
// decomposition.
const collectionConventions = "conventions"

type conventionsRecord struct {
	ParentTaskID string    `json:"parent_task_id"`
	Conventions  string    `json:"conventions"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubtaskManager decomposes large tasks into ordered subtasks and rolls
// subtask completion back up to the parent.
type SubtaskManager struct {
	store  persist.Store
	ai     provider.AIProvider
	logger *slog.Logger
	cfg    DecompositionConfig
}

// NewSubtaskManager creates a subtask manager.
func NewSubtaskManager(store persist.Store, ai provider.AIProvider, logger *slog.Logger, cfg DecompositionConfig) *SubtaskManager {
	if cfg.MinHours <= 0 {
		cfg = DefaultDecompositionConfig()
	}
	return &SubtaskManager{store: store, ai: ai, logger: logger, cfg: cfg}
}

// ShouldDecompose reports whether a task qualifies for automatic breakdown:
// large enough, spanning enough components, and not an exempt kind.
func (s *SubtaskManager) ShouldDecompose(task *board.Task) bool {
	if task.EstimatedHours < s.cfg.MinHours {
		return false
	}
	haystack := strings.ToLower(task.Name + " " + task.Description)
	for _, kw := range exemptKeywords {
		if strings.Contains(haystack, kw) || task.HasLabel(kw) {
			return false
		}
	}
	found := lo.CountBy(componentIndicators, func(ind string) bool {
		return strings.Contains(haystack, ind)
	})
	return found >= minComponentIndicators
}

// Decompose asks the AI backend to break the task down and persists the
// resulting subtasks plus a generated integration subtask that depends on
// every sibling. An AI failure leaves the task whole.
func (s *SubtaskManager) Decompose(ctx context.Context, task *board.Task) ([]board.Subtask, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	dec, err := s.ai.Decompose(ctx, task.Name, task.Description, task.EstimatedHours)
	if err != nil {
		return nil, Errorf(KindAIUnavailable, "decompose %q", task.Name).Wrap(err)
	}
	specs := dec.Subtasks
	if len(specs) > s.cfg.MaxSubtasks {
		specs = specs[:s.cfg.MaxSubtasks]
	}

	now := time.Now()
	subtasks := make([]board.Subtask, 0, len(specs)+1)
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.New().String()
	}

	for i, spec := range specs {
		st := board.Subtask{
			Task: board.Task{
				ID:             ids[i],
				Name:           spec.Name,
				Description:    spec.Description,
				Status:         board.StatusTodo,
				Priority:       task.Priority,
				Labels:         task.Labels,
				EstimatedHours: spec.EstimatedHours,
				ProjectID:      task.ProjectID,
				CreatedAt:      now,
				UpdatedAt:      now,
			},
			ParentTaskID:  task.ID,
			Order:         i + 1,
			Provides:      strings.Join(spec.Provides, "; "),
			Requires:      strings.Join(spec.Requires, "; "),
			FileArtifacts: spec.FileArtifacts,
		}
		for _, dep := range spec.Dependencies {
			if dep >= 0 && dep < len(ids) && ids[dep] != st.ID {
				st.AddDependency(ids[dep])
			}
		}
		subtasks = append(subtasks, st)
	}

	integration := board.Subtask{
		Task: board.Task{
			ID:             uuid.New().String(),
			Name:           fmt.Sprintf("Integrate: %s", task.Name),
			Description:    fmt.Sprintf("Verify the pieces of %q work together end to end.", task.Name),
			Status:         board.StatusTodo,
			Priority:       task.Priority,
			Labels:         task.Labels,
			EstimatedHours: 1,
			ProjectID:      task.ProjectID,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		ParentTaskID: task.ID,
		Order:        board.IntegrationOrder,
	}
	integration.Dependencies = ids
	subtasks = append(subtasks, integration)

	for _, st := range subtasks {
		if err := s.store.Store(ctx, persist.CollectionSubtasks, st.ID, st); err != nil {
			return nil, classify(err, "persist subtask")
		}
	}
	if dec.Conventions != "" {
		rec := conventionsRecord{ParentTaskID: task.ID, Conventions: dec.Conventions, CreatedAt: now}
		if err := s.store.Store(ctx, collectionConventions, task.ID, rec); err != nil {
			return nil, classify(err, "persist conventions")
		}
	}

	s.logger.Info("Decomposed task into subtasks",
		"task_id", task.ID, "name", task.Name, "subtasks", len(subtasks))
	return subtasks, nil
}

// Subtasks returns a parent's subtasks ordered by their decomposition order.
func (s *SubtaskManager) Subtasks(ctx context.Context, parentID string) ([]board.Subtask, error) {
	recs, err := s.store.Query(ctx, persist.CollectionSubtasks, func(rec persist.Record) bool {
		var row struct {
			ParentTaskID string `json:"parent_task_id"`
		}
		return rec.Decode(&row) == nil && row.ParentTaskID == parentID
	}, 0, 0)
	if err != nil {
		return nil, classify(err, "query subtasks")
	}
	subtasks := persist.DecodeAll[board.Subtask](recs)
	sort.Slice(subtasks, func(i, j int) bool { return subtasks[i].Order < subtasks[j].Order })
	return subtasks, nil
}

// ProjectSubtasks returns every subtask in a project, ordered by parent then
// decomposition order.
func (s *SubtaskManager) ProjectSubtasks(ctx context.Context, projectID string) ([]board.Subtask, error) {
	recs, err := s.store.Query(ctx, persist.CollectionSubtasks, func(rec persist.Record) bool {
		var row struct {
			ProjectID string `json:"project_id"`
		}
		return rec.Decode(&row) == nil && row.ProjectID == projectID
	}, 0, 0)
	if err != nil {
		return nil, classify(err, "query subtasks")
	}
	subtasks := persist.DecodeAll[board.Subtask](recs)
	sort.Slice(subtasks, func(i, j int) bool {
		if subtasks[i].ParentTaskID != subtasks[j].ParentTaskID {
			return subtasks[i].ParentTaskID < subtasks[j].ParentTaskID
		}
		return subtasks[i].Order < subtasks[j].Order
	})
	return subtasks, nil
}

// Available filters a subtask list to those whose sibling dependencies are
// all done.
func Available(subtasks []board.Subtask) []board.Subtask {
	done := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		done[st.ID] = st.Status == board.StatusDone
	}
	return lo.Filter(subtasks, func(st board.Subtask, _ int) bool {
		if st.Status != board.StatusTodo {
			return false
		}
		for _, dep := range st.Dependencies {
			if !done[dep] {
				return false
			}
		}
		return true
	})
}

// Conventions returns the shared conventions captured when the parent was
// decomposed, or empty when none exist.
func (s *SubtaskManager) Conventions(ctx context.Context, parentID string) (string, error) {
	var rec conventionsRecord
	err := s.store.Retrieve(ctx, collectionConventions, parentID, &rec)
	if errors.Is(err, persist.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "read conventions")
	}
	return rec.Conventions, nil
}

// CompletionPercent reports how much of a decomposition is done, weighted by
// estimated hours.
func (s *SubtaskManager) CompletionPercent(ctx context.Context, parentID string) (float64, error) {
	subtasks, err := s.Subtasks(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if len(subtasks) == 0 {
		return 0, nil
	}
	var total, done float64
	for _, st := range subtasks {
		hours := st.EstimatedHours
		if hours <= 0 {
			hours = 1
		}
		total += hours
		if st.Status == board.StatusDone {
			done += hours
		}
	}
	return done / total, nil
}

// OnSubtaskDone records a subtask completion and rolls status up to the
// parent: in_progress while siblings remain, done when the last one lands
// with actual hours summed from the pieces.
func (s *SubtaskManager) OnSubtaskDone(ctx context.Context, subtask board.Subtask, actualHours float64) (parentDone bool, err error) {
	subtask.ActualHours = actualHours
	subtask.Transition(board.StatusDone, subtask.AssignedTo, "subtask complete")
	if err := s.store.Store(ctx, persist.CollectionSubtasks, subtask.ID, subtask); err != nil {
		return false, classify(err, "persist subtask")
	}

	siblings, err := s.Subtasks(ctx, subtask.ParentTaskID)
	if err != nil {
		return false, err
	}
	allDone := true
	var hours float64
	for _, st := range siblings {
		if st.Status != board.StatusDone {
			allDone = false
		}
		hours += st.ActualHours
	}

	var parent board.Task
	if err := s.store.Retrieve(ctx, persist.CollectionTasks, subtask.ParentTaskID, &parent); err != nil {
		return false, classify(err, "read parent task")
	}
	if allDone {
		parent.ActualHours = hours
		parent.Transition(board.StatusDone, "subtask-rollup", "all subtasks complete")
	} else if parent.Status == board.StatusTodo {
		parent.Transition(board.StatusInProgress, "subtask-rollup", "first subtask underway")
	} else {
		parent.UpdatedAt = time.Now()
	}
	if err := s.store.Store(ctx, persist.CollectionTasks, parent.ID, parent); err != nil {
		return false, classify(err, "persist parent task")
	}
	return allDone, nil
}
