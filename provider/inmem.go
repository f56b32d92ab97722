package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// InMemoryKanban is a board backend held entirely in memory. It backs local
// development and every test that needs a provider.
type InMemoryKanban struct {
	mu       sync.Mutex
	projects []RemoteProject
	tasks    map[string][]RemoteTask // by project key
	comments map[string][]string     // by project/task key
}

// NewInMemoryKanban creates an empty in-memory board backend.
func NewInMemoryKanban() *InMemoryKanban {
	return &InMemoryKanban{
		tasks:    make(map[string][]RemoteTask),
		comments: make(map[string][]string),
	}
}

// AddProject seeds a project, returning its key.
func (m *InMemoryKanban) AddProject(name, description string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uuid.New().String()
	m.projects = append(m.projects, RemoteProject{
		Key:         key,
		Name:        name,
		Description: description,
		BoardID:     key,
	})
	return key
}

// ListProjects implements KanbanProvider.
func (m *InMemoryKanban) ListProjects(ctx context.Context) ([]RemoteProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteProject, len(m.projects))
	copy(out, m.projects)
	return out, nil
}

// ListTasks implements KanbanProvider.
func (m *InMemoryKanban) ListTasks(ctx context.Context, projectKey string) ([]RemoteTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasProject(projectKey) {
		return nil, fmt.Errorf("project %s: %w", projectKey, ErrUnavailable)
	}
	out := make([]RemoteTask, len(m.tasks[projectKey]))
	copy(out, m.tasks[projectKey])
	return out, nil
}

// CreateTask implements KanbanProvider.
func (m *InMemoryKanban) CreateTask(ctx context.Context, projectKey string, spec TaskSpec) (RemoteTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasProject(projectKey) {
		return RemoteTask{}, fmt.Errorf("project %s: %w", projectKey, ErrUnavailable)
	}
	task := RemoteTask{
		Key:            uuid.New().String(),
		Name:           spec.Name,
		Description:    spec.Description,
		Status:         "todo",
		Priority:       spec.Priority,
		Labels:         append([]string(nil), spec.Labels...),
		Dependencies:   append([]string(nil), spec.Dependencies...),
		EstimatedHours: spec.EstimatedHours,
		UpdatedAt:      time.Now(),
	}
	m.tasks[projectKey] = append(m.tasks[projectKey], task)
	return task, nil
}

// UpdateTask implements KanbanProvider.
func (m *InMemoryKanban) UpdateTask(ctx context.Context, projectKey, taskKey string, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks[projectKey]
	for i := range tasks {
		if tasks[i].Key != taskKey {
			continue
		}
		if update.Status != nil {
			tasks[i].Status = *update.Status
		}
		if update.Priority != nil {
			tasks[i].Priority = *update.Priority
		}
		for _, l := range update.AddLabels {
			if !lo.Contains(tasks[i].Labels, l) {
				tasks[i].Labels = append(tasks[i].Labels, l)
			}
		}
		if len(update.RemoveLabels) > 0 {
			tasks[i].Labels = lo.Without(tasks[i].Labels, update.RemoveLabels...)
		}
		tasks[i].UpdatedAt = time.Now()
		return nil
	}
	return fmt.Errorf("task %s: %w", taskKey, ErrUnavailable)
}

// AddComment implements KanbanProvider.
func (m *InMemoryKanban) AddComment(ctx context.Context, projectKey, taskKey, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := projectKey + "/" + taskKey
	m.comments[k] = append(m.comments[k], text)
	return nil
}

// CreateChecklistItem implements KanbanProvider.
func (m *InMemoryKanban) CreateChecklistItem(ctx context.Context, projectKey, taskKey, text string, done bool) error {
	mark := "[ ]"
	if done {
		mark = "[x]"
	}
	return m.AddComment(ctx, projectKey, taskKey, mark+" "+text)
}

// Comments returns the notes attached to a card, for tests.
func (m *InMemoryKanban) Comments(projectKey, taskKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := projectKey + "/" + taskKey
	out := make([]string, len(m.comments[k]))
	copy(out, m.comments[k])
	return out
}

func (m *InMemoryKanban) hasProject(key string) bool {
	return lo.ContainsBy(m.projects, func(p RemoteProject) bool { return p.Key == key })
}

// StaticAI replays canned markdown responses through the same parser the
// production adapters use. Zero-value fields make the corresponding call
// fail, which tests use to exercise degraded paths.
type StaticAI struct {
	InferResponse        string
	DecomposeResponse    string
	InstructionsResponse string

	mu          sync.Mutex
	inferCalls  int
	pairsJudged int
}

// InferDependencies implements AIProvider.
func (s *StaticAI) InferDependencies(ctx context.Context, pairs []DependencyPair) ([]InferenceResult, error) {
	s.mu.Lock()
	s.inferCalls++
	s.pairsJudged += len(pairs)
	s.mu.Unlock()
	if s.InferResponse == "" {
		return nil, fmt.Errorf("inference: %w", ErrUnavailable)
	}
	return ParseInferences(s.InferResponse)
}

// Decompose implements AIProvider.
func (s *StaticAI) Decompose(ctx context.Context, taskName, taskDescription string, estimatedHours float64) (Decomposition, error) {
	if s.DecomposeResponse == "" {
		return Decomposition{}, fmt.Errorf("decomposition: %w", ErrUnavailable)
	}
	return ParseDecomposition(s.DecomposeResponse)
}

// GenerateInstructions implements AIProvider.
func (s *StaticAI) GenerateInstructions(ctx context.Context, taskName, taskDescription string, siblingNotes []string) (string, error) {
	if s.InstructionsResponse == "" {
		return "", fmt.Errorf("instructions: %w", ErrUnavailable)
	}
	return s.InstructionsResponse, nil
}

// InferCalls reports how many inference batches were submitted.
func (s *StaticAI) InferCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inferCalls
}

// PairsJudged reports the total pairs submitted across batches.
func (s *StaticAI) PairsJudged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairsJudged
}
