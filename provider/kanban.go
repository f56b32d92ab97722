// Package provider defines the external service interfaces the coordination
// engine depends on: kanban board backends and AI model backends. In-memory
// implementations live here too so the engine runs without either service.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a provider call that failed after retries.
var ErrUnavailable = errors.New("provider unavailable")

// RemoteProject is a project as the kanban backend sees it.
type RemoteProject struct {
	// Key is the provider-scoped identity used to dedupe across syncs.
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BoardID     string `json:"board_id,omitempty"`
}

// RemoteTask is a card on the kanban backend.
type RemoteTask struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status"`
	Priority       string    `json:"priority,omitempty"`
	Labels         []string  `json:"labels,omitempty"`
	Dependencies   []string  `json:"dependencies,omitempty"`
	EstimatedHours float64   `json:"estimated_hours,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// TaskSpec describes a card to create on the backend.
type TaskSpec struct {
	Name           string
	Description    string
	Priority       string
	Labels         []string
	Dependencies   []string
	EstimatedHours float64
}

// TaskUpdate carries a partial card update. Nil fields are left unchanged.
type TaskUpdate struct {
	Status   *string
	Priority *string
	Assignee *string

	AddLabels    []string
	RemoveLabels []string
}

// KanbanProvider is a pluggable board backend. Implementations must be safe
// for concurrent use.
type KanbanProvider interface {
	// ListProjects enumerates boards visible to the configured credentials.
	ListProjects(ctx context.Context) ([]RemoteProject, error)

	// ListTasks returns every card on a project's board.
	ListTasks(ctx context.Context, projectKey string) ([]RemoteTask, error)

	// CreateTask adds a card and returns it with its provider key filled in.
	CreateTask(ctx context.Context, projectKey string, spec TaskSpec) (RemoteTask, error)

	// UpdateTask applies a partial update to a card.
	UpdateTask(ctx context.Context, projectKey, taskKey string, update TaskUpdate) error

	// AddComment attaches a note to a card.
	AddComment(ctx context.Context, projectKey, taskKey, text string) error

	// CreateChecklistItem adds a checklist entry to a card. Backends without
	// checklists may fold the item into a comment.
	CreateChecklistItem(ctx context.Context, projectKey, taskKey, text string, done bool) error
}
