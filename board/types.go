// Package board defines the task data model shared by the Marcus coordination
// engine. Tasks reference each other by id only; all graph traversal goes
// through the Graph value computed from a task set.
package board

import (
	"fmt"
	"time"
)

// Status represents the lifecycle stage of a task on the board.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the known status tags.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority determines the order tasks are offered to agents.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the numeric scoring weight for a priority. Unknown
// priorities weigh the same as medium.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 2
}

// LabelFinal marks a project's terminal task. Tasks named FinalTaskName are
// treated the same way for compatibility with older boards.
const (
	LabelFinal       = "final"
	FinalTaskName    = "PROJECT_SUCCESS"
	LabelNeedsReview = "needs-review"
	LabelDestructive = "destructive"
)

// HistoryEntry records a single status transition on a task.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	By     string    `json:"by"`
	Note   string    `json:"note,omitempty"`
}

// Task is the atomic unit of work tracked by the coordination engine.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Labels   []string `json:"labels,omitempty"`

	// Dependencies is an ordered-unique list of task ids this task waits on.
	Dependencies []string `json:"dependencies,omitempty"`

	EstimatedHours float64 `json:"estimated_hours"`
	ActualHours    float64 `json:"actual_hours"`

	AssignedTo string `json:"assigned_to,omitempty"`
	ProjectID  string `json:"project_id"`

	// StallCount tracks how often a lease on this task was recovered.
	StallCount int `json:"stall_count,omitempty"`

	History   []HistoryEntry `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsFinal reports whether the task is the project's terminal task, either by
// label or by the legacy literal name.
func (t *Task) IsFinal() bool {
	return t.HasLabel(LabelFinal) || t.Name == FinalTaskName
}

// AddDependency appends dep to the task's dependency list, preserving order
// and uniqueness. Self-edges are ignored.
func (t *Task) AddDependency(dep string) {
	if dep == t.ID {
		return
	}
	for _, d := range t.Dependencies {
		if d == dep {
			return
		}
	}
	t.Dependencies = append(t.Dependencies, dep)
}

// Transition moves the task to a new status and records history.
func (t *Task) Transition(status Status, by, note string) {
	t.Status = status
	t.UpdatedAt = time.Now()
	t.History = append(t.History, HistoryEntry{
		Status: status,
		At:     t.UpdatedAt,
		By:     by,
		Note:   note,
	})
}

// Subtask is a decomposed piece of a parent task. Subtasks are one level
// deep: the parent of a subtask is never itself a subtask.
type Subtask struct {
	Task

	ParentTaskID string `json:"parent_task_id"`
	Order        int    `json:"order"`

	// Provides and Requires describe the interface contract between
	// sibling subtasks, e.g. "REST endpoints for /users".
	Provides string `json:"provides,omitempty"`
	Requires string `json:"requires,omitempty"`

	FileArtifacts []string `json:"file_artifacts,omitempty"`
}

// IntegrationOrder is the order assigned to the auto-generated integration
// subtask; it is always the last subtask of a decomposition.
const IntegrationOrder = 99

// IsIntegration reports whether this is the auto-generated integration
// subtask of its decomposition.
func (s *Subtask) IsIntegration() bool {
	return s.Order == IntegrationOrder
}

// Decision records a choice an agent made while working a task. Decisions
// are immutable once stored.
type Decision struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Summary      string    `json:"summary"`
	Rationale    string    `json:"rationale,omitempty"`
	Alternatives []string  `json:"alternatives_considered,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Artifact records a file or document an agent produced for a task.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaseStatus tracks the lifecycle of an assignment lease.
type LeaseStatus string

const (
	LeaseActive    LeaseStatus = "active"
	LeaseRenewed   LeaseStatus = "renewed"
	LeaseRecovered LeaseStatus = "recovered"
	LeaseReleased  LeaseStatus = "released"
)

// Live reports whether the lease still binds its task to its agent.
func (s LeaseStatus) Live() bool {
	return s == LeaseActive || s == LeaseRenewed
}

// Lease binds a task to an agent for a bounded window. The lease record is
// the authoritative ownership token; board updates are idempotent replays.
type Lease struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	AgentID       string      `json:"agent_id"`
	ProjectID     string      `json:"project_id"`
	IssuedAt      time.Time   `json:"issued_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Renewals      int         `json:"renewals"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Status        LeaseStatus `json:"status"`
}

// AgentProfile describes a registered worker and its rolling statistics.
type AgentProfile struct {
	AgentID           string    `json:"agent_id"`
	Role              string    `json:"role"`
	Skills            []string  `json:"skills,omitempty"`
	Capacity          int       `json:"capacity"`
	CurrentLeaseIDs   []string  `json:"current_lease_ids,omitempty"`
	SuccessRate       float64   `json:"success_rate"`
	AvgDurationFactor float64   `json:"avg_duration_factor"`
	LastSeen          time.Time `json:"last_seen"`
}

// HasSkill reports whether the agent lists the given skill.
func (a *AgentProfile) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Outcome is an append-only record of how an assignment ended.
type Outcome struct {
	AgentID        string    `json:"agent_id"`
	TaskID         string    `json:"task_id"`
	Labels         []string  `json:"labels,omitempty"`
	Success        bool      `json:"success"`
	EstimatedHours float64   `json:"estimated_hours"`
	ActualHours    float64   `json:"actual_hours"`
	BlockerKinds   []string  `json:"blocker_kinds,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// ProjectConfig identifies a project on an external kanban provider.
type ProjectConfig struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Provider       string            `json:"provider"`
	ProviderConfig map[string]string `json:"provider_config,omitempty"`
	LastUsed       time.Time         `json:"last_used"`
	Tags           []string          `json:"tags,omitempty"`
}

// DependencyInfo summarizes a dependency or dependent task inside a
// TaskContext.
type DependencyInfo struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Summary string `json:"summary"`
}

// SiblingInfo summarizes a sibling subtask's contract inside a TaskContext.
type SiblingInfo struct {
	SubtaskID string `json:"subtask_id"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
	Status    Status `json:"status"`
	Provides  string `json:"provides,omitempty"`
}

// TaskContext is the materialized view returned by get_task_context. It is
// recomputed on demand and never persisted.
type TaskContext struct {
	Task              Task              `json:"task"`
	Dependencies      []DependencyInfo  `json:"dependencies_with_status"`
	DependentTasks    []DependencyInfo  `json:"dependent_tasks"`
	RelatedDecisions  []Decision        `json:"related_decisions"`
	RelatedArtifacts  []Artifact        `json:"related_artifacts"`
	SharedConventions map[string]string `json:"shared_conventions,omitempty"`
	SiblingSubtasks   []SiblingInfo     `json:"sibling_subtasks,omitempty"`
}

// Summarize produces the one-line summary used for dependency listings.
func Summarize(t *Task) string {
	desc := t.Description
	if r := []rune(desc); len(r) > 80 {
		desc = string(r[:77]) + "..."
	}
	if desc == "" {
		return t.Name
	}
	return fmt.Sprintf("%s: %s", t.Name, desc)
}
