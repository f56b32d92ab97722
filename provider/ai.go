package provider

import "context"

// Direction says which way a dependency between a numbered pair runs.
type Direction string

const (
	DirectionFirst  Direction = "1->2" // task 1 depends on task 2
	DirectionSecond Direction = "2->1" // task 2 depends on task 1
	DirectionNone   Direction = "none"
)

// DependencyPair is one candidate pair submitted for inference.
type DependencyPair struct {
	FirstID           string `json:"first_id"`
	FirstName         string `json:"first_name"`
	FirstDescription  string `json:"first_description,omitempty"`
	SecondID          string `json:"second_id"`
	SecondName        string `json:"second_name"`
	SecondDescription string `json:"second_description,omitempty"`
}

// InferenceResult is the model's verdict on one pair.
type InferenceResult struct {
	FirstID    string    `json:"first_id"`
	SecondID   string    `json:"second_id"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// SubtaskSpec is one step of a proposed decomposition.
type SubtaskSpec struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Order          int      `json:"order"`
	EstimatedHours float64  `json:"estimated_hours"`
	Provides       []string `json:"provides,omitempty"`
	Requires       []string `json:"requires,omitempty"`
	FileArtifacts  []string `json:"file_artifacts,omitempty"`
	Dependencies   []int    `json:"dependencies,omitempty"` // indices of earlier steps
}

// Decomposition is a full breakdown of a task into ordered subtasks.
type Decomposition struct {
	Subtasks    []SubtaskSpec `json:"subtasks"`
	Conventions string        `json:"conventions,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
}

// AIProvider is a pluggable model backend for the two AI-assisted paths:
// dependency inference and task decomposition.
type AIProvider interface {
	// InferDependencies judges each submitted pair. Callers batch pairs;
	// results may omit pairs the model declined to judge.
	InferDependencies(ctx context.Context, pairs []DependencyPair) ([]InferenceResult, error)

	// Decompose proposes subtasks for a large task.
	Decompose(ctx context.Context, taskName, taskDescription string, estimatedHours float64) (Decomposition, error)

	// GenerateInstructions writes agent-facing guidance for an assignment.
	GenerateInstructions(ctx context.Context, taskName, taskDescription string, siblingNotes []string) (string, error)
}
