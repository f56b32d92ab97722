package marcus

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/provider"
)

func newContextStore(t *testing.T) (*ContextStore, persist.Store) {
	t.Helper()
	store, err := persist.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.New(logger)
	t.Cleanup(events.Close)
	subtasks := NewSubtaskManager(store, &provider.StaticAI{}, logger, DefaultDecompositionConfig())
	return NewContextStore(store, subtasks, events, logger, 0), store
}

// chainTasks builds t1 <- t2 <- t3 <- t4 <- t5, all in one project.
func chainTasks(t *testing.T, store persist.Store) {
	t.Helper()
	prev := ""
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		task := board.Task{ID: id, Name: "Task " + id, ProjectID: "proj", Status: board.StatusTodo}
		if prev != "" {
			task.Dependencies = []string{prev}
		}
		if err := store.Store(context.Background(), persist.CollectionTasks, id, task); err != nil {
			t.Fatal(err)
		}
		prev = id
	}
}

func TestLogDecisionValidation(t *testing.T) {
	cs, _ := newContextStore(t)
	_, err := cs.LogDecision(context.Background(), board.Decision{TaskID: "t1"})
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", KindOf(err))
	}
	d, err := cs.LogDecision(context.Background(), board.Decision{TaskID: "t1", Summary: "use sqlite"})
	if err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	if d.ID == "" || d.Timestamp.IsZero() {
		t.Error("decision not stamped")
	}
}

func TestLogArtifactValidation(t *testing.T) {
	cs, _ := newContextStore(t)
	_, err := cs.LogArtifact(context.Background(), board.Artifact{TaskID: "t1"})
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", KindOf(err))
	}
	a, err := cs.LogArtifact(context.Background(), board.Artifact{TaskID: "t1", Path: "db/schema.sql"})
	if err != nil {
		t.Fatalf("LogArtifact: %v", err)
	}
	if a.ID == "" {
		t.Error("artifact not stamped")
	}
}

func TestGetTaskContextUnknownTask(t *testing.T) {
	cs, _ := newContextStore(t)
	_, err := cs.GetTaskContext(context.Background(), "ghost")
	if KindOf(err) != KindUnknownTask {
		t.Errorf("kind = %v, want UnknownTask", KindOf(err))
	}
}

func TestGetTaskContextDepthLimit(t *testing.T) {
	ctx := context.Background()
	cs, store := newContextStore(t)
	chainTasks(t, store)

	out, err := cs.GetTaskContext(ctx, "t5")
	if err != nil {
		t.Fatalf("GetTaskContext: %v", err)
	}
	// Three hops from t5: t4, t3, t2. t1 is past the depth limit.
	if len(out.Dependencies) != 3 {
		t.Fatalf("dependencies = %+v, want 3 hops", out.Dependencies)
	}
	for _, d := range out.Dependencies {
		if d.TaskID == "t1" {
			t.Error("traversal went past the depth limit")
		}
	}
}

func TestGetTaskContextDependentsAndRecords(t *testing.T) {
	ctx := context.Background()
	cs, store := newContextStore(t)
	chainTasks(t, store)

	if _, err := cs.LogDecision(ctx, board.Decision{TaskID: "t2", AgentID: "a1", Summary: "own decision"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.LogDecision(ctx, board.Decision{TaskID: "t1", AgentID: "a1", Summary: "upstream decision"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.LogDecision(ctx, board.Decision{TaskID: "t5", AgentID: "a1", Summary: "unrelated"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.LogArtifact(ctx, board.Artifact{TaskID: "t1", Path: "api/schema.sql"}); err != nil {
		t.Fatal(err)
	}

	out, err := cs.GetTaskContext(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTaskContext: %v", err)
	}
	if len(out.DependentTasks) != 1 || out.DependentTasks[0].TaskID != "t3" {
		t.Errorf("dependents = %+v", out.DependentTasks)
	}
	// Decisions cover the task and its direct dependencies only.
	if len(out.RelatedDecisions) != 2 {
		t.Errorf("decisions = %+v", out.RelatedDecisions)
	}
	if len(out.RelatedArtifacts) != 1 || out.RelatedArtifacts[0].Path != "api/schema.sql" {
		t.Errorf("artifacts = %+v", out.RelatedArtifacts)
	}
}

func TestGetTaskContextForSubtask(t *testing.T) {
	ctx := context.Background()
	cs, store := newContextStore(t)

	parent := board.Task{ID: "p1", Name: "Build checkout", ProjectID: "proj", Status: board.StatusInProgress}
	if err := store.Store(ctx, persist.CollectionTasks, "p1", parent); err != nil {
		t.Fatal(err)
	}
	for _, st := range []board.Subtask{
		{Task: board.Task{ID: "s1", Name: "Schema", ProjectID: "proj", Status: board.StatusDone}, ParentTaskID: "p1", Order: 1, Provides: "orders table"},
		{Task: board.Task{ID: "s2", Name: "Endpoints", ProjectID: "proj", Status: board.StatusTodo, Dependencies: []string{"s1"}}, ParentTaskID: "p1", Order: 2},
	} {
		if err := store.Store(ctx, persist.CollectionSubtasks, st.ID, st); err != nil {
			t.Fatal(err)
		}
	}
	rec := conventionsRecord{ParentTaskID: "p1", Conventions: "snake_case columns"}
	if err := store.Store(ctx, collectionConventions, "p1", rec); err != nil {
		t.Fatal(err)
	}

	out, err := cs.GetTaskContext(ctx, "s2")
	if err != nil {
		t.Fatalf("GetTaskContext: %v", err)
	}
	if len(out.SiblingSubtasks) != 1 || out.SiblingSubtasks[0].SubtaskID != "s1" {
		t.Fatalf("siblings = %+v", out.SiblingSubtasks)
	}
	if out.SiblingSubtasks[0].Provides != "orders table" {
		t.Errorf("sibling contract = %+v", out.SiblingSubtasks[0])
	}
	if out.SharedConventions["conventions"] != "snake_case columns" {
		t.Errorf("conventions = %v", out.SharedConventions)
	}
}
