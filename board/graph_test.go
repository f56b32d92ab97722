package board

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func task(id, name string, deps ...string) Task {
	return Task{ID: id, Name: name, Status: StatusTodo, Priority: PriorityMedium, Dependencies: deps}
}

func TestValidateEmpty(t *testing.T) {
	tasks, warnings, err := Validate(nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(tasks) != 0 || len(warnings) != 0 {
		t.Errorf("expected no tasks and no warnings, got %d tasks %d warnings", len(tasks), len(warnings))
	}
}

func TestValidateCleanGraphUnchanged(t *testing.T) {
	in := []Task{
		task("a", "Design schema"),
		task("b", "Implement schema", "a"),
		task("c", "Test schema", "b"),
	}
	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("clean graph produced warnings: %v", warnings)
	}
	if len(out[1].Dependencies) != 1 || out[1].Dependencies[0] != "a" {
		t.Errorf("dependencies changed: %v", out[1].Dependencies)
	}
	if err := ValidateStrict(out); err != nil {
		t.Errorf("ValidateStrict() = %v", err)
	}
}

func TestValidateRemovesMissingDependencies(t *testing.T) {
	in := []Task{
		task("a", "A", "ghost", "b", "phantom"),
		task("b", "B"),
	}
	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(out[0].Dependencies) != 1 || out[0].Dependencies[0] != "b" {
		t.Errorf("dependencies = %v, want [b]", out[0].Dependencies)
	}
	want := "Removed 2 missing dependencies from 'A'"
	if len(warnings) != 1 || warnings[0] != want {
		t.Errorf("warnings = %v, want [%q]", warnings, want)
	}
}

func TestValidateBreaksCycle(t *testing.T) {
	in := []Task{
		task("a", "A", "b"),
		task("b", "B", "c"),
		task("c", "C", "a"),
	}
	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := "Broke circular dependency: removed link from C to A"
	if len(warnings) != 1 || warnings[0] != want {
		t.Fatalf("warnings = %v, want [%q]", warnings, want)
	}
	if err := ValidateStrict(out); err != nil {
		t.Errorf("graph still invalid after repair: %v", err)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	in := []Task{{ID: "x", Name: "X", Status: StatusTodo, Dependencies: []string{"x"}}}
	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(out[0].Dependencies) != 0 {
		t.Errorf("self edge not removed: %v", out[0].Dependencies)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "removed link from X to X") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestValidateFiveTaskCycle(t *testing.T) {
	in := []Task{
		task("1", "T1", "2"),
		task("2", "T2", "3"),
		task("3", "T3", "4"),
		task("4", "T4", "5"),
		task("5", "T5", "1"),
	}
	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("expected one repair, got %v", warnings)
	}
	if err := ValidateStrict(out); err != nil {
		t.Errorf("graph still invalid: %v", err)
	}
}

func TestValidateFinalTaskBackfill(t *testing.T) {
	var in []Task
	for i := 1; i <= 8; i++ {
		in = append(in, task(fmt.Sprintf("t%d", i), fmt.Sprintf("Task %d", i)))
	}
	in = append(in, task("final", FinalTaskName))

	out, warnings, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := "Added 8 implementation task dependencies to 'PROJECT_SUCCESS'"
	if len(warnings) != 1 || warnings[0] != want {
		t.Fatalf("warnings = %v, want [%q]", warnings, want)
	}
	final := out[len(out)-1]
	if len(final.Dependencies) != 8 {
		t.Errorf("final task has %d dependencies, want 8", len(final.Dependencies))
	}
	if err := ValidateStrict(out); err != nil {
		t.Errorf("ValidateStrict() = %v", err)
	}
}

func TestValidateFinalByLabel(t *testing.T) {
	in := []Task{
		task("a", "Build it"),
		{ID: "z", Name: "Wrap up", Status: StatusTodo, Labels: []string{LabelFinal}},
	}
	out, _, err := Validate(in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(out[1].Dependencies) != 1 || out[1].Dependencies[0] != "a" {
		t.Errorf("labeled final task dependencies = %v, want [a]", out[1].Dependencies)
	}
}

func TestValidateUnfixable(t *testing.T) {
	// Eleven disjoint two-task cycles need eleven removals, one past the
	// repair budget.
	var in []Task
	for i := 0; i < 11; i++ {
		a := fmt.Sprintf("a%d", i)
		b := fmt.Sprintf("b%d", i)
		in = append(in, task(a, strings.ToUpper(a), b), task(b, strings.ToUpper(b), a))
	}
	_, _, err := Validate(in)
	var unfixable *ErrUnfixableGraph
	if !errors.As(err, &unfixable) {
		t.Fatalf("Validate() error = %v, want ErrUnfixableGraph", err)
	}
	if len(unfixable.Remaining) == 0 {
		t.Error("ErrUnfixableGraph names no remaining tasks")
	}
}

func TestGraphDependenciesMet(t *testing.T) {
	tasks := []Task{
		{ID: "a", Name: "A", Status: StatusDone},
		{ID: "b", Name: "B", Status: StatusTodo, Dependencies: []string{"a"}},
		{ID: "c", Name: "C", Status: StatusTodo, Dependencies: []string{"a", "b"}},
	}
	g := NewGraph(tasks)
	if !g.DependenciesMet(&tasks[1]) {
		t.Error("b should be assignable: its only dependency is done")
	}
	if g.DependenciesMet(&tasks[2]) {
		t.Error("c should not be assignable: b is not done")
	}
	unmet := g.UnmetDependencies(&tasks[2])
	if len(unmet) != 1 || unmet[0] != "b" {
		t.Errorf("UnmetDependencies = %v, want [b]", unmet)
	}
}
