package board

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// maxRepairIterations bounds the cycle-breaking loop. A graph still cyclic
// after this many removals is reported as unfixable.
const maxRepairIterations = 10

// ErrUnfixableGraph is returned when the validator exhausts its repair
// budget without producing an acyclic graph.
type ErrUnfixableGraph struct {
	Remaining []string // names of tasks still on a cycle
}

func (e *ErrUnfixableGraph) Error() string {
	return fmt.Sprintf("task graph not repairable after %d cycle removals (still cyclic: %v)", maxRepairIterations, e.Remaining)
}

// Graph is a directed dependency graph computed from a task set. Edges point
// from a task to each of its dependencies.
type Graph struct {
	byID  map[string]*Task
	order []string // insertion order of task ids
}

// NewGraph builds a graph over the given tasks. The tasks are not copied;
// callers that need isolation should pass copies.
func NewGraph(tasks []Task) *Graph {
	g := &Graph{byID: make(map[string]*Task, len(tasks))}
	for i := range tasks {
		t := &tasks[i]
		if _, dup := g.byID[t.ID]; dup {
			continue
		}
		g.byID[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	return g
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// Dependents returns the ids of tasks that list id as a dependency, in
// insertion order.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, tid := range g.order {
		if lo.Contains(g.byID[tid].Dependencies, id) {
			out = append(out, tid)
		}
	}
	return out
}

// DependenciesMet reports whether every dependency of the task is done.
func (g *Graph) DependenciesMet(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.byID[dep]
		if !ok || d.Status != StatusDone {
			return false
		}
	}
	return true
}

// UnmetDependencies returns the ids of dependencies that are not done.
func (g *Graph) UnmetDependencies(t *Task) []string {
	return lo.Filter(t.Dependencies, func(dep string, _ int) bool {
		d, ok := g.byID[dep]
		return !ok || d.Status != StatusDone
	})
}

// findCycle runs a depth-first search and returns the first cycle found as a
// path of task ids [t0, t1, ..., tn] where tn's dependencies include t0.
// Returns nil when the graph is acyclic. Traversal order follows insertion
// order so repairs are deterministic.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.byID))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.byID[id].Dependencies {
			if _, ok := g.byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// Found a back edge: the cycle starts at dep's position
				// on the current path and closes with id -> dep.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append([]string{}, path[start:]...)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Validate repairs a task graph in place and returns the repaired tasks with
// a warning per applied repair. Repairs run in a fixed order: orphan
// dependency removal, cycle breaking, final-task dependency backfill. A graph
// still cyclic after the repair budget returns ErrUnfixableGraph.
//
// Applying Validate to an already-valid graph returns it unchanged with zero
// warnings.
func Validate(tasks []Task) ([]Task, []string, error) {
	if len(tasks) == 0 {
		return tasks, nil, nil
	}
	var warnings []string

	// Orphan removal: dependency ids absent from the task set are dropped.
	ids := lo.SliceToMap(tasks, func(t Task) (string, struct{}) { return t.ID, struct{}{} })
	for i := range tasks {
		t := &tasks[i]
		kept := lo.Filter(t.Dependencies, func(dep string, _ int) bool {
			_, ok := ids[dep]
			return ok
		})
		if removed := len(t.Dependencies) - len(kept); removed > 0 {
			warnings = append(warnings, fmt.Sprintf("Removed %d missing dependencies from '%s'", removed, t.Name))
			t.Dependencies = kept
		}
	}

	// Cycle breaking: while a cycle exists, remove the edge closing the
	// detected cycle path.
	g := NewGraph(tasks)
	broken := 0
	for {
		cycle := g.findCycle()
		if cycle == nil {
			break
		}
		if broken >= maxRepairIterations {
			names := lo.Map(cycle, func(id string, _ int) string { return g.byID[id].Name })
			return nil, warnings, &ErrUnfixableGraph{Remaining: names}
		}
		from := g.byID[cycle[len(cycle)-1]]
		to := g.byID[cycle[0]]
		from.Dependencies = lo.Without(from.Dependencies, to.ID)
		warnings = append(warnings, fmt.Sprintf("Broke circular dependency: removed link from %s to %s", from.Name, to.Name))
		broken++
	}

	// Final-task backfill: a final task with no dependencies depends on
	// every non-final task, when any exist.
	nonFinal := lo.Filter(tasks, func(t Task, _ int) bool { return !(&t).IsFinal() })
	if len(nonFinal) > 0 {
		for i := range tasks {
			t := &tasks[i]
			if !t.IsFinal() || len(t.Dependencies) > 0 {
				continue
			}
			for _, nf := range nonFinal {
				t.AddDependency(nf.ID)
			}
			warnings = append(warnings, fmt.Sprintf("Added %d implementation task dependencies to '%s'", len(nonFinal), t.Name))
		}
	}

	return tasks, warnings, nil
}

// ValidateStrict checks the graph invariants without repairing. It returns
// one error per violation, combined. Used by tests to assert that a graph
// the validator produced needs no further repair.
func ValidateStrict(tasks []Task) error {
	var err error
	ids := lo.SliceToMap(tasks, func(t Task) (string, struct{}) { return t.ID, struct{}{} })
	for i := range tasks {
		t := &tasks[i]
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				err = multierr.Append(err, fmt.Errorf("task %q references missing dependency %q", t.Name, dep))
			}
			if dep == t.ID {
				err = multierr.Append(err, fmt.Errorf("task %q depends on itself", t.Name))
			}
		}
	}
	g := NewGraph(tasks)
	if cycle := g.findCycle(); cycle != nil {
		err = multierr.Append(err, fmt.Errorf("dependency cycle: %v", cycle))
	}
	nonFinal := lo.CountBy(tasks, func(t Task) bool { return !(&t).IsFinal() })
	for i := range tasks {
		t := &tasks[i]
		if t.IsFinal() && len(t.Dependencies) == 0 && nonFinal > 0 {
			err = multierr.Append(err, fmt.Errorf("final task %q has no dependencies", t.Name))
		}
	}
	return err
}
