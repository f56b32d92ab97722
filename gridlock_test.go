package marcus

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
)

func gridlockLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockedBoard is one in-progress task plus todo tasks that all wait on it.
func blockedBoard() []board.Task {
	return []board.Task{
		{ID: "t1", Name: "migrate schema", Status: board.StatusInProgress},
		{ID: "t2", Name: "write queries", Status: board.StatusTodo, Dependencies: []string{"t1"}},
		{ID: "t3", Name: "wire handlers", Status: board.StatusTodo, Dependencies: []string{"t1"}},
	}
}

func newDetector(t *testing.T) (*GridlockDetector, *bus.Bus, *time.Time) {
	t.Helper()
	events := bus.New(gridlockLogger())
	t.Cleanup(events.Close)
	d := NewGridlockDetector(events, gridlockLogger(), DefaultGridlockConfig())
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	return d, events, &clock
}

func TestGridlockDetected(t *testing.T) {
	d, _, clock := newDetector(t)

	for i, agent := range []string{"a1", "a2", "a3"} {
		*clock = clock.Add(time.Duration(i+1) * 2 * time.Second)
		d.RecordRefusal(agent, "no assignable tasks")
	}

	diag := d.Check(context.Background(), blockedBoard())
	if !diag.Detected {
		t.Fatalf("not detected: %s", diag.Message)
	}
	if diag.Refusals != 3 {
		t.Errorf("refusals = %d", diag.Refusals)
	}
	if len(diag.BlockedTasks) != 2 {
		t.Fatalf("blocked tasks = %d, want 2", len(diag.BlockedTasks))
	}
	if diag.BlockedTasks[0].TaskID != "t2" || diag.BlockedTasks[0].WaitingOn[0] != "migrate schema" {
		t.Errorf("blocked[0] = %+v", diag.BlockedTasks[0])
	}
	if len(diag.Suggestions) == 0 || !strings.Contains(diag.Suggestions[len(diag.Suggestions)-1], "in progress") {
		t.Errorf("suggestions = %v", diag.Suggestions)
	}
}

func TestGridlockCooldownSuppressesRepeatAlerts(t *testing.T) {
	d, _, clock := newDetector(t)

	for i, agent := range []string{"a1", "a2", "a3"} {
		*clock = clock.Add(time.Duration(i+1) * 2 * time.Second)
		d.RecordRefusal(agent, "empty pull")
	}
	first := d.Check(context.Background(), blockedBoard())
	if !first.Detected {
		t.Fatalf("first check not detected: %s", first.Message)
	}

	*clock = clock.Add(time.Minute)
	second := d.Check(context.Background(), blockedBoard())
	if second.Detected {
		t.Error("alert repeated inside cooldown")
	}
	if !strings.Contains(second.Message, "suppressed") {
		t.Errorf("message = %q", second.Message)
	}

	*clock = clock.Add(10 * time.Minute)
	for i, agent := range []string{"a1", "a2", "a3"} {
		*clock = clock.Add(time.Duration(i+1) * 2 * time.Second)
		d.RecordRefusal(agent, "empty pull")
	}
	third := d.Check(context.Background(), blockedBoard())
	if !third.Detected {
		t.Errorf("alert not re-raised after cooldown: %s", third.Message)
	}
}

func TestGridlockDedupesRapidRefusals(t *testing.T) {
	d, _, clock := newDetector(t)

	d.RecordRefusal("a1", "empty pull")
	*clock = clock.Add(200 * time.Millisecond)
	d.RecordRefusal("a1", "empty pull retry")
	*clock = clock.Add(200 * time.Millisecond)
	d.RecordRefusal("a2", "empty pull")

	diag := d.Check(context.Background(), nil)
	if diag.Refusals != 2 {
		t.Errorf("refusals = %d, want 2 (rapid duplicate collapsed)", diag.Refusals)
	}

	*clock = clock.Add(2 * time.Second)
	d.RecordRefusal("a1", "empty pull again")
	diag = d.Check(context.Background(), nil)
	if diag.Refusals != 3 {
		t.Errorf("refusals = %d, want 3 (outside dedup window)", diag.Refusals)
	}
}

func TestGridlockWindowExpiry(t *testing.T) {
	d, _, clock := newDetector(t)

	for i, agent := range []string{"a1", "a2", "a3"} {
		*clock = clock.Add(time.Duration(i+1) * 2 * time.Second)
		d.RecordRefusal(agent, "empty pull")
	}
	*clock = clock.Add(6 * time.Minute)
	diag := d.Check(context.Background(), blockedBoard())
	if diag.Detected {
		t.Error("stale refusals still triggered an alert")
	}
	if diag.Refusals != 0 {
		t.Errorf("refusals = %d after window expiry", diag.Refusals)
	}
}

func TestGridlockConditions(t *testing.T) {
	cases := []struct {
		name  string
		tasks []board.Task
		want  bool
	}{
		{
			name:  "all todo blocked",
			tasks: blockedBoard(),
			want:  true,
		},
		{
			name: "an unblocked todo task exists",
			tasks: append(blockedBoard(),
				board.Task{ID: "t4", Name: "free", Status: board.StatusTodo}),
			want: false,
		},
		{
			name: "too many tasks in progress",
			tasks: append(blockedBoard(),
				board.Task{ID: "t5", Name: "busy", Status: board.StatusInProgress}),
			want: false,
		},
		{
			name: "nothing todo",
			tasks: []board.Task{
				{ID: "t1", Name: "only", Status: board.StatusInProgress},
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _, clock := newDetector(t)
			for i, agent := range []string{"a1", "a2", "a3"} {
				*clock = clock.Add(time.Duration(i+1) * 2 * time.Second)
				d.RecordRefusal(agent, "empty pull")
			}
			diag := d.Check(context.Background(), tc.tasks)
			if diag.Detected != tc.want {
				t.Errorf("detected = %v, want %v (%s)", diag.Detected, tc.want, diag.Message)
			}
		})
	}
}
