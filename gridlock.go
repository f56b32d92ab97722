package marcus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/metrics"
)

// GridlockConfig tunes the stall detector.
type GridlockConfig struct {
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
}

// DefaultGridlockConfig matches the production detector: three refusals in
// five minutes, re-alerting no more than every ten.
func DefaultGridlockConfig() GridlockConfig {
	return GridlockConfig{
		Window:    5 * time.Minute,
		Threshold: 3,
		Cooldown:  10 * time.Minute,
	}
}

// refusalDedupWindow collapses duplicate refusals from one agent, which
// happen when a client retries an empty pull immediately.
const refusalDedupWindow = time.Second

// diagnosisTaskLimit caps how many blocked tasks a diagnosis names.
const diagnosisTaskLimit = 5

type refusal struct {
	AgentID string
	Reason  string
	At      time.Time
}

// BlockedTaskInfo names one blocked task and what it waits on.
type BlockedTaskInfo struct {
	TaskID    string   `json:"task_id"`
	Name      string   `json:"name"`
	WaitingOn []string `json:"waiting_on"`
}

// Diagnosis is the result of a gridlock check. The same board state always
// produces the same diagnosis.
type Diagnosis struct {
	Detected     bool              `json:"detected"`
	Message      string            `json:"message"`
	Refusals     int               `json:"refusals_in_window"`
	BlockedTasks []BlockedTaskInfo `json:"blocked_tasks,omitempty"`
	Suggestions  []string          `json:"suggestions,omitempty"`
	At           time.Time         `json:"at"`
}

// GridlockDetector watches for the whole pool stalling: agents keep asking
// for work and nothing is assignable. It alerts at most once per cooldown.
type GridlockDetector struct {
	events *bus.Bus
	logger *slog.Logger
	cfg    GridlockConfig
	now    func() time.Time
	titles cases.Caser

	mu        sync.Mutex
	refusals  []refusal
	lastAlert time.Time
}

// NewGridlockDetector creates a detector.
func NewGridlockDetector(events *bus.Bus, logger *slog.Logger, cfg GridlockConfig) *GridlockDetector {
	if cfg.Threshold < 1 {
		cfg = DefaultGridlockConfig()
	}
	return &GridlockDetector{
		events: events,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		titles: cases.Title(language.English),
	}
}

// RecordRefusal notes that an agent asked for work and got none. Refusals
// from the same agent within the dedup window count once.
func (g *GridlockDetector) RecordRefusal(agentID, reason string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := len(g.refusals) - 1; i >= 0; i-- {
		r := g.refusals[i]
		if now.Sub(r.At) > refusalDedupWindow {
			break
		}
		if r.AgentID == agentID {
			return
		}
	}
	g.refusals = append(g.refusals, refusal{AgentID: agentID, Reason: reason, At: now})
	g.prune(now)
}

// prune drops refusals older than the window. Callers hold the mutex.
func (g *GridlockDetector) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	idx := 0
	for idx < len(g.refusals) && g.refusals[idx].At.Before(cutoff) {
		idx++
	}
	g.refusals = g.refusals[idx:]
}

// Check evaluates the gridlock conditions against the current task set and
// emits an alert when they all hold. Returns the diagnosis either way.
func (g *GridlockDetector) Check(ctx context.Context, tasks []board.Task) Diagnosis {
	now := g.now()

	g.mu.Lock()
	g.prune(now)
	refusalCount := len(g.refusals)
	coolingDown := !g.lastAlert.IsZero() && now.Sub(g.lastAlert) < g.cfg.Cooldown
	g.mu.Unlock()

	diag := Diagnosis{Refusals: refusalCount, At: now}

	graph := board.NewGraph(tasks)
	var todo, inProgress int
	var blocked []BlockedTaskInfo
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case board.StatusInProgress:
			inProgress++
		case board.StatusTodo:
			todo++
			unmet := graph.UnmetDependencies(t)
			if len(unmet) > 0 {
				names := make([]string, 0, len(unmet))
				for _, dep := range unmet {
					if d, ok := graph.Task(dep); ok {
						names = append(names, d.Name)
					} else {
						names = append(names, dep)
					}
				}
				sort.Strings(names)
				blocked = append(blocked, BlockedTaskInfo{TaskID: t.ID, Name: t.Name, WaitingOn: names})
			}
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].TaskID < blocked[j].TaskID })

	stalled := refusalCount >= g.cfg.Threshold &&
		todo >= 1 &&
		len(blocked) == todo &&
		inProgress <= 1

	if !stalled {
		diag.Message = fmt.Sprintf("No gridlock: %d todo, %d in progress, %d refusals in window",
			todo, inProgress, refusalCount)
		return diag
	}
	if coolingDown {
		diag.Message = "Gridlock conditions hold, alert suppressed by cooldown"
		return diag
	}

	if len(blocked) > diagnosisTaskLimit {
		blocked = blocked[:diagnosisTaskLimit]
	}
	diag.Detected = true
	diag.BlockedTasks = blocked
	diag.Suggestions = g.suggest(blocked, inProgress)
	diag.Message = fmt.Sprintf("Gridlock detected: %d refusals in %s, every todo task is blocked",
		refusalCount, g.cfg.Window)

	g.mu.Lock()
	g.lastAlert = now
	g.mu.Unlock()

	metrics.GridlockAlerts.Inc()
	g.logger.Warn("Gridlock detected", "refusals", refusalCount, "blocked_tasks", len(blocked))
	g.events.Publish(ctx, bus.Event{
		Type:   bus.TypeGridlockDetected,
		Source: "gridlock",
		Data: map[string]any{
			"refusals":      refusalCount,
			"blocked_tasks": len(blocked),
			"message":       diag.Message,
		},
	}, false)
	return diag
}

// suggest proposes remedies in a fixed order so diagnoses are comparable
// across runs.
func (g *GridlockDetector) suggest(blocked []BlockedTaskInfo, inProgress int) []string {
	var out []string
	for _, b := range blocked {
		out = append(out, fmt.Sprintf("%s waits on: %s",
			g.titles.String(b.Name), strings.Join(b.WaitingOn, ", ")))
	}
	if inProgress == 1 {
		out = append(out, "One task is in progress; the pool unblocks when it completes")
	} else {
		out = append(out, "Review the listed dependencies for ordering mistakes or stale blockers")
	}
	return out
}
