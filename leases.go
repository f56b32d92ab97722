package marcus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/metrics"
	"github.com/marcushq/marcus/internal/persist"
)

// LeaseConfig bounds how long an agent can hold a task.
type LeaseConfig struct {
	TTL         time.Duration
	MaxRenewals int
	MaxTotal    time.Duration
}

// DefaultLeaseConfig matches the production coordination window: a half-hour
// lease renewable up to eight times, never past four hours total.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:         30 * time.Minute,
		MaxRenewals: 8,
		MaxTotal:    4 * time.Hour,
	}
}

// stallReviewThreshold is the stall count at which a task is flagged for
// human review and escalated once.
const stallReviewThreshold = 3

// LeaseManager owns assignment leases. One live lease exists per task, keyed
// by task id; released leases move to the assignments audit collection.
type LeaseManager struct {
	store  persist.Store
	events *bus.Bus
	logger *slog.Logger
	cfg    LeaseConfig
	now    func() time.Time

	mu sync.Mutex
	// prevAgent remembers who held a recovered task, so the scheduler can
	// offer it back to them first.
	prevAgent map[string]string
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(store persist.Store, events *bus.Bus, logger *slog.Logger, cfg LeaseConfig) *LeaseManager {
	if cfg.TTL <= 0 {
		cfg = DefaultLeaseConfig()
	}
	return &LeaseManager{
		store:     store,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		prevAgent: make(map[string]string),
	}
}

// Issue creates a lease binding the task to the agent. The lease is durable
// before Issue returns; callers flip the task status only afterwards.
func (m *LeaseManager) Issue(ctx context.Context, task *board.Task, agentID string) (board.Lease, error) {
	now := m.now()
	lease := board.Lease{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		AgentID:       agentID,
		ProjectID:     task.ProjectID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.cfg.TTL),
		LastHeartbeat: now,
		Status:        board.LeaseActive,
	}
	if err := m.store.Store(ctx, persist.CollectionLeases, task.ID, lease); err != nil {
		return lease, classify(err, "persist lease")
	}
	metrics.ActiveLeases.Inc()
	m.events.Publish(ctx, bus.Event{
		Type:   bus.TypeLeaseIssued,
		Source: "leases",
		Data:   map[string]any{"task_id": task.ID, "agent_id": agentID, "lease_id": lease.ID},
	}, false)
	return lease, nil
}

// Rollback deletes a just-issued lease after a failed assignment commit.
func (m *LeaseManager) Rollback(ctx context.Context, taskID string) error {
	if err := m.store.Delete(ctx, persist.CollectionLeases, taskID); err != nil {
		return classify(err, "rollback lease")
	}
	metrics.ActiveLeases.Dec()
	return nil
}

// Verify returns the live lease for (taskID, agentID). A missing, expired,
// or foreign lease yields a StaleLease error.
func (m *LeaseManager) Verify(ctx context.Context, taskID, agentID string) (board.Lease, error) {
	var lease board.Lease
	err := m.store.Retrieve(ctx, persist.CollectionLeases, taskID, &lease)
	if errors.Is(err, persist.ErrNotFound) {
		return lease, Errorf(KindStaleLease, "no live lease on task %s", taskID).
			WithDetail("task_id", taskID)
	}
	if err != nil {
		return lease, classify(err, "read lease")
	}
	if !lease.Status.Live() || lease.AgentID != agentID {
		return lease, Errorf(KindStaleLease, "task %s is not leased to %s", taskID, agentID).
			WithDetail("task_id", taskID).
			WithDetail("held_by", lease.AgentID)
	}
	return lease, nil
}

// Renew extends a lease on a progress report. Extension stops at the renewal
// budget and the absolute cap; a heartbeat is recorded regardless so the
// monitor can tell a slow agent from a dead one.
func (m *LeaseManager) Renew(ctx context.Context, taskID, agentID string) (board.Lease, error) {
	lease, err := m.Verify(ctx, taskID, agentID)
	if err != nil {
		return lease, err
	}
	now := m.now()
	lease.LastHeartbeat = now

	if lease.Renewals < m.cfg.MaxRenewals {
		expires := now.Add(m.cfg.TTL)
		if hardStop := lease.IssuedAt.Add(m.cfg.MaxTotal); expires.After(hardStop) {
			expires = hardStop
		}
		if expires.After(lease.ExpiresAt) {
			lease.ExpiresAt = expires
			lease.Renewals++
			lease.Status = board.LeaseRenewed
			m.events.Publish(ctx, bus.Event{
				Type:   bus.TypeLeaseRenewed,
				Source: "leases",
				Data:   map[string]any{"task_id": taskID, "agent_id": agentID, "renewals": lease.Renewals},
			}, false)
		}
	}

	if err := m.store.Store(ctx, persist.CollectionLeases, taskID, lease); err != nil {
		return lease, classify(err, "persist lease renewal")
	}
	return lease, nil
}

// Release ends a lease and archives it in the assignments audit collection.
func (m *LeaseManager) Release(ctx context.Context, taskID, agentID string) error {
	lease, err := m.Verify(ctx, taskID, agentID)
	if err != nil {
		return err
	}
	return m.retire(ctx, lease, board.LeaseReleased)
}

// ReleaseAgent drops every live lease an agent holds. Used when an agent
// re-registers after a crash.
func (m *LeaseManager) ReleaseAgent(ctx context.Context, agentID string) ([]board.Lease, error) {
	leases, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []board.Lease
	for _, lease := range leases {
		if lease.AgentID != agentID {
			continue
		}
		if err := m.retire(ctx, lease, board.LeaseReleased); err != nil {
			return dropped, err
		}
		dropped = append(dropped, lease)
	}
	return dropped, nil
}

// retire archives a lease and removes the live record.
func (m *LeaseManager) retire(ctx context.Context, lease board.Lease, status board.LeaseStatus) error {
	lease.Status = status
	if err := m.store.Store(ctx, persist.CollectionAssignments, lease.ID, lease); err != nil {
		return classify(err, "archive lease")
	}
	if err := m.store.Delete(ctx, persist.CollectionLeases, lease.TaskID); err != nil {
		return classify(err, "delete lease")
	}
	metrics.ActiveLeases.Dec()
	return nil
}

// live returns every lease still binding a task.
func (m *LeaseManager) live(ctx context.Context) ([]board.Lease, error) {
	recs, err := m.store.Query(ctx, persist.CollectionLeases, nil, 0, 0)
	if err != nil {
		return nil, classify(err, "query leases")
	}
	leases := persist.DecodeAll[board.Lease](recs)
	out := leases[:0]
	for _, l := range leases {
		if l.Status.Live() {
			out = append(out, l)
		}
	}
	return out, nil
}

// ActiveCount returns how many live leases an agent holds.
func (m *LeaseManager) ActiveCount(ctx context.Context, agentID string) (int, error) {
	leases, err := m.live(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range leases {
		if l.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

// PreviousAgent reports who last held a recovered task, if anyone.
func (m *LeaseManager) PreviousAgent(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.prevAgent[taskID]
	return agent, ok
}

// ClearPreviousAgent forgets the recovery provenance once the task is
// reassigned.
func (m *LeaseManager) ClearPreviousAgent(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prevAgent, taskID)
}

// Tick recovers expired leases: the task returns to the pool with its stall
// count bumped, and a third stall flags it for review with a one-time
// priority escalation. Returns the recovered task ids.
func (m *LeaseManager) Tick(ctx context.Context) ([]string, error) {
	leases, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var recovered []string
	for _, lease := range leases {
		if lease.ExpiresAt.After(now) {
			continue
		}
		if err := m.recover(ctx, lease); err != nil {
			m.logger.Error("Lease recovery failed", "task_id", lease.TaskID, "error", err)
			continue
		}
		recovered = append(recovered, lease.TaskID)
	}
	return recovered, nil
}

// recover returns the leased work to the pool. Leases bind plain tasks and
// subtasks alike, so both collections are checked.
func (m *LeaseManager) recover(ctx context.Context, lease board.Lease) error {
	stallCount := 0
	var task board.Task
	err := m.store.Retrieve(ctx, persist.CollectionTasks, lease.TaskID, &task)
	switch {
	case err == nil:
		m.stall(&task, lease.AgentID)
		stallCount = task.StallCount
		if err := m.store.Store(ctx, persist.CollectionTasks, task.ID, task); err != nil {
			return classify(err, "persist recovered task")
		}
	case errors.Is(err, persist.ErrNotFound):
		var st board.Subtask
		serr := m.store.Retrieve(ctx, persist.CollectionSubtasks, lease.TaskID, &st)
		switch {
		case serr == nil:
			m.stall(&st.Task, lease.AgentID)
			stallCount = st.StallCount
			if err := m.store.Store(ctx, persist.CollectionSubtasks, st.ID, st); err != nil {
				return classify(err, "persist recovered subtask")
			}
		case errors.Is(serr, persist.ErrNotFound):
			// Lease on deleted work; just retire it.
		default:
			return classify(serr, "read stalled subtask")
		}
	default:
		return classify(err, "read stalled task")
	}

	if err := m.retire(ctx, lease, board.LeaseRecovered); err != nil {
		return err
	}
	m.mu.Lock()
	m.prevAgent[lease.TaskID] = lease.AgentID
	m.mu.Unlock()

	metrics.LeasesRecovered.Inc()
	m.logger.Info("Recovered expired lease",
		"task_id", lease.TaskID, "agent_id", lease.AgentID, "stall_count", stallCount)
	m.events.Publish(ctx, bus.Event{
		Type:   bus.TypeLeaseRecovered,
		Source: "leases",
		Data: map[string]any{
			"task_id":        lease.TaskID,
			"previous_agent": lease.AgentID,
			"stall_count":    stallCount,
		},
	}, false)
	return nil
}

// stall resets recovered work to todo and bumps its stall bookkeeping.
func (m *LeaseManager) stall(t *board.Task, agentID string) {
	t.AssignedTo = ""
	t.StallCount++
	t.Transition(board.StatusTodo, "lease-monitor",
		fmt.Sprintf("lease expired, recovered from %s", agentID))
	if t.StallCount == stallReviewThreshold {
		if !t.HasLabel(board.LabelNeedsReview) {
			t.Labels = append(t.Labels, board.LabelNeedsReview)
		}
		t.Priority = escalate(t.Priority)
		m.logger.Warn("Task stalled repeatedly, flagged for review",
			"task_id", t.ID, "stall_count", t.StallCount, "priority", t.Priority)
	}
}

// escalate bumps priority one level. Urgent stays urgent.
func escalate(p board.Priority) board.Priority {
	switch p {
	case board.PriorityLow:
		return board.PriorityMedium
	case board.PriorityMedium:
		return board.PriorityHigh
	case board.PriorityHigh, board.PriorityUrgent:
		return board.PriorityUrgent
	}
	return board.PriorityHigh
}
