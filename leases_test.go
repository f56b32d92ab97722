package marcus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/persist"
)

func leaseLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLeaseManager(t *testing.T) (*LeaseManager, persist.Store, *time.Time) {
	t.Helper()
	store, err := persist.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	events := bus.New(leaseLogger())
	t.Cleanup(events.Close)

	m := NewLeaseManager(store, events, leaseLogger(), DefaultLeaseConfig())
	clock := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, store, &clock
}

func storeTask(t *testing.T, store persist.Store, task board.Task) {
	t.Helper()
	if err := store.Store(context.Background(), persist.CollectionTasks, task.ID, task); err != nil {
		t.Fatalf("store task: %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newLeaseManager(t)

	task := board.Task{ID: "t1", Name: "T1", Status: board.StatusTodo}
	storeTask(t, store, task)

	lease, err := m.Issue(ctx, &task, "a1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if lease.ExpiresAt.Sub(lease.IssuedAt) != 30*time.Minute {
		t.Errorf("ttl = %v", lease.ExpiresAt.Sub(lease.IssuedAt))
	}

	if _, err := m.Verify(ctx, "t1", "a1"); err != nil {
		t.Errorf("Verify holder: %v", err)
	}
	if _, err := m.Verify(ctx, "t1", "a2"); KindOf(err) != KindStaleLease {
		t.Errorf("foreign Verify kind = %v, want StaleLease", KindOf(err))
	}
	if _, err := m.Verify(ctx, "unleased", "a1"); KindOf(err) != KindStaleLease {
		t.Errorf("missing Verify kind = %v, want StaleLease", KindOf(err))
	}
}

func TestRenewBudgetAndCap(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newLeaseManager(t)

	task := board.Task{ID: "t1", Name: "T1"}
	storeTask(t, store, task)
	lease, err := m.Issue(ctx, &task, "a1")
	if err != nil {
		t.Fatal(err)
	}
	issued := lease.IssuedAt

	// Renewals extend the expiry until the budget runs out.
	for i := 1; i <= 8; i++ {
		*clock = clock.Add(20 * time.Minute)
		lease, err = m.Renew(ctx, "t1", "a1")
		if err != nil {
			t.Fatalf("renewal %d: %v", i, err)
		}
		if lease.Renewals != i {
			t.Fatalf("renewal %d counted as %d", i, lease.Renewals)
		}
	}

	// The ninth report heartbeats but does not extend.
	before := lease.ExpiresAt
	*clock = clock.Add(10 * time.Minute)
	lease, err = m.Renew(ctx, "t1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if lease.Renewals != 8 || !lease.ExpiresAt.Equal(before) {
		t.Errorf("exhausted budget still extended: renewals=%d expires=%v", lease.Renewals, lease.ExpiresAt)
	}
	if !lease.LastHeartbeat.Equal(*clock) {
		t.Error("heartbeat not recorded after budget exhaustion")
	}

	// No renewal schedule can push the expiry past the absolute cap.
	if hardStop := issued.Add(4 * time.Hour); lease.ExpiresAt.After(hardStop) {
		t.Errorf("expiry %v past hard stop %v", lease.ExpiresAt, hardStop)
	}
}

func TestTickRecoversExpiredLease(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newLeaseManager(t)

	task := board.Task{ID: "t1", Name: "T1", Status: board.StatusInProgress, AssignedTo: "a1"}
	storeTask(t, store, task)
	if _, err := m.Issue(ctx, &task, "a1"); err != nil {
		t.Fatal(err)
	}

	// Still live: nothing recovered.
	recovered, err := m.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered %v before expiry", recovered)
	}

	*clock = clock.Add(31 * time.Minute)
	recovered, err = m.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "t1" {
		t.Fatalf("recovered = %v", recovered)
	}

	var after board.Task
	if err := store.Retrieve(ctx, persist.CollectionTasks, "t1", &after); err != nil {
		t.Fatal(err)
	}
	if after.Status != board.StatusTodo || after.AssignedTo != "" || after.StallCount != 1 {
		t.Errorf("recovered task = %+v", after)
	}
	if prev, ok := m.PreviousAgent("t1"); !ok || prev != "a1" {
		t.Errorf("previous agent = %q %v", prev, ok)
	}
	if _, err := m.Verify(ctx, "t1", "a1"); KindOf(err) != KindStaleLease {
		t.Error("lease survived recovery")
	}
}

func TestTickRecoversExpiredSubtaskLease(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newLeaseManager(t)

	st := board.Subtask{
		Task:         board.Task{ID: "s1", Name: "S1", Status: board.StatusInProgress, AssignedTo: "a2"},
		ParentTaskID: "pt",
		Order:        1,
	}
	if err := store.Store(ctx, persist.CollectionSubtasks, st.ID, st); err != nil {
		t.Fatalf("store subtask: %v", err)
	}
	if _, err := m.Issue(ctx, &st.Task, "a2"); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(31 * time.Minute)
	recovered, err := m.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "s1" {
		t.Fatalf("recovered = %v", recovered)
	}

	var after board.Subtask
	if err := store.Retrieve(ctx, persist.CollectionSubtasks, "s1", &after); err != nil {
		t.Fatal(err)
	}
	if after.Status != board.StatusTodo || after.AssignedTo != "" || after.StallCount != 1 {
		t.Errorf("recovered subtask = %+v", after.Task)
	}
	if prev, ok := m.PreviousAgent("s1"); !ok || prev != "a2" {
		t.Errorf("previous agent = %q %v", prev, ok)
	}
}

func TestThirdStallFlagsForReview(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newLeaseManager(t)

	task := board.Task{ID: "t1", Name: "T1", Status: board.StatusInProgress, Priority: board.PriorityMedium}
	storeTask(t, store, task)

	for stall := 1; stall <= 3; stall++ {
		var current board.Task
		if err := store.Retrieve(ctx, persist.CollectionTasks, "t1", &current); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Issue(ctx, &current, "a1"); err != nil {
			t.Fatal(err)
		}
		*clock = clock.Add(31 * time.Minute)
		if _, err := m.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}

	var after board.Task
	if err := store.Retrieve(ctx, persist.CollectionTasks, "t1", &after); err != nil {
		t.Fatal(err)
	}
	if after.StallCount != 3 {
		t.Fatalf("stall count = %d", after.StallCount)
	}
	if !after.HasLabel(board.LabelNeedsReview) {
		t.Error("third stall did not flag for review")
	}
	if after.Priority != board.PriorityHigh {
		t.Errorf("priority = %s, want one escalation to high", after.Priority)
	}
}

func TestEscalationHappensOnce(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newLeaseManager(t)

	task := board.Task{ID: "t1", Name: "T1", Priority: board.PriorityLow}
	storeTask(t, store, task)

	for stall := 1; stall <= 4; stall++ {
		var current board.Task
		if err := store.Retrieve(ctx, persist.CollectionTasks, "t1", &current); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Issue(ctx, &current, "a1"); err != nil {
			t.Fatal(err)
		}
		*clock = clock.Add(31 * time.Minute)
		if _, err := m.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}

	var after board.Task
	if err := store.Retrieve(ctx, persist.CollectionTasks, "t1", &after); err != nil {
		t.Fatal(err)
	}
	if after.Priority != board.PriorityMedium {
		t.Errorf("priority = %s, want medium (escalated exactly once)", after.Priority)
	}
}

func TestReleaseAgent(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newLeaseManager(t)

	for _, id := range []string{"t1", "t2"} {
		task := board.Task{ID: id, Name: id}
		storeTask(t, store, task)
		if _, err := m.Issue(ctx, &task, "a1"); err != nil {
			t.Fatal(err)
		}
	}
	other := board.Task{ID: "t3", Name: "t3"}
	storeTask(t, store, other)
	if _, err := m.Issue(ctx, &other, "a2"); err != nil {
		t.Fatal(err)
	}

	dropped, err := m.ReleaseAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("ReleaseAgent: %v", err)
	}
	if len(dropped) != 2 {
		t.Errorf("dropped %d leases, want 2", len(dropped))
	}
	if n, _ := m.ActiveCount(ctx, "a1"); n != 0 {
		t.Errorf("a1 still holds %d leases", n)
	}
	if n, _ := m.ActiveCount(ctx, "a2"); n != 1 {
		t.Errorf("a2 holds %d leases, want 1", n)
	}
}
