package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishWaitRunsHandlersInline(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var got []string
	b.Subscribe("task.assigned", func(ctx context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	})

	ev := b.Publish(context.Background(), Event{Type: "task.assigned", Source: "test"}, true)
	if len(got) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(got))
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("Publish did not fill in id and timestamp")
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var types []string
	b.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), Event{Type: "a"}, true)
	b.Publish(context.Background(), Event{Type: "b"}, true)
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("wildcard saw %v, want [a b]", types)
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	ran := false
	b.Subscribe("x", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	b.Subscribe("x", func(ctx context.Context, ev Event) error {
		panic("worse")
	})
	b.Subscribe("x", func(ctx context.Context, ev Event) error {
		ran = true
		return nil
	})

	b.Publish(context.Background(), Event{Type: "x"}, true)
	if !ran {
		t.Error("a failing sibling handler prevented delivery")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	calls := 0
	cancel := b.Subscribe("x", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	b.Publish(context.Background(), Event{Type: "x"}, true)
	cancel()
	b.Publish(context.Background(), Event{Type: "x"}, true)
	if calls != 1 {
		t.Errorf("handler ran %d times after unsubscribe, want 1", calls)
	}
}

func TestHistoryBounded(t *testing.T) {
	b := New(testLogger(), WithHistoryLimit(10))
	defer b.Close()

	for i := 0; i < 25; i++ {
		b.Publish(context.Background(), Event{Type: fmt.Sprintf("e%d", i)}, true)
	}
	all := b.History(0)
	if len(all) != 10 {
		t.Fatalf("history holds %d events, want 10", len(all))
	}
	if all[0].Type != "e15" || all[9].Type != "e24" {
		t.Errorf("history window = [%s .. %s], want [e15 .. e24]", all[0].Type, all[9].Type)
	}
	tail := b.History(3)
	if len(tail) != 3 || tail[2].Type != "e24" {
		t.Errorf("History(3) = %v", tail)
	}
}

func TestAsyncPublishKeepsOrderUnderBackpressure(t *testing.T) {
	b := New(testLogger(), WithHistoryLimit(1))
	defer b.Close()

	// Far more events than the dispatch queue holds, with the handler
	// stalled on the first delivery so the queue fills behind it.
	const n = 600
	release := make(chan struct{})
	seen := make(chan int, n)
	first := true
	b.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		if first {
			first = false
			<-release
		}
		seen <- ev.Data["seq"].(int)
		return nil
	})

	go func() {
		for i := 0; i < n; i++ {
			b.Publish(context.Background(), Event{
				Type: "seq",
				Data: map[string]any{"seq": i},
			}, false)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	for want := 0; want < n; want++ {
		if got := <-seen; got != want {
			t.Fatalf("event %d delivered in position %d", got, want)
		}
	}
}

func TestHistoryLimitLargerThanRing(t *testing.T) {
	b := New(testLogger())
	defer b.Close()
	b.Publish(context.Background(), Event{Type: "only"}, true)
	if got := b.History(100); len(got) != 1 {
		t.Errorf("History(100) = %d events, want 1", len(got))
	}
}
