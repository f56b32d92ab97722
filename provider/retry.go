package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/marcushq/marcus/internal/metrics"
)

const (
	retryAttempts = 3
	retryBase     = time.Second
	retryMax      = 30 * time.Second
)

// withRetry runs op up to retryAttempts times with exponential backoff and
// jitter. Context cancellation stops the retry loop immediately.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			metrics.ProviderRetries.Inc()
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > retryMax {
				delay = retryMax
			}
		}
		if err := op(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// RetryingKanban wraps a KanbanProvider with the standard retry policy.
type RetryingKanban struct {
	Inner KanbanProvider
}

// ListProjects implements KanbanProvider.
func (r RetryingKanban) ListProjects(ctx context.Context) ([]RemoteProject, error) {
	var out []RemoteProject
	err := withRetry(ctx, func() error {
		var err error
		out, err = r.Inner.ListProjects(ctx)
		return err
	})
	return out, err
}

// ListTasks implements KanbanProvider.
func (r RetryingKanban) ListTasks(ctx context.Context, projectKey string) ([]RemoteTask, error) {
	var out []RemoteTask
	err := withRetry(ctx, func() error {
		var err error
		out, err = r.Inner.ListTasks(ctx, projectKey)
		return err
	})
	return out, err
}

// CreateTask implements KanbanProvider. Creation is not retried: a timed-out
// create may have landed, and a blind retry would duplicate the card.
func (r RetryingKanban) CreateTask(ctx context.Context, projectKey string, spec TaskSpec) (RemoteTask, error) {
	return r.Inner.CreateTask(ctx, projectKey, spec)
}

// UpdateTask implements KanbanProvider.
func (r RetryingKanban) UpdateTask(ctx context.Context, projectKey, taskKey string, update TaskUpdate) error {
	return withRetry(ctx, func() error {
		return r.Inner.UpdateTask(ctx, projectKey, taskKey, update)
	})
}

// AddComment implements KanbanProvider.
func (r RetryingKanban) AddComment(ctx context.Context, projectKey, taskKey, text string) error {
	return withRetry(ctx, func() error {
		return r.Inner.AddComment(ctx, projectKey, taskKey, text)
	})
}

// CreateChecklistItem implements KanbanProvider.
func (r RetryingKanban) CreateChecklistItem(ctx context.Context, projectKey, taskKey, text string, done bool) error {
	return withRetry(ctx, func() error {
		return r.Inner.CreateChecklistItem(ctx, projectKey, taskKey, text, done)
	})
}
