// Package project manages the project registry and the active-project
// pointer, plus synchronization with external kanban providers.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/persist"
)

var (
	// ErrAmbiguous is returned when a name selector matches several projects.
	ErrAmbiguous = errors.New("ambiguous project name")
	// ErrNoProjects is returned when an operation needs a project and none exist.
	ErrNoProjects = errors.New("no projects registered")
)

// activePointer is the persisted shape of the active-project pointer.
type activePointer struct {
	ProjectID string `json:"project_id"`
}

// Registry owns the project list and the single active-project pointer. The
// pointer is written only after the project row it references is durable, so
// a crash between the two writes never leaves a dangling pointer.
type Registry struct {
	store  persist.Store
	logger *slog.Logger
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store persist.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Load restores the registry at startup. A pointer referencing a missing
// project is cleared rather than trusted.
func (r *Registry) Load(ctx context.Context) error {
	var ptr activePointer
	err := r.store.Retrieve(ctx, persist.CollectionProjects, persist.ActiveProjectKey, &ptr)
	if errors.Is(err, persist.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active project pointer: %w", err)
	}
	if ptr.ProjectID == "" {
		return nil
	}
	var cfg board.ProjectConfig
	err = r.store.Retrieve(ctx, persist.CollectionProjects, ptr.ProjectID, &cfg)
	if errors.Is(err, persist.ErrNotFound) {
		r.logger.Warn("Active project pointer is stale, clearing", "project_id", ptr.ProjectID)
		return r.store.Delete(ctx, persist.CollectionProjects, persist.ActiveProjectKey)
	}
	return err
}

// List returns every registered project in insertion order.
func (r *Registry) List(ctx context.Context) ([]board.ProjectConfig, error) {
	recs, err := r.store.Query(ctx, persist.CollectionProjects, func(rec persist.Record) bool {
		return rec.Key != persist.ActiveProjectKey
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	return persist.DecodeAll[board.ProjectConfig](recs), nil
}

// Add registers a project. A zero ID is minted.
func (r *Registry) Add(ctx context.Context, cfg board.ProjectConfig) (board.ProjectConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("project name is required")
	}
	if cfg.LastUsed.IsZero() {
		cfg.LastUsed = time.Now()
	}
	if err := r.store.Store(ctx, persist.CollectionProjects, cfg.ID, cfg); err != nil {
		return cfg, fmt.Errorf("store project %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

// Get returns one project by id.
func (r *Registry) Get(ctx context.Context, id string) (board.ProjectConfig, error) {
	var cfg board.ProjectConfig
	if err := r.store.Retrieve(ctx, persist.CollectionProjects, id, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Active returns the currently selected project, or ErrNoProjects when no
// pointer is set.
func (r *Registry) Active(ctx context.Context) (board.ProjectConfig, error) {
	var ptr activePointer
	err := r.store.Retrieve(ctx, persist.CollectionProjects, persist.ActiveProjectKey, &ptr)
	if errors.Is(err, persist.ErrNotFound) {
		return board.ProjectConfig{}, ErrNoProjects
	}
	if err != nil {
		return board.ProjectConfig{}, err
	}
	return r.Get(ctx, ptr.ProjectID)
}

// Select makes the given project active. The project row is refreshed (for
// last_used) before the pointer flips.
func (r *Registry) Select(ctx context.Context, id string) (board.ProjectConfig, error) {
	cfg, err := r.Get(ctx, id)
	if err != nil {
		return cfg, err
	}
	cfg.LastUsed = time.Now()
	if err := r.store.Store(ctx, persist.CollectionProjects, cfg.ID, cfg); err != nil {
		return cfg, fmt.Errorf("refresh project %s: %w", cfg.ID, err)
	}
	if err := r.store.Store(ctx, persist.CollectionProjects, persist.ActiveProjectKey, activePointer{ProjectID: cfg.ID}); err != nil {
		return cfg, fmt.Errorf("set active project: %w", err)
	}
	r.logger.Info("Active project changed", "project_id", cfg.ID, "name", cfg.Name)
	return cfg, nil
}

// SelectByName resolves a project by exact name then unique prefix. Multiple
// matches return ErrAmbiguous with the candidate names attached.
func (r *Registry) SelectByName(ctx context.Context, name string) (board.ProjectConfig, error) {
	projects, err := r.List(ctx)
	if err != nil {
		return board.ProjectConfig{}, err
	}
	exact := lo.Filter(projects, func(p board.ProjectConfig, _ int) bool { return p.Name == name })
	if len(exact) == 1 {
		return r.Select(ctx, exact[0].ID)
	}
	if len(exact) > 1 {
		return board.ProjectConfig{}, fmt.Errorf("%w: %q matches %d projects", ErrAmbiguous, name, len(exact))
	}
	prefixed := lo.Filter(projects, func(p board.ProjectConfig, _ int) bool {
		return len(p.Name) > len(name) && p.Name[:len(name)] == name
	})
	switch len(prefixed) {
	case 0:
		return board.ProjectConfig{}, fmt.Errorf("project %q: %w", name, persist.ErrNotFound)
	case 1:
		return r.Select(ctx, prefixed[0].ID)
	default:
		names := lo.Map(prefixed, func(p board.ProjectConfig, _ int) string { return p.Name })
		return board.ProjectConfig{}, fmt.Errorf("%w: %q matches %v", ErrAmbiguous, name, names)
	}
}

// Delete removes a project and cascades to its tasks, subtasks, leases, and
// the decisions, artifacts, and outcomes recorded against those tasks.
// Deleting the active project re-points to the most recently used survivor,
// or clears the pointer when none remain.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	taskIDs := make(map[string]bool)
	for _, collection := range []string{
		persist.CollectionTasks,
		persist.CollectionSubtasks,
		persist.CollectionLeases,
	} {
		recs, err := r.store.Query(ctx, collection, func(rec persist.Record) bool {
			var row struct {
				ProjectID string `json:"project_id"`
			}
			return rec.Decode(&row) == nil && row.ProjectID == id
		}, 0, 0)
		if err != nil {
			return fmt.Errorf("cascade %s: %w", collection, err)
		}
		for _, rec := range recs {
			if collection != persist.CollectionLeases {
				taskIDs[rec.Key] = true
			}
			if err := r.store.Delete(ctx, collection, rec.Key); err != nil {
				return fmt.Errorf("cascade %s/%s: %w", collection, rec.Key, err)
			}
		}
	}

	// Decisions, artifacts, and outcomes reference tasks, not projects;
	// cascade them through the task-id set collected above.
	for _, collection := range []string{
		persist.CollectionDecisions,
		persist.CollectionArtifacts,
		persist.CollectionOutcomes,
	} {
		recs, err := r.store.Query(ctx, collection, func(rec persist.Record) bool {
			var row struct {
				TaskID string `json:"task_id"`
			}
			return rec.Decode(&row) == nil && taskIDs[row.TaskID]
		}, 0, 0)
		if err != nil {
			return fmt.Errorf("cascade %s: %w", collection, err)
		}
		for _, rec := range recs {
			if err := r.store.Delete(ctx, collection, rec.Key); err != nil {
				return fmt.Errorf("cascade %s/%s: %w", collection, rec.Key, err)
			}
		}
	}

	if err := r.store.Delete(ctx, persist.CollectionProjects, id); err != nil {
		return err
	}

	var ptr activePointer
	err := r.store.Retrieve(ctx, persist.CollectionProjects, persist.ActiveProjectKey, &ptr)
	if errors.Is(err, persist.ErrNotFound) || (err == nil && ptr.ProjectID != id) {
		return nil
	}
	if err != nil {
		return err
	}

	survivors, err := r.List(ctx)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		r.logger.Info("Last project deleted, clearing active pointer")
		return r.store.Delete(ctx, persist.CollectionProjects, persist.ActiveProjectKey)
	}
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].LastUsed.After(survivors[j].LastUsed)
	})
	_, err = r.Select(ctx, survivors[0].ID)
	return err
}
