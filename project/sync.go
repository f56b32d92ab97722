package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/provider"
)

// remoteKeyConfig is the ProviderConfig entry holding the provider-scoped
// project key used to dedupe across syncs.
const remoteKeyConfig = "remote_key"

// Syncer pulls projects and tasks from a kanban provider into the local
// registry and task store.
type Syncer struct {
	registry *Registry
	store    persist.Store
	kanban   provider.KanbanProvider
	provider string
	logger   *slog.Logger
}

// NewSyncer wires a syncer over the registry and a provider backend.
func NewSyncer(registry *Registry, store persist.Store, kanban provider.KanbanProvider, providerName string, logger *slog.Logger) *Syncer {
	return &Syncer{
		registry: registry,
		store:    store,
		kanban:   kanban,
		provider: providerName,
		logger:   logger,
	}
}

// SyncReport summarizes one discovery pass.
type SyncReport struct {
	Discovered int `json:"discovered"`
	Created    int `json:"created"`
	Refreshed  int `json:"refreshed"`
}

// DiscoverProjects imports provider projects not yet registered, deduping on
// the provider-scoped key. With autoSync set, each known project's tasks are
// refreshed too. preserveActive keeps the current pointer even when new
// projects arrive; without it, the first discovery on an empty registry
// activates the first project.
func (s *Syncer) DiscoverProjects(ctx context.Context, autoSync, preserveActive bool) (SyncReport, error) {
	var report SyncReport

	remote, err := s.kanban.ListProjects(ctx)
	if err != nil {
		return report, fmt.Errorf("list provider projects: %w", err)
	}
	report.Discovered = len(remote)

	existing, err := s.registry.List(ctx)
	if err != nil {
		return report, err
	}
	byKey := lo.SliceToMap(existing, func(p board.ProjectConfig) (string, board.ProjectConfig) {
		return p.ProviderConfig[remoteKeyConfig], p
	})

	hadProjects := len(existing) > 0

	for _, rp := range remote {
		local, known := byKey[rp.Key]
		if !known {
			local, err = s.registry.Add(ctx, board.ProjectConfig{
				Name:     rp.Name,
				Provider: s.provider,
				ProviderConfig: map[string]string{
					remoteKeyConfig: rp.Key,
					"board_id":      rp.BoardID,
				},
			})
			if err != nil {
				return report, fmt.Errorf("import project %q: %w", rp.Name, err)
			}
			report.Created++
			s.logger.Info("Imported project from provider", "name", rp.Name, "project_id", local.ID)
		}
		if autoSync {
			if err := s.RefreshTasks(ctx, local.ID); err != nil {
				return report, err
			}
			report.Refreshed++
		}
	}

	if preserveActive {
		return report, nil
	}
	if _, err := s.registry.Active(ctx); errors.Is(err, ErrNoProjects) && !hadProjects {
		projects, err := s.registry.List(ctx)
		if err != nil {
			return report, err
		}
		if len(projects) > 0 {
			if _, err := s.registry.Select(ctx, projects[0].ID); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// RefreshTasks mirrors a project's provider cards into the local task store.
// Cards are matched by provider key; local coordination state (assignment,
// stall counts, history) survives the refresh.
func (s *Syncer) RefreshTasks(ctx context.Context, projectID string) error {
	cfg, err := s.registry.Get(ctx, projectID)
	if err != nil {
		return err
	}
	remoteKey := cfg.ProviderConfig[remoteKeyConfig]
	if remoteKey == "" {
		remoteKey = cfg.ID
	}

	cards, err := s.kanban.ListTasks(ctx, remoteKey)
	if err != nil {
		return fmt.Errorf("list tasks for %q: %w", cfg.Name, err)
	}

	for _, card := range cards {
		task := board.Task{
			ID:             card.Key,
			Name:           card.Name,
			Description:    card.Description,
			Status:         board.Status(card.Status),
			Priority:       board.Priority(card.Priority),
			Labels:         card.Labels,
			Dependencies:   card.Dependencies,
			EstimatedHours: card.EstimatedHours,
			ProjectID:      projectID,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if !task.Status.Valid() {
			task.Status = board.StatusTodo
		}
		if task.Priority == "" {
			task.Priority = board.PriorityMedium
		}

		var prev board.Task
		err := s.store.Retrieve(ctx, persist.CollectionTasks, card.Key, &prev)
		switch {
		case err == nil:
			task.AssignedTo = prev.AssignedTo
			task.StallCount = prev.StallCount
			task.History = prev.History
			task.ActualHours = prev.ActualHours
			task.CreatedAt = prev.CreatedAt
			if prev.Status == board.StatusInProgress {
				// A live local assignment outranks the provider's view.
				task.Status = prev.Status
			}
		case errors.Is(err, persist.ErrNotFound):
		default:
			return fmt.Errorf("read task %s: %w", card.Key, err)
		}

		if err := s.store.Store(ctx, persist.CollectionTasks, task.ID, task); err != nil {
			return fmt.Errorf("store task %s: %w", task.ID, err)
		}
	}

	// Mirrored cards can carry orphan or cyclic dependencies the provider
	// never checked; repair the graph before the scheduler sees it.
	recs, err := s.store.Query(ctx, persist.CollectionTasks, func(rec persist.Record) bool {
		var row struct {
			ProjectID string `json:"project_id"`
		}
		return rec.Decode(&row) == nil && row.ProjectID == projectID
	}, 0, 0)
	if err != nil {
		return fmt.Errorf("query mirrored tasks: %w", err)
	}
	repaired, warnings, err := board.Validate(persist.DecodeAll[board.Task](recs))
	if err != nil {
		return fmt.Errorf("validate mirrored graph: %w", err)
	}
	for _, w := range warnings {
		s.logger.Warn("Task graph repaired", "project_id", projectID, "warning", w)
	}
	for _, t := range repaired {
		if err := s.store.Store(ctx, persist.CollectionTasks, t.ID, t); err != nil {
			return fmt.Errorf("store repaired task %s: %w", t.ID, err)
		}
	}

	s.logger.Info("Refreshed project tasks", "project_id", projectID, "tasks", len(cards))
	return nil
}
