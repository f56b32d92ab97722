// Package persist provides the collection/key store the coordination engine
// sits on. Two backends exist: a directory-per-collection file store and an
// embedded SQLite store. Operations are atomic per (collection, key); a
// failed write leaves the prior value intact.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Well-known collections. Backends accept other collection names too; these
// constants just keep callers in agreement.
const (
	CollectionProjects    = "projects"
	CollectionTasks       = "tasks"
	CollectionSubtasks    = "subtasks"
	CollectionLeases      = "leases"
	CollectionDecisions   = "decisions"
	CollectionArtifacts   = "artifacts"
	CollectionOutcomes    = "outcomes"
	CollectionEvents      = "events"
	CollectionAssignments = "assignments"
	CollectionAgents      = "agents"
)

// ActiveProjectKey is the distinguished key in the projects collection that
// holds the active-project pointer.
const ActiveProjectKey = "active_project"

var (
	// ErrNotFound is returned when the (collection, key) pair has no value.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on an optimistic concurrency conflict.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the backend cannot serve requests.
	ErrUnavailable = errors.New("storage unavailable")
)

// Record is a stored value plus its bookkeeping. Seq increases with
// insertion order within a collection and is stable across updates.
type Record struct {
	Key      string          `json:"key"`
	Seq      int64           `json:"seq"`
	StoredAt time.Time       `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// Decode unmarshals the record value into out.
func (r Record) Decode(out any) error {
	return json.Unmarshal(r.Value, out)
}

// Predicate filters records during a query. A nil predicate matches all.
type Predicate func(Record) bool

// Store is the persistence contract. Writes are durable before Store
// returns; query results follow insertion order.
type Store interface {
	Store(ctx context.Context, collection, key string, value any) error
	Retrieve(ctx context.Context, collection, key string, out any) error
	Query(ctx context.Context, collection string, pred Predicate, offset, limit int) ([]Record, error)
	Delete(ctx context.Context, collection, key string) error

	// Cleanup removes records stored before the cutoff from the given
	// collection and returns how many were removed.
	Cleanup(ctx context.Context, collection string, before time.Time) (int, error)

	Close() error
}

// DecodeAll unmarshals every record value into a slice of T. Records that
// fail to decode are skipped; callers treat them as corrupt rows.
func DecodeAll[T any](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// window applies (offset, limit) to a filtered record slice. limit <= 0
// means no limit.
func window(recs []Record, offset, limit int) []Record {
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
