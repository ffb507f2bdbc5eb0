// Package index defines the persisted task index shared by both sides of
// the sync and its load/save plumbing.
package index

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/task"
)

// SchemaVersion of the persisted index file.
const SchemaVersion = 2

// MaxFileBytes caps how large an index file may grow before loads refuse
// it.
const MaxFileBytes = 64 << 20

// Meta describes one generated index.
type Meta struct {
	Schema      int       `json:"schema"`
	GeneratedAt time.Time `json:"generated_at"`
	RunID       string    `json:"run_id"`
	SourceCount int       `json:"source_count"`
	TaskCount   int       `json:"task_count"`
}

// Anomaly records a quarantined record: a task that could not be admitted
// without violating an index invariant.
type Anomaly struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Index maps task id to task for one universe.
type Index struct {
	Meta  Meta                  `json:"meta"`
	Tasks map[string]*task.Task `json:"tasks"`

	// ListErrors marks reminders lists whose enumeration failed; the
	// reconciler treats tasks in those lists as opaque.
	ListErrors map[string]string `json:"list_errors,omitempty"`

	// Quarantined records rejected at build or load time.
	Quarantined []Anomaly `json:"quarantined,omitempty"`
}

// New creates an empty index stamped with the run id.
func New(runID string) *Index {
	return &Index{
		Meta: Meta{
			Schema:      SchemaVersion,
			GeneratedAt: time.Now().UTC(),
			RunID:       runID,
		},
		Tasks: make(map[string]*task.Task),
	}
}

// Add admits a task, quarantining it instead when its id is already
// taken. Identity assignment makes in-file collisions impossible, so a
// duplicate here means two sources produced the same id.
func (ix *Index) Add(t *task.Task) {
	if _, exists := ix.Tasks[t.ID]; exists {
		log.Printf("[index] duplicate id %s at %s/%s:%d, quarantined",
			t.ID, t.Location.Vault, t.Location.File, t.Location.Line)
		ix.Quarantined = append(ix.Quarantined, Anomaly{ID: t.ID, Reason: "duplicate id"})
		return
	}
	ix.Tasks[t.ID] = t
	ix.Meta.TaskCount = len(ix.Tasks)
}

// Get returns the task for id, or nil.
func (ix *Index) Get(id string) *task.Task {
	return ix.Tasks[id]
}

// Has reports whether id exists in the index.
func (ix *Index) Has(id string) bool {
	_, ok := ix.Tasks[id]
	return ok
}

// IDs returns every task id in sorted order, for deterministic iteration.
func (ix *Index) IDs() []string {
	ids := make([]string, 0, len(ix.Tasks))
	for id := range ix.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CarryCreatedAt preserves first-seen timestamps from a prior index:
// tasks present before keep their created_at; genuinely new tasks get
// now.
func (ix *Index) CarryCreatedAt(prior *Index, now time.Time) {
	for id, t := range ix.Tasks {
		if prior != nil {
			if old := prior.Tasks[id]; old != nil && !old.CreatedAt.IsZero() {
				t.CreatedAt = old.CreatedAt
				continue
			}
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
	}
}

// Load reads an index file. Structural problems quarantine the offending
// records and the load continues; only I/O and parse failures are
// errors.
func Load(path string) (*Index, error) {
	var ix Index
	if err := safeio.LoadJSON(path, MaxFileBytes, &ix); err != nil {
		return nil, err
	}
	if ix.Tasks == nil {
		ix.Tasks = make(map[string]*task.Task)
	}
	if ix.Meta.Schema != SchemaVersion {
		return nil, fmt.Errorf("index %s has schema %d, want %d", path, ix.Meta.Schema, SchemaVersion)
	}
	// quarantine records whose key and id disagree
	for id, t := range ix.Tasks {
		if t == nil || t.ID != id {
			log.Printf("[index] %s: record under key %s is inconsistent, quarantined", path, id)
			ix.Quarantined = append(ix.Quarantined, Anomaly{ID: id, Reason: "key/id mismatch"})
			delete(ix.Tasks, id)
		}
	}
	return &ix, nil
}

// Save writes the index atomically under the file lock.
func (ix *Index) Save(path string, lockTimeout time.Duration) error {
	ix.Meta.TaskCount = len(ix.Tasks)
	return safeio.WithLock(path, lockTimeout, func() error {
		return safeio.SaveJSON(path, ix)
	})
}
