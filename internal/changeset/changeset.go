// Package changeset records the mutations a run actually applied. The
// changeset file is the only artifact consulted for rollback, so every
// entry carries enough of the pre-state to reconstruct it.
package changeset

import (
	"time"

	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/task"
)

// MaxFileBytes caps the changeset file size on load.
const MaxFileBytes = 64 << 20

// Meta stamps one run's changeset.
type Meta struct {
	Schema      int       `json:"schema"`
	GeneratedAt time.Time `json:"generated_at"`
	RunID       string    `json:"run_id"`
}

// MarkdownEdit is one line rewrite in a vault file.
type MarkdownEdit struct {
	Path         string `json:"path"`
	LineNumber   int    `json:"line_number"`
	OriginalText string `json:"original_text"`
	NewText      string `json:"new_text"`
	DigestBefore string `json:"digest_before"`
	DigestAfter  string `json:"digest_after"`
}

// RemindersEdit is one field change on a reminders item.
type RemindersEdit struct {
	ItemID   string `json:"item_id"`
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Creation is a counterpart created on either side: the full snapshot
// plus the link that was formed.
type Creation struct {
	Task  *task.Task `json:"task"`
	MDID  string     `json:"md_id"`
	RemID string     `json:"rem_id"`
	Score float64    `json:"score"`
}

// Retirement is a duplicate removed on either side.
type Retirement struct {
	Task         *task.Task `json:"task"`
	SurvivorID   string     `json:"survivor_id"`
	OriginalText string     `json:"original_text,omitempty"` // markdown only
}

// Changeset is the per-run mutation record, one array per kind. Entry
// order within each array matches application order.
type Changeset struct {
	Meta Meta `json:"meta"`

	MarkdownEdits  []MarkdownEdit  `json:"markdown_edits"`
	RemindersEdits []RemindersEdit `json:"reminders_edits"`

	MarkdownCreations  []Creation `json:"markdown_creations"`
	RemindersCreations []Creation `json:"reminders_creations"`

	MarkdownRetirements  []Retirement `json:"markdown_retirements"`
	RemindersRetirements []Retirement `json:"reminders_retirements"`
}

// New creates an empty changeset for the run.
func New(runID string) *Changeset {
	return &Changeset{Meta: Meta{Schema: 1, GeneratedAt: time.Now().UTC(), RunID: runID}}
}

// Empty reports whether the run applied nothing.
func (c *Changeset) Empty() bool {
	return len(c.MarkdownEdits) == 0 && len(c.RemindersEdits) == 0 &&
		len(c.MarkdownCreations) == 0 && len(c.RemindersCreations) == 0 &&
		len(c.MarkdownRetirements) == 0 && len(c.RemindersRetirements) == 0
}

// Save writes the changeset atomically under the file lock.
func (c *Changeset) Save(path string, lockTimeout time.Duration) error {
	return safeio.WithLock(path, lockTimeout, func() error {
		return safeio.SaveJSON(path, c)
	})
}

// Load reads a changeset file.
func Load(path string) (*Changeset, error) {
	var c Changeset
	if err := safeio.LoadJSON(path, MaxFileBytes, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
