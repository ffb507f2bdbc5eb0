// Package task defines the common task shape reconciled between markdown
// vaults and the reminders service, along with the enumerations and digest
// used everywhere downstream.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Origin identifies which universe a task was observed in. It never
// changes for the lifetime of a task.
type Origin string

const (
	OriginMarkdown  Origin = "markdown"
	OriginReminders Origin = "reminders"
)

// Status is the two-state completion flag shared by both universes.
type Status string

const (
	StatusTodo Status = "todo"
	StatusDone Status = "done"
)

// Priority is the common priority scale. Markdown tasks derive it from
// priority markers; reminders tasks from the gateway's numeric priority.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

var priorityNames = map[Priority]string{
	PriorityNone:    "none",
	PriorityLow:     "low",
	PriorityMedium:  "medium",
	PriorityHigh:    "high",
	PriorityHighest: "highest",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "none"
}

// MarshalJSON encodes priorities by name so index files stay readable.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	for pr, n := range priorityNames {
		if n == name {
			*p = pr
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", name)
}

// Location locates a task within its universe. Markdown tasks carry
// vault/file/line; reminders tasks carry list and item identifiers.
type Location struct {
	Vault  string `json:"vault,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	ListID string `json:"list_id,omitempty"`
	ItemID string `json:"item_id,omitempty"`
}

// Task is the unit reconciled across the boundary.
type Task struct {
	ID         string   `json:"id"`
	Origin     Origin   `json:"origin"`
	Title      string   `json:"title"`
	Status     Status   `json:"status"`
	Due        string   `json:"due,omitempty"`
	Scheduled  string   `json:"scheduled,omitempty"`
	Start      string   `json:"start,omitempty"`
	DoneOn     string   `json:"done_on,omitempty"`
	Priority   Priority `json:"priority"`
	Recurrence string   `json:"recurrence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Location   Location `json:"location"`

	ContentDigest string    `json:"content_digest"`
	ModifiedAt    time.Time `json:"modified_at"`
	CreatedAt     time.Time `json:"created_at"`

	// tokens caches the normalized title tokens computed by the matcher.
	tokens []string
}

// Digest computes the stable content digest over title, due, status, and
// tags. It feeds cache invalidation, identity fallbacks, and duplicate
// grouping, so the field order here must never change.
func Digest(title, due string, status Status, tags []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", title, due, status, strings.Join(tags, ","))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// RefreshDigest recomputes and stores the content digest from the task's
// current fields.
func (t *Task) RefreshDigest() {
	t.ContentDigest = Digest(t.Title, t.Due, t.Status, t.Tags)
}

// Done reports whether the task is completed.
func (t *Task) Done() bool {
	return t.Status == StatusDone
}

// Tokens returns the cached normalized title tokens, computing them with
// fn on first use.
func (t *Task) Tokens(fn func(string) []string) []string {
	if t.tokens == nil {
		t.tokens = fn(t.Title)
	}
	return t.tokens
}

// InvalidateTokens clears the token cache after a title change.
func (t *Task) InvalidateTokens() {
	t.tokens = nil
}

// Clone returns a deep copy. The token cache is not carried over.
func (t *Task) Clone() *Task {
	c := *t
	c.tokens = nil
	c.Tags = append([]string(nil), t.Tags...)
	return &c
}
