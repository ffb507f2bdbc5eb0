// Package counterpart creates missing counterparts: unlinked markdown
// tasks become reminders, unlinked reminders become markdown task lines.
// Creation is capped per direction and filtered by task age.
package counterpart

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jra3/obsync/internal/changeset"
	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/identity"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/reminders"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/task"
	"github.com/jra3/obsync/internal/taskline"
)

// Direction selects which creations run.
type Direction int

const (
	MdToRem Direction = 1 << iota
	RemToMd
	Both = MdToRem | RemToMd
)

// DestinationPolicy picks the vault-relative file that receives a new
// markdown task line.
type DestinationPolicy func(t *task.Task, now time.Time) string

// DailyNotePolicy routes new tasks to a dated note under dir.
func DailyNotePolicy(dir string) DestinationPolicy {
	return func(_ *task.Task, now time.Time) string {
		name := dates.Today(now) + ".md"
		if dir == "" {
			return name
		}
		return dir + "/" + name
	}
}

// InboxPolicy routes every new task to one fixed file.
func InboxPolicy(file string) DestinationPolicy {
	return func(_ *task.Task, _ time.Time) string { return file }
}

// Creator runs the counterpart-creation stage.
type Creator struct {
	GW gateway.Gateway

	Direction Direction
	Caps      struct{ MdToRem, RemToMd int }
	AgeDays   int

	// md→rem destination list and rem→md destination vault.
	TargetList  string
	TargetVault string
	VaultPaths  map[string]string

	Destination DestinationPolicy

	// WriteAnchors stamps a block anchor onto markdown tasks entering a
	// link, so later runs match by identity.
	WriteAnchors bool

	Now func() time.Time
}

// Result summarizes one creation pass.
type Result struct {
	CreatedReminders int
	CreatedMarkdown  int
	Skipped          int
	Failed           int
}

// Run creates counterparts for unlinked tasks on both sides, respecting
// direction, age, and caps. New links join the set; creations are
// recorded in the changeset.
func (c *Creator) Run(ctx context.Context, md, rem *index.Index, set *links.Set, cs *changeset.Changeset) (*Result, error) {
	res := &Result{}
	now := c.now()

	if c.Direction&MdToRem != 0 {
		if err := c.createReminders(ctx, md, rem, set, cs, res, now); err != nil {
			return res, err
		}
	}
	if c.Direction&RemToMd != 0 {
		if err := c.createMarkdown(ctx, md, rem, set, cs, res, now); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Creator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// tooOld applies the creation age filter.
func (c *Creator) tooOld(t *task.Task, now time.Time) bool {
	if c.AgeDays <= 0 || t.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(t.CreatedAt) > time.Duration(c.AgeDays)*24*time.Hour
}

// =============================================================================
// md → rem
// =============================================================================

func (c *Creator) createReminders(ctx context.Context, md, rem *index.Index, set *links.Set, cs *changeset.Changeset, res *Result, now time.Time) error {
	created := 0
	for _, id := range md.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if created >= c.Caps.MdToRem {
			break
		}

		t := md.Get(id)
		if set.ByMD(id) != nil || t.Done() {
			continue
		}
		if c.tooOld(t, now) {
			res.Skipped++
			continue
		}

		mdID := id
		if c.WriteAnchors {
			if newID, err := c.ensureAnchor(t); err != nil {
				log.Printf("[create] anchor write-back for %s: %v", id, err)
			} else if newID != "" {
				mdID = newID
			}
		}

		item, err := c.GW.CreateItem(ctx, c.TargetList, gateway.Fields{
			Title:     &t.Title,
			Due:       &t.Due,
			Priority:  &t.Priority,
			Completed: boolPtr(t.Done()),
		})
		if err != nil {
			log.Printf("[create] reminder for %s: %v", id, err)
			res.Failed++
			continue
		}

		if mdID != id {
			// re-register the task under its anchored identity
			t.ID = mdID
			delete(md.Tasks, id)
			md.Tasks[mdID] = t
		}

		remT := reminders.FromItem(*item)
		rem.Add(remT)
		l := &links.Link{
			MDID: mdID, RemID: remT.ID, Score: 1.0,
			CreatedAt: now, LastScoredAt: now, LastSyncedAt: now,
			LastSyncDirection: links.DirectionMdToRem,
		}
		if err := set.Add(l); err != nil {
			log.Printf("[create] link for %s: %v", mdID, err)
			res.Failed++
			continue
		}

		cs.RemindersCreations = append(cs.RemindersCreations, changeset.Creation{
			Task: remT, MDID: mdID, RemID: remT.ID, Score: 1.0,
		})
		created++
		res.CreatedReminders++
	}
	return nil
}

// ensureAnchor stamps a block anchor onto the task's line when it has
// none, rewriting the file in place. Returns the task's new anchored id,
// or "" when the line already carried an anchor.
func (c *Creator) ensureAnchor(t *task.Task) (string, error) {
	root, ok := c.VaultPaths[t.Location.Vault]
	if !ok {
		return "", fmt.Errorf("vault %q not configured", t.Location.Vault)
	}
	abs := filepath.Join(root, filepath.FromSlash(t.Location.File))

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	doc, extracted := taskline.ParseDocument(strings.ToValidUTF8(string(data), "�"))

	var line *taskline.Line
	for _, e := range extracted {
		if e.Number == t.Location.Line {
			line = e.Line
			break
		}
	}
	if line == nil {
		return "", fmt.Errorf("line %d is no longer a task", t.Location.Line)
	}
	if line.Anchor() != "" {
		return "", nil
	}

	anchor := identity.NewAnchor(t.ID, doc.Anchors())
	line.SetAnchor(anchor)
	doc.Replace(t.Location.Line, line.Render())
	if err := safeio.WriteAtomic(abs, []byte(doc.Render()), 0o644); err != nil {
		return "", err
	}
	return identity.ForAnchor(t.Location.Vault, anchor), nil
}

// =============================================================================
// rem → md
// =============================================================================

func (c *Creator) createMarkdown(ctx context.Context, md, rem *index.Index, set *links.Set, cs *changeset.Changeset, res *Result, now time.Time) error {
	root, ok := c.VaultPaths[c.TargetVault]
	if !ok {
		return fmt.Errorf("target vault %q not configured", c.TargetVault)
	}

	created := 0
	for _, id := range rem.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if created >= c.Caps.RemToMd {
			break
		}

		t := rem.Get(id)
		if set.ByRem(id) != nil || t.Done() {
			continue
		}
		if c.tooOld(t, now) {
			res.Skipped++
			continue
		}

		rel := c.Destination(t, now)
		abs := filepath.Join(root, filepath.FromSlash(rel))

		newT, err := c.appendTaskLine(abs, rel, t, now)
		if err != nil {
			log.Printf("[create] markdown for %s: %v", id, err)
			res.Failed++
			continue
		}

		md.Add(newT)
		l := &links.Link{
			MDID: newT.ID, RemID: id, Score: 1.0,
			CreatedAt: now, LastScoredAt: now, LastSyncedAt: now,
			LastSyncDirection: links.DirectionRemToMd,
		}
		if err := set.Add(l); err != nil {
			log.Printf("[create] link for %s: %v", id, err)
			res.Failed++
			continue
		}

		cs.MarkdownCreations = append(cs.MarkdownCreations, changeset.Creation{
			Task: newT, MDID: newT.ID, RemID: id, Score: 1.0,
		})
		created++
		res.CreatedMarkdown++
	}
	return nil
}

// appendTaskLine emits the task as a new line with a fresh anchor at the
// end of the destination file, creating the file if needed.
func (c *Creator) appendTaskLine(abs, rel string, t *task.Task, now time.Time) (*task.Task, error) {
	var doc *taskline.Document
	if data, err := os.ReadFile(abs); err == nil {
		doc, _ = taskline.ParseDocument(strings.ToValidUTF8(string(data), "�"))
	} else if os.IsNotExist(err) {
		doc = &taskline.Document{Ending: "\n"}
	} else {
		return nil, err
	}

	anchor := identity.NewAnchor(t.ID, doc.Anchors())
	fields := taskline.Fields{
		Title:    t.Title,
		Status:   t.Status,
		Due:      t.Due,
		Priority: t.Priority,
		Tags:     t.Tags,
		Anchor:   anchor,
	}
	lineNo := doc.Append(taskline.Compose(fields))
	if err := safeio.WriteAtomic(abs, []byte(doc.Render()), 0o644); err != nil {
		return nil, err
	}

	newT := &task.Task{
		ID:         identity.ForAnchor(c.TargetVault, anchor),
		Origin:     task.OriginMarkdown,
		Title:      t.Title,
		Status:     t.Status,
		Due:        t.Due,
		Priority:   t.Priority,
		Tags:       append([]string(nil), t.Tags...),
		Location:   task.Location{Vault: c.TargetVault, File: rel, Line: lineNo},
		ModifiedAt: now,
		CreatedAt:  now,
	}
	newT.RefreshDigest()
	return newT, nil
}

func boolPtr(b bool) *bool { return &b }
