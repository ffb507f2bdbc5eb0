package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jra3/obsync/internal/changeset"
	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/task"
	"github.com/jra3/obsync/internal/taskline"
)

// FieldError reports one field that could not be applied.
type FieldError struct {
	MDID      string `json:"md_id"`
	RemID     string `json:"rem_id"`
	Field     string `json:"field"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// Result aggregates one apply pass.
type Result struct {
	Applied int
	Failed  int
	Errors  []FieldError
}

// Applier drives a plan into the markdown files and the gateway.
type Applier struct {
	GW gateway.Gateway

	// VaultPaths maps vault name to its root directory.
	VaultPaths map[string]string

	// BackupDir receives a copy of each file's pre-rewrite bytes;
	// empty disables backups.
	BackupDir string

	Now func() time.Time
}

// Apply executes the plan. A failing field never blocks other fields or
// links. Successful fields update the in-memory tasks, the changeset,
// and each link's sync state.
func (a *Applier) Apply(ctx context.Context, plan *Plan, md, rem *index.Index, set *links.Set, cs *changeset.Changeset) (*Result, error) {
	now := a.now()
	res := &Result{}

	// fields that succeeded, keyed by link
	applied := make(map[[2]string][]string)

	mdUpdates, remUpdates := splitByTarget(plan)

	if err := a.applyMarkdown(ctx, mdUpdates, md, cs, res, applied); err != nil {
		return res, err
	}
	if err := a.applyReminders(ctx, remUpdates, rem, cs, res, applied); err != nil {
		return res, err
	}

	// stamp sync state on every link that had at least one success
	for _, l := range set.Links {
		fields := applied[[2]string{l.MDID, l.RemID}]
		if len(fields) == 0 {
			continue
		}
		l.LastSyncedAt = now
		l.LastSyncDirection = directionOf(plan, l.MDID, l.RemID, fields)
	}

	return res, nil
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// splitByTarget separates updates by the side they write to, preserving
// plan order within each side.
func splitByTarget(plan *Plan) (toMarkdown, toReminders []Update) {
	for _, u := range plan.Updates {
		if u.Direction == links.DirectionRemToMd {
			toMarkdown = append(toMarkdown, u)
		} else {
			toReminders = append(toReminders, u)
		}
	}
	return toMarkdown, toReminders
}

// directionOf summarizes which way the applied fields flowed.
func directionOf(plan *Plan, mdID, remID string, fields []string) string {
	var toRem, toMD bool
	for _, u := range plan.Updates {
		if u.MDID != mdID || u.RemID != remID {
			continue
		}
		for _, f := range fields {
			if u.Field != f {
				continue
			}
			if u.Direction == links.DirectionMdToRem {
				toRem = true
			} else {
				toMD = true
			}
		}
	}
	switch {
	case toRem && toMD:
		return links.DirectionBoth
	case toRem:
		return links.DirectionMdToRem
	case toMD:
		return links.DirectionRemToMd
	default:
		return links.DirectionNone
	}
}

// =============================================================================
// Markdown side
// =============================================================================

// applyMarkdown collapses all edits to a file into one atomic rewrite.
func (a *Applier) applyMarkdown(ctx context.Context, updates []Update, md *index.Index, cs *changeset.Changeset, res *Result, applied map[[2]string][]string) error {
	// group per file, keeping plan order within the group
	type fileKey struct{ vault, file string }
	grouped := make(map[fileKey][]Update)
	var order []fileKey
	for _, u := range updates {
		t := md.Get(u.MDID)
		if t == nil {
			res.fail(u, "markdown task vanished from index", false)
			continue
		}
		k := fileKey{t.Location.Vault, t.Location.File}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], u)
	}

	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		root, ok := a.VaultPaths[k.vault]
		if !ok {
			for _, u := range grouped[k] {
				res.fail(u, fmt.Sprintf("vault %q not configured", k.vault), false)
			}
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(k.file))

		if err := a.rewriteFile(abs, grouped[k], md, cs, res, applied); err != nil {
			log.Printf("[reconcile] %s: %v", abs, err)
		}
	}
	return nil
}

// rewriteFile applies every update targeting one file and writes the
// result atomically.
func (a *Applier) rewriteFile(abs string, updates []Update, md *index.Index, cs *changeset.Changeset, res *Result, applied map[[2]string][]string) error {
	original, err := os.ReadFile(abs)
	if err != nil {
		for _, u := range updates {
			res.fail(u, fmt.Sprintf("read file: %v", err), true)
		}
		return err
	}
	content := strings.ToValidUTF8(string(original), "�")
	doc, extracted := taskline.ParseDocument(content)

	byLine := make(map[int]*taskline.Line, len(extracted))
	for _, e := range extracted {
		byLine[e.Number] = e.Line
	}

	// verify each target line still holds the indexed task, then apply
	type pendingEdit struct {
		line   int
		before string
		task   *task.Task
	}
	touched := make(map[int]pendingEdit)
	rejected := make(map[int]bool)
	anyApplied := false

	for _, u := range updates {
		t := md.Get(u.MDID)
		line := byLine[t.Location.Line]
		if line == nil {
			res.fail(u, "line is no longer a task", false)
			continue
		}
		if rejected[t.Location.Line] {
			res.fail(u, "line content changed since indexing", false)
			continue
		}
		if _, seen := touched[t.Location.Line]; !seen {
			f := line.Fields()
			if task.Digest(f.Title, f.Due, f.Status, f.Tags) != t.ContentDigest {
				rejected[t.Location.Line] = true
				res.fail(u, "line content changed since indexing", false)
				continue
			}
			touched[t.Location.Line] = pendingEdit{
				line:   t.Location.Line,
				before: doc.Line(t.Location.Line),
				task:   t,
			}
		}

		a.applyField(line, t, u)
		applied[[2]string{u.MDID, u.RemID}] = append(applied[[2]string{u.MDID, u.RemID}], u.Field)
		res.Applied++
		anyApplied = true
	}

	if !anyApplied {
		return nil
	}

	lineNumbers := make([]int, 0, len(touched))
	for n := range touched {
		lineNumbers = append(lineNumbers, n)
	}
	sort.Ints(lineNumbers)

	// record edits and swap the rewritten lines in
	for _, n := range lineNumbers {
		e := touched[n]
		line := byLine[e.line]
		after := line.Render()
		if after == e.before {
			continue
		}
		doc.Replace(e.line, after)
		f := line.Fields()
		cs.MarkdownEdits = append(cs.MarkdownEdits, changeset.MarkdownEdit{
			Path:         abs,
			LineNumber:   e.line,
			OriginalText: e.before,
			NewText:      after,
			DigestBefore: e.task.ContentDigest,
			DigestAfter:  task.Digest(f.Title, f.Due, f.Status, f.Tags),
		})
	}

	if err := a.backup(abs, original); err != nil {
		return err
	}
	if err := safeio.WriteAtomic(abs, []byte(doc.Render()), 0o644); err != nil {
		return err
	}

	// refresh the in-memory tasks so later stages see applied values
	for _, n := range lineNumbers {
		e := touched[n]
		f := byLine[e.line].Fields()
		e.task.Title = f.Title
		e.task.Status = f.Status
		e.task.Due = f.Due
		e.task.DoneOn = f.DoneOn
		e.task.Priority = f.Priority
		e.task.InvalidateTokens()
		e.task.RefreshDigest()
	}
	return nil
}

// applyField writes one field value onto a parsed line.
func (a *Applier) applyField(line *taskline.Line, t *task.Task, u Update) {
	switch u.Field {
	case FieldTitle:
		line.SetTitle(u.NewValue)
	case FieldStatus:
		st := task.Status(u.NewValue)
		line.SetStatus(st)
		if st == task.StatusDone {
			line.SetDoneOn(dates.Today(a.now()))
		} else {
			line.SetDoneOn("")
		}
	case FieldDue:
		line.SetDue(u.NewValue)
	case FieldPriority:
		var p task.Priority
		for _, cand := range []task.Priority{task.PriorityNone, task.PriorityLow, task.PriorityMedium, task.PriorityHigh, task.PriorityHighest} {
			if cand.String() == u.NewValue {
				p = cand
			}
		}
		line.SetPriority(p)
	}
}

// backup copies the pre-rewrite bytes under the backup directory,
// preserving the file's absolute layout.
func (a *Applier) backup(abs string, original []byte) error {
	if a.BackupDir == "" {
		return nil
	}
	dest := filepath.Join(a.BackupDir, strings.TrimPrefix(abs, string(filepath.Separator)))
	if _, err := os.Stat(dest); err == nil {
		return nil // first rewrite of the run already backed up
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	return os.WriteFile(dest, original, 0o644)
}

// =============================================================================
// Reminders side
// =============================================================================

// applyReminders merges every update for one item into a single gateway
// call.
func (a *Applier) applyReminders(ctx context.Context, updates []Update, rem *index.Index, cs *changeset.Changeset, res *Result, applied map[[2]string][]string) error {
	type itemGroup struct {
		itemID  string
		updates []Update
	}
	grouped := make(map[string]*itemGroup)
	var order []string
	for _, u := range updates {
		t := rem.Get(u.RemID)
		if t == nil {
			res.fail(u, "reminders task vanished from index", false)
			continue
		}
		id := t.Location.ItemID
		if id == "" {
			id = u.RemID
		}
		g, seen := grouped[id]
		if !seen {
			g = &itemGroup{itemID: id}
			grouped[id] = g
			order = append(order, id)
		}
		g.updates = append(g.updates, u)
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := grouped[id]

		fields := gateway.Fields{}
		for _, u := range g.updates {
			switch u.Field {
			case FieldTitle:
				v := u.NewValue
				fields.Title = &v
			case FieldStatus:
				done := u.NewValue == string(task.StatusDone)
				fields.Completed = &done
			case FieldDue:
				v := u.NewValue
				fields.Due = &v
			case FieldPriority:
				p := priorityByName(u.NewValue)
				fields.Priority = &p
			}
		}

		changes, err := a.GW.UpdateItem(ctx, g.itemID, fields, false)
		if err != nil {
			for _, u := range g.updates {
				res.fail(u, err.Error(), true)
			}
			continue
		}

		perFieldErr := make(map[string]string)
		for _, ch := range changes {
			if ch.Error != "" {
				perFieldErr[ch.Field] = ch.Error
			}
		}

		for _, u := range g.updates {
			if msg, bad := perFieldErr[u.Field]; bad {
				res.fail(u, msg, false)
				continue
			}
			cs.RemindersEdits = append(cs.RemindersEdits, changeset.RemindersEdit{
				ItemID:   g.itemID,
				Field:    u.Field,
				OldValue: u.OldValue,
				NewValue: u.NewValue,
			})
			applied[[2]string{u.MDID, u.RemID}] = append(applied[[2]string{u.MDID, u.RemID}], u.Field)
			res.Applied++

			// refresh the in-memory task
			t := rem.Get(u.RemID)
			switch u.Field {
			case FieldTitle:
				t.Title = u.NewValue
				t.InvalidateTokens()
			case FieldStatus:
				t.Status = task.Status(u.NewValue)
			case FieldDue:
				t.Due = u.NewValue
			case FieldPriority:
				t.Priority = priorityByName(u.NewValue)
			}
			t.RefreshDigest()
		}
	}
	return nil
}

func priorityByName(name string) task.Priority {
	for _, p := range []task.Priority{task.PriorityLow, task.PriorityMedium, task.PriorityHigh, task.PriorityHighest} {
		if p.String() == name {
			return p
		}
	}
	return task.PriorityNone
}

func (r *Result) fail(u Update, msg string, transient bool) {
	r.Failed++
	r.Errors = append(r.Errors, FieldError{
		MDID: u.MDID, RemID: u.RemID, Field: u.Field,
		Message: msg, Transient: transient,
	})
}
