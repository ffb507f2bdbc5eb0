// Package dedupe finds near-identical tasks within one universe and
// retires all but one, preferring linked and older survivors.
package dedupe

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jra3/obsync/internal/changeset"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/match"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/task"
	"github.com/jra3/obsync/internal/taskline"
)

// Detector runs duplicate retirement for both universes.
type Detector struct {
	GW         gateway.Gateway
	VaultPaths map[string]string
}

// Result summarizes one dedupe pass.
type Result struct {
	RetiredMarkdown  int
	RetiredReminders int
	Skipped          int
	Failed           int
}

// Run detects and retires duplicates on both sides. Retirements join the
// changeset; duplicates whose removal would orphan an active link are
// skipped and reported.
func (d *Detector) Run(ctx context.Context, md, rem *index.Index, set *links.Set, cs *changeset.Changeset) (*Result, error) {
	res := &Result{}

	if err := d.retireMarkdown(ctx, md, set, cs, res); err != nil {
		return res, err
	}
	if err := d.retireReminders(ctx, rem, set, cs, res); err != nil {
		return res, err
	}
	return res, nil
}

// titleSimilarityThreshold is the Dice coefficient above which two
// titles land in the same duplicate bucket.
const titleSimilarityThreshold = 0.85

// groups partitions an index's tasks into duplicate buckets: tasks join
// a bucket on an exact content-digest match, or when their titles are
// near-identical and status and due date agree. Tasks are visited in id
// order and compared against each bucket's first member, so bucketing is
// deterministic. Only buckets with more than one member matter.
func groups(ix *index.Index) [][]*task.Task {
	var buckets [][]*task.Task
	for _, id := range ix.IDs() {
		t := ix.Get(id)
		placed := false
		for i, b := range buckets {
			if sameBucket(b[0], t) {
				buckets[i] = append(b, t)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, []*task.Task{t})
		}
	}

	var out [][]*task.Task
	for _, b := range buckets {
		if len(b) > 1 {
			out = append(out, b)
		}
	}
	return out
}

func sameBucket(a, b *task.Task) bool {
	if a.ContentDigest == b.ContentDigest {
		return true
	}
	if a.Status != b.Status || a.Due != b.Due {
		return false
	}
	at := a.Tokens(match.Tokenize)
	bt := b.Tokens(match.Tokenize)
	// two titles with no tokens at all are vacuously similar; digest
	// equality already covers genuinely identical empty tasks
	if len(at) == 0 || len(bt) == 0 {
		return false
	}
	return match.DiceCoefficient(at, bt) >= titleSimilarityThreshold
}

// survivor picks the group member to keep: linked beats unlinked, then
// older beats newer, then the smaller id for total order.
func survivor(group []*task.Task, linked func(string) bool) *task.Task {
	best := group[0]
	for _, t := range group[1:] {
		bl, tl := linked(best.ID), linked(t.ID)
		switch {
		case tl && !bl:
			best = t
		case tl == bl:
			if t.CreatedAt.Before(best.CreatedAt) ||
				(t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
				best = t
			}
		}
	}
	return best
}

// deletion is one pending line removal.
type deletion struct {
	t    *task.Task
	keep string
}

func (d *Detector) retireMarkdown(ctx context.Context, md *index.Index, set *links.Set, cs *changeset.Changeset, res *Result) error {
	// line deletions per file, applied in one rewrite each
	byFile := make(map[string][]deletion)
	var fileOrder []string

	for _, group := range groups(md) {
		keep := survivor(group, func(id string) bool { return set.ByMD(id) != nil })
		for _, t := range group {
			if t == keep {
				continue
			}
			if set.ByMD(t.ID) != nil {
				// retiring a linked task would orphan its link
				log.Printf("[dedupe] %s is linked, skipping retirement", t.ID)
				res.Skipped++
				continue
			}
			key := t.Location.Vault + "\x00" + t.Location.File
			if _, seen := byFile[key]; !seen {
				fileOrder = append(fileOrder, key)
			}
			byFile[key] = append(byFile[key], deletion{t: t, keep: keep.ID})
		}
	}

	for _, key := range fileOrder {
		if err := ctx.Err(); err != nil {
			return err
		}

		parts := strings.SplitN(key, "\x00", 2)
		root, ok := d.VaultPaths[parts[0]]
		if !ok {
			res.Failed += len(byFile[key])
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(parts[1]))

		if err := d.deleteLines(abs, byFile[key], md, cs, res); err != nil {
			log.Printf("[dedupe] %s: %v", abs, err)
		}
	}
	return nil
}

// deleteLines removes the duplicates' lines from one file, highest line
// first so earlier numbers stay valid.
func (d *Detector) deleteLines(abs string, dels []deletion, md *index.Index, cs *changeset.Changeset, res *Result) error {
	data, err := os.ReadFile(abs)
	if err != nil {
		res.Failed += len(dels)
		return err
	}
	doc, _ := taskline.ParseDocument(strings.ToValidUTF8(string(data), "�"))

	sort.Slice(dels, func(i, j int) bool {
		return dels[i].t.Location.Line > dels[j].t.Location.Line
	})

	deleted := 0
	for _, del := range dels {
		line := doc.Line(del.t.Location.Line)
		parsed, ok := taskline.Parse(line)
		if !ok {
			res.Failed++
			continue
		}
		f := parsed.Fields()
		if task.Digest(f.Title, f.Due, f.Status, f.Tags) != del.t.ContentDigest {
			res.Failed++
			continue
		}

		doc.Delete(del.t.Location.Line)
		cs.MarkdownRetirements = append(cs.MarkdownRetirements, changeset.Retirement{
			Task: del.t, SurvivorID: del.keep, OriginalText: line,
		})
		delete(md.Tasks, del.t.ID)
		deleted++
		res.RetiredMarkdown++
	}

	if deleted == 0 {
		return nil
	}
	return safeio.WriteAtomic(abs, []byte(doc.Render()), 0o644)
}

func (d *Detector) retireReminders(ctx context.Context, rem *index.Index, set *links.Set, cs *changeset.Changeset, res *Result) error {
	for _, group := range groups(rem) {
		keep := survivor(group, func(id string) bool { return set.ByRem(id) != nil })
		for _, t := range group {
			if err := ctx.Err(); err != nil {
				return err
			}
			if t == keep {
				continue
			}
			if set.ByRem(t.ID) != nil {
				log.Printf("[dedupe] %s is linked, skipping retirement", t.ID)
				res.Skipped++
				continue
			}

			itemID := t.Location.ItemID
			if itemID == "" {
				itemID = t.ID
			}
			if err := d.GW.DeleteItem(ctx, itemID); err != nil {
				log.Printf("[dedupe] delete %s: %v", itemID, err)
				res.Failed++
				continue
			}

			cs.RemindersRetirements = append(cs.RemindersRetirements, changeset.Retirement{
				Task: t, SurvivorID: keep.ID,
			})
			delete(rem.Tasks, t.ID)
			res.RetiredReminders++
		}
	}
	return nil
}
