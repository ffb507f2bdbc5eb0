package dedupe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/obsync/internal/changeset"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/task"
	"github.com/jra3/obsync/internal/vault"
)

var (
	older = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func TestRetireMarkdownDuplicateLines(t *testing.T) {
	t.Parallel()

	// scenario: two identical lines in one file; the later one retires
	root := t.TempDir()
	file := filepath.Join(root, "todo.md")
	content := "- [ ] Call Alice #home\nsome prose\n- [ ] Call Alice #home\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	md := index.New("r")
	tasks := vault.ExtractTasks("v", "todo.md", content, older)
	if len(tasks) != 2 {
		t.Fatalf("fixture tasks = %d", len(tasks))
	}
	tasks[0].CreatedAt = older
	tasks[1].CreatedAt = newer
	for _, tk := range tasks {
		md.Add(tk)
	}

	det := &Detector{GW: gateway.NewFake(), VaultPaths: map[string]string{"v": root}}
	cs := changeset.New("run-1")
	res, err := det.Run(context.Background(), md, index.New("r"), links.NewSet(), cs)
	if err != nil {
		t.Fatal(err)
	}
	if res.RetiredMarkdown != 1 {
		t.Fatalf("res = %+v", res)
	}

	data, _ := os.ReadFile(file)
	want := "- [ ] Call Alice #home\nsome prose\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}

	if len(cs.MarkdownRetirements) != 1 {
		t.Fatalf("changeset = %+v", cs.MarkdownRetirements)
	}
	ret := cs.MarkdownRetirements[0]
	if ret.OriginalText != "- [ ] Call Alice #home" {
		t.Errorf("retirement original = %q", ret.OriginalText)
	}
	if ret.Task.ID == ret.SurvivorID {
		t.Error("survivor retired itself")
	}

	// a re-index of the rewritten file yields a single such task
	reindexed := vault.ExtractTasks("v", "todo.md", string(data), newer)
	if len(reindexed) != 1 {
		t.Errorf("re-index found %d tasks, want 1", len(reindexed))
	}
	if len(md.Tasks) != 1 {
		t.Errorf("in-memory index has %d tasks, want 1", len(md.Tasks))
	}
}

func TestSurvivorPrefersLinkedThenOlder(t *testing.T) {
	t.Parallel()

	a := &task.Task{ID: "a", CreatedAt: newer}
	b := &task.Task{ID: "b", CreatedAt: older}
	c := &task.Task{ID: "c", CreatedAt: older}

	t.Run("linked wins over older", func(t *testing.T) {
		got := survivor([]*task.Task{b, a}, func(id string) bool { return id == "a" })
		if got != a {
			t.Errorf("survivor = %s, want linked a", got.ID)
		}
	})

	t.Run("older wins when none linked", func(t *testing.T) {
		got := survivor([]*task.Task{a, b}, func(string) bool { return false })
		if got != b {
			t.Errorf("survivor = %s, want older b", got.ID)
		}
	})

	t.Run("id breaks created ties", func(t *testing.T) {
		got := survivor([]*task.Task{c, b}, func(string) bool { return false })
		if got != b {
			t.Errorf("survivor = %s, want b by id order", got.ID)
		}
	})
}

func TestRetireMarkdownNearIdenticalTitles(t *testing.T) {
	t.Parallel()

	// differing digests (an article in one title), but the token sets
	// coincide: the pair lands in one bucket and the newer line retires
	root := t.TempDir()
	file := filepath.Join(root, "todo.md")
	content := "- [ ] Email the landlord about rent\n- [ ] Email landlord about rent\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	md := index.New("r")
	tasks := vault.ExtractTasks("v", "todo.md", content, older)
	if tasks[0].ContentDigest == tasks[1].ContentDigest {
		t.Fatal("fixture titles should digest differently")
	}
	tasks[0].CreatedAt = older
	tasks[1].CreatedAt = newer
	for _, tk := range tasks {
		md.Add(tk)
	}

	det := &Detector{GW: gateway.NewFake(), VaultPaths: map[string]string{"v": root}}
	cs := changeset.New("run-1")
	res, err := det.Run(context.Background(), md, index.New("r"), links.NewSet(), cs)
	if err != nil {
		t.Fatal(err)
	}
	if res.RetiredMarkdown != 1 {
		t.Fatalf("res = %+v, want the near-duplicate retired", res)
	}

	data, _ := os.ReadFile(file)
	if string(data) != "- [ ] Email the landlord about rent\n" {
		t.Errorf("file = %q, want the older line kept", data)
	}
}

func TestDistinctTasksAreNotBucketed(t *testing.T) {
	t.Parallel()

	mk := func(id, title, due string) *task.Task {
		tk := &task.Task{ID: id, Origin: task.OriginMarkdown, Title: title, Status: task.StatusTodo, Due: due}
		tk.RefreshDigest()
		return tk
	}

	ix := index.New("r")
	// dissimilar titles
	ix.Add(mk("a", "Call Alice", ""))
	ix.Add(mk("b", "Call Bob", ""))
	// similar titles but different due dates stay apart
	ix.Add(mk("c", "Submit quarterly report", "2024-04-01"))
	ix.Add(mk("d", "Submit quarterly report", "2024-07-01"))
	// empty titles with differing tags are not vacuous duplicates
	empty1 := &task.Task{ID: "e", Origin: task.OriginMarkdown, Status: task.StatusTodo, Tags: []string{"x"}}
	empty1.RefreshDigest()
	empty2 := &task.Task{ID: "f", Origin: task.OriginMarkdown, Status: task.StatusTodo, Tags: []string{"y"}}
	empty2.RefreshDigest()
	ix.Add(empty1)
	ix.Add(empty2)

	if got := groups(ix); len(got) != 0 {
		t.Errorf("groups = %d buckets, want none", len(got))
	}
}

func TestRetireRemindersDuplicates(t *testing.T) {
	t.Parallel()

	gw := gateway.NewFake()
	gw.Add(gateway.Item{ID: "item-1", ListID: "l", Title: "Dup"})
	gw.Add(gateway.Item{ID: "item-2", ListID: "l", Title: "Dup"})

	rem := index.New("r")
	for i, id := range []string{"rem-1", "rem-2"} {
		tk := &task.Task{
			ID: id, Origin: task.OriginReminders, Title: "Dup", Status: task.StatusTodo,
			Location:  task.Location{ListID: "l", ItemID: []string{"item-1", "item-2"}[i]},
			CreatedAt: []time.Time{older, newer}[i],
		}
		tk.RefreshDigest()
		rem.Add(tk)
	}

	det := &Detector{GW: gw}
	cs := changeset.New("run-1")
	res, err := det.Run(context.Background(), index.New("r"), rem, links.NewSet(), cs)
	if err != nil {
		t.Fatal(err)
	}
	if res.RetiredReminders != 1 {
		t.Fatalf("res = %+v", res)
	}
	if len(gw.Deleted) != 1 || gw.Deleted[0] != "item-2" {
		t.Errorf("deleted = %v, want the newer item-2", gw.Deleted)
	}
	if len(cs.RemindersRetirements) != 1 {
		t.Errorf("changeset = %+v", cs.RemindersRetirements)
	}
}

func TestLinkedDuplicateIsSkipped(t *testing.T) {
	t.Parallel()

	gw := gateway.NewFake()
	gw.Add(gateway.Item{ID: "item-1", ListID: "l", Title: "Dup"})
	gw.Add(gateway.Item{ID: "item-2", ListID: "l", Title: "Dup"})

	rem := index.New("r")
	for i, id := range []string{"rem-1", "rem-2"} {
		tk := &task.Task{
			ID: id, Origin: task.OriginReminders, Title: "Dup", Status: task.StatusTodo,
			Location:  task.Location{ListID: "l", ItemID: []string{"item-1", "item-2"}[i]},
			CreatedAt: []time.Time{older, newer}[i],
		}
		tk.RefreshDigest()
		rem.Add(tk)
	}

	// both duplicates are linked: neither may be retired
	set := links.NewSet()
	set.Add(&links.Link{MDID: "md-1", RemID: "rem-1"})
	set.Add(&links.Link{MDID: "md-2", RemID: "rem-2"})

	det := &Detector{GW: gw}
	res, err := det.Run(context.Background(), index.New("r"), rem, set, changeset.New("run-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.RetiredReminders != 0 || res.Skipped == 0 {
		t.Errorf("res = %+v, want skip not retire", res)
	}
	if len(gw.Deleted) != 0 {
		t.Errorf("deleted = %v", gw.Deleted)
	}
}
