package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jra3/obsync/internal/counterpart"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/testutil"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newRunner(t *testing.T, v *testutil.VaultBuilder, gw *gateway.Fake) *Runner {
	t.Helper()
	return &Runner{
		Config: testutil.Config(t, v.Root),
		GW:     gw,
		Now:    func() time.Time { return now },
	}
}

func TestRunFormsLinkAndAppliesNothing(t *testing.T) {
	t.Parallel()

	// scenario: one well-matched pair forms a link; a fresh link applies
	// no mutations
	v := testutil.NewVault(t).File("todo.md", "- [ ] Buy groceries 📅 2023-12-15 #personal\n")
	v.Touch("todo.md", now.Add(-time.Hour))
	gw := testutil.Gateway(now)
	gw.Add(gateway.Item{
		ID: "item-1", ExternalID: "x-1", ListID: "list-1",
		Title: "Buy groceries today",
		Due:   &gateway.DateComponents{Year: 2023, Month: 12, Day: 15},
		CreatedAt:  now.Add(-2 * time.Hour),
		ModifiedAt: now.Add(-2 * time.Hour),
	})

	r := newRunner(t, v, gw)
	r.Config.MinScore = 0.6
	r.Config.CreationCaps.MdToRem = 0
	r.Config.CreationCaps.RemToMd = 0

	res, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}

	if res.Disposition != DispositionClean {
		t.Errorf("disposition = %s (%+v)", res.Disposition, res.Errors)
	}
	if res.Links != 1 {
		t.Fatalf("links = %d, want 1", res.Links)
	}
	if res.Applied != 0 {
		t.Errorf("applied = %d, want 0 for a fresh link", res.Applied)
	}

	// artifacts persisted with matching run ids
	set, err := links.Load(r.linksPath())
	if err != nil {
		t.Fatal(err)
	}
	if set.Meta.RunID != res.RunID || len(set.Links) != 1 {
		t.Errorf("persisted links = %+v", set.Meta)
	}
	if set.Links[0].Score < 0.75 {
		t.Errorf("score = %v", set.Links[0].Score)
	}

	md, err := index.Load(r.mdIndexPath())
	if err != nil {
		t.Fatal(err)
	}
	if md.Meta.RunID != res.RunID || len(md.Tasks) != 1 {
		t.Errorf("persisted md index = %+v", md.Meta)
	}

	// invariant: every link endpoint exists in its index
	rem, err := index.Load(r.remIndexPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range set.Links {
		if !md.Has(l.MDID) || !rem.Has(l.RemID) {
			t.Errorf("dangling link %+v", l)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	v := testutil.NewVault(t).File("todo.md", "- [ ] Buy groceries 📅 2023-12-15\n")
	v.Touch("todo.md", now.Add(-time.Hour))
	gw := testutil.Gateway(now)
	gw.Add(gateway.Item{
		ID: "item-1", ExternalID: "x-1", ListID: "list-1",
		Title: "Buy groceries",
		Due:   &gateway.DateComponents{Year: 2023, Month: 12, Day: 15},
		CreatedAt:  now.Add(-2 * time.Hour),
		ModifiedAt: now.Add(-2 * time.Hour),
	})

	r := newRunner(t, v, gw)
	r.Config.CreationCaps.MdToRem = 0
	r.Config.CreationCaps.RemToMd = 0

	first, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Disposition != DispositionClean {
		t.Fatalf("first run = %+v", first)
	}

	// an immediate second run on unchanged inputs applies zero mutations
	second, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied != 0 || second.CreatedReminders != 0 || second.CreatedMarkdown != 0 ||
		second.RetiredMarkdown != 0 || second.RetiredReminders != 0 {
		t.Errorf("second run mutated: %+v", second)
	}
	if !second.Plan.Empty() {
		t.Errorf("second plan = %+v", second.Plan.Updates)
	}

	// vault bytes untouched
	if got := v.Read("todo.md"); got != "- [ ] Buy groceries 📅 2023-12-15\n" {
		t.Errorf("vault file = %q", got)
	}
}

func TestRunDryRunPersistsNothing(t *testing.T) {
	t.Parallel()

	v := testutil.NewVault(t).File("todo.md", "- [ ] Solo task\n")
	gw := testutil.Gateway(now)

	r := newRunner(t, v, gw)
	res, err := r.Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.MDTasks != 1 {
		t.Errorf("md tasks = %d", res.MDTasks)
	}
	if _, err := index.Load(r.mdIndexPath()); err == nil {
		t.Error("dry run persisted the markdown index")
	}
	if len(gw.Created) != 0 {
		t.Error("dry run created reminders")
	}
}

func TestRunCreatesCounterpartsBothWays(t *testing.T) {
	t.Parallel()

	v := testutil.NewVault(t).File("todo.md", "- [ ] Only in markdown\n")
	v.Touch("todo.md", now.Add(-time.Hour))
	gw := testutil.Gateway(now)
	gw.Add(gateway.Item{
		ID: "item-1", ExternalID: "x-1", ListID: "list-1",
		Title:      "Only in reminders",
		CreatedAt:  now.Add(-time.Hour),
		ModifiedAt: now.Add(-time.Hour),
	})

	r := newRunner(t, v, gw)
	res, err := r.Run(context.Background(), Options{Direction: counterpart.Both})
	if err != nil {
		t.Fatal(err)
	}

	if res.CreatedReminders != 1 || res.CreatedMarkdown != 1 {
		t.Fatalf("created = %d rem, %d md; want 1 and 1", res.CreatedReminders, res.CreatedMarkdown)
	}
	if res.Links != 2 {
		t.Errorf("links = %d, want 2", res.Links)
	}

	// the markdown counterpart landed in today's daily note
	daily := v.Read("daily/2024-05-01.md")
	if !strings.Contains(daily, "- [ ] Only in reminders") {
		t.Errorf("daily note = %q", daily)
	}

	// the reminders counterpart exists in the gateway
	if len(gw.Created) != 1 {
		t.Fatalf("gateway created = %v", gw.Created)
	}
	if gw.Items[gw.Created[0]].Title != "Only in markdown" {
		t.Errorf("created title = %q", gw.Items[gw.Created[0]].Title)
	}

	// every link endpoint exists in its persisted index
	set, err := links.Load(r.linksPath())
	if err != nil {
		t.Fatal(err)
	}
	md, _ := index.Load(r.mdIndexPath())
	rem, _ := index.Load(r.remIndexPath())
	for _, l := range set.Links {
		if !md.Has(l.MDID) || !rem.Has(l.RemID) {
			t.Errorf("dangling link after creation: %+v", l)
		}
	}
}

func TestRunCreationDirectionSelector(t *testing.T) {
	t.Parallel()

	v := testutil.NewVault(t).File("todo.md", "- [ ] Only in markdown\n")
	v.Touch("todo.md", now.Add(-time.Hour))
	gw := testutil.Gateway(now)
	gw.Add(gateway.Item{
		ID: "item-1", ExternalID: "x-1", ListID: "list-1",
		Title:      "Only in reminders",
		CreatedAt:  now.Add(-time.Hour),
		ModifiedAt: now.Add(-time.Hour),
	})

	r := newRunner(t, v, gw)
	res, err := r.Run(context.Background(), Options{Direction: counterpart.MdToRem})
	if err != nil {
		t.Fatal(err)
	}
	if res.CreatedReminders != 1 || res.CreatedMarkdown != 0 {
		t.Errorf("created = %d rem, %d md; want md→rem only", res.CreatedReminders, res.CreatedMarkdown)
	}
}

func TestRunRetiresDuplicatesEndToEnd(t *testing.T) {
	t.Parallel()

	// scenario: two identical unlinked lines; one survives the run
	v := testutil.NewVault(t).File("todo.md", "- [ ] Call Alice #home\n- [ ] Call Alice #home\n")
	v.Touch("todo.md", now.Add(-time.Hour))
	gw := testutil.Gateway(now)

	r := newRunner(t, v, gw)
	r.Config.CreationCaps.MdToRem = 0
	r.Config.CreationCaps.RemToMd = 0

	res, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.RetiredMarkdown != 1 {
		t.Fatalf("retired = %d, want 1 (%+v)", res.RetiredMarkdown, res)
	}
	if got := v.Read("todo.md"); got != "- [ ] Call Alice #home\n" {
		t.Errorf("file = %q", got)
	}

	// a follow-up run finds a single such task and retires nothing
	second, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.MDTasks != 1 || second.RetiredMarkdown != 0 {
		t.Errorf("second run = %+v", second)
	}
}

func TestRunCancelledBetweenStages(t *testing.T) {
	t.Parallel()

	v := testutil.NewVault(t).File("todo.md", "- [ ] task\n")
	gw := testutil.Gateway(now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRunner(t, v, gw)
	if _, err := r.Run(ctx, Options{}); err == nil {
		t.Error("cancelled run returned no error")
	}
}

func TestRunStatusBackPropagationEndToEnd(t *testing.T) {
	t.Parallel()

	// first run forms the link; the reminder is then completed remotely;
	// the second run rewrites the markdown line
	v := testutil.NewVault(t).File("todo.md", "- [ ] Pay invoice 📅 2024-03-01\n")
	v.Touch("todo.md", now.Add(-2*time.Hour))
	gw := testutil.Gateway(now)
	item := gw.Add(gateway.Item{
		ID: "item-1", ExternalID: "x-1", ListID: "list-1",
		Title: "Pay invoice",
		Due:   &gateway.DateComponents{Year: 2024, Month: 3, Day: 1},
		CreatedAt:  now.Add(-2 * time.Hour),
		ModifiedAt: now.Add(-2 * time.Hour),
	})

	r := newRunner(t, v, gw)
	r.Config.CreationCaps.MdToRem = 0
	r.Config.CreationCaps.RemToMd = 0

	if _, err := r.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}

	// remote completion after the first sync
	gw.Items[item.ID].Completed = true
	gw.Items[item.ID].ModifiedAt = now.Add(time.Hour)

	second, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied != 1 {
		t.Fatalf("second run = %+v (%+v)", second, second.Errors)
	}

	got := v.Read("todo.md")
	want := "- [x] Pay invoice 📅 2024-03-01 ✅ 2024-05-01\n"
	if got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}
