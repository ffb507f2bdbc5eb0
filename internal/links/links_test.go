package links

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/match"
	"github.com/jra3/obsync/internal/task"
)

func TestAddRejectsEndpointReuse(t *testing.T) {
	t.Parallel()

	s := NewSet()
	if err := s.Add(&Link{MDID: "md-1", RemID: "rem-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(&Link{MDID: "md-1", RemID: "rem-2"}); err == nil {
		t.Error("md endpoint reused without error")
	}
	if err := s.Add(&Link{MDID: "md-2", RemID: "rem-1"}); err == nil {
		t.Error("rem endpoint reused without error")
	}
}

func TestRetireRemovesDanglingLinks(t *testing.T) {
	t.Parallel()

	md := index.New("r")
	md.Add(&task.Task{ID: "md-1"})
	rem := index.New("r")
	rem.Add(&task.Task{ID: "rem-1"})

	s := NewSet()
	s.Add(&Link{MDID: "md-1", RemID: "rem-1"})
	s.Add(&Link{MDID: "md-gone", RemID: "rem-1b"})

	retired := s.Retire(md, rem, nil)
	if len(retired) != 1 || retired[0].MDID != "md-gone" {
		t.Errorf("retired = %+v", retired)
	}
	if len(s.Links) != 1 || s.ByMD("md-1") == nil {
		t.Errorf("surviving links = %+v", s.Links)
	}
	if s.ByMD("md-gone") != nil {
		t.Error("lookup still returns a retired link")
	}
}

func TestRetireKeepsLinksOnFailedLists(t *testing.T) {
	t.Parallel()

	md := index.New("r")
	md.Add(&task.Task{ID: "md-1"})

	// current rem index: list-1 failed, so its items are absent
	rem := index.New("r")
	rem.ListErrors = map[string]string{"list-1": "store offline"}

	prior := index.New("r0")
	prior.Add(&task.Task{ID: "rem-1", Location: task.Location{ListID: "list-1", ItemID: "i1"}})
	prior.Add(&task.Task{ID: "rem-2", Location: task.Location{ListID: "list-2", ItemID: "i2"}})

	s := NewSet()
	s.Add(&Link{MDID: "md-1", RemID: "rem-1"})

	if retired := s.Retire(md, rem, prior); len(retired) != 0 {
		t.Errorf("link on a failed list was retired: %+v", retired)
	}
	if s.ByMD("md-1") == nil {
		t.Error("link missing after retire")
	}
}

func TestRebuildPreservesSurvivors(t *testing.T) {
	t.Parallel()

	origin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s := NewSet()
	s.Add(&Link{
		MDID: "md-1", RemID: "rem-1", Score: 0.8,
		CreatedAt: origin, LastSyncedAt: origin, LastSyncDirection: DirectionBoth,
	})
	s.Add(&Link{MDID: "md-2", RemID: "rem-2", Score: 0.9, CreatedAt: origin})

	everyoneEligible := func(string, string) bool { return true }
	s.Rebuild([]match.Pair{
		{MDID: "md-1", RemID: "rem-1", Score: 0.85}, // same pairing, rescored
		{MDID: "md-2", RemID: "rem-9", Score: 0.7},  // re-paired
		{MDID: "md-3", RemID: "rem-3", Score: 0.95}, // brand new
	}, everyoneEligible, now)

	survivor := s.ByMD("md-1")
	if survivor == nil {
		t.Fatal("survivor missing")
	}
	if !survivor.CreatedAt.Equal(origin) {
		t.Error("survivor lost created_at")
	}
	if !survivor.LastSyncedAt.Equal(origin) || survivor.LastSyncDirection != DirectionBoth {
		t.Error("survivor lost sync state")
	}
	if survivor.Score != 0.85 || !survivor.LastScoredAt.Equal(now) {
		t.Errorf("survivor not rescored: %+v", survivor)
	}

	repaired := s.ByMD("md-2")
	if repaired == nil || repaired.RemID != "rem-9" {
		t.Fatalf("re-paired link = %+v", repaired)
	}
	if !repaired.CreatedAt.Equal(now) {
		t.Error("a new pairing must get a fresh created_at")
	}

	fresh := s.ByMD("md-3")
	if fresh == nil || fresh.LastSyncDirection != DirectionNone {
		t.Errorf("new link = %+v", fresh)
	}

	if len(s.Links) != 3 {
		t.Errorf("links = %d, want 3", len(s.Links))
	}
}

func TestRebuildPreservesLinksOutsideMatching(t *testing.T) {
	t.Parallel()

	origin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s := NewSet()
	s.Add(&Link{MDID: "md-done", RemID: "rem-done", Score: 0.9, CreatedAt: origin, LastSyncedAt: origin})

	// the pair's endpoints were excluded from matching (completed), so no
	// pair is proposed; the link must survive untouched
	notEligible := func(string, string) bool { return false }
	s.Rebuild(nil, notEligible, now)

	l := s.ByMD("md-done")
	if l == nil {
		t.Fatal("link to completed task dropped by rebuild")
	}
	if !l.CreatedAt.Equal(origin) || l.Score != 0.9 {
		t.Errorf("link mutated: %+v", l)
	}
}

func TestValidateDropsDuplicateEndpoints(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Links = []*Link{
		{MDID: "md-1", RemID: "rem-1"},
		{MDID: "md-1", RemID: "rem-2"},
		{MDID: "", RemID: "rem-3"},
	}
	problems := s.Validate()
	if len(problems) != 2 {
		t.Errorf("problems = %v", problems)
	}
	if len(s.Links) != 1 {
		t.Errorf("links = %+v", s.Links)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "links.json")
	s := NewSet()
	s.Add(&Link{MDID: "md-1", RemID: "rem-1", Score: 0.87, LastSyncDirection: DirectionNone})

	if err := s.Save(path, "run-1", "hungarian", 0.75, time.Second); err != nil {
		t.Fatal(err)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Meta.Schema != SchemaVersion || back.Meta.RunID != "run-1" || back.Meta.Algorithm != "hungarian" {
		t.Errorf("meta = %+v", back.Meta)
	}
	if back.Meta.LinkCount != 1 || back.Meta.MinScore != 0.75 {
		t.Errorf("meta = %+v", back.Meta)
	}
	l := back.ByMD("md-1")
	if l == nil || l.RemID != "rem-1" || l.Score != 0.87 {
		t.Errorf("link = %+v", l)
	}
}

func TestLoadMissingFileYieldsEmptySet(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Links) != 0 {
		t.Errorf("links = %+v", s.Links)
	}
	// the empty set must be usable
	if err := s.Add(&Link{MDID: "a", RemID: "b"}); err != nil {
		t.Fatal(err)
	}
}
