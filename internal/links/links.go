// Package links maintains the one-to-one associations between markdown
// and reminders tasks and their persisted file.
package links

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/match"
	"github.com/jra3/obsync/internal/safeio"
)

// SchemaVersion of the persisted link file.
const SchemaVersion = 1

// MaxFileBytes caps the link file size on load.
const MaxFileBytes = 64 << 20

// Sync directions recorded on a link after a reconcile.
const (
	DirectionNone    = "none"
	DirectionMdToRem = "md_to_rem"
	DirectionRemToMd = "rem_to_md"
	DirectionBoth    = "both"
)

// Link is one md/rem association.
type Link struct {
	MDID  string  `json:"md_id"`
	RemID string  `json:"rem_id"`
	Score float64 `json:"score"`

	CreatedAt    time.Time `json:"created_at"`
	LastScoredAt time.Time `json:"last_scored_at"`
	LastSyncedAt time.Time `json:"last_synced_at"`

	LastSyncDirection string `json:"last_sync_direction"`
}

// Meta describes the persisted link file.
type Meta struct {
	Schema      int       `json:"schema"`
	GeneratedAt time.Time `json:"generated_at"`
	RunID       string    `json:"run_id"`
	LinkCount   int       `json:"link_count"`
	MinScore    float64   `json:"min_score"`
	Algorithm   string    `json:"algorithm"`
}

// Set is the link collection plus its lookup maps.
type Set struct {
	Meta  Meta    `json:"meta"`
	Links []*Link `json:"links"`

	byMD  map[string]*Link
	byRem map[string]*Link
}

// NewSet creates an empty link set.
func NewSet() *Set {
	return &Set{
		byMD:  make(map[string]*Link),
		byRem: make(map[string]*Link),
	}
}

func (s *Set) reindex() {
	s.byMD = make(map[string]*Link, len(s.Links))
	s.byRem = make(map[string]*Link, len(s.Links))
	for _, l := range s.Links {
		s.byMD[l.MDID] = l
		s.byRem[l.RemID] = l
	}
}

// ByMD returns the link whose markdown endpoint is id, or nil.
func (s *Set) ByMD(id string) *Link { return s.byMD[id] }

// ByRem returns the link whose reminders endpoint is id, or nil.
func (s *Set) ByRem(id string) *Link { return s.byRem[id] }

// Add appends a link, rejecting endpoint reuse.
func (s *Set) Add(l *Link) error {
	if _, taken := s.byMD[l.MDID]; taken {
		return fmt.Errorf("md endpoint %s already linked", l.MDID)
	}
	if _, taken := s.byRem[l.RemID]; taken {
		return fmt.Errorf("rem endpoint %s already linked", l.RemID)
	}
	s.Links = append(s.Links, l)
	s.byMD[l.MDID] = l
	s.byRem[l.RemID] = l
	return nil
}

// Remove drops the link with the given endpoints, reporting whether it
// existed.
func (s *Set) Remove(mdID, remID string) bool {
	for i, l := range s.Links {
		if l.MDID == mdID && l.RemID == remID {
			s.Links = append(s.Links[:i], s.Links[i+1:]...)
			delete(s.byMD, mdID)
			delete(s.byRem, remID)
			return true
		}
	}
	return false
}

// Retire removes links whose endpoints no longer exist in the current
// indexes and returns the removed links. A reminders endpoint that is
// only missing because its list failed enumeration this run does not
// retire the link; priorRem supplies the list membership of vanished
// endpoints.
func (s *Set) Retire(md, rem, priorRem *index.Index) []*Link {
	var kept []*Link
	var retired []*Link
	for _, l := range s.Links {
		remOK := rem.Has(l.RemID)
		if !remOK && priorRem != nil && len(rem.ListErrors) > 0 {
			if old := priorRem.Get(l.RemID); old != nil {
				if _, failed := rem.ListErrors[old.Location.ListID]; failed {
					// the list is opaque this run; keep the link
					remOK = true
				}
			}
		}
		if md.Has(l.MDID) && remOK {
			kept = append(kept, l)
		} else {
			retired = append(retired, l)
		}
	}
	s.Links = kept
	s.reindex()
	return retired
}

// Rebuild merges freshly computed pairs into the set. A surviving pair
// keeps its created_at and sync state; only score and last_scored_at
// move. An existing link whose endpoints both took part in matching but
// whose pairing was not re-proposed has dissolved and is dropped; a link
// with an endpoint the matcher never considered (a completed task, with
// completed matching off) is preserved untouched. New pairs claim only
// endpoints no kept link holds.
func (s *Set) Rebuild(pairs []match.Pair, eligible func(mdID, remID string) bool, now time.Time) {
	proposed := make(map[string]match.Pair, len(pairs))
	for _, p := range pairs {
		proposed[p.MDID+"\x00"+p.RemID] = p
	}

	prior := s.Links
	s.Links = nil
	s.byMD = make(map[string]*Link, len(pairs))
	s.byRem = make(map[string]*Link, len(pairs))

	keep := func(l *Link) {
		s.Links = append(s.Links, l)
		s.byMD[l.MDID] = l
		s.byRem[l.RemID] = l
	}

	for _, l := range prior {
		if p, ok := proposed[l.MDID+"\x00"+l.RemID]; ok {
			l.Score = p.Score
			l.LastScoredAt = now
			keep(l)
			continue
		}
		if eligible == nil || !eligible(l.MDID, l.RemID) {
			keep(l)
		}
	}

	for _, p := range pairs {
		if s.byMD[p.MDID] != nil || s.byRem[p.RemID] != nil {
			continue
		}
		keep(&Link{
			MDID:              p.MDID,
			RemID:             p.RemID,
			Score:             p.Score,
			CreatedAt:         now,
			LastScoredAt:      now,
			LastSyncDirection: DirectionNone,
		})
	}

	sort.Slice(s.Links, func(i, j int) bool {
		if s.Links[i].MDID != s.Links[j].MDID {
			return s.Links[i].MDID < s.Links[j].MDID
		}
		return s.Links[i].RemID < s.Links[j].RemID
	})
}

// Validate quarantines links violating the endpoint invariants; used at
// load time. Returns descriptions of dropped links.
func (s *Set) Validate() []string {
	var problems []string
	seenMD := make(map[string]bool)
	seenRem := make(map[string]bool)
	var kept []*Link
	for _, l := range s.Links {
		switch {
		case l.MDID == "" || l.RemID == "":
			problems = append(problems, fmt.Sprintf("link %s/%s has an empty endpoint", l.MDID, l.RemID))
		case seenMD[l.MDID]:
			problems = append(problems, fmt.Sprintf("md endpoint %s linked twice", l.MDID))
		case seenRem[l.RemID]:
			problems = append(problems, fmt.Sprintf("rem endpoint %s linked twice", l.RemID))
		default:
			seenMD[l.MDID] = true
			seenRem[l.RemID] = true
			kept = append(kept, l)
			continue
		}
	}
	s.Links = kept
	s.reindex()
	return problems
}

// Load reads the persisted link file. A missing file yields an empty
// set.
func Load(path string) (*Set, error) {
	s := NewSet()
	err := safeio.LoadJSON(path, MaxFileBytes, s)
	if err != nil {
		return NewSet(), nil
	}
	if s.Meta.Schema != 0 && s.Meta.Schema != SchemaVersion {
		return nil, fmt.Errorf("link file %s has schema %d, want %d", path, s.Meta.Schema, SchemaVersion)
	}
	s.reindex()
	return s, nil
}

// Save writes the set atomically under the file lock, stamping the run
// metadata.
func (s *Set) Save(path, runID, algorithm string, minScore float64, lockTimeout time.Duration) error {
	// another process may have written since we loaded
	var onDisk Set
	if err := safeio.LoadJSON(path, MaxFileBytes, &onDisk); err == nil {
		if onDisk.Meta.RunID != "" && onDisk.Meta.RunID != s.Meta.RunID && s.Meta.RunID != "" {
			log.Printf("[links] %s was written by run %s while this run is %s", path, onDisk.Meta.RunID, s.Meta.RunID)
		}
	}

	s.Meta = Meta{
		Schema:      SchemaVersion,
		GeneratedAt: time.Now().UTC(),
		RunID:       runID,
		LinkCount:   len(s.Links),
		MinScore:    minScore,
		Algorithm:   algorithm,
	}
	return safeio.WithLock(path, lockTimeout, func() error {
		return safeio.SaveJSON(path, s)
	})
}
