// Package reconcile computes and applies per-field changes across linked
// task pairs. Direction is decided field by field: the side modified
// since the last sync wins, with last-writer-wins on conflict.
package reconcile

import (
	"time"

	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/task"
)

// Reconcilable fields, in the deterministic order updates flow.
const (
	FieldTitle    = "title"
	FieldStatus   = "status"
	FieldDue      = "due"
	FieldPriority = "priority"
)

var fieldOrder = []string{FieldTitle, FieldStatus, FieldDue, FieldPriority}

// Update is one planned field change on one link.
type Update struct {
	MDID      string `json:"md_id"`
	RemID     string `json:"rem_id"`
	Field     string `json:"field"`
	Direction string `json:"direction"` // links.DirectionMdToRem or links.DirectionRemToMd
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}

// Plan is the ordered list of field updates one reconcile pass intends
// to apply. Updates are grouped per link, fields in canonical order.
type Plan struct {
	Updates []Update `json:"updates"`
}

// Empty reports whether the plan contains no work.
func (p *Plan) Empty() bool { return len(p.Updates) == 0 }

// BuildPlan diffs every link's endpoints. Links whose endpoints are
// missing (kept through a failed-list retire) are skipped silently; the
// next healthy run picks them up.
func BuildPlan(md, rem *index.Index, set *links.Set) *Plan {
	plan := &Plan{}
	for _, l := range set.Links {
		mdT := md.Get(l.MDID)
		remT := rem.Get(l.RemID)
		if mdT == nil || remT == nil {
			continue
		}
		planLink(plan, l, mdT, remT)
	}
	return plan
}

func planLink(plan *Plan, l *links.Link, mdT, remT *task.Task) {
	// a link that has never synced measures change against its own
	// formation time
	baseline := l.LastSyncedAt
	if baseline.IsZero() {
		baseline = l.CreatedAt
	}
	mdChanged := mdT.ModifiedAt.After(baseline)
	remChanged := remT.ModifiedAt.After(baseline)

	for _, field := range fieldOrder {
		mdVal := fieldValue(mdT, field)
		remVal := fieldValue(remT, field)
		if mdVal == remVal {
			continue
		}

		direction := decide(mdChanged, remChanged, mdT.ModifiedAt, remT.ModifiedAt)
		if direction == "" {
			continue
		}

		u := Update{MDID: l.MDID, RemID: l.RemID, Field: field, Direction: direction}
		if direction == links.DirectionMdToRem {
			u.OldValue, u.NewValue = remVal, mdVal
		} else {
			u.OldValue, u.NewValue = mdVal, remVal
		}
		plan.Updates = append(plan.Updates, u)
	}
}

// decide picks the winning direction. Exact modification-time ties go to
// the reminders side, whose timestamps are more granular.
func decide(mdChanged, remChanged bool, mdAt, remAt time.Time) string {
	switch {
	case mdChanged && !remChanged:
		return links.DirectionMdToRem
	case remChanged && !mdChanged:
		return links.DirectionRemToMd
	case mdChanged && remChanged:
		if mdAt.After(remAt) {
			return links.DirectionMdToRem
		}
		return links.DirectionRemToMd
	default:
		return ""
	}
}

// fieldValue encodes a task's field as a comparable string.
func fieldValue(t *task.Task, field string) string {
	switch field {
	case FieldTitle:
		return t.Title
	case FieldStatus:
		return string(t.Status)
	case FieldDue:
		return t.Due
	case FieldPriority:
		return t.Priority.String()
	}
	return ""
}
