// Package reminders builds the reminders-side task index by enumerating
// the gateway and normalizing each item to the common task shape.
package reminders

import (
	"context"
	"log"
	"time"

	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/identity"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/task"
)

// Indexer builds the reminders task index.
type Indexer struct {
	gw  gateway.Gateway
	now func() time.Time
}

func NewIndexer(gw gateway.Gateway) *Indexer {
	return &Indexer{gw: gw, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (x *Indexer) SetClock(now func() time.Time) { x.now = now }

// IndexLists enumerates the given lists and assembles the index. Lists
// that fail enumeration are recorded in the index's ListErrors; the
// reconciler treats their contents as opaque and proposes no deletions
// against them.
func (x *Indexer) IndexLists(ctx context.Context, listIDs []string, runID string, prior *index.Index) (*index.Index, error) {
	items, listErrs, err := x.gw.ListItems(ctx, listIDs)
	if err != nil {
		return nil, err
	}

	ix := index.New(runID)
	ix.Meta.SourceCount = len(listIDs) - len(listErrs)
	for _, le := range listErrs {
		log.Printf("[index] list %s failed: %s", le.ListID, le.Message)
		if ix.ListErrors == nil {
			ix.ListErrors = make(map[string]string)
		}
		ix.ListErrors[le.ListID] = le.Message
	}

	for _, item := range items {
		ix.Add(FromItem(item))
	}

	ix.CarryCreatedAt(prior, x.now().UTC())
	return ix, nil
}

// FromItem normalizes one gateway item to the common task shape.
func FromItem(item gateway.Item) *task.Task {
	status := task.StatusTodo
	if item.Completed {
		status = task.StatusDone
	}

	due := ""
	if item.Due != nil {
		due = dates.FromComponents(item.Due.Year, item.Due.Month, item.Due.Day)
	}

	t := &task.Task{
		ID:       identity.ForReminder(item.ExternalID, item.ListID, item.ID, item.Title, due),
		Origin:   task.OriginReminders,
		Title:    item.Title,
		Status:   status,
		Due:      due,
		Priority: gateway.PriorityFromGateway(item.Priority),
		Location: task.Location{ListID: item.ListID, ItemID: item.ID},

		ModifiedAt: item.ModifiedAt,
		CreatedAt:  item.CreatedAt,
	}
	t.RefreshDigest()
	return t
}
