package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/task"
)

// Fake implements Gateway with in-memory data for testing. Items can be
// seeded directly; error injection hooks simulate per-list and
// per-operation failures.
type Fake struct {
	mu sync.Mutex

	// Items keyed by item id.
	Items map[string]*Item

	// FailingLists produce a ListError instead of their items.
	FailingLists map[string]string

	// Errors injected per operation name ("create", "update", "delete",
	// "find"); consumed on every call until cleared.
	OpErrors map[string]error

	// Now supplies timestamps for creations and updates; defaults to
	// time.Now.
	Now func() time.Time

	nextID int

	// call log for assertions
	Created []string
	Updated []string
	Deleted []string
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		Items:        make(map[string]*Item),
		FailingLists: make(map[string]string),
		OpErrors:     make(map[string]error),
		Now:          time.Now,
	}
}

// Add seeds an item, assigning an id when absent.
func (f *Fake) Add(item Item) *Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		f.nextID++
		item.ID = fmt.Sprintf("item-%d", f.nextID)
	}
	if item.ExternalID == "" {
		item.ExternalID = "x-" + item.ID
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = f.Now()
	}
	if item.ModifiedAt.IsZero() {
		item.ModifiedAt = item.CreatedAt
	}
	f.Items[item.ID] = &item
	return &item
}

func (f *Fake) ListItems(ctx context.Context, listIDs []string) ([]Item, []ListError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []Item
	var listErrs []ListError
	for _, listID := range listIDs {
		if msg, bad := f.FailingLists[listID]; bad {
			listErrs = append(listErrs, ListError{ListID: listID, Message: msg})
			continue
		}
		for _, item := range f.Items {
			if item.ListID == listID {
				items = append(items, *item)
			}
		}
	}
	// deterministic order for tests
	sortItems(items)
	return items, listErrs, nil
}

func (f *Fake) FindItem(ctx context.Context, itemID, listID string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.OpErrors["find"]; err != nil {
		return nil, err
	}
	item, ok := f.Items[itemID]
	if !ok {
		return nil, nil
	}
	if listID != "" && item.ListID != listID {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (f *Fake) CreateItem(ctx context.Context, listID string, fields Fields) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.OpErrors["create"]; err != nil {
		return nil, err
	}

	// skip past any explicitly seeded ids
	f.nextID++
	for {
		if _, taken := f.Items[fmt.Sprintf("item-%d", f.nextID)]; !taken {
			break
		}
		f.nextID++
	}
	now := f.Now()
	item := &Item{
		ID:         fmt.Sprintf("item-%d", f.nextID),
		ExternalID: fmt.Sprintf("x-item-%d", f.nextID),
		ListID:     listID,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if fields.Title != nil {
		item.Title = *fields.Title
	}
	if fields.Due != nil && *fields.Due != "" {
		y, m, d := dates.Components(*fields.Due)
		item.Due = &DateComponents{Year: y, Month: m, Day: d}
	}
	if fields.Priority != nil {
		item.Priority = PriorityToGateway(*fields.Priority)
	}
	if fields.Completed != nil {
		item.Completed = *fields.Completed
	}
	f.Items[item.ID] = item
	f.Created = append(f.Created, item.ID)
	cp := *item
	return &cp, nil
}

func (f *Fake) UpdateItem(ctx context.Context, itemID string, fields Fields, dryRun bool) ([]AppliedChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.OpErrors["update"]; err != nil {
		return nil, err
	}

	item, ok := f.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}

	var changes []AppliedChange
	if fields.Title != nil && *fields.Title != item.Title {
		changes = append(changes, AppliedChange{Field: "title", Old: item.Title, New: *fields.Title})
		if !dryRun {
			item.Title = *fields.Title
		}
	}
	if fields.Due != nil {
		old := dueString(item.Due)
		if *fields.Due != old {
			changes = append(changes, AppliedChange{Field: "due", Old: old, New: *fields.Due})
			if !dryRun {
				if *fields.Due == "" {
					item.Due = nil
				} else {
					y, m, d := dates.Components(*fields.Due)
					item.Due = &DateComponents{Year: y, Month: m, Day: d}
				}
			}
		}
	}
	if fields.Priority != nil {
		old := PriorityFromGateway(item.Priority)
		if *fields.Priority != old {
			changes = append(changes, AppliedChange{Field: "priority", Old: old.String(), New: fields.Priority.String()})
			if !dryRun {
				item.Priority = PriorityToGateway(*fields.Priority)
			}
		}
	}
	if fields.Completed != nil && *fields.Completed != item.Completed {
		changes = append(changes, AppliedChange{Field: "status", Old: statusString(item.Completed), New: statusString(*fields.Completed)})
		if !dryRun {
			item.Completed = *fields.Completed
		}
	}

	if !dryRun && len(changes) > 0 {
		item.ModifiedAt = f.Now()
		f.Updated = append(f.Updated, itemID)
	}
	return changes, nil
}

func (f *Fake) DeleteItem(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.OpErrors["delete"]; err != nil {
		return err
	}
	if _, ok := f.Items[itemID]; !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	delete(f.Items, itemID)
	f.Deleted = append(f.Deleted, itemID)
	return nil
}

func dueString(d *DateComponents) string {
	if d == nil {
		return ""
	}
	return dates.FromComponents(d.Year, d.Month, d.Day)
}

func statusString(completed bool) string {
	if completed {
		return string(task.StatusDone)
	}
	return string(task.StatusTodo)
}

func sortItems(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].ID < items[j-1].ID; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
