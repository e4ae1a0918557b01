package collab

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"collabmesh/pkg/replica"
)

// ErrToggleNotAllowed is returned by Toggle when the policy refuses it.
var ErrToggleNotAllowed = errors.New("agenda toggle not allowed")

// AgendaItem is one entry of the shared agenda.
type AgendaItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	CreatedAt int64  `json:"createdAt"`
	CreatedBy User   `json:"createdBy"`
}

// AgendaOptions configures an Agenda.
type AgendaOptions struct {
	// AllowToggle defaults to "the local participant is the elected leader".
	AllowToggle func() bool
}

// Agenda is the shared list stored in the array "agenda".
type Agenda struct {
	c           *Coordinator
	list        replica.Array
	allowToggle func() bool
}

func (c *Coordinator) Agenda(opts AgendaOptions) *Agenda {
	a := &Agenda{c: c, list: c.doc.Array("agenda"), allowToggle: opts.AllowToggle}
	if a.allowToggle == nil {
		a.allowToggle = func() bool { return c.Leadership().IsLeader }
	}
	return a
}

// Add appends an open item created by the local user.
func (a *Agenda) Add(text string) (AgendaItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return AgendaItem{}, ErrEmptyText
	}
	if a.c.destroyed {
		return AgendaItem{}, nil
	}
	item := AgendaItem{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: a.c.clock.Now().UnixMilli(),
		CreatedBy: a.c.user,
	}
	if err := a.list.Push(item); err != nil {
		return AgendaItem{}, err
	}
	return item, nil
}

// Toggle flips an item's completion by replacing it in place. It reports
// false when no item has id.
func (a *Agenda) Toggle(id string) (bool, error) {
	if a.c.destroyed {
		return false, nil
	}
	if !a.allowToggle() {
		return false, ErrToggleNotAllowed
	}
	index, item, ok := a.find(id)
	if !ok {
		return false, nil
	}
	item.Completed = !item.Completed
	if err := a.list.Delete(index, 1); err != nil {
		return false, err
	}
	if err := a.list.Insert(index, item); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the item with id. It reports false when none exists.
func (a *Agenda) Remove(id string) (bool, error) {
	if a.c.destroyed {
		return false, nil
	}
	index, _, ok := a.find(id)
	if !ok {
		return false, nil
	}
	if err := a.list.Delete(index, 1); err != nil {
		return false, err
	}
	return true, nil
}

// Items returns open items before completed ones, each group oldest first.
func (a *Agenda) Items() ([]AgendaItem, error) {
	items, err := replica.Decode[AgendaItem](a.list)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Completed != items[j].Completed {
			return !items[i].Completed
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
	return items, nil
}

func (a *Agenda) Observe(fn func()) (unobserve func()) {
	return a.list.Observe(fn)
}

func (a *Agenda) find(id string) (int, AgendaItem, bool) {
	for i, raw := range a.list.ToArray() {
		var item AgendaItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.ID == id {
			return i, item, true
		}
	}
	return -1, AgendaItem{}, false
}
