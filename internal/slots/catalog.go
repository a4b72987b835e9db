package slots

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const DefaultCapacity = 3

var (
	ErrEmptyCatalog = errors.New("slot catalog is empty")
	ErrInvalidSlot  = errors.New("invalid slot definition")
)

// Slot is one fixed daily time window.
type Slot struct {
	ID       int    `toml:"id" json:"slotId"`
	Label    string `toml:"label" json:"label"`
	Start    string `toml:"start" json:"start"`
	End      string `toml:"end" json:"end"`
	Capacity int    `toml:"capacity" json:"capacity"`
}

// Catalog is the immutable daily schedule. It is safe for concurrent use.
type Catalog struct {
	slots []Slot
	byID  map[int]Slot
}

// Default returns the clinic's four daily slots, each with the given capacity.
func Default(capacity int) (*Catalog, error) {
	return New([]Slot{
		{ID: 1, Label: "8:00 - 10:00 AM", Start: "08:00", End: "10:00", Capacity: capacity},
		{ID: 2, Label: "10:30 AM - 12:30 PM", Start: "10:30", End: "12:30", Capacity: capacity},
		{ID: 3, Label: "1:00 - 3:00 PM", Start: "13:00", End: "15:00", Capacity: capacity},
		{ID: 4, Label: "3:00 - 5:00 PM", Start: "15:00", End: "17:00", Capacity: capacity},
	})
}

func New(defs []Slot) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		slots: make([]Slot, 0, len(defs)),
		byID:  make(map[int]Slot, len(defs)),
	}
	for _, s := range defs {
		if s.ID < 1 {
			return nil, fmt.Errorf("%w: id %d must be positive", ErrInvalidSlot, s.ID)
		}
		if strings.TrimSpace(s.Label) == "" {
			return nil, fmt.Errorf("%w: slot %d has no label", ErrInvalidSlot, s.ID)
		}
		if s.Capacity < 1 {
			return nil, fmt.Errorf("%w: slot %d capacity %d must be at least 1", ErrInvalidSlot, s.ID, s.Capacity)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInvalidSlot, s.ID)
		}
		c.byID[s.ID] = s
		c.slots = append(c.slots, s)
	}

	sort.Slice(c.slots, func(i, j int) bool { return c.slots[i].ID < c.slots[j].ID })
	return c, nil
}

type catalogFile struct {
	Slots []Slot `toml:"slot"`
}

// LoadFile reads a catalog from a TOML file of [[slot]] tables. Slots with
// no capacity get defaultCapacity.
func LoadFile(path string, defaultCapacity int) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot catalog: %w", err)
	}
	return Parse(string(data), defaultCapacity)
}

func Parse(doc string, defaultCapacity int) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.Decode(doc, &f); err != nil {
		return nil, fmt.Errorf("decode slot catalog: %w", err)
	}
	for i := range f.Slots {
		if f.Slots[i].Capacity == 0 {
			f.Slots[i].Capacity = defaultCapacity
		}
	}
	return New(f.Slots)
}

// List returns the slots ordered by id. The returned slice is a copy.
func (c *Catalog) List() []Slot {
	out := make([]Slot, len(c.slots))
	copy(out, c.slots)
	return out
}

func (c *Catalog) Get(id int) (Slot, bool) {
	s, ok := c.byID[id]
	return s, ok
}

func (c *Catalog) Len() int {
	return len(c.slots)
}
