package storage

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kpq/internal/apperr"
)

// Memory is an in-process Provider. Saves are counted but go nowhere.
type Memory struct {
	location string
	root     *memGroup

	mu    sync.Mutex
	saves int
}

// NewMemory returns an empty database identified by location.
func NewMemory(location string) *Memory {
	return &Memory{location: location, root: &memGroup{}}
}

type memGroup struct {
	path    []string
	name    string
	groups  []*memGroup
	entries []*memEntry
}

func (g *memGroup) Path() []string { return g.path }

type memValue struct {
	key, value string
}

type memEntry struct {
	id          uuid.UUID
	path        []string
	values      []memValue
	tags        []string
	expiry      *time.Time
	attachments []Attachment
	history     []memEntry
	modified    time.Time
}

func (m *Memory) Location() string { return m.location }

func (m *Memory) Root() Group { return m.root }

// Saves returns how many times Save was called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

func (m *Memory) group(path []string) *memGroup {
	g := m.root
	for _, name := range path {
		var next *memGroup
		for _, child := range g.groups {
			if child.name == name {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		g = next
	}
	return g
}

func (m *Memory) FindGroup(path []string) (Group, bool) {
	g := m.group(path)
	if g == nil {
		return nil, false
	}
	return g, true
}

func (m *Memory) AddGroup(parent Group, name string) (Group, error) {
	pg := m.group(parent.Path())
	if pg == nil {
		return nil, fmt.Errorf("%w: group %v vanished", apperr.ErrStore, parent.Path())
	}
	g := &memGroup{name: name, path: append(clonePath(pg.path), name)}
	pg.groups = append(pg.groups, g)
	return g, nil
}

func (m *Memory) FindEntry(group Group, title string) (Entry, bool) {
	g := m.group(group.Path())
	if g == nil {
		return nil, false
	}
	for _, e := range g.entries {
		if v, _ := e.Get("Title"); v == title {
			return e, true
		}
	}
	return nil, false
}

func (m *Memory) FindEntryByID(id uuid.UUID) (Entry, bool) {
	var walk func(g *memGroup) *memEntry
	walk = func(g *memGroup) *memEntry {
		for _, e := range g.entries {
			if e.id == id {
				return e
			}
		}
		for _, child := range g.groups {
			if e := walk(child); e != nil {
				return e
			}
		}
		return nil
	}
	if e := walk(m.root); e != nil {
		return e, true
	}
	return nil, false
}

func (m *Memory) AddEntry(group Group, title string) (Entry, error) {
	g := m.group(group.Path())
	if g == nil {
		return nil, fmt.Errorf("%w: group %v vanished", apperr.ErrStore, group.Path())
	}
	e := &memEntry{id: uuid.New(), path: clonePath(g.path), modified: time.Now()}
	e.Set("Title", title)
	g.entries = append(g.entries, e)
	return e, nil
}

func (m *Memory) DeleteEntry(e Entry) error {
	g := m.group(e.GroupPath())
	if g == nil {
		return fmt.Errorf("%w: group %v vanished", apperr.ErrStore, e.GroupPath())
	}
	for i, candidate := range g.entries {
		if candidate.id == e.ID() {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: entry %s", apperr.ErrNotFound, e.ID())
}

func (e *memEntry) ID() uuid.UUID       { return e.id }
func (e *memEntry) GroupPath() []string { return e.path }

func (e *memEntry) Get(key string) (string, bool) {
	for _, v := range e.values {
		if v.key == key {
			return v.value, true
		}
	}
	return "", false
}

func (e *memEntry) Set(key, value string) {
	for i := range e.values {
		if e.values[i].key == key {
			e.values[i].value = value
			return
		}
	}
	e.values = append(e.values, memValue{key: key, value: value})
}

func (e *memEntry) Unset(key string) bool {
	for i := range e.values {
		if e.values[i].key == key {
			e.values = append(e.values[:i], e.values[i+1:]...)
			return true
		}
	}
	return false
}

func (e *memEntry) Keys() []string {
	keys := make([]string, 0, len(e.values))
	for _, v := range e.values {
		keys = append(keys, v.key)
	}
	return keys
}

func (e *memEntry) Tags() []string        { return append([]string(nil), e.tags...) }
func (e *memEntry) SetTags(tags []string) { e.tags = append([]string(nil), tags...) }

func (e *memEntry) Expiry() (time.Time, bool) {
	if e.expiry == nil {
		return time.Time{}, false
	}
	return *e.expiry, true
}

func (e *memEntry) SetExpiry(t *time.Time) {
	if t == nil {
		e.expiry = nil
		return
	}
	v := t.UTC()
	e.expiry = &v
}

func (e *memEntry) Attachments() ([]Attachment, error) {
	out := make([]Attachment, len(e.attachments))
	for i, a := range e.attachments {
		out[i] = Attachment{Name: a.Name, Content: bytes.Clone(a.Content)}
	}
	return out, nil
}

func (e *memEntry) AddAttachment(name string, content []byte) error {
	e.RemoveAttachment(name)
	e.attachments = append(e.attachments, Attachment{Name: name, Content: bytes.Clone(content)})
	return nil
}

func (e *memEntry) RemoveAttachment(name string) bool {
	for i, a := range e.attachments {
		if a.Name == name {
			e.attachments = append(e.attachments[:i], e.attachments[i+1:]...)
			return true
		}
	}
	return false
}

func (e *memEntry) SaveHistory() {
	snapshot := *e
	snapshot.values = append([]memValue(nil), e.values...)
	snapshot.tags = append([]string(nil), e.tags...)
	snapshot.attachments = append([]Attachment(nil), e.attachments...)
	snapshot.history = nil
	e.history = append(e.history, snapshot)
}

func (e *memEntry) Revisions() int { return len(e.history) }

func (e *memEntry) Touch() { e.modified = time.Now() }
