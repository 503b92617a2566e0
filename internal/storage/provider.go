// Package storage defines the password database abstraction and its
// KeePass and in-memory implementations.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// Provider is an opened password database.
//
// Groups are addressed by path and entries are looked up through their
// group. Nothing is persisted until Save is called.
type Provider interface {
	// Location identifies the database, e.g. the absolute file path.
	Location() string
	// Root returns the top-level group.
	Root() Group
	// FindGroup walks path from the root group.
	FindGroup(path []string) (Group, bool)
	// AddGroup creates a child group under parent.
	AddGroup(parent Group, name string) (Group, error)
	// FindEntry returns the first entry in group with the given title.
	FindEntry(group Group, title string) (Entry, bool)
	// FindEntryByID searches the whole database for an entry.
	FindEntryByID(id uuid.UUID) (Entry, bool)
	// AddEntry creates an entry titled title in group.
	AddEntry(group Group, title string) (Entry, error)
	// DeleteEntry removes the entry from its group.
	DeleteEntry(e Entry) error
	// Save persists every change made since the database was opened.
	Save() error
}

// Group is a path-addressable container of entries.
type Group interface {
	Path() []string
}

// Entry is a single record. String fields are addressed by their KeePass
// key ("Title", "UserName", ... or any custom key).
type Entry interface {
	ID() uuid.UUID
	GroupPath() []string

	Get(key string) (string, bool)
	Set(key, value string)
	Unset(key string) bool
	// Keys lists the string keys in stored order.
	Keys() []string

	Tags() []string
	SetTags(tags []string)
	Expiry() (time.Time, bool)
	SetExpiry(t *time.Time)

	Attachments() ([]Attachment, error)
	// AddAttachment stores content under name, replacing an attachment
	// with the same name.
	AddAttachment(name string, content []byte) error
	RemoveAttachment(name string) bool

	// SaveHistory appends a snapshot of the current state to the history.
	SaveHistory()
	// Revisions returns the number of history snapshots.
	Revisions() int
	// Touch updates the modification and access times.
	Touch()
}

// Attachment is a named binary attached to an entry.
type Attachment struct {
	Name    string
	Content []byte
}

// Details locates a database file and the credentials that open it.
type Details struct {
	Location string
	Password string
	Keyfile  string
}
