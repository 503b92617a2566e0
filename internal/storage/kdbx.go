package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/tobischo/gokeepasslib/v3"

	"github.com/starford/kpq/internal/apperr"
)

// KDBX implements Provider on top of a KeePass 2.x database file.
type KDBX struct {
	location string
	db       *gokeepasslib.Database
}

// OpenKDBX decrypts the database described by d. The location and keyfile
// must exist. Opening runs the key derivation function and is slow by
// design of the file format.
func OpenKDBX(d Details) (*KDBX, error) {
	location, err := existingFile("keepass database", d.Location)
	if err != nil {
		return nil, err
	}
	creds, err := credentials(d)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", apperr.ErrStore, location, err)
	}
	defer f.Close()

	db := gokeepasslib.NewDatabase()
	db.Credentials = creds
	if err := gokeepasslib.NewDecoder(f).Decode(db); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", apperr.ErrStore, location, err)
	}
	db.UnlockProtectedEntries()

	if db.Content == nil || db.Content.Root == nil || len(db.Content.Root.Groups) == 0 {
		return nil, fmt.Errorf("%w: %s has no root group", apperr.ErrStore, location)
	}
	return &KDBX{location: location, db: db}, nil
}

// CreateKDBX writes a new, empty database to d.Location and returns it
// opened. The location must not exist yet.
func CreateKDBX(d Details, rootName string) (*KDBX, error) {
	location, err := ExpandPath(d.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	if _, err := os.Stat(location); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", apperr.ErrStore, location)
	}
	creds, err := credentials(d)
	if err != nil {
		return nil, err
	}
	if rootName == "" {
		rootName = "Root"
	}

	root := gokeepasslib.NewGroup()
	root.Name = rootName

	k := &KDBX{
		location: location,
		db: &gokeepasslib.Database{
			Header:      gokeepasslib.NewHeader(),
			Credentials: creds,
			Content: &gokeepasslib.DBContent{
				Meta: gokeepasslib.NewMetaData(),
				Root: &gokeepasslib.RootData{
					Groups: []gokeepasslib.Group{root},
				},
			},
		},
	}
	if err := k.Save(); err != nil {
		return nil, err
	}
	return k, nil
}

func credentials(d Details) (*gokeepasslib.DBCredentials, error) {
	if d.Keyfile == "" {
		if d.Password == "" {
			return nil, fmt.Errorf("%w: a password or a keyfile is required", apperr.ErrStore)
		}
		return gokeepasslib.NewPasswordCredentials(d.Password), nil
	}

	keyfile, err := existingFile("keyfile", d.Keyfile)
	if err != nil {
		return nil, err
	}
	var creds *gokeepasslib.DBCredentials
	if d.Password == "" {
		creds, err = gokeepasslib.NewKeyCredentials(keyfile)
	} else {
		creds, err = gokeepasslib.NewPasswordAndKeyCredentials(d.Password, keyfile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read keyfile %s: %w", apperr.ErrStore, keyfile, err)
	}
	return creds, nil
}

func (k *KDBX) Location() string { return k.location }

// Save encodes the database and atomically replaces the file.
func (k *KDBX) Save() error {
	k.db.LockProtectedEntries()
	defer k.db.UnlockProtectedEntries()

	var buf bytes.Buffer
	if err := gokeepasslib.NewEncoder(&buf).Encode(k.db); err != nil {
		return fmt.Errorf("%w: encode %s: %w", apperr.ErrStore, k.location, err)
	}
	if err := writeAtomic(k.location, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	return nil
}

type kdbxGroup struct {
	path []string
}

func (g kdbxGroup) Path() []string { return g.path }

func (k *KDBX) Root() Group { return kdbxGroup{} }

// group resolves path to the live group. Groups live in value slices, so
// pointers are resolved per call rather than cached.
func (k *KDBX) group(path []string) *gokeepasslib.Group {
	g := &k.db.Content.Root.Groups[0]
	for _, name := range path {
		var next *gokeepasslib.Group
		for i := range g.Groups {
			if g.Groups[i].Name == name {
				next = &g.Groups[i]
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

func (k *KDBX) FindGroup(path []string) (Group, bool) {
	if k.group(path) == nil {
		return nil, false
	}
	return kdbxGroup{path: clonePath(path)}, true
}

func (k *KDBX) AddGroup(parent Group, name string) (Group, error) {
	pg := k.group(parent.Path())
	if pg == nil {
		return nil, fmt.Errorf("%w: group %v vanished", apperr.ErrStore, parent.Path())
	}
	g := gokeepasslib.NewGroup()
	g.Name = name
	pg.Groups = append(pg.Groups, g)
	return kdbxGroup{path: append(clonePath(parent.Path()), name)}, nil
}

func (k *KDBX) FindEntry(group Group, title string) (Entry, bool) {
	g := k.group(group.Path())
	if g == nil {
		return nil, false
	}
	for i := range g.Entries {
		if content(&g.Entries[i], "Title") == title {
			return &kdbxEntry{kdbx: k, raw: &g.Entries[i], path: clonePath(group.Path())}, true
		}
	}
	return nil, false
}

func (k *KDBX) FindEntryByID(id uuid.UUID) (Entry, bool) {
	var walk func(g *gokeepasslib.Group, path []string) Entry
	walk = func(g *gokeepasslib.Group, path []string) Entry {
		for i := range g.Entries {
			if uuid.UUID(g.Entries[i].UUID) == id {
				return &kdbxEntry{kdbx: k, raw: &g.Entries[i], path: path}
			}
		}
		for i := range g.Groups {
			if e := walk(&g.Groups[i], append(clonePath(path), g.Groups[i].Name)); e != nil {
				return e
			}
		}
		return nil
	}
	e := walk(&k.db.Content.Root.Groups[0], nil)
	return e, e != nil
}

func (k *KDBX) AddEntry(group Group, title string) (Entry, error) {
	g := k.group(group.Path())
	if g == nil {
		return nil, fmt.Errorf("%w: group %v vanished", apperr.ErrStore, group.Path())
	}
	e := gokeepasslib.NewEntry()
	g.Entries = append(g.Entries, e)
	entry := &kdbxEntry{kdbx: k, raw: &g.Entries[len(g.Entries)-1], path: clonePath(group.Path())}
	entry.Set("Title", title)
	return entry, nil
}

func (k *KDBX) DeleteEntry(e Entry) error {
	g := k.group(e.GroupPath())
	if g == nil {
		return fmt.Errorf("%w: group %v vanished", apperr.ErrStore, e.GroupPath())
	}
	for i := range g.Entries {
		if uuid.UUID(g.Entries[i].UUID) == e.ID() {
			g.Entries = append(g.Entries[:i], g.Entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: entry %s", apperr.ErrNotFound, e.ID())
}

func (k *KDBX) binary(ref gokeepasslib.BinaryReference) ([]byte, error) {
	bin := ref.Find(k.db)
	if bin == nil {
		return nil, errors.New("binary reference points nowhere")
	}
	return bin.GetContentBytes()
}

func clonePath(p []string) []string {
	if len(p) == 0 {
		return nil
	}
	return append([]string(nil), p...)
}
