// Package testutil provides shared test helpers for seeding databases.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/kpq/internal/resolver"
	"github.com/starford/kpq/internal/storage"
)

// Password opens every database created by NewKDBX.
const Password = "test-password"

// Fixture holds the records seeded by Seed.
//
//	one/two/test   username u1, password p1, url, notes, custom key, test.txt
//	one/two/clone  username and password refer to one/two/test
type Fixture struct {
	Test  storage.Entry
	Clone storage.Entry
}

// Seed writes the fixture records into p without saving.
func Seed(t *testing.T, p storage.Provider) Fixture {
	t.Helper()
	one, err := p.AddGroup(p.Root(), "one")
	if err != nil {
		t.Fatal(err)
	}
	two, err := p.AddGroup(one, "two")
	if err != nil {
		t.Fatal(err)
	}

	test, err := p.AddEntry(two, "test")
	if err != nil {
		t.Fatal(err)
	}
	test.Set("UserName", "u1")
	test.Set("Password", "p1")
	test.Set("URL", "https://example.org")
	test.Set("Notes", "test notes")
	test.Set("test_custom_key", "test custom value")
	if err := test.AddAttachment("test.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	clone, err := p.AddEntry(two, "clone")
	if err != nil {
		t.Fatal(err)
	}
	clone.Set("UserName", resolver.Reference("U", test.ID()))
	clone.Set("Password", resolver.Reference("P", test.ID()))

	return Fixture{Test: test, Clone: clone}
}

// NewMemory returns a seeded in-memory database.
func NewMemory(t *testing.T) (*storage.Memory, Fixture) {
	t.Helper()
	m := storage.NewMemory("memory:" + t.Name())
	return m, Seed(t, m)
}

// NewKDBX writes a seeded KeePass file into a temp dir and returns the
// details that open it.
func NewKDBX(t *testing.T) storage.Details {
	t.Helper()
	d := storage.Details{
		Location: filepath.Join(t.TempDir(), "test.kdbx"),
		Password: Password,
	}
	k, err := storage.CreateKDBX(d, "Root")
	if err != nil {
		t.Fatal(err)
	}
	Seed(t, k)
	if err := k.Save(); err != nil {
		t.Fatal(err)
	}
	return d
}

// ReadFile returns the bytes of path.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// Logger discards everything below error level.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
