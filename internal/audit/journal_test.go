package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndList(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := []*Record{
		{Time: base, Database: "main", Action: "get", Path: "one/two/test"},
		{Time: base.Add(time.Minute), Database: "main", Action: "put", Path: "one/two/test", Changed: true},
		{Time: base.Add(2 * time.Minute), Database: "other", Action: "del", Path: "x", Field: "notes", Failed: true, Message: "not found"},
	}
	for _, r := range records {
		if err := j.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if r.ID == "" {
			t.Error("Append did not assign an id")
		}
	}

	all, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Action != "del" || !all[0].Failed || all[0].Field != "notes" {
		t.Errorf("newest record = %+v", all[0])
	}

	main, err := j.List(ctx, Filter{Database: "main", Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(main) != 1 || main[0].Action != "put" || !main[0].Changed {
		t.Errorf("filtered = %+v", main)
	}

	since := base.Add(30 * time.Second)
	recent, err := j.List(ctx, Filter{Since: &since})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("since: len = %d, want 2", len(recent))
	}
}
