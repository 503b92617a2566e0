package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSessionsReuseAndEvict(t *testing.T) {
	var opens atomic.Int32
	sessions := NewSessions(func(d Details) (Provider, error) {
		opens.Add(1)
		return NewMemory(d.Location), nil
	}, quietLogger())

	d := Details{Location: "/srv/a.kdbx", Password: "x"}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sessions.Acquire(d); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", opens.Load())
	}
	if sessions.Len() != 1 {
		t.Errorf("len = %d", sessions.Len())
	}

	if !sessions.Evict("/srv/a.kdbx") {
		t.Error("Evict returned false")
	}
	if sessions.Evict("/srv/a.kdbx") {
		t.Error("second Evict should return false")
	}
	if _, err := sessions.Acquire(d); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if opens.Load() != 2 {
		t.Errorf("opens = %d, want 2", opens.Load())
	}
}

func TestSessionsSlowOpenDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	opening := make(chan struct{})
	sessions := NewSessions(func(d Details) (Provider, error) {
		if d.Location == "/srv/slow.kdbx" {
			close(opening)
			<-release
		}
		return NewMemory(d.Location), nil
	}, quietLogger())

	fast := Details{Location: "/srv/fast.kdbx"}
	if _, err := sessions.Acquire(fast); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := sessions.Acquire(Details{Location: "/srv/slow.kdbx"})
		slowDone <- err
	}()
	<-opening

	got := make(chan error, 1)
	go func() {
		if _, err := sessions.Acquire(fast); err != nil {
			got <- err
			return
		}
		_, err := sessions.Acquire(Details{Location: "/srv/other.kdbx"})
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire blocked behind a slow open")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow Acquire: %v", err)
	}
	if sessions.Len() != 3 {
		t.Errorf("len = %d, want 3", sessions.Len())
	}
}

func TestSessionsOpenError(t *testing.T) {
	boom := errors.New("boom")
	sessions := NewSessions(func(Details) (Provider, error) { return nil, boom }, quietLogger())
	if _, err := sessions.Acquire(Details{Location: "/x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if sessions.Len() != 0 {
		t.Error("failed open must not be cached")
	}
}

func TestSessionSaveUpdatesChecksum(t *testing.T) {
	k := newTestKDBX(t)
	sessions := NewSessions(func(Details) (Provider, error) { return k, nil }, quietLogger())

	sess, err := sessions.Acquire(Details{Location: k.Location(), Password: "secret"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before := sess.Checksum()
	if before == "" {
		t.Fatal("checksum of a file-backed session should not be empty")
	}

	err = sess.Execute(WriteOperation, func(p Provider) error {
		if _, err := p.AddEntry(p.Root(), "new"); err != nil {
			return err
		}
		return p.Save()
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	onDisk, err := FileChecksum(k.Location())
	if err != nil {
		t.Fatal(err)
	}
	if sess.Checksum() != onDisk {
		t.Error("session checksum does not match the saved file")
	}
	if sess.Checksum() == before {
		t.Error("checksum did not change after save")
	}
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatcherEvictsOnExternalChange(t *testing.T) {
	k := newTestKDBX(t)
	location := k.Location()
	sessions := NewSessions(nil, quietLogger())

	sess, err := sessions.Acquire(Details{Location: location, Password: "secret"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string
	go Watch(ctx, sessions, []string{location}, quietLogger(), func(kind, loc string) {
		mu.Lock()
		events = append(events, kind+":"+filepath.Base(loc))
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)

	// Our own save must not evict.
	if err := sess.Execute(WriteOperation, func(p Provider) error {
		if _, err := p.AddEntry(p.Root(), "own"); err != nil {
			return err
		}
		return p.Save()
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	time.Sleep(2 * settleDelay)
	if _, ok := sessions.Lookup(location); !ok {
		t.Fatal("own save evicted the session")
	}

	// An external rewrite must.
	other, err := OpenKDBX(Details{Location: location, Password: "secret"})
	if err != nil {
		t.Fatalf("OpenKDBX: %v", err)
	}
	if _, err := other.AddEntry(other.Root(), "external"); err != nil {
		t.Fatal(err)
	}
	if err := other.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := sessions.Lookup(location)
		return !ok
	}, "session not evicted after external change")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "changed:test.kdbx" {
				return true
			}
		}
		return false
	}, "changed callback not called")
}
