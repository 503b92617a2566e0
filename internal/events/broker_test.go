package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(time.Minute)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func TestPublishChange(t *testing.T) {
	b := NewBroker(time.Minute)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishChange("main", "put", "one/two/test", "")

	s := receive(t, ch)
	if !strings.Contains(s, "event: entry.changed") {
		t.Errorf("missing event type in %q", s)
	}
	if !strings.Contains(s, `"path":"one/two/test"`) || strings.Contains(s, `"field"`) {
		t.Errorf("unexpected data in %q", s)
	}
}

func TestPublishReload(t *testing.T) {
	b := NewBroker(time.Minute)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishReload("changed", "/srv/db.kdbx")

	s := receive(t, ch)
	if !strings.Contains(s, "event: database.reloaded") || !strings.Contains(s, `"reason":"changed"`) {
		t.Errorf("unexpected message %q", s)
	}
}

func TestKeepAlive(t *testing.T) {
	b := NewBroker(50 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	if s := receive(t, ch); s != ": ping\n\n" {
		t.Errorf("got %q, want ping", s)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroker(time.Minute)
	ch := b.Subscribe()
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("client channel should be closed")
	}
	b.Publish(Event{Type: "x"})
	if b.ClientCount() != 0 {
		t.Error("closed broker should report no clients")
	}
}

func TestServeHTTPStreams(t *testing.T) {
	b := NewBroker(time.Minute)
	defer b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	b.PublishChange("main", "del", "x", "notes")

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "entry.changed") {
		t.Errorf("body = %q", buf[:n])
	}
}
