package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/resolver"
	"github.com/starford/kpq/internal/storage"
	"github.com/starford/kpq/internal/testutil"
)

type env struct {
	router  http.Handler
	memory  *storage.Memory
	journal *audit.Journal
}

// testEnv builds a router over a seeded in-memory database named "main"
// and a read-only copy named "ro".
func testEnv(t *testing.T, opts Options) *env {
	t.Helper()

	m, _ := testutil.NewMemory(t)
	ro, _ := testutil.NewMemory(t)
	sessions := storage.NewSessions(func(d storage.Details) (storage.Provider, error) {
		if d.Location == "ro" {
			return ro, nil
		}
		return m, nil
	}, testutil.Logger())

	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	exec := envelope.New(sessions, []envelope.Database{
		{Name: "main", Updatable: true, Details: storage.Details{Location: "main"}},
		{Name: "ro", Details: storage.Details{Location: "ro"}},
	}, envelope.WithJournal(journal), envelope.WithLogger(testutil.Logger()))

	opts.Journal = journal
	return &env{router: NewRouter(exec, opts), memory: m, journal: journal}
}

func (e *env) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type resultBody struct {
	Changed  bool            `json:"changed"`
	Failed   bool            `json:"failed"`
	Query    string          `json:"query"`
	Stdout   json.RawMessage `json:"stdout"`
	Stderr   *struct{ Message string }
	Warnings []string `json:"warnings"`
}

type queryBody struct {
	Error   string       `json:"error"`
	Code    string       `json:"code"`
	Index   int          `json:"index"`
	Results []resultBody `json:"results"`
}

func TestQuery(t *testing.T) {
	e := testEnv(t, Options{})

	w := e.do(t, http.MethodPost, "/query", QueryRequest{
		Database: "main",
		Terms: []string{
			"get://one/two/test?username",
			`put://one/two/test#{"notes":"updated"}`,
			"get://one/two/test?notes",
			"get://one/two/test?password",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode[queryBody](t, w)
	if len(body.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(body.Results))
	}
	if got := string(body.Results[0].Stdout); got != `"u1"` {
		t.Errorf("username = %s", got)
	}
	if !body.Results[1].Changed {
		t.Error("put should report a change")
	}
	if got := string(body.Results[2].Stdout); got != `"updated"` {
		t.Errorf("notes = %s", got)
	}
	if got := string(body.Results[3].Stdout); got != `"`+resolver.ClearedPassword+`"` {
		t.Errorf("password should be masked, got %s", got)
	}
}

func TestQueryReveal(t *testing.T) {
	e := testEnv(t, Options{Reveal: true})
	w := e.do(t, http.MethodPost, "/query", QueryRequest{Database: "main", Terms: []string{"get://one/two/test?password"}})
	body := decode[queryBody](t, w)
	if got := string(body.Results[0].Stdout); got != `"p1"` {
		t.Errorf("password = %s, want p1", got)
	}
}

func TestQueryErrorStatus(t *testing.T) {
	e := testEnv(t, Options{})

	cases := []struct {
		name   string
		req    QueryRequest
		status int
		code   string
	}{
		{"parse", QueryRequest{Database: "main", Terms: []string{"nope"}}, http.StatusBadRequest, ""},
		{"validation", QueryRequest{Database: "main", Terms: []string{"del://one/two/test#x"}}, http.StatusBadRequest, "request_value_forbidden"},
		{"read only", QueryRequest{Database: "main", ReadOnly: true, Terms: []string{`put://one/two/test#{"a":"b"}`}}, http.StatusBadRequest, "request_read_only"},
		{"capability", QueryRequest{Database: "ro", FailSilently: true, Terms: []string{`put://one/two/test#{"a":"b"}`}}, http.StatusForbidden, ""},
		{"not found", QueryRequest{Database: "main", Terms: []string{"get://one/two/missing"}}, http.StatusNotFound, ""},
		{"conflict", QueryRequest{Database: "main", Terms: []string{`post://one/two/test#{"a":"b"}`}}, http.StatusConflict, ""},
		{"unknown database", QueryRequest{Database: "other", Terms: []string{"get://one/two/test"}}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/query", tc.req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tc.status, w.Body.String())
			}
			body := decode[queryBody](t, w)
			if body.Code != tc.code {
				t.Errorf("code = %q, want %q", body.Code, tc.code)
			}
			if body.Error == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestQueryStopsAtFirstError(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodPost, "/query", QueryRequest{
		Database: "main",
		Terms:    []string{"get://one/two/test?username", "get://one/two/missing", "get://one/two/test"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[queryBody](t, w)
	if body.Index != 1 || len(body.Results) != 1 {
		t.Errorf("index = %d, results = %d", body.Index, len(body.Results))
	}
}

func TestQueryFailSilently(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodPost, "/query", QueryRequest{
		Database:     "main",
		FailSilently: true,
		Terms:        []string{"get://one/two/missing", "get://one/two/test?username"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode[queryBody](t, w)
	if !body.Results[0].Failed || body.Results[0].Stderr == nil {
		t.Errorf("first result should be a folded failure: %+v", body.Results[0])
	}
	if body.Results[1].Failed {
		t.Error("second result should succeed")
	}
}

func TestQueryInvalidBody(t *testing.T) {
	e := testEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = e.do(t, http.MethodPost, "/query", QueryRequest{Database: "main"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty terms status = %d, want 400", w.Code)
	}
}

func TestListDatabases(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodGet, "/databases", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[DatabasesResponse](t, w)
	if len(body.Databases) != 2 || body.Databases[0].Name != "main" || body.Databases[1].Updatable {
		t.Errorf("databases = %+v", body.Databases)
	}
}

func TestEntryLifecycle(t *testing.T) {
	e := testEnv(t, Options{})
	base := "/databases/main/entries/web/site"

	w := e.do(t, http.MethodPost, base, map[string]any{"username": "alice", "port": 8080})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, base, map[string]any{"username": "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}

	w = e.do(t, http.MethodPut, base, map[string]any{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	if decode[resultBody](t, w).Changed {
		t.Error("put with same values should not change")
	}

	w = e.do(t, http.MethodGet, base+"?field=port", nil)
	if got := string(decode[resultBody](t, w).Stdout); got != `"8080"` {
		t.Errorf("port = %s", got)
	}

	w = e.do(t, http.MethodDelete, base+"?field=username", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete field status = %d", w.Code)
	}

	w = e.do(t, http.MethodDelete, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, base, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", w.Code)
	}
}

func TestGetEntryDefault(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodGet, "/databases/main/entries/one/two/missing?field=x&default=fallback", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := string(decode[resultBody](t, w).Stdout); got != `"fallback"` {
		t.Errorf("stdout = %s", got)
	}
}

func TestUpdateEntryCheckMode(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodPut, "/databases/main/entries/one/two/test?check=true", map[string]any{"username": "zed"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[resultBody](t, w)
	if !body.Changed || len(body.Warnings) == 0 {
		t.Errorf("check mode result = %+v", body)
	}
	if e.memory.Saves() != 0 {
		t.Error("check mode must not save")
	}
}

func TestUpdateEntryReadOnlyDatabase(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodPut, "/databases/ro/entries/one/two/test", map[string]any{"username": "zed"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestServeAttachment(t *testing.T) {
	e := testEnv(t, Options{})

	w := e.do(t, http.MethodGet, "/databases/main/attachments/one/two/test?filename=test.txt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello" {
		t.Errorf("content = %q", w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename=test.txt` {
		t.Errorf("content disposition = %q", cd)
	}

	w = e.do(t, http.MethodGet, "/databases/main/attachments/one/two/test?filename=nope.txt", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing attachment = %d, want 404", w.Code)
	}

	w = e.do(t, http.MethodGet, "/databases/main/attachments/one/two/test", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no filename = %d, want 400", w.Code)
	}
}

func TestAudit(t *testing.T) {
	e := testEnv(t, Options{})
	e.do(t, http.MethodGet, "/databases/main/entries/one/two/test", nil)
	e.do(t, http.MethodGet, "/databases/main/entries/one/two/missing", nil)

	w := e.do(t, http.MethodGet, "/audit?database=main", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[AuditResponse](t, w)
	if len(body.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(body.Records))
	}
	if !body.Records[0].Failed || body.Records[1].Failed {
		t.Errorf("records = %+v", body.Records)
	}

	w = e.do(t, http.MethodGet, "/audit?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", w.Code)
	}
}

// Auth middleware tests.

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := testEnv(t, Options{AuthEnabled: true, Token: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/databases", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := testEnv(t, Options{AuthEnabled: true, Token: "secret"})
	w := e.do(t, http.MethodGet, "/databases", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := testEnv(t, Options{AuthEnabled: true, Token: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/databases", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := testEnv(t, Options{})
	w := e.do(t, http.MethodGet, "/databases", nil)
	if w.Code != http.StatusOK {
		t.Errorf("disabled mode = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnv(t, Options{AuthEnabled: true, Token: "secret", Events: sseStub()})
	w := e.do(t, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := testEnv(t, Options{AuthEnabled: true, Token: "tok", Events: sseStub()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
}
