package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/storage"
	"github.com/starford/kpq/internal/testutil"
)

func testServer(t *testing.T, updatable bool) (*Server, *storage.Memory) {
	t.Helper()
	m, _ := testutil.NewMemory(t)
	sessions := storage.NewSessions(func(storage.Details) (storage.Provider, error) {
		return m, nil
	}, testutil.Logger())
	exec := envelope.New(sessions, []envelope.Database{
		{Name: "main", Updatable: updatable, Details: storage.Details{Location: "main"}},
	}, envelope.WithLogger(testutil.Logger()))
	return New(exec, "test", false), m
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "keepass_lookup":
		result, err = srv.lookup(ctx, req)
	case "keepass_execute":
		result, err = srv.execute(ctx, req)
	case "list_databases":
		result, err = srv.listDatabases(ctx, req)
	case "get_query_grammar":
		result, err = srv.getQueryGrammar(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type result struct {
	Changed bool            `json:"changed"`
	Failed  bool            `json:"failed"`
	Stdout  json.RawMessage `json:"stdout"`
}

func TestLookup(t *testing.T) {
	srv, _ := testServer(t, false)

	r := callTool(t, srv, "keepass_lookup", map[string]any{
		"terms": "get://one/two/test?username\n\nget://one/two/missing\nget://one/two/clone?username",
	})
	if r.IsError {
		t.Fatalf("lookup failed: %s", resultText(r))
	}
	var results []result
	if err := json.Unmarshal([]byte(resultText(r)), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if string(results[0].Stdout) != `"u1"` || !results[1].Failed || string(results[2].Stdout) != `"u1"` {
		t.Errorf("unexpected results: %s", resultText(r))
	}
}

func TestLookupRejectsWrites(t *testing.T) {
	srv, _ := testServer(t, true)
	r := callTool(t, srv, "keepass_lookup", map[string]any{"terms": `put://one/two/test#{"username":"x"}`})
	if !r.IsError || !strings.Contains(resultText(r), "only get operations supported") {
		t.Errorf("expected read-only error, got %q", resultText(r))
	}
}

func TestExecute(t *testing.T) {
	srv, m := testServer(t, true)

	r := callTool(t, srv, "keepass_execute", map[string]any{
		"term":       `put://one/two/test#{"username":"x"}`,
		"check_mode": true,
	})
	if r.IsError {
		t.Fatalf("check mode failed: %s", resultText(r))
	}
	if m.Saves() != 0 {
		t.Error("check mode must not save")
	}

	r = callTool(t, srv, "keepass_execute", map[string]any{"term": `put://one/two/test#{"username":"x"}`})
	var res result
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Changed || m.Saves() != 1 {
		t.Errorf("put changed = %v, saves = %d", res.Changed, m.Saves())
	}
}

func TestExecuteNotUpdatable(t *testing.T) {
	srv, _ := testServer(t, false)
	r := callTool(t, srv, "keepass_execute", map[string]any{
		"term":          "del://one/two/test",
		"fail_silently": true,
	})
	if !r.IsError || !strings.Contains(resultText(r), "not updatable") {
		t.Errorf("expected capability error, got %q", resultText(r))
	}
}

func TestExecuteMissingTerm(t *testing.T) {
	srv, _ := testServer(t, true)
	r := callTool(t, srv, "keepass_execute", map[string]any{})
	if !r.IsError {
		t.Error("expected error for missing term")
	}
}

func TestListDatabases(t *testing.T) {
	srv, _ := testServer(t, true)
	text := resultText(callTool(t, srv, "list_databases", nil))
	if !strings.Contains(text, `"name": "main"`) {
		t.Errorf("list = %q", text)
	}
}

func TestQueryGrammar(t *testing.T) {
	srv, _ := testServer(t, true)
	text := resultText(callTool(t, srv, "get_query_grammar", nil))
	if text != QueryGrammar {
		t.Error("grammar tool should return the grammar")
	}

	contents, err := srv.readGrammarResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(contents) != 1 {
		t.Fatalf("resource = %v, %v", contents, err)
	}
}
