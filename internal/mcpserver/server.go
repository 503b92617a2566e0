// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes kpq query tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kpq/internal/envelope"
)

const grammarURI = "kpq://query-grammar"

// Server wraps the MCP server with kpq tools.
type Server struct {
	mcp    *server.MCPServer
	exec   *envelope.Executor
	reveal bool
}

// New creates a new MCP server with all kpq tools registered. reveal
// controls whether passwords are returned in clear text.
func New(exec *envelope.Executor, version string, reveal bool) *Server {
	s := &Server{exec: exec, reveal: reveal}

	s.mcp = server.NewMCPServer(
		"kpq",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("keepass_lookup",
		mcp.WithDescription("Run read-only get terms against a KeePass database. "+
			"Missing records and fields are reported per term instead of failing the call. "+
			"Read the grammar first via get_query_grammar or the "+grammarURI+" resource."),
		mcp.WithString("terms", mcp.Required(), mcp.Description("One get term per line, e.g. get://web/github?username")),
		mcp.WithString("database", mcp.Description("Database name (optional when only one is configured)")),
		mcp.WithBoolean("include_files", mcp.Description("Embed attachment content as base64")),
	), s.lookup)

	s.mcp.AddTool(mcp.NewTool("keepass_execute",
		mcp.WithDescription("Execute one get, post, put or del term. "+
			"Mutations require an updatable database. Use check_mode to preview a change."),
		mcp.WithString("term", mcp.Required(), mcp.Description("Query term, e.g. put://web/github#{\"username\": \"me\"}")),
		mcp.WithString("database", mcp.Description("Database name (optional when only one is configured)")),
		mcp.WithBoolean("check_mode", mcp.Description("Report what would change without saving")),
		mcp.WithBoolean("fail_silently", mcp.Description("Return lookup failures inside the result")),
	), s.execute)

	s.mcp.AddTool(mcp.NewTool("list_databases",
		mcp.WithDescription("List the configured databases and whether they accept changes."),
	), s.listDatabases)

	s.mcp.AddTool(mcp.NewTool("get_query_grammar",
		mcp.WithDescription("Returns the kpq query term grammar. "+
			"Call this before building terms to ensure correct structure."),
	), s.getQueryGrammar)

	s.mcp.AddResource(
		mcp.NewResource(grammarURI, "Query Grammar",
			mcp.WithResourceDescription("Grammar of the action://path?field#value query terms."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGrammarResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func boolArg(req mcp.CallToolRequest, name string) bool {
	v, _ := req.GetArguments()[name].(bool)
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) lookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("terms")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	database := req.GetString("database", "")
	flags := envelope.Flags{
		FailSilently: true,
		Reveal:       s.reveal,
		IncludeFiles: boolArg(req, "include_files"),
	}

	var results []*envelope.Result
	for _, term := range strings.Split(raw, "\n") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		res, err := s.exec.ExecuteTerm(ctx, database, term, true, flags)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", term, err)), nil
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return mcp.NewToolResultError("no terms given"), nil
	}
	return jsonResult(results)
}

func (s *Server) execute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	term, err := req.RequireString("term")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	flags := envelope.Flags{
		CheckMode:    boolArg(req, "check_mode"),
		FailSilently: boolArg(req, "fail_silently"),
		Reveal:       s.reveal,
	}
	res, err := s.exec.ExecuteTerm(ctx, req.GetString("database", ""), term, false, flags)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) listDatabases(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.exec.Databases())
}

func (s *Server) getQueryGrammar(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(QueryGrammar), nil
}

func (s *Server) readGrammarResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      grammarURI,
			MIMEType: "text/markdown",
			Text:     QueryGrammar,
		},
	}, nil
}
