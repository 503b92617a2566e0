package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
)

// AuditLister reads the audit journal.
type AuditLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// Options configure the API router.
type Options struct {
	// AuthEnabled enforces Bearer token auth with Token.
	AuthEnabled bool
	Token       string
	// Reveal returns passwords in clear text.
	Reveal bool
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events http.Handler
	// Journal, if non-nil, is served at GET /audit.
	Journal AuditLister
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(exec *envelope.Executor, opts Options) chi.Router {
	h := NewHandler(exec, opts.Reveal, opts.Journal)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(opts.AuthEnabled, opts.Token))

	// Raw query terms.
	r.Post("/query", h.Query)

	// Databases and their records.
	r.Get("/databases", h.ListDatabases)
	r.Get("/databases/{db}/entries/*", h.GetEntry)
	r.Post("/databases/{db}/entries/*", h.CreateEntry)
	r.Put("/databases/{db}/entries/*", h.UpdateEntry)
	r.Delete("/databases/{db}/entries/*", h.DeleteEntry)
	r.Get("/databases/{db}/attachments/*", h.ServeAttachment)

	if opts.Journal != nil {
		r.Get("/audit", h.Audit)
	}

	if opts.Events != nil {
		r.Get("/events", opts.Events.ServeHTTP)
	}

	return r
}
