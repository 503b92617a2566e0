// Package envelope runs validated requests against configured databases
// and wraps the outcome in a Result.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/entryservice"
	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/request"
	"github.com/starford/kpq/internal/resolver"
	"github.com/starford/kpq/internal/storage"
)

// Flags are per-call execution switches.
type Flags struct {
	CheckMode    bool `json:"check_mode"`
	FailSilently bool `json:"fail_silently"`
	Reveal       bool `json:"reveal"`
	IncludeFiles bool `json:"include_files"`
}

// Database is a named, openable database.
type Database struct {
	Name      string
	Updatable bool
	Watch     bool
	Details   storage.Details
}

// Journal records executions.
type Journal interface {
	Append(ctx context.Context, r *audit.Record) error
}

// Publisher announces successful mutations.
type Publisher interface {
	PublishChange(database, action, path, field string)
}

// Option configures an Executor.
type Option func(*Executor)

// WithSealer seals masked passwords instead of clearing them.
func WithSealer(s resolver.Sealer) Option {
	return func(x *Executor) { x.sealer = s }
}

// WithJournal appends every execution to j.
func WithJournal(j Journal) Option {
	return func(x *Executor) { x.journal = j }
}

// WithPublisher announces mutations on p.
func WithPublisher(p Publisher) Option {
	return func(x *Executor) { x.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// Executor is safe for concurrent use. Access to each database is
// serialized by its session lock.
type Executor struct {
	sessions  *storage.Sessions
	databases []Database

	sealer    resolver.Sealer
	journal   Journal
	publisher Publisher
	logger    *slog.Logger
}

// New creates an executor over the given databases.
func New(sessions *storage.Sessions, databases []Database, opts ...Option) *Executor {
	x := &Executor{
		sessions:  sessions,
		databases: databases,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Databases lists the configured databases.
func (x *Executor) Databases() []models.Database {
	out := make([]models.Database, 0, len(x.databases))
	for _, db := range x.databases {
		out = append(out, models.Database{
			Name:      db.Name,
			Location:  db.Details.Location,
			Updatable: db.Updatable,
			Watch:     db.Watch,
		})
	}
	return out
}

// ExecuteTerm parses term and executes it. Parse errors always propagate.
func (x *Executor) ExecuteTerm(ctx context.Context, database, term string, readOnly bool, flags Flags) (*Result, error) {
	req, err := request.Parse(term)
	if err != nil {
		return nil, err
	}
	req.ReadOnly = readOnly
	return x.Execute(ctx, database, req, flags)
}

// Execute validates req and runs it against the named database. An empty
// name selects the only configured database.
//
// Validation and capability errors always propagate. Other errors are
// folded into the result when flags.FailSilently is set.
func (x *Executor) Execute(ctx context.Context, database string, req *request.Request, flags Flags) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	db, err := x.database(database)
	if err != nil {
		return nil, err
	}

	if req.Action.Mutating() && !db.Updatable {
		return nil, fmt.Errorf("%w: %s does not allow %s", apperr.ErrCapability, db.Name, req.Action)
	}

	changed, out, err := x.run(ctx, db, req, flags)
	x.record(ctx, db, req, flags, changed, err)

	if err != nil {
		x.logger.Debug("request failed",
			slog.String("database", db.Name),
			slog.String("action", string(req.Action)),
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
		if flags.FailSilently && apperr.Recoverable(err) {
			return failure(req.String(), err), nil
		}
		return nil, err
	}

	result := &Result{Changed: changed, Query: req.String(), Stdout: out}
	if flags.CheckMode && req.Action.Mutating() {
		result.Warnings = append(result.Warnings, CheckModeWarning)
	}
	if changed && !flags.CheckMode && x.publisher != nil {
		x.publisher.PublishChange(db.Name, string(req.Action), req.Path, req.Field)
	}
	return result, nil
}

func (x *Executor) database(name string) (Database, error) {
	if name == "" {
		if len(x.databases) == 1 {
			return x.databases[0], nil
		}
		return Database{}, fmt.Errorf("%w - a database name is required, one of: %s", apperr.ErrValidation, x.names())
	}
	idx := slices.IndexFunc(x.databases, func(db Database) bool { return db.Name == name })
	if idx < 0 {
		return Database{}, fmt.Errorf("%w - unknown database %q, one of: %s", apperr.ErrValidation, name, x.names())
	}
	return x.databases[idx], nil
}

func (x *Executor) names() string {
	names := make([]string, 0, len(x.databases))
	for _, db := range x.databases {
		names = append(names, db.Name)
	}
	return strings.Join(names, ", ")
}

func (x *Executor) run(ctx context.Context, db Database, req *request.Request, flags Flags) (bool, any, error) {
	sess, err := x.sessions.Acquire(db.Details)
	if err != nil {
		return false, nil, err
	}

	op := storage.WriteOperation
	if req.Action == request.ActionGet || flags.CheckMode {
		op = storage.ReadOperation
	}

	opts := entryservice.Options{
		CheckMode:    flags.CheckMode,
		Reveal:       flags.Reveal,
		IncludeFiles: flags.IncludeFiles,
	}

	var (
		changed bool
		out     any
	)
	err = sess.Execute(op, func(p storage.Provider) error {
		svc := entryservice.NewService(p, resolver.New(p, x.sealer))

		var err error
		switch req.Action {
		case request.ActionGet:
			changed, out, err = svc.Get(ctx, req, opts)
		case request.ActionPost:
			changed, out, err = svc.Post(ctx, req, opts)
		case request.ActionPut:
			changed, out, err = svc.Put(ctx, req, opts)
		case request.ActionDelete:
			changed, out, err = svc.Delete(ctx, req, opts)
		default:
			err = fmt.Errorf("%w - unknown action %q", apperr.ErrValidation, req.Action)
		}
		return err
	})

	if err != nil && op == storage.WriteOperation && errors.Is(err, apperr.ErrStore) {
		// The in-memory copy may no longer match the file.
		x.sessions.Evict(db.Details.Location)
	}
	return changed, out, err
}

func (x *Executor) record(ctx context.Context, db Database, req *request.Request, flags Flags, changed bool, err error) {
	if x.journal == nil {
		return
	}
	r := &audit.Record{
		Database:  db.Name,
		Action:    string(req.Action),
		Path:      req.Path,
		Field:     req.Field,
		CheckMode: flags.CheckMode,
		Changed:   changed && err == nil,
		Failed:    err != nil,
	}
	if err != nil {
		r.Message = err.Error()
	}
	if jerr := x.journal.Append(ctx, r); jerr != nil {
		x.logger.Warn("audit append failed", slog.String("error", jerr.Error()))
	}
}
