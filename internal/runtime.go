package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/secret"
	"github.com/starford/kpq/internal/storage"
)

// Runtime holds the collaborators shared by every command.
type Runtime struct {
	Config   *Config
	Logger   *slog.Logger
	Sessions *storage.Sessions
	Executor *envelope.Executor

	journal *audit.Journal
	sealer  *secret.Sealer
	version string
}

func newApplication(logOut io.Writer, opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	return app, nil
}

// NewRuntime wires storage, the executor and the optional sealer and
// audit journal from configuration. Logs go to w unless WithLogger is
// given. Callers must Close the runtime.
func NewRuntime(w io.Writer, opts ...Option) (*Runtime, error) {
	app, err := newApplication(w, opts)
	if err != nil {
		return nil, err
	}
	return build(app)
}

func build(app *application, extra ...envelope.Option) (*Runtime, error) {
	cfg := app.config
	rt := &Runtime{
		Config:   cfg,
		Logger:   app.logger,
		Sessions: storage.NewSessions(storage.OpenFile, app.logger),
		version:  app.version,
	}

	execOpts := []envelope.Option{envelope.WithLogger(app.logger)}

	if cfg.Sealer.Enabled() {
		s, err := secret.NewSealer(cfg.Sealer.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("init sealer: %w", err)
		}
		rt.sealer = s
		execOpts = append(execOpts, envelope.WithSealer(s))
	}

	if cfg.Audit.Enabled() {
		path, err := storage.ExpandPath(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("init audit: %w", err)
		}
		j, err := audit.Open(path)
		if err != nil {
			return nil, fmt.Errorf("init audit: %w", err)
		}
		rt.journal = j
		execOpts = append(execOpts, envelope.WithJournal(j))
	}

	execOpts = append(execOpts, extra...)
	rt.Executor = envelope.New(rt.Sessions, cfg.Targets(), execOpts...)
	return rt, nil
}

// Close releases the audit journal.
func (rt *Runtime) Close() error {
	if rt.journal != nil {
		return rt.journal.Close()
	}
	return nil
}

// Query executes terms in order against database and stops at the first
// error. Results of the terms executed before it are returned with it.
func (rt *Runtime) Query(ctx context.Context, database string, terms []string, readOnly bool, flags envelope.Flags) ([]*envelope.Result, error) {
	results := make([]*envelope.Result, 0, len(terms))
	for _, term := range terms {
		res, err := rt.Executor.ExecuteTerm(ctx, database, term, readOnly, flags)
		if err != nil {
			return results, fmt.Errorf("%s: %w", term, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// AuditLog lists journal records, newest first.
func (rt *Runtime) AuditLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if rt.journal == nil {
		return nil, errors.New("audit journal is not configured (audit.path)")
	}
	return rt.journal.List(ctx, f)
}

// Unseal opens a sealed password placeholder.
func (rt *Runtime) Unseal(sealed string) (string, error) {
	if rt.sealer == nil {
		return "", errors.New("sealer is not configured (sealer.passphrase)")
	}
	return rt.sealer.Open(sealed)
}
