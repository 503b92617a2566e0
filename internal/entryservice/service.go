// Package entryservice reads and writes records addressed by requests.
package entryservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/request"
	"github.com/starford/kpq/internal/resolver"
	"github.com/starford/kpq/internal/storage"
)

// Options tune a single call.
type Options struct {
	// CheckMode reports what would happen without writing anything.
	CheckMode bool
	// Reveal returns passwords in clear text.
	Reveal bool
	// IncludeFiles embeds attachment content in projections.
	IncludeFiles bool
}

func (o Options) projection() resolver.Options {
	return resolver.Options{Reveal: o.Reveal, IncludeFiles: o.IncludeFiles}
}

// Service performs get, post, put and del against one opened database.
// Callers are expected to hold the database lock.
type Service struct {
	store    storage.Provider
	resolver *resolver.Resolver
}

// NewService creates a service over store.
func NewService(store storage.Provider, r *resolver.Resolver) *Service {
	return &Service{store: store, resolver: r}
}

// Get returns the projection of the addressed record, or one of its
// fields when the request names one. The request value is the default
// used when the field cannot be found.
func (s *Service) Get(_ context.Context, req *request.Request, opts Options) (bool, any, error) {
	entry, ok := s.locate(req)
	if !ok {
		if req.Field != "" && req.ValueProvided && !opts.CheckMode {
			return false, req.Value, nil
		}
		return false, nil, entryNotFound(req)
	}

	if req.Field == "" {
		proj, err := s.resolver.Project(entry, opts.projection())
		if err != nil {
			return false, nil, err
		}
		return false, proj, nil
	}

	v, found, err := s.field(entry, req.Field, opts)
	if err != nil {
		return false, nil, err
	}
	if found {
		return false, v, nil
	}
	if req.ValueProvided && !opts.CheckMode {
		return false, req.Value, nil
	}
	return false, nil, fmt.Errorf("%w: no property/file %q found on %s", apperr.ErrNotFound, req.Field, req.Path)
}

// field looks name up as a standard attribute, then a custom property,
// then an attachment. Empty values count as missing.
func (s *Service) field(entry storage.Entry, name string, opts Options) (any, bool, error) {
	if attr, ok := models.LookupAttribute(name); ok {
		switch attr {
		case models.AttrTags:
			if tags := entry.Tags(); len(tags) > 0 {
				return tags, true, nil
			}
		case models.AttrExpiryTime:
			if t, ok := entry.Expiry(); ok {
				return t.Format(time.RFC3339), true, nil
			}
		default:
			key, _ := attr.Key()
			v, found, err := s.stringField(entry, key, opts)
			if err != nil || found {
				return v, found, err
			}
		}
	}

	if !models.StandardKey(name) {
		if _, ok := entry.Get(name); ok {
			v, found, err := s.stringField(entry, name, opts)
			if err != nil || found {
				return v, found, err
			}
		}
	}

	attachments, err := entry.Attachments()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	for _, a := range attachments {
		if a.Name == name {
			return base64.StdEncoding.EncodeToString(a.Content), true, nil
		}
	}
	return nil, false, nil
}

func (s *Service) stringField(entry storage.Entry, key string, opts Options) (any, bool, error) {
	res, err := s.resolver.Resolve(entry, key)
	if err != nil {
		return nil, false, err
	}
	if res.Target != nil {
		proj, err := s.resolver.ProjectTarget(res, opts.projection())
		if err != nil {
			return nil, false, err
		}
		return proj, true, nil
	}
	if res.Value == "" {
		return nil, false, nil
	}
	if (key == models.KeyPassword || res.Secret) && !opts.Reveal {
		masked, err := s.resolver.Mask(res.Value)
		return masked, err == nil, err
	}
	return res.Value, true, nil
}

// Delete removes the addressed record, or clears one of its fields. A
// missing record or field is an error; success always reports a change.
func (s *Service) Delete(_ context.Context, req *request.Request, opts Options) (bool, any, error) {
	entry, ok := s.locate(req)
	if !ok {
		return false, nil, entryNotFound(req)
	}

	if req.Field == "" {
		if !opts.CheckMode {
			if err := s.store.DeleteEntry(entry); err != nil {
				return false, nil, err
			}
			if err := s.store.Save(); err != nil {
				return false, nil, err
			}
		}
		return true, nil, nil
	}

	mutate, err := s.clearer(entry, req)
	if err != nil {
		return false, nil, err
	}
	if !opts.CheckMode {
		entry.SaveHistory()
		mutate()
		entry.Touch()
		if err := s.store.Save(); err != nil {
			return false, nil, err
		}
		if entry, ok = s.locate(req); !ok {
			return false, nil, fmt.Errorf("%w: %s vanished after save", apperr.ErrStore, req.Path)
		}
	}

	proj, err := s.resolver.Project(entry, opts.projection())
	if err != nil {
		return false, nil, err
	}
	return true, proj, nil
}

// clearer returns the mutation that deletes req.Field from entry, without
// running it.
func (s *Service) clearer(entry storage.Entry, req *request.Request) (func(), error) {
	name := req.Field
	if attr, ok := models.LookupAttribute(name); ok {
		switch attr {
		case models.AttrTitle:
			return nil, fmt.Errorf("%w - the title cannot be deleted", apperr.ErrValidation)
		case models.AttrUsername, models.AttrPassword:
			key, _ := attr.Key()
			return func() { entry.Set(key, "") }, nil
		case models.AttrURL, models.AttrNotes:
			key, _ := attr.Key()
			return func() { entry.Unset(key) }, nil
		case models.AttrTags:
			return func() { entry.SetTags(nil) }, nil
		case models.AttrExpiryTime:
			return func() { entry.SetExpiry(nil) }, nil
		}
	}

	if !models.StandardKey(name) {
		if _, ok := entry.Get(name); ok {
			return func() { entry.Unset(name) }, nil
		}
	}

	attachments, err := entry.Attachments()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	for _, a := range attachments {
		if a.Name == name {
			return func() { entry.RemoveAttachment(name) }, nil
		}
	}
	return nil, fmt.Errorf("%w: no property/file %q found on %s", apperr.ErrNotFound, name, req.Path)
}

func (s *Service) locate(req *request.Request) (storage.Entry, bool) {
	group, ok := s.store.FindGroup(req.GroupPath())
	if !ok {
		return nil, false
	}
	return s.store.FindEntry(group, req.Title())
}

func entryNotFound(req *request.Request) error {
	return fmt.Errorf("%w: entry %s is not found", apperr.ErrNotFound, req.Path)
}
