package entryservice

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/request"
	"github.com/starford/kpq/internal/storage"
)

// Post creates the addressed record. It fails when the record exists.
func (s *Service) Post(_ context.Context, req *request.Request, opts Options) (bool, any, error) {
	return s.upsert(req, opts, true)
}

// Put creates the addressed record or updates it in place. Writing the
// values a record already holds is a no-op.
func (s *Service) Put(_ context.Context, req *request.Request, opts Options) (bool, any, error) {
	return s.upsert(req, opts, false)
}

func (s *Service) upsert(req *request.Request, opts Options, insertOnly bool) (bool, any, error) {
	payload, ok := req.Mapping()
	if !ok {
		return false, nil, fmt.Errorf("%w - %w", apperr.ErrValidation, request.ErrValueNotMapping)
	}
	p, err := decodePatch(payload)
	if err != nil {
		return false, nil, err
	}

	entry, exists := s.locate(req)
	if exists && insertOnly {
		return false, nil, fmt.Errorf("%w: cannot post/insert when entry %s exists", apperr.ErrConflict, req.Path)
	}

	if opts.CheckMode {
		if !exists {
			return true, nil, nil
		}
		changed, err := s.apply(entry, p, false, true)
		if err != nil {
			return false, nil, err
		}
		proj, err := s.resolver.Project(entry, opts.projection())
		if err != nil {
			return false, nil, err
		}
		return changed, proj, nil
	}

	created := false
	if !exists {
		group, err := s.ensureGroup(req.GroupPath())
		if err != nil {
			return false, nil, err
		}
		if entry, err = s.store.AddEntry(group, req.Title()); err != nil {
			return false, nil, err
		}
		entry.Set(models.KeyUsername, "")
		entry.Set(models.KeyPassword, "")
		created = true
	}

	updated, err := s.apply(entry, p, created, false)
	if err != nil {
		return false, nil, err
	}
	if updated && !created {
		entry.Touch()
	}
	if created || updated {
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
	return created || updated, proj, nil
}

// ensureGroup returns the group at path, creating every missing hop.
func (s *Service) ensureGroup(path []string) (storage.Group, error) {
	group := s.store.Root()
	for i, name := range path {
		if g, ok := s.store.FindGroup(path[:i+1]); ok {
			group = g
			continue
		}
		g, err := s.store.AddGroup(group, name)
		if err != nil {
			return nil, err
		}
		group = g
	}
	return group, nil
}

// apply writes p to entry and reports whether anything differed. With dry
// set nothing is written. The history snapshot is taken once, before the
// first write to an existing record.
func (s *Service) apply(entry storage.Entry, p *patch, created, dry bool) (bool, error) {
	changed := false
	write := func(fn func()) {
		if !dry {
			if !changed && !created {
				entry.SaveHistory()
			}
			fn()
		}
		changed = true
	}

	for _, c := range p.strings {
		current, has := entry.Get(c.key)
		emptyIsAbsent := c.key == models.KeyUsername || c.key == models.KeyPassword
		switch {
		case c.null && emptyIsAbsent:
			if current != "" {
				write(func() { entry.Set(c.key, "") })
			}
		case c.null:
			if has {
				write(func() { entry.Unset(c.key) })
			}
		case !has && emptyIsAbsent && c.value == "":
		case !has || current != c.value:
			write(func() { entry.Set(c.key, c.value) })
		}
	}

	if p.tagsSet && !slices.Equal(entry.Tags(), p.tags) {
		write(func() { entry.SetTags(p.tags) })
	}

	if p.expirySet {
		current, has := entry.Expiry()
		switch {
		case p.expiry == nil && has:
			write(func() { entry.SetExpiry(nil) })
		case p.expiry != nil && (!has || !current.Equal(*p.expiry)):
			write(func() { entry.SetExpiry(p.expiry) })
		}
	}

	if len(p.attachments) > 0 {
		existing, err := entry.Attachments()
		if err != nil {
			return false, fmt.Errorf("%w: %w", apperr.ErrStore, err)
		}
		for _, a := range p.attachments {
			idx := slices.IndexFunc(existing, func(e storage.Attachment) bool { return e.Name == a.Name })
			if idx >= 0 && bytes.Equal(existing[idx].Content, a.Content) {
				continue
			}
			var addErr error
			write(func() { addErr = entry.AddAttachment(a.Name, a.Content) })
			if addErr != nil {
				return false, fmt.Errorf("%w: %w", apperr.ErrStore, addErr)
			}
		}
	}
	return changed, nil
}

// expiryFormats are accepted for expiry_time, most specific first.
var expiryFormats = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
