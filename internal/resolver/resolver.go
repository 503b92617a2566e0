// Package resolver follows {REF:<code>@I:<id>} field references between
// records and builds dereferenced projections.
package resolver

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/storage"
)

// ClearedPassword replaces passwords when no sealer is configured.
const ClearedPassword = "PASSWORD_VALUE_CLEARED"

// wholeRecord is the visit key of an "I" reference.
const wholeRecord = "*"

var refPattern = regexp.MustCompile(`\{REF:([TUPANI])@I:(\w*)\}`)

var refKeys = map[string]string{
	"T": models.KeyTitle,
	"U": models.KeyUsername,
	"P": models.KeyPassword,
	"A": models.KeyURL,
	"N": models.KeyNotes,
}

// Finder looks records up by identifier.
type Finder interface {
	FindEntryByID(id uuid.UUID) (storage.Entry, bool)
}

// Sealer turns a password into an opaque placeholder.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// Options control projections.
type Options struct {
	// Reveal returns passwords in clear text instead of masking them.
	Reveal bool
	// IncludeFiles embeds attachment content as base64.
	IncludeFiles bool
}

// Resolver dereferences values within one database.
type Resolver struct {
	finder Finder
	sealer Sealer
}

// New returns a Resolver over finder. sealer may be nil, in which case
// masked passwords read ClearedPassword.
func New(finder Finder, sealer Sealer) *Resolver {
	return &Resolver{finder: finder, sealer: sealer}
}

// visit is one step of a resolution chain.
type visit struct {
	id  uuid.UUID
	key string
}

// Chain records the (record, field) pairs a resolution has passed through.
type Chain []visit

func (c Chain) with(id uuid.UUID, key string) Chain {
	return append(slices.Clip(c), visit{id: id, key: key})
}

func (c Chain) has(id uuid.UUID, key string) bool {
	return slices.Contains(c, visit{id: id, key: key})
}

func (c Chain) hasRecord(id uuid.UUID) bool {
	return slices.ContainsFunc(c, func(v visit) bool { return v.id == id })
}

// Resolution is the outcome of resolving one field value.
type Resolution struct {
	// Value is the final text. For whole-record references it is the
	// identifier of the target.
	Value string
	// Reference reports whether the original value was a reference.
	Reference bool
	// Target is set for whole-record references.
	Target storage.Entry
	// Secret reports whether the chain dereferenced a password field, so
	// Value must be masked like a password.
	Secret bool
	chain  Chain
}

// Resolve dereferences the value stored under key on entry.
func (r *Resolver) Resolve(entry storage.Entry, key string) (Resolution, error) {
	value, _ := entry.Get(key)
	return r.resolve(entry, value, Chain{{id: entry.ID(), key: key}})
}

func (r *Resolver) resolve(current storage.Entry, value string, chain Chain) (Resolution, error) {
	m := refPattern.FindStringSubmatch(value)
	if m == nil {
		return Resolution{Value: value, chain: chain}, nil
	}
	code, rawID := m[1], m[2]

	id, err := uuid.Parse(rawID)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: malformed reference identifier %q", apperr.ErrNotFound, rawID)
	}

	target := current
	if id != current.ID() {
		found, ok := r.finder.FindEntryByID(id)
		if !ok {
			return Resolution{}, fmt.Errorf("%w: referenced entry %s is not found", apperr.ErrNotFound, refID(id))
		}
		target = found
	}

	if code == "I" {
		if id == current.ID() || chain.hasRecord(id) {
			return Resolution{}, fmt.Errorf("%w: entry %s refers back to itself", apperr.ErrCyclicReference, refID(id))
		}
		return Resolution{
			Value:     id.String(),
			Reference: true,
			Target:    target,
			chain:     chain.with(id, wholeRecord),
		}, nil
	}

	key := refKeys[code]
	if chain.has(id, key) {
		return Resolution{}, fmt.Errorf("%w: field %s of entry %s is visited twice", apperr.ErrCyclicReference, key, refID(id))
	}
	next, _ := target.Get(key)
	res, err := r.resolve(target, next, chain.with(id, key))
	if err != nil {
		return Resolution{}, err
	}
	res.Reference = true
	if key == models.KeyPassword {
		res.Secret = true
	}
	return res, nil
}

// Project builds the dereferenced projection of entry.
func (r *Resolver) Project(entry storage.Entry, opts Options) (*models.Entry, error) {
	return r.project(entry, opts, nil)
}

// ProjectTarget builds the projection of a whole-record reference target,
// keeping the chain that led to it.
func (r *Resolver) ProjectTarget(res Resolution, opts Options) (*models.Entry, error) {
	if res.Target == nil {
		return nil, fmt.Errorf("%w: %q is not a record reference", apperr.ErrNotFound, res.Value)
	}
	return r.project(res.Target, opts, res.chain)
}

func (r *Resolver) project(entry storage.Entry, opts Options, chain Chain) (*models.Entry, error) {
	field := func(key string) (Resolution, error) {
		value, _ := entry.Get(key)
		return r.resolve(entry, value, chain.with(entry.ID(), key))
	}

	title, err := field(models.KeyTitle)
	if err != nil {
		return nil, err
	}
	if title.Target != nil {
		// The record is a stand-in for another one.
		return r.project(title.Target, opts, title.chain)
	}

	out := &models.Entry{
		UUID:             entry.ID().String(),
		Title:            title.Value,
		Path:             strings.Join(entry.GroupPath(), "/"),
		CustomProperties: map[string]string{},
		Attachments:      []models.Attachment{},
		Tags:             entry.Tags(),
	}

	// value masks anything a reference pulled out of a password field.
	value := func(res Resolution) (string, error) {
		if res.Secret && !opts.Reveal {
			return r.Mask(res.Value)
		}
		return res.Value, nil
	}
	if out.Title, err = value(title); err != nil {
		return nil, err
	}

	username, err := field(models.KeyUsername)
	if err != nil {
		return nil, err
	}
	if out.Username, err = value(username); err != nil {
		return nil, err
	}

	password, err := field(models.KeyPassword)
	if err != nil {
		return nil, err
	}
	out.Password = password.Value
	if !opts.Reveal {
		if out.Password, err = r.Mask(password.Value); err != nil {
			return nil, err
		}
	}

	for _, k := range []string{models.KeyURL, models.KeyNotes} {
		if _, ok := entry.Get(k); !ok {
			continue
		}
		res, err := field(k)
		if err != nil {
			return nil, err
		}
		v, err := value(res)
		if err != nil {
			return nil, err
		}
		if k == models.KeyURL {
			out.URL = &v
		} else {
			out.Notes = &v
		}
	}

	if t, ok := entry.Expiry(); ok {
		out.ExpiryTime = &t
	}

	for _, k := range entry.Keys() {
		if models.StandardKey(k) {
			continue
		}
		res, err := field(k)
		if err != nil {
			return nil, err
		}
		if out.CustomProperties[k], err = value(res); err != nil {
			return nil, err
		}
	}

	attachments, err := entry.Attachments()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	for _, a := range attachments {
		att := models.Attachment{Filename: a.Name, Length: len(a.Content)}
		if opts.IncludeFiles {
			b := base64.StdEncoding.EncodeToString(a.Content)
			att.Binary = &b
		}
		out.Attachments = append(out.Attachments, att)
	}
	return out, nil
}

// Mask hides a password. Empty passwords stay empty.
func (r *Resolver) Mask(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	if r.sealer == nil {
		return ClearedPassword, nil
	}
	sealed, err := r.sealer.Seal(password)
	if err != nil {
		return "", fmt.Errorf("mask password: %w", err)
	}
	return sealed, nil
}

// Reference formats the notation pointing at field code of id.
func Reference(code string, id uuid.UUID) string {
	return "{REF:" + code + "@I:" + refID(id) + "}"
}

func refID(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
