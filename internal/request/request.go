// Package request models a single kpq query term and its validation.
package request

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Action is the operation a request performs.
type Action string

const (
	ActionGet    Action = "get"
	ActionPut    Action = "put"
	ActionPost   Action = "post"
	ActionDelete Action = "del"
)

// Actions lists every supported action.
var Actions = []Action{ActionGet, ActionPut, ActionPost, ActionDelete}

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	switch a {
	case ActionGet, ActionPut, ActionPost, ActionDelete:
		return true
	}
	return false
}

// Mutating reports whether a writes to the database.
func (a Action) Mutating() bool {
	return a != ActionGet
}

// Request is a parsed query term.
//
// Value is nil, a string, or a map[string]any. ValueProvided records whether
// the term carried a value at all, so an explicitly empty value can be told
// apart from a missing one.
type Request struct {
	Action        Action `json:"action"`
	Path          string `json:"path"`
	Field         string `json:"field,omitempty"`
	Value         any    `json:"value,omitempty"`
	ValueProvided bool   `json:"value_provided"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

// GroupPath returns the group segments of the path, without the title.
func (r *Request) GroupPath() []string {
	segments := r.segments()
	if len(segments) == 0 {
		return nil
	}
	var out []string
	for _, s := range segments[:len(segments)-1] {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Title returns the last path segment.
func (r *Request) Title() string {
	segments := r.segments()
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

func (r *Request) segments() []string {
	p := strings.TrimPrefix(r.Path, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Mapping returns the value as a mapping, if it is one.
func (r *Request) Mapping() (map[string]any, bool) {
	m, ok := r.Value.(map[string]any)
	return m, ok
}

// String re-serializes the request in term form. Mapping values are
// re-encoded, so a whole float such as 1.0 comes back as 1 and stores the
// same text. A string value starting with "{" is written as is and the
// resulting term does not parse; Parse never produces such a request.
func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(string(r.Action))
	b.WriteString("://")
	b.WriteString(r.Path)
	if r.Field != "" {
		b.WriteString("?")
		b.WriteString(r.Field)
	}
	if r.ValueProvided {
		b.WriteString("#")
		b.WriteString(formatValue(r.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return ""
		}
		return strings.TrimSuffix(buf.String(), "\n")
	}
}
