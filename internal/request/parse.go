package request

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/kpq/internal/apperr"
)

var termPattern = regexp.MustCompile(`(?s)^([a-z]*)://([^?#]*)(?:\?([^#]*))?(?:#(.*))?$`)

// Parse turns a term of the form action://path?field#value into a Request.
//
// The result is not validated; call Validate before executing it.
func Parse(term string) (*Request, error) {
	m := termPattern.FindStringSubmatchIndex(term)
	if m == nil {
		return nil, fmt.Errorf("%w: term %q does not match action://path?field#value", apperr.ErrParse, term)
	}
	group := func(i int) (string, bool) {
		start, end := m[2*i], m[2*i+1]
		if start < 0 {
			return "", false
		}
		return term[start:end], true
	}

	action, _ := group(1)
	if action == "" {
		return nil, fmt.Errorf("%w: term %q has no action", apperr.ErrParse, term)
	}
	if !Action(action).Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", apperr.ErrParse, action)
	}
	path, _ := group(2)
	if path == "" {
		return nil, fmt.Errorf("%w: term %q has no path", apperr.ErrParse, term)
	}

	req := &Request{Action: Action(action), Path: path}
	req.Field, _ = group(3)

	raw, provided := group(4)
	if provided {
		value, err := parseValue(raw)
		if err != nil {
			return nil, err
		}
		req.Value = value
		req.ValueProvided = true
	}
	return req, nil
}

// parseValue decodes mappings ("{...}"); anything else stays a raw string.
// JSON objects are valid YAML flow mappings, so both notations are accepted.
func parseValue(raw string) (any, error) {
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: value is not a valid mapping: %w", apperr.ErrParse, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
