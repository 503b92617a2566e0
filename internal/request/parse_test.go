package request

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kpq/internal/apperr"
)

func TestParse(t *testing.T) {
	cases := []struct {
		term          string
		action        Action
		path          string
		field         string
		value         any
		valueProvided bool
	}{
		{"get://one/two/test", ActionGet, "one/two/test", "", nil, false},
		{"get://one/two/test?username", ActionGet, "one/two/test", "username", nil, false},
		{"get://one/two/test?username#fallback", ActionGet, "one/two/test", "username", "fallback", true},
		{"get://one/two/test?username#", ActionGet, "one/two/test", "username", "", true},
		{"get://one/two/test?#fallback", ActionGet, "one/two/test", "", "fallback", true},
		{"get://one/two/test?", ActionGet, "one/two/test", "", nil, false},
		{"del://one/two/test?notes", ActionDelete, "one/two/test", "notes", nil, false},
		{"get://test#a#b", ActionGet, "test", "", "a#b", true},
		{"get://test#line1\nline2", ActionGet, "test", "", "line1\nline2", true},
		{
			`put://one/two/test#{"username":"u2","tags":["a","b"]}`,
			ActionPut, "one/two/test", "",
			map[string]any{"username": "u2", "tags": []any{"a", "b"}}, true,
		},
		{
			`post://x/new#{username: bob, port: 22}`,
			ActionPost, "x/new", "",
			map[string]any{"username": "bob", "port": 22}, true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.term, func(t *testing.T) {
			req, err := Parse(tc.term)
			require.NoError(t, err)
			assert.Equal(t, tc.action, req.Action)
			assert.Equal(t, tc.path, req.Path)
			assert.Equal(t, tc.field, req.Field)
			assert.Equal(t, tc.value, req.Value)
			assert.Equal(t, tc.valueProvided, req.ValueProvided)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, term := range []string{
		"",
		"one/two/test",
		"://one/two/test",
		"get://",
		"get://?username",
		"fetch://one/two/test",
		`put://one/test#{"username": `,
	} {
		t.Run(term, func(t *testing.T) {
			_, err := Parse(term)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrParse)
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, term := range []string{
		"get://one/two/test",
		"get://one/two/test?password",
		"get://one/two/test?password#",
		"get://one/two/test?custom#some default",
		"del://one/two/test?attachment.txt",
		`put://one/two/test#{"notes":"n","port":22,"username":"u2"}`,
		`post://a/b#{"attachments":[{"binary":"aGk=","filename":"f.txt"}],"custom_properties":{"k":"v"}}`,
	} {
		t.Run(term, func(t *testing.T) {
			first, err := Parse(term)
			require.NoError(t, err)

			second, err := Parse(first.String())
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestParseRoundTripEdges(t *testing.T) {
	first, err := Parse(`put://a/b#{"n": 1.0}`)
	require.NoError(t, err)
	assert.Equal(t, `put://a/b#{"n":1}`, first.String())

	second, err := Parse(first.String())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(first.Value), fmt.Sprint(second.Value))

	// Defaults set outside the parser may look like a mapping.
	req := &Request{Action: ActionGet, Path: "a/b", Field: "f", Value: "{x", ValueProvided: true}
	assert.Equal(t, "get://a/b?f#{x", req.String())
	_, err = Parse(req.String())
	assert.ErrorIs(t, err, apperr.ErrParse)
}

func TestRequestPathParts(t *testing.T) {
	req := &Request{Action: ActionGet, Path: "one/two/test"}
	assert.Equal(t, []string{"one", "two"}, req.GroupPath())
	assert.Equal(t, "test", req.Title())

	req = &Request{Action: ActionGet, Path: "/test"}
	assert.Empty(t, req.GroupPath())
	assert.Equal(t, "test", req.Title())

	req = &Request{Action: ActionGet, Path: "one/two/"}
	assert.Equal(t, []string{"one", "two"}, req.GroupPath())
	assert.Equal(t, "", req.Title())
}
