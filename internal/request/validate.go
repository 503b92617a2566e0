package request

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kpq/internal/apperr"
)

// Rule errors, in the order Validate checks them.
var (
	ErrNoAction        = validation.NewError("request_no_action", "no action")
	ErrUnknownAction   = validation.NewError("request_unknown_action", "unknown action")
	ErrReadOnly        = validation.NewError("request_read_only", "only get operations supported")
	ErrNoPath          = validation.NewError("request_no_path", "no path")
	ErrNoTitle         = validation.NewError("request_no_title", "no title")
	ErrValueForbidden  = validation.NewError("request_value_forbidden", "cannot provide default/new value")
	ErrFieldForbidden  = validation.NewError("request_field_forbidden", "cannot provide value for property")
	ErrValueRequired   = validation.NewError("request_value_required", "need to provide insert/update value")
	ErrValueNotMapping = validation.NewError("request_value_not_mapping", "need to provide insert/update as a mapping")
	ErrPathInValue     = validation.NewError("request_path_in_value", "path is already provided")
	ErrTitleInValue    = validation.NewError("request_title_in_value", "title is already provided")
)

// subject hides Request's Validate method from ozzo, which would otherwise
// call it recursively.
type subject Request

// Validate checks the request against the rule list and returns the first
// violation wrapped in apperr.ErrValidation.
func (r *Request) Validate() error {
	upsert := r.Action == ActionPut || r.Action == ActionPost
	blank := strings.TrimSpace(string(r.Action)) == ""
	mapping, isMapping := r.Mapping()

	err := validation.Validate((*subject)(r),
		check(blank, ErrNoAction),
		check(!blank && !r.Action.Valid(), ErrUnknownAction),
		check(r.ReadOnly && r.Action != ActionGet, ErrReadOnly),
		check(strings.TrimSpace(r.Path) == "", ErrNoPath),
		check(strings.TrimSpace(r.Title()) == "", ErrNoTitle),
		check(r.Action == ActionDelete && r.ValueProvided, ErrValueForbidden),
		check(upsert && r.Field != "", ErrFieldForbidden),
		check(upsert && empty(r), ErrValueRequired),
		check(upsert && !isMapping, ErrValueNotMapping),
		check(upsert && hasKey(mapping, "path"), ErrPathInValue),
		check(upsert && hasKey(mapping, "title"), ErrTitleInValue),
	)
	if err != nil {
		return fmt.Errorf("%w - %w", apperr.ErrValidation, err)
	}
	return nil
}

// RuleCode returns the code of the rule that rejected a request, or "".
func RuleCode(err error) string {
	var ve validation.Error
	if errors.As(err, &ve) {
		return ve.Code()
	}
	return ""
}

func check(failed bool, e validation.Error) validation.Rule {
	return validation.By(func(any) error {
		if failed {
			return e
		}
		return nil
	})
}

func empty(r *Request) bool {
	if !r.ValueProvided {
		return true
	}
	switch v := r.Value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
