// Package apperr holds the error kinds shared by every layer of kpq.
package apperr

import (
	"errors"
	"strings"
)

var (
	ErrParse           = errors.New("parse error")
	ErrValidation      = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCyclicReference = errors.New("cyclic reference")
	ErrCapability      = errors.New("database is not updatable")
	ErrStore           = errors.New("store error")
)

// Recoverable reports whether err may be folded into a failed result when
// the caller asked for fail-silent execution. Caller mistakes never are.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrParse) &&
		!errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrCapability)
}

// Trace renders the wrap chain of err, outermost first, one layer per line.
func Trace(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, err.Error())
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if inner != nil {
					lines = append(lines, "  "+strings.ReplaceAll(Trace(inner), "\n", "\n  "))
				}
			}
			err = nil
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			err = nil
		}
	}
	return strings.Join(lines, "\n")
}
