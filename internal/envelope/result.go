package envelope

import "github.com/starford/kpq/internal/apperr"

// CheckModeWarning is attached to mutating results computed in check mode.
const CheckModeWarning = "check mode: nothing was saved"

// Result is the outcome of one executed request.
type Result struct {
	Changed  bool     `json:"changed"`
	Failed   bool     `json:"failed"`
	Query    string   `json:"query"`
	Stdout   any      `json:"stdout"`
	Stderr   *Failure `json:"stderr,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Failure describes an error folded into a Result by fail-silent mode.
type Failure struct {
	Trace   string `json:"trace"`
	Message string `json:"message"`
}

func failure(query string, err error) *Result {
	return &Result{
		Failed: true,
		Query:  query,
		Stderr: &Failure{Trace: apperr.Trace(err), Message: err.Error()},
	}
}
