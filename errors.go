package posthog

import (
	"errors"
	"fmt"
)

// ValidationError reports a public-API input that failed normalization, for
// example an empty distinct ID. It is never returned to the caller directly:
// the client reports it through OnError and the public method returns false.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s must be given", e.Field)
}

// inconclusiveMatchError signals that a local flag evaluation could not be
// decided, e.g. a property is missing from the bag or a condition regex is
// invalid. The evaluator may try the next condition group; if none matches
// the facade falls back to remote evaluation.
type inconclusiveMatchError struct {
	msg string
}

func (e *inconclusiveMatchError) Error() string { return e.msg }

func inconclusive(format string, args ...any) error {
	return &inconclusiveMatchError{msg: fmt.Sprintf(format, args...)}
}

func isInconclusive(err error) bool {
	var ime *inconclusiveMatchError
	return errors.As(err, &ime)
}

// errRequiresServerEvaluation marks flags the local evaluator must not
// decide: experience-continuity flags and conditions referencing cohorts
// that are not in the definition cache (likely static cohorts).
var errRequiresServerEvaluation = errors.New("flag requires server-side evaluation")
