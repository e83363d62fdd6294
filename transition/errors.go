package transition

import (
	"errors"
	"fmt"
	"strings"

	"dealflow/stage"
)

var (
	// ErrConcurrentModification signals that the stage compare-and-set lost
	// twice: once on the first attempt and again on the single retry.
	ErrConcurrentModification = errors.New("transition: concurrent modification")
	// ErrJustificationRequired signals an override or rejection without a
	// recorded human justification.
	ErrJustificationRequired = errors.New("transition: justification required")
	// ErrIncomplete signals that the current gate lacks data to evaluate.
	ErrIncomplete = errors.New("transition: required data missing")
)

// IncompleteError names the stage and the fields its gate still needs.
type IncompleteError struct {
	Stage   stage.Stage
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s: stage %s needs %s", ErrIncomplete, e.Stage, strings.Join(e.Missing, ", "))
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

func incomplete(s stage.Stage, missing ...string) error {
	return &IncompleteError{Stage: s, Missing: missing}
}
