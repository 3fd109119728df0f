package pipeline

import (
	"errors"
	"fmt"

	"github.com/KaramelBytes/analyzethis/internal/store"
)

var (
	// ErrInvalidState matches every *StateError.
	ErrInvalidState = errors.New("invalid state")
	// ErrPromptEdited guards a hand-edited enhanced prompt from being recomposed.
	ErrPromptEdited = errors.New("enhanced prompt was edited by hand; use force to recompose")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// StateError reports an operation attempted before its prerequisite step.
type StateError struct {
	Op   string
	Have store.State
	Need store.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s requires state %s or later (analysis is %s)", e.Op, e.Need, e.Have)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ValidationError is a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func requireState(op string, have, need store.State) error {
	if have.AtLeast(need) {
		return nil
	}
	return &StateError{Op: op, Have: have, Need: need}
}
