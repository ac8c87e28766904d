package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrUnauthorized = errors.New("invalid admin token")
	ErrValidation   = errors.New("validation failed")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
