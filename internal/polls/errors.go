package polls

import (
	"errors"
	"fmt"
)

// The service surfaces two kinds of client errors: a handle that does not
// resolve (deliberately covering both unknown ids and wrong secret keys) and
// input the client can correct. Strict-mode duplicates are a flavor of
// ErrBadInput at the boundary but stay distinguishable for tests and logs.
var (
	ErrNotFound     = errors.New("poll not found")
	ErrBadInput     = errors.New("invalid input")
	ErrAlreadyActed = fmt.Errorf("already acted on this poll: %w", ErrBadInput)
)

// badInput wraps ErrBadInput with a caller-facing message.
func badInput(msg string) error {
	return &taggedError{msg: msg, kind: ErrBadInput}
}

// alreadyActed wraps ErrAlreadyActed, which itself wraps ErrBadInput, so
// boundary code can treat duplicates as client errors without a second branch.
func alreadyActed(msg string) error {
	return &taggedError{msg: msg, kind: ErrAlreadyActed}
}

type taggedError struct {
	msg  string
	kind error
}

func (e *taggedError) Error() string { return e.msg }

func (e *taggedError) Unwrap() error { return e.kind }
