package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorKind classifies the outcome of a remote pipeline stage.
type ErrorKind string

const (
	ErrorKindAuth       ErrorKind = "auth"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindRemote     ErrorKind = "remote"
	ErrorKindTimeout    ErrorKind = "timeout"
)

// StageError is the tagged result of a failed remote call. Every provider
// surfaces failures through this type so the orchestrator can converge them
// into a terminal job state without inspecting transport details.
type StageError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError builds a tagged stage failure with a formatted message.
func NewStageError(kind ErrorKind, stage, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// WrapStageError tags an underlying error without losing its chain.
func WrapStageError(kind ErrorKind, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the error kind; plumbing errors without a tag report as
// remote failures.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindRemote
}

// IsKind reports whether err carries the given tag.
func IsKind(err error, kind ErrorKind) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == kind
}
