package toolexecutor

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed dispatch for the model.
type ErrorKind string

const (
	KindAuthRequired     ErrorKind = "AuthRequired"
	KindNotFound         ErrorKind = "NotFound"
	KindInvalidArguments ErrorKind = "InvalidArguments"
	KindUnknown          ErrorKind = "Unknown"
)

// Sentinel errors handlers may return (or wrap) to pick a kind.
var (
	ErrAuthRequired     = errors.New("authorization required")
	ErrNotFound         = errors.New("not found")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ToolError lets a handler choose the kind and the message shown to the model.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewToolError creates a ToolError.
func NewToolError(kind ErrorKind, message string) *ToolError {
	return &ToolError{Kind: kind, Message: message}
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Classify maps an error returned by a handler to its kind.
func Classify(err error) ErrorKind {
	var te *ToolError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te) && te.Kind != "":
		return te.Kind
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArguments):
		return KindInvalidArguments
	default:
		return KindUnknown
	}
}

// messageFor picks the text shown to the model for err.
func messageFor(err error) string {
	var te *ToolError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "tool execution timed out"
	}
	return err.Error()
}
