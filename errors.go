package livelayer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/livefir/livelayer/internal/fragment"
	"github.com/livefir/livelayer/internal/layer"
)

var (
	// ErrTargetNotFound is matched by every *TargetNotFoundError.
	ErrTargetNotFound = fragment.ErrNotFound
	// ErrAborted is matched by every *AbortError.
	ErrAborted = errors.New("aborted")
	// ErrAlreadyClosing is returned when closing a layer that is already closing
	// or closed, and when a peel is requested while another peel runs.
	ErrAlreadyClosing = layer.ErrAlreadyClosing
	// ErrClosePrevented is returned when a listener prevented a close event.
	ErrClosePrevented = layer.ErrClosePrevented
	ErrLayerNotFound  = layer.ErrLayerNotFound
	ErrRootLayer      = layer.ErrRootLayer
	ErrInvalidOptions = errors.New("invalid render options")
	ErrConstraint     = errors.New("form constraints not satisfied")
	ErrNetwork        = errors.New("network error")
	// ErrDismissed is matched by the *DismissError a dismissed layer's outcome
	// rejects with.
	ErrDismissed = layer.ErrDismissed
)

// DismissError rejects the outcome of a dismissed layer.
type DismissError = layer.DismissError

// TargetNotFoundError reports targets that could not be resolved. With
// InSource set they exist on the page but not in the server response.
type TargetNotFoundError struct {
	Targets  []string
	InSource bool
}

func (e *TargetNotFoundError) Error() string {
	where := "page"
	if e.InSource {
		where = "response"
	}
	return fmt.Sprintf("target not found in %s: %s", where, strings.Join(e.Targets, ", "))
}

func (e *TargetNotFoundError) Unwrap() error { return ErrTargetNotFound }

// AbortError rejects a render or request that was superseded or canceled.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return "aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error { return ErrAborted }

func aborted(format string, args ...any) *AbortError {
	return &AbortError{Reason: fmt.Sprintf(format, args...)}
}

// RenderFailedError rejects a render whose server response had an error
// status. The fail target was still updated; Result describes what was
// swapped.
type RenderFailedError struct {
	Status int
	Result *RenderResult
}

func (e *RenderFailedError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.Status)
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// ConstraintError lists form fields whose native constraints failed. Submit
// returns it without sending a request.
type ConstraintError struct {
	Fields []FieldViolation
}

// FieldViolation is one failed constraint.
type FieldViolation struct {
	Name       string
	Constraint string
	Message    string
}

func (e *ConstraintError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = fmt.Sprintf("%s: %s", f.Name, f.Message)
	}
	return "form constraints not satisfied: " + strings.Join(msgs, "; ")
}

func (e *ConstraintError) Unwrap() error { return ErrConstraint }

// PanicError wraps a panic recovered from a user callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}
