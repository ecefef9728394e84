package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindClientInput       Kind = "client_input"
	KindTransient         Kind = "transient"
	KindResourceExhausted Kind = "resource_exhausted"
	KindFatal             Kind = "fatal"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrClientInput       = errors.New("client input error")
	ErrTransient         = errors.New("transient service error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrFatal             = errors.New("fatal stage error")

	// Finer markers that collapse onto the kinds above.
	ErrBusy         = errors.New("resource busy")
	ErrTimeout      = errors.New("timeout")
	ErrNotFound     = errors.New("not found")
	ErrExternalTool = errors.New("external tool error")
)

// Error carries the stage context of a classified failure. It matches both
// its marker and its cause with errors.Is.
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, detail, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Marker, detail)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Marker != nil {
		out = append(out, e.Marker)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// KindOf maps an error onto the failure taxonomy. Unknown errors are fatal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrClientInput), errors.Is(err, ErrNotFound):
		return KindClientInput
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrTransient), errors.Is(err, ErrBusy), errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindFatal
	}
}

// Retryable reports whether the orchestrator may retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindResourceExhausted:
		return true
	default:
		return false
	}
}

// MarkerFor returns the sentinel error for kind.
func MarkerFor(kind Kind) error {
	switch kind {
	case KindConfiguration:
		return ErrConfiguration
	case KindClientInput:
		return ErrClientInput
	case KindTransient:
		return ErrTransient
	case KindResourceExhausted:
		return ErrResourceExhausted
	default:
		return ErrFatal
	}
}

// ParseKind converts a wire value into a Kind. Unknown values map to fatal.
func ParseKind(value string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindConfiguration:
		return KindConfiguration
	case KindClientInput:
		return KindClientInput
	case KindTransient, "busy", "timeout", "unavailable":
		return KindTransient
	case KindResourceExhausted:
		return KindResourceExhausted
	default:
		return KindFatal
	}
}

// ErrorDetails is the flattened view of a classified error used for logs and
// persisted stage outcomes.
type ErrorDetails struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts classification and context from err.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: KindOf(err)}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		details.Stage = svcErr.Stage
		details.Operation = svcErr.Operation
		details.Message = svcErr.Message
		details.Cause = svcErr.Cause
	}
	if details.Message == "" {
		details.Message = strings.TrimSpace(err.Error())
	}
	details.Hint = hintFor(details.Kind)
	return details
}

func hintFor(kind Kind) string {
	switch kind {
	case KindConfiguration:
		return "check the requested stages and stage service capabilities"
	case KindClientInput:
		return "check the input file and stage options"
	case KindTransient:
		return "check stage service availability"
	case KindResourceExhausted:
		return "reduce model size or free GPU memory"
	default:
		return "check stage service logs"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
