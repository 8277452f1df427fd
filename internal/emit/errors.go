package emit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCodegenUnsupported is returned when the machine cannot emit the
	// requested file type.
	ErrCodegenUnsupported = errors.New("target cannot emit this file type")
	// ErrIO is returned when the output path cannot be written.
	ErrIO = errors.New("cannot write output")
	// ErrCodegen is returned when the backend rejects the module.
	ErrCodegen = errors.New("code generation failed")
)

// Error describes a failed emission. Kind is one of the package sentinels.
type Error struct {
	Kind       error
	Module     string
	Triple     string
	Path       string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "emit %s for %s", e.Module, e.Triple)
	if e.Path != "" {
		fmt.Fprintf(&sb, " to %s", e.Path)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.Diagnostic != "" {
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(e.Diagnostic))
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// unsupportedMarkers are backend diagnostics meaning "wrong file type for
// this target" rather than "bad module".
var unsupportedMarkers = []string{
	"does not support generation of this file type",
	"cannot emit this file type",
	"no assembly printer",
}

func classify(diag string) error {
	lower := strings.ToLower(diag)
	for _, m := range unsupportedMarkers {
		if strings.Contains(lower, m) {
			return ErrCodegenUnsupported
		}
	}
	return ErrCodegen
}
