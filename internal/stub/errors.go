package stub

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGenerationFailure is the kind of every *GenerationError.
var ErrGenerationFailure = errors.New("stub generation failed")

// GenerationError reports a stub library that could not be produced.
// Generation is never retried.
type GenerationError struct {
	OS         string
	Arch       string
	Library    string
	Tool       string
	Diagnostic string
	Err        error
}

func (e *GenerationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "generate %s stub for %s-%s", e.Library, e.OS, e.Arch)
	if e.Tool != "" {
		fmt.Fprintf(&sb, " with %s", e.Tool)
	}
	switch {
	case strings.TrimSpace(e.Diagnostic) != "":
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(e.Diagnostic))
	case e.Err != nil:
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *GenerationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGenerationFailure}
	}
	return []error{ErrGenerationFailure, e.Err}
}
