package pack

import (
	"errors"
	"fmt"
)

// ErrPackagingFailure is the kind of every *Error.
var ErrPackagingFailure = errors.New("packaging failed")

// Error is a package that could not be built. When it is returned no
// package file exists at the destination.
type Error struct {
	Package string
	// Triple is set when the failure belongs to one target.
	Triple string
	Err    error
}

func (e *Error) Error() string {
	if e.Triple != "" {
		return fmt.Sprintf("package %s (%s): %v", e.Package, e.Triple, e.Err)
	}
	return fmt.Sprintf("package %s: %v", e.Package, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPackagingFailure}
	}
	return []error{ErrPackagingFailure, e.Err}
}
