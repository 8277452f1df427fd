// Package link drives the lld linker for the three object formats.
//
// The flavor of a link is a function of the target triple's OS, never of
// the host: building for Windows on Linux runs `lld -flavor link`.
package link

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kiln/internal/target"
	"kiln/internal/toolexec"
	"kiln/internal/trace"
)

// ErrLinkFailure is the kind of every *Error.
var ErrLinkFailure = errors.New("link failed")

// Flavor selects the lld driver.
type Flavor uint8

const (
	FlavorMachO Flavor = iota + 1
	FlavorELF
	FlavorCOFF
)

// String returns the lld -flavor value.
func (f Flavor) String() string {
	switch f {
	case FlavorMachO:
		return "darwin"
	case FlavorELF:
		return "gnu"
	case FlavorCOFF:
		return "link"
	default:
		return "unknown"
	}
}

// Format returns the object format the flavor consumes.
func (f Flavor) Format() target.Format {
	switch f {
	case FlavorMachO:
		return target.FormatMachO
	case FlavorELF:
		return target.FormatELF
	case FlavorCOFF:
		return target.FormatCOFF
	default:
		return ""
	}
}

// FlavorFor picks the flavor from the triple's declared OS.
func FlavorFor(t target.Triple) (Flavor, error) {
	f, err := t.Format()
	if err != nil {
		return 0, err
	}
	switch f {
	case target.FormatMachO:
		return FlavorMachO, nil
	case target.FormatELF:
		return FlavorELF, nil
	default:
		return FlavorCOFF, nil
	}
}

// Error is a failed link. Diagnostic is the linker's stderr, or "link
// failed" when it printed nothing.
type Error struct {
	Flavor     Flavor
	Diagnostic string
	Code       int
}

func (e *Error) Error() string {
	return fmt.Sprintf("lld (%s): %s", e.Flavor, e.Diagnostic)
}

func (e *Error) Unwrap() error { return ErrLinkFailure }

// Driver runs one lld executable.
type Driver struct {
	// Path to lld; defaults to lld (lld.exe on Windows) from PATH.
	Path string
}

// DefaultDriver uses lld from PATH.
var DefaultDriver = Driver{}

// Link is DefaultDriver.Link.
func Link(ctx context.Context, flavor Flavor, argv []string) error {
	return DefaultDriver.Link(ctx, flavor, argv)
}

// Link runs lld for flavor with argv. Stdout is discarded and stderr kept
// verbatim; the link succeeded iff lld exited with status 0.
func (d Driver) Link(ctx context.Context, flavor Flavor, argv []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if flavor.Format() == "" {
		return fmt.Errorf("unknown linker flavor %d", flavor)
	}
	path := d.Path
	if path == "" {
		path = lldExecutable
	}
	ctx, span := trace.Start(ctx, trace.ScopeTarget, "link:"+flavor.String())
	defer span.End("")

	args := append([]string{"-flavor", flavor.String()}, argv...)
	err := toolexec.Run(ctx, toolexec.Cmd{Path: path, Args: args})
	if err == nil {
		return nil
	}
	lerr := &Error{Flavor: flavor}
	var exitErr *toolexec.ExitError
	if errors.As(err, &exitErr) {
		lerr.Code = exitErr.Code
		lerr.Diagnostic = strings.TrimRight(exitErr.Stderr, "\n")
	} else {
		lerr.Code = -1
		lerr.Diagnostic = err.Error()
	}
	if strings.TrimSpace(lerr.Diagnostic) == "" {
		lerr.Diagnostic = "link failed"
	}
	span.WithExtra("error", lerr.Diagnostic)
	return lerr
}
