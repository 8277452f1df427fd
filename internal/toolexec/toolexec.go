// Package toolexec runs the external LLVM tools the backend drives.
//
// Tools are started with exec.Command, not CommandContext: a build observes
// cancellation between steps, never by killing a tool mid-write.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"kiln/internal/trace"
)

// Cmd describes one tool invocation.
type Cmd struct {
	Path   string
	Args   []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer // nil discards
}

// String renders the command line for echoing and traces.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// ExitError reports a tool that ran and exited nonzero.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Tool, msg)
}

type echoKey struct{}

// WithEcho makes Run print every command line to w before starting it.
func WithEcho(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, echoKey{}, w)
}

// Run starts the tool and waits for it. Stderr is captured verbatim; an exit
// status other than zero becomes *ExitError. Errors starting the process
// (missing binary) are returned wrapped.
func Run(ctx context.Context, c Cmd) error {
	if w, ok := ctx.Value(echoKey{}).(io.Writer); ok && w != nil {
		if _, err := fmt.Fprintln(w, c.String()); err != nil {
			return fmt.Errorf("failed to print command: %w", err)
		}
	}
	trace.Point(trace.FromContext(ctx), trace.ScopeTool, toolName(c.Path), "", map[string]string{"argv": c.String()})

	// #nosec G204 -- tool paths come from the toolchain configuration
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Tool: toolName(c.Path), Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return fmt.Errorf("%s: %w", c.Path, err)
}

// Lookup resolves a tool name through PATH.
func Lookup(name string) (string, bool) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return p, true
}

func toolName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
