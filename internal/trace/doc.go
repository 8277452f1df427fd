// Package trace records what a kiln command does, from the driver down to
// every llc, lld and stub generator it runs.
//
// Spans nest through context.Context:
//
//	ctx, span := trace.Start(ctx, trace.ScopeTarget, "target:"+triple)
//	defer span.End("")
//
// Events either stream to a writer, stay in a Recorder for a dump after a
// failed command, or both. At LevelError nothing is streamed and the
// Recorder sees every scope.
package trace
