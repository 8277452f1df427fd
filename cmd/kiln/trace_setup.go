package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/trace"
)

// flightRecorder holds recent events of the running command; execute dumps
// its tail when the command fails.
var flightRecorder *trace.Recorder

// failureTail is how many recorded events a failed command prints.
const failureTail = 40

func dumpFlightRecorder(w io.Writer) {
	rec := flightRecorder
	flightRecorder = nil
	if rec == nil || len(rec.Events()) == 0 {
		return
	}
	fmt.Fprintln(w, "recent trace events:")
	if err := rec.WriteTail(w, failureTail); err != nil {
		fmt.Fprintf(w, "trace: dump error: %v\n", err)
	}
}

type traceFlags struct {
	output    string
	level     trace.Level
	mode      trace.Mode
	ringSize  int
	heartbeat time.Duration
}

func readTraceFlags(cmd *cobra.Command) (traceFlags, error) {
	fs := cmd.Root().PersistentFlags()
	var (
		tf                traceFlags
		levelStr, modeStr string
		err               error
	)
	if tf.output, err = fs.GetString("trace"); err != nil {
		return tf, err
	}
	if levelStr, err = fs.GetString("trace-level"); err != nil {
		return tf, err
	}
	if modeStr, err = fs.GetString("trace-mode"); err != nil {
		return tf, err
	}
	if tf.ringSize, err = fs.GetInt("trace-ring-size"); err != nil {
		return tf, err
	}
	if tf.heartbeat, err = fs.GetDuration("trace-heartbeat"); err != nil {
		return tf, err
	}
	if tf.level, err = trace.ParseLevel(levelStr); err != nil {
		return tf, err
	}
	if tf.mode, err = trace.ParseMode(modeStr); err != nil {
		return tf, err
	}
	// --trace on its own means phase tracing.
	if tf.level == trace.LevelOff && tf.output != "" {
		tf.level = trace.LevelPhase
	}
	if tf.output == "" {
		tf.output = "-"
	}
	return tf, nil
}

// setupTracing installs the tracer chosen by the --trace flags in the
// command context and returns the function that flushes and closes it.
func setupTracing(cmd *cobra.Command) (func(), error) {
	tf, err := readTraceFlags(cmd)
	if err != nil {
		return nil, err
	}
	if tf.level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return func() {}, nil
	}
	tracer, err := trace.New(trace.Config{
		Level:      tf.level,
		Mode:       tf.mode,
		OutputPath: tf.output,
		RingSize:   tf.ringSize,
	})
	if err != nil {
		return nil, err
	}
	// A recorder next to a stderr stream would only repeat it.
	if tf.mode == trace.ModeRing || tf.level == trace.LevelError || tf.output != "-" {
		flightRecorder = trace.RecorderOf(tracer)
	}

	ctx := trace.WithTracer(cmd.Context(), tracer)
	cmd.SetContext(ctx)
	cmd.Root().SetContext(ctx)
	heartbeat := trace.StartHeartbeat(tracer, tf.heartbeat)

	errOut := cmd.ErrOrStderr()
	return func() {
		heartbeat.Stop()
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(errOut, "trace: flush: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(errOut, "trace: close: %v\n", err)
		}
	}, nil
}
