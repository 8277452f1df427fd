package main

import (
	"fmt"
	"io"
	"time"

	"kiln/internal/buildpipeline"
)

var timedStages = []struct {
	stage buildpipeline.Stage
	label string
}{
	{buildpipeline.StageLower, "lowered"},
	{buildpipeline.StageEmit, "emitted"},
	{buildpipeline.StageStubs, "stubs"},
	{buildpipeline.StageLink, "linked"},
	{buildpipeline.StagePack, "packed"},
}

// printStageTimings prints one line per stage that ran. Durations of
// parallel targets are summed.
func printStageTimings(out io.Writer, timings *buildpipeline.Timings) error {
	if out == nil || timings == nil {
		return nil
	}
	for _, st := range timedStages {
		if !timings.Has(st.stage) {
			continue
		}
		if _, err := fmt.Fprintf(out, "%s %.1f ms\n", st.label, toMillis(timings.Duration(st.stage))); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
