package main

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"kiln/internal/buildpipeline"
	"kiln/internal/pack"
	"kiln/internal/ui"
)

type buildOutcome struct {
	result buildpipeline.BuildResult
	err    error
}

type packOutcome struct {
	result *pack.Result
	err    error
}

func runBuildWithUI(ctx context.Context, out io.Writer, title string, targets []string, req *buildpipeline.BuildRequest) (buildpipeline.BuildResult, error) {
	if req == nil {
		return buildpipeline.BuildResult{}, fmt.Errorf("missing build request")
	}
	events := make(chan buildpipeline.Event, 256)
	outcomeCh := make(chan buildOutcome, 1)

	go func() {
		reqCopy := *req
		reqCopy.Progress = buildpipeline.ChannelSink{Ch: events}
		res, err := buildpipeline.Build(ctx, &reqCopy)
		outcomeCh <- buildOutcome{result: res, err: err}
		close(events)
	}()

	uiErr := runProgram(out, title, targets, events)
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}

func runPackWithUI(ctx context.Context, out io.Writer, title string, targets []string, b *pack.Builder, req *pack.Request) (*pack.Result, error) {
	events := make(chan buildpipeline.Event, 256)
	outcomeCh := make(chan packOutcome, 1)

	go func() {
		bCopy := *b
		bCopy.Progress = buildpipeline.ChannelSink{Ch: events}
		res, err := bCopy.Build(ctx, req)
		outcomeCh <- packOutcome{result: res, err: err}
		close(events)
	}()

	uiErr := runProgram(out, title, targets, events)
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}

// runProgram renders events until the channel closes. If the program
// fails the channel is still drained so the producer never blocks.
func runProgram(out io.Writer, title string, targets []string, events chan buildpipeline.Event) error {
	model := ui.NewProgressModel(title, targets, events)
	program := tea.NewProgram(model, tea.WithOutput(out))
	_, err := program.Run()
	if err != nil {
		for range events {
		}
	}
	return err
}
