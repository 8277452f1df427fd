package buildpipeline

import "time"

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

// EmitQueued marks items as waiting.
func EmitQueued(sink ProgressSink, items []string) {
	if sink == nil {
		return
	}
	for _, item := range items {
		sink.OnEvent(Event{Item: item, Stage: StageLower, Status: StatusQueued})
	}
}

// EmitStage reports a stage transition for one item.
func EmitStage(sink ProgressSink, item string, stage Stage, status Status, err error, elapsed time.Duration) {
	if sink == nil {
		return
	}
	sink.OnEvent(Event{Item: item, Stage: stage, Status: status, Err: err, Elapsed: elapsed})
}
