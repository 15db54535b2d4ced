package realtime

import (
	"github.com/pion/webrtc/v4"
)

const ControlChannelLabel = "oai-events"

type BuildStepName string

const (
	StepControlChannel BuildStepName = "control-channel"
	StepLocalAudio     BuildStepName = "local-audio"
	// StepAudioReceiver replaces StepLocalAudio when no microphone could be acquired.
	StepAudioReceiver BuildStepName = "audio-receiver"
)

// BuildPlan is the fixed order in which the transport is assembled before the offer is
// created. The control channel always comes first so the offer carries the application
// section regardless of media availability.
var BuildPlan = []BuildStepName{StepControlChannel, StepLocalAudio}

func controlChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}
