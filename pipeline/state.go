package pipeline

import (
	"github.com/looplab/fsm"
)

// State is a pipeline stage as observed by clients.
type State string

const (
	StateIdle          State = "idle"
	StateDecoding      State = "decoding"
	StateValidating    State = "validating"
	StateRejected      State = "rejected"
	StatePreprocessing State = "preprocessing"
	StateLoadingModel  State = "loading_model"
	StateInferring     State = "inferring"
	StateRanked        State = "ranked"
	StateFailed        State = "failed"
)

const (
	eventUpload  = "upload"
	eventDecoded = "decoded"
	eventAccept  = "accept"
	eventReject  = "reject"
	eventLoad    = "load"
	eventInfer   = "infer"
	eventRank    = "rank"
	eventFail    = "fail"
	eventReset   = "reset"
)

// Settled reports whether no stage is running in s.
func (s State) Settled() bool {
	switch s {
	case StateIdle, StateRanked, StateRejected, StateFailed:
		return true
	}
	return false
}

// Busy reports whether s shows a progress indicator.
func (s State) Busy() bool { return !s.Settled() }

func states(s ...State) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

func newFSM(onEnter func(e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventUpload, Src: states(StateIdle), Dst: string(StateDecoding)},
			{Name: eventDecoded, Src: states(StateDecoding), Dst: string(StateValidating)},
			{Name: eventAccept, Src: states(StateValidating), Dst: string(StatePreprocessing)},
			{Name: eventReject, Src: states(StateValidating), Dst: string(StateRejected)},
			{Name: eventLoad, Src: states(StatePreprocessing), Dst: string(StateLoadingModel)},
			{Name: eventInfer, Src: states(StatePreprocessing, StateLoadingModel), Dst: string(StateInferring)},
			{Name: eventRank, Src: states(StateInferring), Dst: string(StateRanked)},
			{Name: eventFail, Src: states(
				StateDecoding, StateValidating, StatePreprocessing, StateLoadingModel, StateInferring,
			), Dst: string(StateFailed)},
			{Name: eventReset, Src: states(
				StateDecoding, StateValidating, StateRejected, StatePreprocessing,
				StateLoadingModel, StateInferring, StateRanked, StateFailed,
			), Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}
