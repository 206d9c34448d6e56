package encsync

import "github.com/zsiec/lockstep/internal/media"

// State is a Synchronizer's running state.
type State int

const (
	StateRunning State = iota
	StateGap
	StateTimedOut
	StateLeavingGap
	StateEndOfStream
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateGap:
		return "gap"
	case StateTimedOut:
		return "timed-out"
	case StateLeavingGap:
		return "leaving-gap"
	case StateEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// Phase is the coordinator's startup phase.
type Phase int

const (
	// PhaseStep0 waits for every stream's first frame.
	PhaseStep0 Phase = iota
	// PhaseStep1 discards frames until every stream reaches the sync point.
	PhaseStep1
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseStep0:
		return "step0"
	case PhaseStep1:
		return "step1"
	case PhaseRunning:
		return "running"
	default:
		return "unknown"
	}
}

type action int

const (
	actNone action = iota
	actEmitCurrent
	actEmitClone
	actForwardEOS
)

func (a action) String() string {
	switch a {
	case actEmitCurrent:
		return "emit"
	case actEmitClone:
		return "clone"
	case actForwardEOS:
		return "eos"
	default:
		return "none"
	}
}

// decision is what computeState decided for the current tick. Nothing in
// it is committed until updateState.
type decision struct {
	valid bool
	ready bool

	act       action
	disc      media.Discontinuity
	lastClone bool

	next     State
	nextTime uint64
	nominal  uint64

	shift        bool // current <- after
	dropAfter    bool // after landed in the past
	enterTimeout bool
	holding      bool // joined ahead of the clock

	gapEnd uint64
}
