package segmentation

import (
	"time"

	"footseg/internal/models"
	"footseg/pkg/inference"
)

// State is a step of the run state machine:
// Idle -> Tiling -> Inferring -> Blending -> Thresholding -> Writing -> Done,
// with Failed reachable from every state.
type State string

const (
	StateIdle         State = "idle"
	StateTiling       State = "tiling"
	StateInferring    State = "inferring"
	StateBlending     State = "blending"
	StateThresholding State = "thresholding"
	StateWriting      State = "writing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Report describes one run, successful or not.
type Report struct {
	RunID  string
	Volume string

	// States lists every state entered, in order
	States []State

	// Durations holds the wall time spent in each non-terminal state
	Durations map[State]time.Duration

	Windows    int
	WindowSize models.Dims
	Classes    int

	Device inference.Device

	// Fallback is set when an accelerator was requested but the model ran
	// on the CPU; FallbackReason carries the loader's message.
	Fallback       bool
	FallbackReason string

	// Foreground is the number of non-background voxels of the final mask
	Foreground  int
	LabelCounts map[uint8]int

	// MeanEntropy summarizes the uncertainty of the blended probabilities
	MeanEntropy float64

	Outputs  []string
	Previews []string
}

// State returns the last state the run entered.
func (r *Report) State() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Elapsed returns the total time across all recorded states.
func (r *Report) Elapsed() time.Duration {
	var total time.Duration
	for _, d := range r.Durations {
		total += d
	}
	return total
}
