package inference

import (
	"context"
	"fmt"
	"time"

	"footseg/internal/models"
	"footseg/internal/telemetry"
)

// ProgressCallback reports how many windows have been inferred
type ProgressCallback func(completed, total int, message string)

// Runner executes the model on one window at a time. Calls are strictly
// sequential; a Runner must not be shared between goroutines.
type Runner struct {
	model      Model
	normalizer Normalizer
	activation Activation

	total     int
	completed int
	progress  ProgressCallback
	observe   func(time.Duration)
}

// NewRunner creates a runner over a loaded model.
func NewRunner(model Model, normalizer Normalizer, activation Activation) *Runner {
	return &Runner{
		model:      model,
		normalizer: normalizer,
		activation: activation,
	}
}

// SetProgressCallback installs a callback invoked after every window.
// total is the number of windows expected for the run.
func (r *Runner) SetProgressCallback(total int, callback ProgressCallback) {
	r.total = total
	r.progress = callback
}

// SetObserver installs a hook receiving the model latency of every window.
func (r *Runner) SetObserver(observe func(time.Duration)) {
	r.observe = observe
}

// Completed returns the number of windows inferred so far.
func (r *Runner) Completed() int {
	return r.completed
}

// Infer normalizes the window, runs the model and returns per-class
// probabilities with the window's layout.
func (r *Runner) Infer(ctx context.Context, w models.Window) ([]float32, error) {
	voxels := w.Size.Len()
	if len(w.Data) != voxels {
		return nil, fmt.Errorf("%w: window %d has %d samples for size %s", ErrShapeMismatch, w.Index, len(w.Data), w.Size)
	}
	if static := r.model.WindowSize(); static.Positive() && static != w.Size {
		return nil, fmt.Errorf("%w: window %d size %s, model input %s", ErrShapeMismatch, w.Index, w.Size, static)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := make([]float32, voxels)
	copy(input, w.Data)
	r.normalizer.Apply(input)

	start := time.Now()
	out, err := r.model.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("inference on window %d: %w", w.Index, err)
	}
	if r.observe != nil {
		r.observe(time.Since(start))
	}

	classes := r.model.Classes()
	if len(out) != classes*voxels {
		return nil, fmt.Errorf("%w: window %d produced %d values, want %d classes x %d voxels",
			ErrShapeMismatch, w.Index, len(out), classes, voxels)
	}
	r.activation.Apply(out, classes, voxels)

	r.completed++
	if r.progress != nil {
		msg := fmt.Sprintf("inferred window %d/%d", r.completed, r.total)
		telemetry.Guard(telemetry.FromContext(ctx), "inference progress callback", func() {
			r.progress(r.completed, r.total, msg)
		})
	}
	return out, nil
}
