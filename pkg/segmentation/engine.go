// Package segmentation runs a segmentation model over a volume with
// overlapping sliding windows and turns the blended probabilities into a
// labeled mask.
//
// A run moves through the states Idle, Tiling, Inferring, Blending,
// Thresholding, Writing and Done. Any fatal error moves it to Failed and is
// returned as a *RunError; nothing is written for a failed run.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"footseg/internal/models"
	"footseg/internal/telemetry"
	"footseg/pkg/blend"
	"footseg/pkg/evaluation"
	"footseg/pkg/inference"
	"footseg/pkg/postprocess"
	"footseg/pkg/tiling"
	"footseg/pkg/visualization"
	"footseg/pkg/volume"
	"footseg/pkg/writer"
)

// Accepted parameter ranges
const (
	MinThreshold = 0.1
	MaxThreshold = 0.9
	MinOverlap   = 0.1
	MaxOverlap   = 0.75
)

// Params are the per-run parameters chosen by the caller.
type Params struct {
	// Threshold is the minimum probability of a foreground voxel
	Threshold float64

	// Overlap is the fraction of a window shared with its neighbour
	Overlap float64

	// UseAccelerator requests CUDA; the run falls back to the CPU when no
	// accelerator can be acquired
	UseAccelerator bool

	// Progress is optional
	Progress ProgressFunc
}

// DefaultParams returns the recommended parameters.
func DefaultParams() Params {
	return Params{Threshold: 0.5, Overlap: 0.5}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	var errs []error
	if !(p.Threshold >= MinThreshold && p.Threshold <= MaxThreshold) {
		errs = append(errs, fmt.Errorf("threshold %v outside [%v, %v]", p.Threshold, MinThreshold, MaxThreshold))
	}
	if !(p.Overlap >= MinOverlap && p.Overlap <= MaxOverlap) {
		errs = append(errs, fmt.Errorf("overlap %v outside [%v, %v]", p.Overlap, MinOverlap, MaxOverlap))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return nil
}

// Label names and colors one segment label
type Label struct {
	Name  string
	Color [3]uint8
}

// colors for labels configured without one
var palette = [][3]uint8{
	{241, 214, 145},
	{177, 122, 101},
	{111, 184, 210},
	{216, 101, 79},
	{128, 174, 128},
	{221, 130, 101},
}

// Options configure an Engine. Only Provider is required.
type Options struct {
	Provider *inference.Provider

	// WindowSize is used when the model input is dynamic
	WindowSize models.Dims

	Normalization     inference.Normalization
	Activation        inference.Activation
	BackgroundChannel bool

	Blending   blend.Scheme
	SigmaScale float64

	// PostProcess runs on the thresholded mask
	PostProcess postprocess.Filter

	// Labels names the segments starting at label 1
	Labels []Label

	// Writers persist the segmentation produced by Run
	Writers writer.Set

	// IntermediaryDir receives preview images of every stage when set
	IntermediaryDir string

	Metrics *telemetry.Metrics

	// Logger defaults to the logger stored in the run context
	Logger *slog.Logger
}

// Engine runs segmentations. Runs on one engine share the model loaded by
// its provider; each run is strictly sequential.
type Engine struct {
	opts Options
}

// NewEngine validates opts and fills in defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("segmentation engine needs a model provider")
	}
	if opts.Normalization == "" {
		opts.Normalization = inference.NormalizeZScore
	}
	activation, err := inference.ParseActivation(string(opts.Activation))
	if err != nil {
		return nil, err
	}
	opts.Activation = activation
	if opts.Blending == "" {
		opts.Blending = blend.Gaussian
	}
	if opts.SigmaScale == 0 {
		opts.SigmaScale = blend.DefaultSigmaScale
	}
	return &Engine{opts: opts}, nil
}

// ModelStatus reports whether the model file is present. A missing model
// is not an error; runs fail with ErrModelNotFound until it appears.
func (e *Engine) ModelStatus() (inference.ModelStatus, error) {
	return e.opts.Provider.Status()
}

// RunSegmentation segments vol and returns the mask. Nothing is written.
func (e *Engine) RunSegmentation(ctx context.Context, vol *models.Volume, params Params) (*models.Mask, *Report, error) {
	r := e.newRun(ctx, params)
	mask, err := r.segment(ctx, vol)
	if err != nil {
		return nil, r.report, r.fail(err)
	}
	r.enter(StateWriting)
	r.done()
	return mask, r.report, nil
}

// Run samples source, segments it and hands the result to the configured
// writers. Outputs are committed only when every writer staged successfully.
func (e *Engine) Run(ctx context.Context, source volume.Source, params Params) (*models.Segmentation, *Report, error) {
	r := e.newRun(ctx, params)
	if err := params.Validate(); err != nil {
		return nil, r.report, r.fail(err)
	}

	r.logger.Info("Step 1: Sampling input volume")
	vol, err := source.Sample(ctx)
	if err != nil {
		if errors.Is(err, models.ErrEmptyVolume) {
			err = fmt.Errorf("%w: %w", ErrEmptyInput, err)
		}
		return nil, r.report, r.fail(fmt.Errorf("sample input: %w", err))
	}

	mask, err := r.segment(ctx, vol)
	if err != nil {
		return nil, r.report, r.fail(err)
	}
	seg := e.segmentation(vol, mask, r.labels)

	r.enter(StateWriting)
	r.logger.Info("Step 6: Writing segmentation", "name", seg.Name, "writers", len(e.opts.Writers))
	if err := r.write(ctx, seg); err != nil {
		return nil, r.report, r.fail(err)
	}
	r.done()
	return seg, r.report, nil
}

// SegmentationName names the result of segmenting the named volume.
func SegmentationName(volumeName string) string {
	if volumeName == "" {
		return "Segmentation"
	}
	return volumeName + "_Segmentation"
}

func (e *Engine) segmentation(vol *models.Volume, mask *models.Mask, labels int) *models.Segmentation {
	seg := &models.Segmentation{Name: SegmentationName(vol.Name), Mask: mask}
	voxel := mask.VoxelVolume()
	for l := 1; l <= labels; l++ {
		label := e.label(l)
		count := mask.Count(uint8(l))
		seg.Segments = append(seg.Segments, models.Segment{
			Label:      uint8(l),
			Name:       label.Name,
			Color:      label.Color,
			VoxelCount: count,
			VolumeMM3:  float64(count) * voxel,
		})
	}
	return seg
}

func (e *Engine) label(l int) Label {
	var out Label
	if l-1 < len(e.opts.Labels) {
		out = e.opts.Labels[l-1]
	}
	if out.Name == "" {
		out.Name = fmt.Sprintf("Segment_%d", l)
	}
	if out.Color == ([3]uint8{}) {
		out.Color = palette[(l-1)%len(palette)]
	}
	return out
}

// run is the state of one segmentation
type run struct {
	engine   *Engine
	params   Params
	report   *Report
	logger   *slog.Logger
	progress *progress

	state   State
	entered time.Time
	labels  int
}

func (e *Engine) newRun(ctx context.Context, params Params) *run {
	logger := e.opts.Logger
	if logger == nil {
		logger = telemetry.FromContext(ctx)
	}
	id := uuid.NewString()
	logger = telemetry.WithRunID(logger, id)
	return &run{
		engine:   e,
		params:   params,
		logger:   logger,
		progress: &progress{fn: params.Progress, logger: logger},
		report: &Report{
			RunID:       id,
			States:      []State{StateIdle},
			Durations:   make(map[State]time.Duration),
			LabelCounts: make(map[uint8]int),
		},
		state:   StateIdle,
		entered: time.Now(),
	}
}

func (r *run) enter(s State) {
	now := time.Now()
	d := now.Sub(r.entered)
	r.report.Durations[r.state] += d
	r.engine.opts.Metrics.ObserveStage(r.state.String(), d)
	r.state, r.entered = s, now
	r.report.States = append(r.report.States, s)
}

func (r *run) fail(err error) error {
	failed := &RunError{State: r.state, Err: err}
	r.enter(StateFailed)
	r.engine.opts.Metrics.ObserveRun(StateFailed.String())
	r.logger.Error("segmentation failed", "state", failed.State, "error", err)
	return failed
}

func (r *run) done() {
	r.progress.report(pctDone, "Completed!")
	r.enter(StateDone)
	r.engine.opts.Metrics.ObserveRun(StateDone.String())
	r.logger.Info("segmentation completed",
		"foreground", r.report.Foreground,
		"windows", r.report.Windows,
		"device", r.report.Device,
		"elapsed", r.report.Elapsed())
}

// segment drives the run from Idle through Thresholding.
func (r *run) segment(ctx context.Context, vol *models.Volume) (*models.Mask, error) {
	opts := r.engine.opts
	if err := r.params.Validate(); err != nil {
		return nil, err
	}
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmptyInput, err)
	}
	r.report.Volume = vol.Name

	r.progress.report(0, "Loading model...")
	acq, err := opts.Provider.Acquire(ctx, r.params.UseAccelerator)
	if err != nil {
		return nil, err
	}
	r.report.Device = acq.Actual
	if acq.Fallback != nil {
		r.report.Fallback = true
		r.report.FallbackReason = acq.Fallback.Error()
		opts.Metrics.ObserveFallback()
		r.logger.Warn("running on fallback device", "requested", acq.Requested, "actual", acq.Actual, "reason", acq.Fallback)
		r.progress.report(0, fmt.Sprintf("Warning: %s unavailable, running on %s", acq.Requested, acq.Actual))
	}
	model := acq.Model
	window, err := inference.ResolveWindow(model, opts.WindowSize)
	if err != nil {
		return nil, err
	}

	r.enter(StateTiling)
	r.logger.Info("Step 2: Tiling volume", "dims", vol.Dims, "window", window, "overlap", r.params.Overlap)
	tiler, err := tiling.NewTiler(window, r.params.Overlap)
	if err != nil {
		return nil, err
	}
	normalizer, err := inference.FitNormalizer(opts.Normalization, vol)
	if err != nil {
		return nil, err
	}
	tiler.SetPadding(float32(normalizer.Min))
	tiler.SetProgressCallback(func(completed, total int, message string) {
		r.logger.Debug(message)
	})
	total := tiler.Count(vol.Dims)
	r.report.Windows, r.report.WindowSize, r.report.Classes = total, window, model.Classes()

	kernel, err := blend.NewKernel(opts.Blending, window, opts.SigmaScale)
	if err != nil {
		return nil, err
	}
	acc, err := blend.NewAccumulator(vol.Dims, model.Classes(), kernel)
	if err != nil {
		return nil, err
	}
	acc.SetProgressCallback(total, func(completed, total int, message string) {
		r.logger.Debug(message)
	})
	r.savePreview("01_input", visualization.NewViewer(vol.Data, vol.Dims))
	r.progress.report(pctTilingDone, fmt.Sprintf("Tiling: %d windows of %s", total, window))

	r.enter(StateInferring)
	r.logger.Info("Step 3: Running inference", "windows", total, "device", acq.Actual)
	runner := inference.NewRunner(model, normalizer, opts.Activation)
	runner.SetProgressCallback(total, r.progress.band(pctTilingDone, pctInferringDone))
	runner.SetObserver(opts.Metrics.ObserveWindow)
	for w := range tiler.Windows(vol) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probs, err := runner.Infer(ctx, w)
		if err != nil {
			return nil, err
		}
		if err := acc.Add(w, probs); err != nil {
			return nil, err
		}
	}

	r.enter(StateBlending)
	r.logger.Info("Step 4: Blending window outputs", "windows", acc.Added(), "scheme", kernel.Scheme)
	if n := acc.Uncovered(); n > 0 {
		r.logger.Warn("voxels not covered by any window are background", "voxels", n)
	}
	pm := acc.Finalize()
	r.report.MeanEntropy = evaluation.MeanEntropy(pm)
	labeling := blend.Labeling{Threshold: r.params.Threshold, BackgroundChannel: opts.BackgroundChannel}
	r.labels = labeling.ForegroundClasses(pm.Classes)
	r.saveProbabilityPreviews(pm, labeling)
	r.progress.report(pctBlendingDone, "Blending complete")

	r.enter(StateThresholding)
	r.logger.Info("Step 5: Thresholding", "threshold", r.params.Threshold)
	mask, err := blend.Threshold(pm, vol.Geometry, labeling)
	if err != nil {
		return nil, err
	}
	if opts.PostProcess != nil {
		if err := opts.PostProcess.Apply(ctx, mask); err != nil {
			return nil, fmt.Errorf("post-processing: %w", err)
		}
	}
	r.report.Foreground = mask.Foreground()
	for l := 1; l <= r.labels; l++ {
		r.report.LabelCounts[uint8(l)] = mask.Count(uint8(l))
	}
	overlay := visualization.NewViewer(vol.Data, vol.Dims)
	overlay.SetOverlay(mask, r.overlayColors(), 0.5)
	r.savePreview("03_mask", overlay)
	r.progress.report(pctThresholdDone, fmt.Sprintf("Thresholding complete: %d foreground voxels", r.report.Foreground))

	return mask, nil
}

func (r *run) write(ctx context.Context, seg *models.Segmentation) error {
	writers := r.engine.opts.Writers
	if len(writers) == 0 {
		return nil
	}
	staged, err := writers.Stage(ctx, seg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		staged.Discard()
		return err
	}
	if err := staged.Commit(); err != nil {
		return err
	}
	r.report.Outputs = staged.Paths()
	r.logger.Info("segmentation written", "files", len(r.report.Outputs))
	return nil
}

// savePreview writes mid slices of v. Failures are only logged.
func (r *run) savePreview(prefix string, v *visualization.Viewer) {
	dir := r.engine.opts.IntermediaryDir
	if dir == "" {
		return
	}
	paths, err := v.SaveMidSlices(dir, prefix)
	if err != nil {
		r.logger.Warn("failed to save intermediary result", "stage", prefix, "error", err)
	}
	r.report.Previews = append(r.report.Previews, paths...)
}

func (r *run) saveProbabilityPreviews(pm *models.ProbabilityMap, labeling blend.Labeling) {
	if r.engine.opts.IntermediaryDir == "" {
		return
	}
	first := pm.Classes - labeling.ForegroundClasses(pm.Classes)
	for c := first; c < pm.Classes; c++ {
		prefix := "02_probability"
		if pm.Classes > 1 {
			prefix = fmt.Sprintf("02_probability_class%d", c)
		}
		v := visualization.NewViewer(pm.Class(c), pm.Dims)
		v.SetWindow(0, 1)
		r.savePreview(prefix, v)
	}
}

func (r *run) overlayColors() map[uint8]color.RGBA {
	colors := make(map[uint8]color.RGBA, r.labels)
	for l := 1; l <= r.labels; l++ {
		c := r.engine.label(l).Color
		colors[uint8(l)] = color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}
	}
	return colors
}
