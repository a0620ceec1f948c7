// Package onnxrt loads segmentation networks serialized as ONNX and runs
// them through onnxruntime.
package onnxrt

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"footseg/internal/models"
	"footseg/pkg/inference"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes onnxruntime once per process. The shared
// library path can only be set before the first initialization.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Loader implements inference.Loader on top of onnxruntime.
type Loader struct {
	// LibraryPath is the onnxruntime shared library (.so, .dylib or .dll)
	LibraryPath string

	// InputName and OutputName select the graph tensors; empty means the first one
	InputName  string
	OutputName string

	// NumThreads bounds intra-op parallelism; 0 lets onnxruntime decide
	NumThreads int
}

// Load opens a session for opts.Path on the requested device. Failures to
// enable CUDA are reported as inference.ErrAcceleratorUnavailable.
func (l *Loader) Load(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
	if err := initEnvironment(l.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read model graph: %w", err)
	}
	in, err := pick(inputs, l.InputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pick(outputs, l.OutputName, "output")
	if err != nil {
		return nil, err
	}

	static, inChannels, err := spatialShape(in.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", in.Name, err)
	}
	if inChannels > 1 {
		return nil, fmt.Errorf("%w: input %q expects %d channels, want 1", inference.ErrShapeMismatch, in.Name, inChannels)
	}
	outStatic, classes, err := spatialShape(out.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", out.Name, err)
	}
	if classes <= 0 {
		classes = max(opts.Classes, 1)
	}

	window := static
	if !window.Positive() {
		window = opts.WindowSize
	}
	if !window.Positive() {
		return nil, fmt.Errorf("%w: model %q has dynamic spatial input and no window size was given", inference.ErrShapeMismatch, opts.Path)
	}
	if outStatic.Positive() && outStatic != window {
		return nil, fmt.Errorf("%w: model output %s differs from input %s", inference.ErrShapeMismatch, outStatic, window)
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer sessionOptions.Destroy()

	if l.NumThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(l.NumThreads); err != nil {
			return nil, fmt.Errorf("set thread count: %w", err)
		}
	}
	if opts.Device == inference.CUDA {
		if err := appendCUDA(sessionOptions, opts.DeviceID); err != nil {
			return nil, fmt.Errorf("%w: %v", inference.ErrAcceleratorUnavailable, err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(window.Z), int64(window.Y), int64(window.X)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(classes), int64(window.Z), int64(window.Y), int64(window.X)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.Path,
		[]string{in.Name}, []string{out.Name},
		[]ort.Value{input}, []ort.Value{output},
		sessionOptions)
	if err != nil {
		input.Destroy()
		output.Destroy()
		if opts.Device == inference.CUDA {
			// the CUDA provider libraries are only resolved when the session is built
			return nil, fmt.Errorf("%w: %v", inference.ErrAcceleratorUnavailable, err)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Model{
		session: session,
		input:   input,
		output:  output,
		window:  window,
		classes: classes,
		device:  opts.Device,
	}, nil
}

func appendCUDA(sessionOptions *ort.SessionOptions, deviceID int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}

func pick(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("%w: model has no %s", inference.ErrShapeMismatch, kind)
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("%w: model has no %s named %q", inference.ErrShapeMismatch, kind, name)
}

// spatialShape interprets an [N, C, Z, Y, X] tensor shape. Dynamic
// dimensions (-1) come back as 0.
func spatialShape(shape ort.Shape) (models.Dims, int, error) {
	if len(shape) != 5 {
		return models.Dims{}, 0, fmt.Errorf("%w: expected 5 dimensions [N C Z Y X], got %v", inference.ErrShapeMismatch, shape)
	}
	dim := func(v int64) int {
		if v < 0 {
			return 0
		}
		return int(v)
	}
	spatial := models.Dims{X: dim(shape[4]), Y: dim(shape[3]), Z: dim(shape[2])}
	return spatial, dim(shape[1]), nil
}

// Model is a loaded onnxruntime session with pre-allocated tensors that
// are reused for every window.
type Model struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	window  models.Dims
	classes int
	device  inference.Device
}

func (m *Model) WindowSize() models.Dims  { return m.window }
func (m *Model) Classes() int             { return m.classes }
func (m *Model) Device() inference.Device { return m.device }

// Predict copies the window into the input tensor, runs the session and
// returns a copy of the output tensor.
func (m *Model) Predict(ctx context.Context, input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, fmt.Errorf("model is closed")
	}
	dst := m.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: got %d samples, input tensor holds %d", inference.ErrShapeMismatch, len(input), len(dst))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	copy(dst, input)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	src := m.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

// Close destroys the session and its tensors.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	m.session = nil
	return err
}
