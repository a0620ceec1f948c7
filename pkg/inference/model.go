// Package inference runs a segmentation model over volume windows.
//
// A Provider lazily loads the model through a Loader on first use and
// keeps it for every later run. Loaders are pluggable; the onnxrt
// subpackage provides one backed by onnxruntime, tests use in-memory fakes.
package inference

import (
	"context"
	"fmt"
	"os"

	"footseg/internal/models"
)

// Device selects where the model executes
type Device int

const (
	CPU Device = iota
	CUDA
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// Model is a loaded segmentation network.
type Model interface {
	// WindowSize is the static spatial input size of the network. A zero
	// Dims means the network accepts any size.
	WindowSize() models.Dims

	// Classes is the number of output channels.
	Classes() int

	// Device is where the model actually runs.
	Device() Device

	// Predict runs the network on one single-channel window laid out
	// x fastest and returns Classes() planes of the same size.
	Predict(ctx context.Context, input []float32) ([]float32, error)

	Close() error
}

// LoadOptions configure a Loader
type LoadOptions struct {
	// Path is the serialized model file
	Path string

	// Device is the requested execution device
	Device Device

	// DeviceID selects the accelerator when several are present
	DeviceID int

	// WindowSize is used when the model has dynamic spatial dimensions
	WindowSize models.Dims

	// Classes is used when the model has a dynamic channel dimension
	Classes int
}

// Loader turns a model file into a Model. A Loader must wrap
// ErrAcceleratorUnavailable when a non-CPU device cannot be used.
type Loader interface {
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(ctx context.Context, opts LoadOptions) (Model, error)

// Load calls f(ctx, opts).
func (f LoaderFunc) Load(ctx context.Context, opts LoadOptions) (Model, error) {
	return f(ctx, opts)
}

// ModelStatus is the result of CheckModel
type ModelStatus struct {
	Path  string
	Found bool
	Size  int64
}

func (s ModelStatus) String() string {
	if s.Found {
		return "found"
	}
	return "not found"
}

// CheckModel reports whether the model file exists without loading it.
// A missing model is a status, not an error; the error result is only set
// for unexpected stat failures.
func CheckModel(path string) (ModelStatus, error) {
	status := ModelStatus{Path: path}
	if path == "" {
		return status, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return status, nil
	}
	status.Found = true
	status.Size = info.Size()
	return status, nil
}

// ResolveWindow reconciles the window size configured by the caller with
// the static input size of the model.
func ResolveWindow(model Model, configured models.Dims) (models.Dims, error) {
	static := model.WindowSize()
	switch {
	case static.Positive() && configured.Positive() && static != configured:
		return models.Dims{}, fmt.Errorf("%w: model input %s, configured window %s", ErrShapeMismatch, static, configured)
	case static.Positive():
		return static, nil
	case configured.Positive():
		return configured, nil
	default:
		return models.Dims{}, fmt.Errorf("%w: model has dynamic input and no window size is configured", ErrShapeMismatch)
	}
}
