package inference

import "errors"

var (
	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("model file not found")

	// ErrModelLoad is returned when the model exists but cannot be loaded.
	ErrModelLoad = errors.New("model load failed")

	// ErrAcceleratorUnavailable is returned by a Loader when the requested
	// accelerator cannot be acquired. Provider recovers from it by loading
	// on the CPU.
	ErrAcceleratorUnavailable = errors.New("accelerator unavailable")

	// ErrShapeMismatch is returned when window, model input and model output
	// shapes disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
)
