package segmentation

import (
	"errors"
	"fmt"

	"footseg/pkg/inference"
)

var (
	// ErrInvalidParams is returned for run parameters outside their range.
	ErrInvalidParams = errors.New("invalid segmentation parameters")

	// ErrEmptyInput is returned for nil or degenerate volumes. It is
	// checked before tiling.
	ErrEmptyInput = errors.New("empty input volume")

	ErrModelNotFound          = inference.ErrModelNotFound
	ErrModelLoad              = inference.ErrModelLoad
	ErrAcceleratorUnavailable = inference.ErrAcceleratorUnavailable
	ErrShapeMismatch          = inference.ErrShapeMismatch
)

// RunError is returned for every fatal failure of a run. It records the
// state the run was in and unwraps to the underlying error kind.
type RunError struct {
	State State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("segmentation failed during %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
