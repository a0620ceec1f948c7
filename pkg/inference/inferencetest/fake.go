// Package inferencetest provides in-memory models and loaders for tests.
package inferencetest

import (
	"context"
	"fmt"
	"sync"

	"footseg/internal/models"
	"footseg/pkg/inference"
)

// VoxelFunc maps one normalized input sample to the raw outputs of every class
type VoxelFunc func(v float32) []float32

// Model is a deterministic fake network applying Fn to every voxel.
type Model struct {
	Window   models.Dims
	NClasses int
	Dev      inference.Device
	Fn       VoxelFunc

	mu     sync.Mutex
	calls  int
	closed bool
}

// Identity returns a single-class model whose output equals its input.
func Identity(window models.Dims) *Model {
	return &Model{
		Window:   window,
		NClasses: 1,
		Fn:       func(v float32) []float32 { return []float32{v} },
	}
}

func (m *Model) WindowSize() models.Dims  { return m.Window }
func (m *Model) Classes() int             { return m.NClasses }
func (m *Model) Device() inference.Device { return m.Dev }

// Predict applies Fn voxel by voxel.
func (m *Model) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	n := len(input)
	out := make([]float32, m.NClasses*n)
	for i, v := range input {
		for c, p := range m.Fn(v) {
			out[c*n+i] = p
		}
	}
	return out, nil
}

// Calls returns how many times Predict ran.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Loader hands out copies of Template and records every load.
type Loader struct {
	Template *Model

	// NoAccelerator makes CUDA loads fail with ErrAcceleratorUnavailable
	NoAccelerator bool

	// Err, when set, is returned by every load
	Err error

	mu    sync.Mutex
	loads []inference.LoadOptions
}

// Load implements inference.Loader.
func (l *Loader) Load(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
	l.mu.Lock()
	l.loads = append(l.loads, opts)
	l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}
	if opts.Device == inference.CUDA && l.NoAccelerator {
		return nil, fmt.Errorf("%w: no CUDA device", inference.ErrAcceleratorUnavailable)
	}
	return &Model{
		Window:   l.Template.Window,
		NClasses: l.Template.NClasses,
		Dev:      opts.Device,
		Fn:       l.Template.Fn,
	}, nil
}

// Loads returns the options of every Load call so far.
func (l *Loader) Loads() []inference.LoadOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]inference.LoadOptions(nil), l.loads...)
}
