package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Acquisition describes the outcome of negotiating a device for a run.
type Acquisition struct {
	Model     Model
	Requested Device
	Actual    Device

	// Fallback is set when the requested accelerator could not be used and
	// the model runs on the CPU instead. It carries the loader's reason.
	Fallback error
}

// Degraded reports whether the model runs on a different device than requested.
func (a Acquisition) Degraded() bool {
	return a.Requested != a.Actual
}

// Provider owns the loaded model. The model is loaded on first use and
// reused by every later call; failed loads are retried on the next call.
// It is safe for concurrent use.
type Provider struct {
	loader Loader
	opts   LoadOptions
	logger *slog.Logger

	mu       sync.Mutex
	loaded   map[Device]Model
	fallback map[Device]error
}

// NewProvider creates a provider that loads the model described by opts.
// opts.Device is ignored; the device is chosen per Acquire call.
func NewProvider(loader Loader, opts LoadOptions, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		loader:   loader,
		opts:     opts,
		logger:   logger,
		loaded:   make(map[Device]Model),
		fallback: make(map[Device]error),
	}
}

// Status reports whether the model file is present.
func (p *Provider) Status() (ModelStatus, error) {
	return CheckModel(p.opts.Path)
}

// Acquire returns the model, loading it if needed. When useAccelerator is
// set the provider first tries CUDA and degrades to the CPU if the loader
// reports ErrAcceleratorUnavailable.
func (p *Provider) Acquire(ctx context.Context, useAccelerator bool) (Acquisition, error) {
	requested := CPU
	if useAccelerator {
		requested = CUDA
	}

	status, err := p.Status()
	if err != nil {
		return Acquisition{}, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if !status.Found {
		return Acquisition{}, fmt.Errorf("%w: %q", ErrModelNotFound, p.opts.Path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.loaded[requested]; ok {
		return Acquisition{Model: m, Requested: requested, Actual: m.Device(), Fallback: p.fallback[requested]}, nil
	}

	m, err := p.load(ctx, requested)
	if err == nil {
		p.loaded[requested] = m
		return Acquisition{Model: m, Requested: requested, Actual: m.Device()}, nil
	}
	if requested == CPU || !errors.Is(err, ErrAcceleratorUnavailable) {
		return Acquisition{}, p.loadError(err)
	}

	p.logger.Warn("accelerator unavailable, falling back to cpu",
		"requested", requested, "error", err)
	reason := err

	cpu, ok := p.loaded[CPU]
	if !ok {
		cpu, err = p.load(ctx, CPU)
		if err != nil {
			return Acquisition{}, p.loadError(err)
		}
		p.loaded[CPU] = cpu
	}
	p.loaded[requested] = cpu
	p.fallback[requested] = reason
	return Acquisition{Model: cpu, Requested: requested, Actual: cpu.Device(), Fallback: reason}, nil
}

func (p *Provider) load(ctx context.Context, device Device) (Model, error) {
	opts := p.opts
	opts.Device = device
	p.logger.Info("loading model", "path", opts.Path, "device", device)
	m, err := p.loader.Load(ctx, opts)
	if err != nil {
		return nil, err
	}
	if m.Classes() < 1 {
		m.Close()
		return nil, fmt.Errorf("%w: model reports %d output classes", ErrShapeMismatch, m.Classes())
	}
	p.logger.Info("model loaded", "device", m.Device(), "window", m.WindowSize(), "classes", m.Classes())
	return m, nil
}

func (p *Provider) loadError(err error) error {
	if errors.Is(err, ErrModelLoad) || errors.Is(err, ErrShapeMismatch) || errors.Is(err, ErrModelNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrModelLoad, err)
}

// Close releases every loaded model. The provider can be reused afterwards
// and will load again on the next Acquire.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	seen := make(map[Model]bool)
	for d, m := range p.loaded {
		delete(p.loaded, d)
		if seen[m] {
			continue
		}
		seen[m] = true
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(p.fallback)
	return errors.Join(errs...)
}
