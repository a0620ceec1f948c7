// Package config provides configuration loading and management for footseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultModelFile is the model file name looked up next to the executable
const DefaultModelFile = "foot_segmentation.onnx"

// Label names and colors one output label
type Label struct {
	Name  string   `yaml:"name"`
	Color [3]uint8 `yaml:"color,flow"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model describes the network and how to run it
	Model struct {
		// Path to the .onnx file; empty means models/<DefaultModelFile>
		// next to the executable
		Path string `yaml:"path"`

		// RuntimeLibrary is the onnxruntime shared library; empty uses the
		// platform default name
		RuntimeLibrary string `yaml:"runtimeLibrary"`

		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`
		NumThreads int    `yaml:"numThreads"`
		DeviceID   int    `yaml:"deviceID"`

		// WindowSize (x, y, z) is used when the model input is dynamic
		WindowSize [3]int `yaml:"windowSize,flow"`

		// Classes is used when the model output channel count is dynamic
		Classes int `yaml:"classes"`

		// Normalization is zscore, minmax or none
		Normalization string `yaml:"normalization"`

		// Activation is sigmoid, softmax or none
		Activation string `yaml:"activation"`

		// BackgroundChannel marks channel 0 of a multi-class model as background
		BackgroundChannel bool `yaml:"backgroundChannel"`
	} `yaml:"model"`

	// Segmentation parameters
	Segmentation struct {
		Threshold      float64 `yaml:"threshold"`
		Overlap        float64 `yaml:"overlap"`
		UseAccelerator bool    `yaml:"useAccelerator"`

		// Blending is gaussian or uniform
		Blending   string  `yaml:"blending"`
		SigmaScale float64 `yaml:"sigmaScale"`

		KeepLargestComponent bool `yaml:"keepLargestComponent"`
		ClosingRadius        int  `yaml:"closingRadius"`
		FillHoles            bool `yaml:"fillHoles"`

		// Labels names the segments in label order, starting at label 1
		Labels []Label `yaml:"labels"`
	} `yaml:"segmentation"`

	// Input parameters for slice directories
	Input struct {
		// NumCores bounds parallel slice decoding
		NumCores int `yaml:"numCores"`

		// PixelSpacing is the in-plane voxel size in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SliceGap represents the physical distance between consecutive slices in mm
		SliceGap float64 `yaml:"sliceGap"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Formats lists the writers to run: nifti, segments, tiff, stl
		Formats []string `yaml:"formats,flow"`

		// Compress writes .nii.gz instead of .nii
		Compress bool `yaml:"compress"`

		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool   `yaml:"saveIntermediaryResults"`
		IntermediaryDir         string `yaml:"intermediaryDir"`
	} `yaml:"output"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		// Textfile, when set, receives the run metrics in Prometheus text format
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.NumThreads = runtime.NumCPU()
	cfg.Model.WindowSize = [3]int{128, 128, 128}
	cfg.Model.Classes = 1
	cfg.Model.Normalization = "zscore"
	cfg.Model.Activation = "sigmoid"

	cfg.Segmentation.Threshold = 0.5
	cfg.Segmentation.Overlap = 0.5
	cfg.Segmentation.Blending = "gaussian"
	cfg.Segmentation.SigmaScale = 0.125
	cfg.Segmentation.KeepLargestComponent = true
	cfg.Segmentation.Labels = []Label{{Name: "Foot", Color: [3]uint8{241, 214, 145}}}

	cfg.Input.NumCores = runtime.NumCPU()
	cfg.Input.PixelSpacing = 1.0
	cfg.Input.SliceGap = 1.0

	cfg.Output.Formats = []string{"nifti", "segments"}
	cfg.Output.Compress = true
	cfg.Output.IntermediaryDir = "intermediary_results"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

var validFormats = map[string]bool{"nifti": true, "segments": true, "tiff": true, "stl": true}

// Validate checks ranges and enumerations. Run parameters (threshold and
// overlap) are checked again by the engine for every run.
func (c *Config) Validate() error {
	var errs []error
	for i, n := range c.Model.WindowSize {
		if n < 0 {
			errs = append(errs, fmt.Errorf("model.windowSize[%d] = %d must not be negative", i, n))
		}
	}
	switch c.Model.Normalization {
	case "zscore", "minmax", "none", "":
	default:
		errs = append(errs, fmt.Errorf("model.normalization %q is not zscore, minmax or none", c.Model.Normalization))
	}
	switch c.Model.Activation {
	case "sigmoid", "softmax", "none", "":
	default:
		errs = append(errs, fmt.Errorf("model.activation %q is not sigmoid, softmax or none", c.Model.Activation))
	}
	switch c.Segmentation.Blending {
	case "gaussian", "uniform", "":
	default:
		errs = append(errs, fmt.Errorf("segmentation.blending %q is not gaussian or uniform", c.Segmentation.Blending))
	}
	if c.Segmentation.Blending == "gaussian" && c.Segmentation.SigmaScale <= 0 {
		errs = append(errs, fmt.Errorf("segmentation.sigmaScale must be positive"))
	}
	if c.Segmentation.ClosingRadius < 0 {
		errs = append(errs, fmt.Errorf("segmentation.closingRadius must not be negative"))
	}
	if c.Input.SliceGap < 0 || c.Input.PixelSpacing < 0 {
		errs = append(errs, fmt.Errorf("input spacing must not be negative"))
	}
	for _, f := range c.Output.Formats {
		if !validFormats[f] {
			errs = append(errs, fmt.Errorf("output.formats: unknown format %q", f))
		}
	}
	return errors.Join(errs...)
}

// ModelPath resolves the model file location.
func (c *Config) ModelPath() string {
	if c.Model.Path != "" {
		return c.Model.Path
	}
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("models", DefaultModelFile)
	}
	return filepath.Join(filepath.Dir(exe), "models", DefaultModelFile)
}
