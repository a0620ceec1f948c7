package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"footseg/internal/models"
	"footseg/internal/telemetry"
	"footseg/pkg/blend"
	"footseg/pkg/config"
	"footseg/pkg/inference"
	"footseg/pkg/inference/onnxrt"
	"footseg/pkg/postprocess"
	"footseg/pkg/postprocess/cvmorph"
	"footseg/pkg/segmentation"
	"footseg/pkg/volume"
	"footseg/pkg/writer"
)

// NewSegmentCmd creates the segment command. Flags override the values
// of the configuration file.
func NewSegmentCmd(configFn ConfigFunc, outputFn OutputFunc) *cobra.Command {
	defaults := config.DefaultConfig()

	var (
		outDir          string
		modelPath       string
		threshold       float64
		overlap         float64
		useGPU          bool
		formats         []string
		intermediary    bool
		intermediaryDir string
		pixelSpacing    float64
		sliceGap        float64
		cores           int
		metricsFile     string
	)

	cmd := &cobra.Command{
		Use:   "segment INPUT",
		Short: "Segment a NIfTI volume or a directory of slices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFn()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("model") {
				cfg.Model.Path = modelPath
			}
			if flags.Changed("threshold") {
				cfg.Segmentation.Threshold = threshold
			}
			if flags.Changed("overlap") {
				cfg.Segmentation.Overlap = overlap
			}
			if flags.Changed("gpu") {
				cfg.Segmentation.UseAccelerator = useGPU
			}
			if flags.Changed("format") {
				cfg.Output.Formats = formats
			}
			if flags.Changed("save-intermediary") {
				cfg.Output.SaveIntermediaryResults = intermediary
			}
			if flags.Changed("intermediary-dir") {
				cfg.Output.IntermediaryDir = intermediaryDir
			}
			if flags.Changed("pixel-spacing") {
				cfg.Input.PixelSpacing = pixelSpacing
			}
			if flags.Changed("gap") {
				cfg.Input.SliceGap = sliceGap
			}
			if flags.Changed("cores") {
				cfg.Input.NumCores = cores
			}
			if flags.Changed("metrics-textfile") {
				cfg.Metrics.Textfile = metricsFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := telemetry.SetupLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			return runSegment(cmd.Context(), cfg, args[0], outDir, outputFn(cmd), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&outDir, "output", "o", ".", "Directory receiving the segmentation")
	flags.StringVar(&modelPath, "model", "", "Model file (default: models/"+config.DefaultModelFile+" next to the executable)")
	flags.Float64Var(&threshold, "threshold", defaults.Segmentation.Threshold, "Foreground probability threshold (0.1-0.9)")
	flags.Float64Var(&overlap, "overlap", defaults.Segmentation.Overlap, "Window overlap fraction (0.1-0.75)")
	flags.BoolVar(&useGPU, "gpu", false, "Run the model on a CUDA device, falling back to the CPU")
	flags.StringSliceVar(&formats, "format", defaults.Output.Formats, "Output formats: nifti, segments, tiff, stl")
	flags.BoolVar(&intermediary, "save-intermediary", false, "Save preview images of every stage")
	flags.StringVar(&intermediaryDir, "intermediary-dir", defaults.Output.IntermediaryDir, "Directory for intermediary results, relative to the output directory")
	flags.Float64Var(&pixelSpacing, "pixel-spacing", defaults.Input.PixelSpacing, "In-plane voxel size in mm for slice directories")
	flags.Float64Var(&sliceGap, "gap", defaults.Input.SliceGap, "Inter-slice gap in mm for slice directories")
	flags.IntVar(&cores, "cores", defaults.Input.NumCores, "Number of CPU cores used to decode slices")
	flags.StringVar(&metricsFile, "metrics-textfile", "", "Write run metrics to this file in Prometheus text format")

	return cmd
}

// segmentResult is the JSON form of a finished run
type segmentResult struct {
	Name     string               `json:"name"`
	Segments []models.Segment     `json:"segments"`
	Outputs  []string             `json:"outputs"`
	Report   *segmentation.Report `json:"report"`
}

func runSegment(ctx context.Context, cfg *config.Config, input, outDir string, out *Output, logger *slog.Logger) error {
	ctx = telemetry.WithLogger(ctx, logger)

	source, err := volume.Open(input, volume.SliceOptions{
		PixelSpacing: cfg.Input.PixelSpacing,
		SliceGap:     cfg.Input.SliceGap,
		Workers:      cfg.Input.NumCores,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	writers, err := Writers(cfg, outDir, segmentation.SegmentationName(volume.NameOf(input)))
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Textfile != "" {
		metrics = telemetry.NewMetrics()
	}

	provider := NewProvider(cfg, logger)
	defer provider.Close()

	opts := EngineOptions(cfg, provider)
	opts.Writers = writers
	opts.Metrics = metrics
	opts.Logger = logger
	if cfg.Output.SaveIntermediaryResults {
		opts.IntermediaryDir = cfg.Output.IntermediaryDir
		if !filepath.IsAbs(opts.IntermediaryDir) {
			opts.IntermediaryDir = filepath.Join(outDir, opts.IntermediaryDir)
		}
	}
	engine, err := segmentation.NewEngine(opts)
	if err != nil {
		return err
	}

	params := segmentation.Params{
		Threshold:      cfg.Segmentation.Threshold,
		Overlap:        cfg.Segmentation.Overlap,
		UseAccelerator: cfg.Segmentation.UseAccelerator,
		Progress:       out.Progress,
	}
	seg, report, err := engine.Run(ctx, source, params)
	if metrics != nil {
		if werr := metrics.WriteToTextfile(cfg.Metrics.Textfile); werr != nil {
			logger.Warn("failed to write metrics", "path", cfg.Metrics.Textfile, "error", werr)
		}
	}
	if err != nil {
		return err
	}

	rows := make([][]string, len(seg.Segments))
	for i, s := range seg.Segments {
		rows[i] = []string{
			strconv.Itoa(int(s.Label)),
			s.Name,
			strconv.Itoa(s.VoxelCount),
			strconv.FormatFloat(s.VolumeMM3, 'f', 1, 64),
		}
	}
	out.Print([]string{"LABEL", "NAME", "VOXELS", "VOLUME_MM3"}, rows, segmentResult{
		Name:     seg.Name,
		Segments: seg.Segments,
		Outputs:  report.Outputs,
		Report:   report,
	})
	out.Success(fmt.Sprintf("%s: %d files written to %s in %s", seg.Name, len(report.Outputs), outDir, report.Elapsed().Round(time.Millisecond)))
	return nil
}

// Writers maps the configured output formats to writers under outDir,
// naming every file after the segmentation.
func Writers(cfg *config.Config, outDir, name string) (writer.Set, error) {
	var set writer.Set
	for _, format := range cfg.Output.Formats {
		switch format {
		case "nifti":
			ext := ".nii"
			if cfg.Output.Compress {
				ext = ".nii.gz"
			}
			set = append(set, writer.NiftiWriter{Path: filepath.Join(outDir, name+ext)})
		case "segments":
			set = append(set, writer.SegmentsWriter{Path: filepath.Join(outDir, name+".yaml")})
		case "tiff":
			set = append(set, writer.TIFFWriter{Dir: filepath.Join(outDir, name+"_slices")})
		case "stl":
			set = append(set, writer.STLWriter{Dir: filepath.Join(outDir, name+"_surfaces")})
		default:
			return nil, fmt.Errorf("unknown output format %q", format)
		}
	}
	return set, nil
}

// Filters builds the post-processing chain enabled in cfg.
func Filters(cfg *config.Config) postprocess.Chain {
	var chain postprocess.Chain
	if cfg.Segmentation.ClosingRadius > 0 {
		chain = append(chain, cvmorph.Closing{Radius: cfg.Segmentation.ClosingRadius})
	}
	if cfg.Segmentation.FillHoles {
		chain = append(chain, cvmorph.FillHoles{})
	}
	if cfg.Segmentation.KeepLargestComponent {
		chain = append(chain, postprocess.KeepLargestComponent{})
	}
	return chain
}

// NewProvider creates the onnxruntime-backed model provider.
func NewProvider(cfg *config.Config, logger *slog.Logger) *inference.Provider {
	loader := &onnxrt.Loader{
		LibraryPath: cfg.Model.RuntimeLibrary,
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
		NumThreads:  cfg.Model.NumThreads,
	}
	return inference.NewProvider(loader, inference.LoadOptions{
		Path:       cfg.ModelPath(),
		DeviceID:   cfg.Model.DeviceID,
		WindowSize: windowSize(cfg),
		Classes:    cfg.Model.Classes,
	}, logger)
}

// EngineOptions translates cfg into engine options. Writers, metrics,
// logger and the intermediary directory are left to the caller.
func EngineOptions(cfg *config.Config, provider *inference.Provider) segmentation.Options {
	labels := make([]segmentation.Label, len(cfg.Segmentation.Labels))
	for i, l := range cfg.Segmentation.Labels {
		labels[i] = segmentation.Label{Name: l.Name, Color: l.Color}
	}
	var filter postprocess.Filter
	if chain := Filters(cfg); len(chain) > 0 {
		filter = chain
	}
	return segmentation.Options{
		Provider:          provider,
		WindowSize:        windowSize(cfg),
		Normalization:     inference.Normalization(cfg.Model.Normalization),
		Activation:        inference.Activation(cfg.Model.Activation),
		BackgroundChannel: cfg.Model.BackgroundChannel,
		Blending:          blend.Scheme(cfg.Segmentation.Blending),
		SigmaScale:        cfg.Segmentation.SigmaScale,
		PostProcess:       filter,
		Labels:            labels,
	}
}

func windowSize(cfg *config.Config) models.Dims {
	w := cfg.Model.WindowSize
	return models.Dims{X: w[0], Y: w[1], Z: w[2]}
}
