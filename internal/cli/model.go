package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"footseg/internal/telemetry"
	"footseg/pkg/inference"
)

// NewModelCmd creates the model command group.
func NewModelCmd(configFn ConfigFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect the segmentation model",
	}

	cmd.AddCommand(
		newModelStatusCmd(configFn, outputFn),
		newModelInspectCmd(configFn, outputFn),
	)

	return cmd
}

// modelStatus is the JSON form of model status
type modelStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Size   int64  `json:"size"`
}

func statusLabel(s inference.ModelStatus) string {
	if s.Found {
		return "Found"
	}
	return "Not Found"
}

func newModelStatusCmd(configFn ConfigFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the model file is present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFn()
			if err != nil {
				return err
			}

			status, err := inference.CheckModel(cfg.ModelPath())
			if err != nil {
				return err
			}

			outputFn(cmd).Print(
				[]string{"PATH", "STATUS", "SIZE"},
				[][]string{{status.Path, statusLabel(status), strconv.FormatInt(status.Size, 10)}},
				modelStatus{Path: status.Path, Status: statusLabel(status), Size: status.Size},
			)
			return nil
		},
	}
}

// modelInfo is the JSON form of model inspect
type modelInfo struct {
	Path     string `json:"path"`
	Device   string `json:"device"`
	Window   string `json:"window"`
	Classes  int    `json:"classes"`
	Fallback string `json:"fallback,omitempty"`
}

func newModelInspectCmd(configFn ConfigFunc, outputFn OutputFunc) *cobra.Command {
	var useGPU bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load the model and print its input size and classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFn()
			if err != nil {
				return err
			}
			logger := telemetry.SetupLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

			provider := NewProvider(cfg, logger)
			defer provider.Close()

			acq, err := provider.Acquire(cmd.Context(), useGPU)
			if err != nil {
				return err
			}
			window, err := inference.ResolveWindow(acq.Model, windowSize(cfg))
			if err != nil {
				return err
			}

			info := modelInfo{
				Path:    cfg.ModelPath(),
				Device:  acq.Actual.String(),
				Window:  window.String(),
				Classes: acq.Model.Classes(),
			}
			if acq.Fallback != nil {
				info.Fallback = acq.Fallback.Error()
			}
			outputFn(cmd).Print(
				[]string{"PATH", "DEVICE", "WINDOW", "CLASSES"},
				[][]string{{info.Path, info.Device, info.Window, strconv.Itoa(info.Classes)}},
				info,
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useGPU, "gpu", false, "Load the model on a CUDA device")

	return cmd
}
