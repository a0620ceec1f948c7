package cli

import (
	"github.com/spf13/cobra"

	"footseg/pkg/config"
)

// NewRootCmd assembles the footseg command tree.
func NewRootCmd(version string) *cobra.Command {
	var (
		configPath string
		logLevel   string
		jsonOutput bool
	)

	rootCmd := &cobra.Command{
		Use:           "footseg",
		Short:         "Sliding-window 3D segmentation of foot scans",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "footseg.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	configFn := func() (*config.Config, error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		return cfg, nil
	}
	outputFn := func(cmd *cobra.Command) *Output {
		return NewOutput(jsonOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	pathFn := func() string { return configPath }

	rootCmd.AddCommand(
		NewSegmentCmd(configFn, outputFn),
		NewModelCmd(configFn, outputFn),
		NewEvaluateCmd(outputFn),
		NewConfigCmd(pathFn, configFn, outputFn),
	)

	return rootCmd
}
