// Package cli implements the footseg command line.
//
// Commands are grouped by resource and created by factory functions
// (NewSegmentCmd, NewModelCmd, ...) that receive closures resolving the
// configuration and the output formatter once persistent flags are parsed:
//
//	footseg segment scan.nii.gz -o out/ --threshold 0.6 --gpu
//	footseg model status
//	footseg evaluate out/scan_Segmentation.nii.gz reference.nii.gz
//	footseg config init
package cli

import (
	"github.com/spf13/cobra"

	"footseg/pkg/config"
)

// ConfigFunc returns the effective configuration: the config file merged
// over the defaults, with global flag overrides applied.
type ConfigFunc func() (*config.Config, error)

// OutputFunc returns the formatter for a command.
type OutputFunc func(cmd *cobra.Command) *Output
