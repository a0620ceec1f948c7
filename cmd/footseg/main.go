// footseg segments foot scans with a pre-trained 3D network.
//
// Usage:
//
//	footseg [--config FILE] [--json] <command> [flags]
//
// Commands:
//
//	segment   Segment a NIfTI volume or a slice directory
//	model     Inspect the model file
//	evaluate  Compare a segmentation with a reference
//	config    Manage the configuration file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"footseg/internal/cli"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
