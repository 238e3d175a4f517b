// Package cmd implements the flowctl command-line surface of spec.md §6
// — out of core scope per spec.md §1 ("the top-level command-line
// driver... is an external collaborator with a stated contract"), kept
// thin: parse flags, load configs, drive package flow.
//
// Grounding: the cobra command/flag layout follows the sibling retrieved
// repo's cmd/cli/cmd/root.go; ambient process setup (grail.Init in
// main.go) follows this module's own teacher's cmd/bio-pileup/main.go.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPaths    []string
	inputFilename  string
	outputFilename string
	startPosition  int64
	endPosition    int64
	dropPaths      []string
	noMPI          bool
	workers        int
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Run a chunked, per-partition workflow over a shared store",
	Long: `flowctl drives one or more workflow configs in sequence over a shared
binary-container store, dispatching the chunked run loop across a
simulated set of SPMD peer workers.`,
	RunE: runFlow,
}

// Execute runs the root command, matching the sibling cmd/cli package's
// Execute entry point.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringSliceVar(&configPaths, "configs", nil, "workflow config paths, run in sequence; each config after the first consumes the previous one's output as its input")
	rootCmd.Flags().StringVar(&inputFilename, "input_filename", "", "input store path (copied to output_filename before the first config runs)")
	rootCmd.Flags().StringVar(&outputFilename, "output_filename", "", "output store path, shared by every config in the chain")
	rootCmd.Flags().Int64Var(&startPosition, "start_position", 0, "first row of the source dataset to process")
	rootCmd.Flags().Int64Var(&endPosition, "end_position", 0, "row to stop at (0 = whole dataset)")
	rootCmd.Flags().StringSliceVar(&dropPaths, "drop", nil, "paths to route to the scratch container and discard at finish()")
	rootCmd.Flags().BoolVar(&noMPI, "nompi", false, "force single-worker mode, overridden by the H5FLOW_NOMPI environment variable")
	rootCmd.Flags().IntVar(&workers, "workers", 1, "number of simulated SPMD peer workers (this module's goroutine analogue of mpirun -n)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.MarkFlagRequired("configs")
}
