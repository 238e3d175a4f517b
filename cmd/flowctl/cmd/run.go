package cmd

import (
	"context"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/spf13/cobra"
	"v.io/x/lib/vlog"

	"github.com/grailbio/flowstore/config"
	"github.com/grailbio/flowstore/container"
	"github.com/grailbio/flowstore/flow"
	"github.com/grailbio/flowstore/store"

	_ "github.com/grailbio/flowstore/generator/datasetloop"
)

func runFlow(cmd *cobra.Command, args []string) error {
	ctx := vcontext.Background()

	if os.Getenv("H5FLOW_NOMPI") != "" {
		noMPI = true
	}
	size := workers
	if noMPI {
		size = 1
	}
	if outputFilename == "" {
		return errors.E(errors.Invalid, "flowctl: output_filename is required")
	}
	if inputFilename != "" && inputFilename != outputFilename {
		if err := copyStore(ctx, inputFilename, outputFilename); err != nil {
			return err
		}
	}

	for _, cfgPath := range configPaths {
		cfg, err := config.Load(ctx, cfgPath)
		if err != nil {
			return err
		}
		dropList := append(append([]string{}, dropPaths...), cfg.Flow.Drop...)
		applyPositionFlags(cfg)
		vlog.Infof("flowctl: running %s (%d workers, source %s)", cfgPath, size, cfg.Flow.Source)

		openStore := func(ctx context.Context, rank, size int) (*store.Handle, error) {
			return store.Open(ctx, store.Options{
				Rank:        rank,
				Size:        size,
				PrimaryPath: outputFilename,
				DropList:    dropList,
				Mode:        container.ModeReadWrite,
			})
		}
		if err := flow.Run(ctx, size, cfg, openStore); err != nil {
			return errors.E(errors.Fatal, err, "flowctl: workflow failed", cfgPath)
		}
	}
	return nil
}

// applyPositionFlags folds --start_position/--end_position into the
// config's generator params, overriding whatever the config itself
// declared — the CLI-level override the original's --start_position /
// --end_position flags apply uniformly regardless of which generator
// class a workflow names.
func applyPositionFlags(cfg *config.Config) {
	if startPosition == 0 && endPosition == 0 {
		return
	}
	if cfg.Generator == nil {
		cfg.Generator = &config.GeneratorSpec{Classname: "DatasetLoopGenerator", Params: map[string]interface{}{"dset_name": cfg.Flow.Source}}
	}
	if cfg.Generator.Params == nil {
		cfg.Generator.Params = map[string]interface{}{}
	}
	if startPosition != 0 {
		cfg.Generator.Params["start_position"] = int(startPosition)
	}
	if endPosition != 0 {
		cfg.Generator.Params["end_position"] = int(endPosition)
	}
}

// copyStore copies the whole input store to the output path once, before
// the first config in the chain runs — the CLI-level analogue of
// H5FlowDatasetLoopGenerator.copy(), hoisted out of the generator since
// flowctl may chain several configs against the same output file.
func copyStore(ctx context.Context, src, dst string) error {
	in, err := file.Open(ctx, src, file.Opts{})
	if err != nil {
		return errors.E(errors.Unavailable, err, "flowctl: open input_filename", src)
	}
	defer in.Close(ctx)
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(errors.Unavailable, err, "flowctl: create output_filename", dst)
	}
	if _, err := io.Copy(out.Writer(ctx), in.Reader(ctx)); err != nil {
		out.Close(ctx)
		return errors.E(errors.Unavailable, err, "flowctl: copy store", src, dst)
	}
	return out.Close(ctx)
}
