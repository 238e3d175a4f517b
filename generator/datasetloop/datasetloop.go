// Package datasetloop implements the default Generator — spec.md §4.4's
// "default iteration source", registered under the class name
// config.ResolveGenerator falls back to when a workflow omits its own
// "generator:" block.
//
// Grounding: setup_slices()'s rank*chunk_size-strided partitioning is
// original_source/h5flow/modules/h5_flow_dataset_loop_generator.py's
// H5FlowDatasetLoopGenerator, reimplemented over package source's
// Iterator instead of that file's own inline slice-list construction.
package datasetloop

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowstore/source"
	"github.com/grailbio/flowstore/stage"
)

func init() {
	stage.RegisterGenerator("DatasetLoopGenerator", New)
}

type generator struct {
	dsetName           string
	chunkSize          int64
	startPos, endPos   int64
	haveStart, haveEnd bool
	it                 *source.Iterator
}

// New builds the default generator from its params bag:
//   - dset_name (string, required): the dataset to loop over.
//   - chunk_size (int, optional): rows per chunk; omitted or 0 means
//     source's own default (standing in for the original's 'auto',
//     which resolved to the container's native chunk size).
//   - start_position / end_position (int, optional): bound the range
//     looped over; default the whole dataset.
func New(params map[string]interface{}) (stage.Generator, error) {
	name, ok := params["dset_name"].(string)
	if !ok || name == "" {
		return nil, errors.E(errors.Invalid, "datasetloop.New: dset_name is required")
	}
	g := &generator{dsetName: name}
	if v, ok := params["chunk_size"]; ok {
		n, err := toInt64(v)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "datasetloop.New: chunk_size")
		}
		g.chunkSize = n
	}
	if v, ok := params["start_position"]; ok {
		n, err := toInt64(v)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "datasetloop.New: start_position")
		}
		g.startPos, g.haveStart = n, true
	}
	if v, ok := params["end_position"]; ok {
		n, err := toInt64(v)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "datasetloop.New: end_position")
		}
		g.endPos, g.haveEnd = n, true
	}
	return g, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, errors.E(errors.Invalid, "expected an integer")
	}
}

func (g *generator) Init(ctx context.Context, res *stage.Resources) error {
	end := g.endPos
	if !g.haveEnd {
		n, err := res.Data.DatasetLen(ctx, g.dsetName)
		if err != nil {
			return err
		}
		end = n
	} else {
		n, err := res.Data.DatasetLen(ctx, g.dsetName)
		if err != nil {
			return err
		}
		if end > n {
			end = n
		}
	}
	start := int64(0)
	if g.haveStart {
		start = g.startPos
	}
	it, err := source.NewIterator(res.Rank(), res.Size(), source.Options{
		ChunkSize: g.chunkSize,
		Start:     start,
		Stop:      end,
	})
	if err != nil {
		return err
	}
	g.it = it
	return nil
}

func (g *generator) Next(ctx context.Context) (source.Slice, error) {
	return g.it.Next(), nil
}

func (g *generator) Finish(ctx context.Context, res *stage.Resources) error { return nil }
