// Package flow implements the Workflow Controller of spec.md §4.5: it
// builds the data manager and stage pipeline from a parsed config,
// drives the source iterator collectively across every worker, and
// maintains the per-iteration requirement cache around each stage's
// run() hook.
//
// Grounding: the phase structure (resources.init -> iterator.init ->
// stages.init -> barrier; per-chunk trim-then-load-then-run; stages
// finish -> resources finish -> data manager finish) is
// original_source/h5flow/core/h5flow_manager.py's H5FlowManager.run(),
// translated onto worldgroup.Run's one-goroutine-per-rank model in place
// of the original's single MPI process image. The per-stage
// trim-then-load loop is that file's load_requirement/load_stage_data,
// generalized from its direct numpy/h5py calls to package ref's
// Dereference/DereferenceChain and package datamgr's ReadData.
package flow

import (
	"context"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/flowstore/config"
	"github.com/grailbio/flowstore/datamgr"
	"github.com/grailbio/flowstore/ref"
	"github.com/grailbio/flowstore/source"
	"github.com/grailbio/flowstore/stage"
	"github.com/grailbio/flowstore/store"
	"github.com/grailbio/flowstore/worldgroup"
)

// OpenStore is called once per rank to obtain that rank's store.Handle —
// the Workflow Controller does not know how a Handle is opened (local
// path, solo vs. collective mode); the caller (cmd/flowctl) supplies it.
type OpenStore func(ctx context.Context, rank, size int) (*store.Handle, error)

// Run drives the Workflow Controller across size SPMD workers, per
// spec.md §5: with size==1 every collective is a one-member worldgroup
// round that hands the rank its own value back.
func Run(ctx context.Context, size int, cfg *config.Config, open OpenStore) error {
	return worldgroup.Run(ctx, size, func(ctx context.Context, w *worldgroup.World) error {
		return runWorker(ctx, w, cfg, open)
	})
}

type pipelineStage struct {
	name     string
	st       stage.Stage
	requires []stage.Requirement
}

func runWorker(ctx context.Context, w *worldgroup.World, cfg *config.Config, open OpenStore) (runErr error) {
	h, err := open(ctx, w.Rank(), w.Size())
	if err != nil {
		return err
	}
	mgr := datamgr.New(h, w)
	res := &stage.Resources{Data: mgr, World: w, Shared: map[string]stage.Resource{}}

	for _, rs := range cfg.Resources {
		factory, err := stage.LookupResource(rs.Classname)
		if err != nil {
			return err
		}
		r, err := factory(rs.Params)
		if err != nil {
			return err
		}
		res.Shared[rs.Name] = r
	}

	genClass, genParams := config.ResolveGenerator(cfg)
	genFactory, err := stage.LookupGenerator(genClass)
	if err != nil {
		return err
	}
	gen, err := genFactory(genParams)
	if err != nil {
		return err
	}

	pipeline := make([]pipelineStage, 0, len(cfg.Flow.Stages))
	for _, name := range cfg.Flow.Stages {
		spec := cfg.Stages[name]
		factory, err := stage.Lookup(spec.Classname)
		if err != nil {
			return err
		}
		reqs, err := config.ParseRequirements(spec.Requires)
		if err != nil {
			return err
		}
		st, err := factory(spec.Params, reqs)
		if err != nil {
			return err
		}
		pipeline = append(pipeline, pipelineStage{name: name, st: st, requires: reqs})
	}

	// Init phase (spec.md §4.5 step 3): resources, then iterator, then
	// every stage, then a world barrier so no worker starts the run phase
	// ahead of a peer still setting up its own datasets/references.
	for name, r := range res.Shared {
		if err := r.Init(ctx, res, cfg.Flow.Source); err != nil {
			return errors.E(errors.Fatal, err, "flow: resource init", name)
		}
	}
	if err := gen.Init(ctx, res); err != nil {
		return errors.E(errors.Fatal, err, "flow: generator init")
	}
	for _, ps := range pipeline {
		if err := ps.st.Init(ctx, res, cfg.Flow.Source); err != nil {
			return errors.E(errors.Fatal, err, "flow: stage init", ps.name)
		}
	}
	if err := w.Barrier(ctx); err != nil {
		return err
	}

	defer func() {
		// Finish phase (spec.md §4.5 step 5) runs regardless of how the run
		// phase ended, best-effort; it only overwrites runErr if the run
		// phase itself succeeded, so a fatal run-phase error is never
		// masked by a finish-phase one.
		for i := len(pipeline) - 1; i >= 0; i-- {
			if err := pipeline[i].st.Finish(ctx, res, cfg.Flow.Source); err != nil && runErr == nil {
				runErr = err
			}
		}
		if err := gen.Finish(ctx, res); err != nil && runErr == nil {
			runErr = err
		}
		for name, r := range res.Shared {
			if err := r.Finish(ctx, res, cfg.Flow.Source); err != nil && runErr == nil {
				runErr = errors.E(err, "flow: resource finish", name)
			}
		}
		if err := h.Finish(ctx); err != nil && runErr == nil {
			runErr = err
		}
	}()

	return runLoop(ctx, w, cfg, mgr, res, gen, pipeline)
}

// runLoop is spec.md §4.5 step 4: the per-chunk run phase. Every worker
// enters the loop body the same number of times: after each Next, the
// allEmpty collective compares every rank's slice, and runLoop stops only
// once all of them are empty in the same round. A rank that runs out
// earlier keeps running its stages with an empty slice until then.
func runLoop(ctx context.Context, w *worldgroup.World, cfg *config.Config, mgr *datamgr.Manager, res *stage.Resources, gen stage.Generator, pipeline []pipelineStage) error {
	for {
		slice, err := gen.Next(ctx)
		if err != nil {
			return errors.E(errors.Fatal, err, "flow: generator next")
		}
		done, err := allEmpty(ctx, w, slice)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		cache := stage.NewCache()
		live := map[string]bool{}
		for k, ps := range pipeline {
			for _, req := range ps.requires {
				live[req.Name] = true
			}
			cache.Trim(live)
			for _, req := range ps.requires {
				if _, ok := cache.Get(req.Name); ok {
					continue
				}
				v, err := loadRequirement(ctx, mgr, cfg.Flow.Source, slice, req)
				if err != nil {
					return err
				}
				cache.Set(req.Name, v)
			}
			if err := ps.st.Run(ctx, res, cfg.Flow.Source, slice, cache); err != nil {
				return errors.E(errors.Fatal, err, "flow: stage run", pipeline[k].name)
			}
		}
	}
}

// allEmpty is spec.md §4.4/§5's collective termination check: every
// worker exchanges its next slice, and the loop only ends once every
// rank reports empty in the same round. A worker that locally exhausted
// earlier keeps calling Next (which keeps returning source.Empty) and
// keeps participating in this collective until its peers catch up.
func allEmpty(ctx context.Context, w *worldgroup.World, slice source.Slice) (bool, error) {
	values, err := w.Allgather(ctx, slice)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if !v.(source.Slice).IsEmpty() {
			return false, nil
		}
	}
	return true, nil
}

// loadRequirement resolves one stage requirement against the current
// source slice, per spec.md §4.5's requirement format: a length-1 path
// is a direct load of that dataset (assumed aligned to the source's own
// row indices), a longer path is source -> path[0] -> path[1] -> ...
// walked with ref.DereferenceChain. A missing dataset or reference is
// the soft RequirementUnresolved case (spec.md §7): logged and recorded
// as an unresolved cache value rather than aborting the run.
func loadRequirement(ctx context.Context, mgr *datamgr.Manager, sourceName string, slice source.Slice, req stage.Requirement) (*stage.CacheValue, error) {
	if len(req.Path) == 1 {
		name := req.Path[0]
		exists, err := mgr.DatasetExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			vlog.Infof("flow: requirement %s unresolved: dataset %s missing", req.Name, name)
			return &stage.CacheValue{Unresolved: true}, nil
		}
		header, err := mgr.DatasetHeader(ctx, name)
		if err != nil {
			return nil, err
		}
		rows, err := mgr.ReadData(ctx, name, slice.Start, slice.Stop)
		if err != nil {
			return nil, err
		}
		return &stage.CacheValue{Rows: rows, Header: header}, nil
	}

	fullPath := append([]string{sourceName}, req.Path...)
	h := mgr.Handle()
	exists, _, err := func() (bool, bool, error) {
		c, err := h.RouteRef(ctx, fullPath[0], fullPath[1])
		if err != nil {
			return false, false, err
		}
		return c.RefExists(fullPath[0], fullPath[1])
	}()
	if err != nil {
		return nil, err
	}
	if !exists {
		vlog.Infof("flow: requirement %s unresolved: no reference %s -> %s", req.Name, fullPath[0], fullPath[1])
		return &stage.CacheValue{Unresolved: true}, nil
	}

	sel := make([]uint32, 0, slice.Stop-slice.Start)
	for i := slice.Start; i < slice.Stop; i++ {
		sel = append(sel, uint32(i))
	}
	chain, err := ref.DereferenceChain(ctx, h, fullPath, sel, ref.Options{IndicesOnly: req.IndicesOnly})
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			vlog.Infof("flow: requirement %s unresolved: %v", req.Name, err)
			return &stage.CacheValue{Unresolved: true}, nil
		}
		return nil, err
	}
	return &stage.CacheValue{Chain: chain}, nil
}
