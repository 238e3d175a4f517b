// Package worldgroup simulates the MPI-like peer-worker model spec.md §5
// describes, since Go has no native MPI bindings in this corpus. The N
// SPMD workers of a run become N goroutines fanned out by an
// errgroup.Group, the same concurrent-dispatch-plus-shared-cancellation
// mechanism a bigmachine-style executor uses to run many tasks and abort
// them all on the first fatal one; the collectives every worker needs
// (Barrier, Allgather, Broadcast) are implemented over small channel
// rendezvous points, one per logical "round" (spec.md §5: "any uncaught
// error on any worker is a fatal failure of the run" — an errgroup
// context cancellation unblocks every peer's pending collective the
// instant that happens).
package worldgroup

import (
	"context"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// World is one rank's view of the simulated SPMD group: its own identity
// plus the shared rendezvous points every rank in the group participates
// in collectively.
type World struct {
	rank, size int
	rounds     *rounds
}

// Run starts size worker goroutines, each invoked once as fn(world),
// and blocks until all complete or one returns a non-nil error — at
// which point the shared context is canceled, every other worker's
// pending or next collective call returns the context's error, and Run
// returns the first worker error, mirroring an MPI job aborting on any
// rank's failure.
func Run(ctx context.Context, size int, fn func(ctx context.Context, w *World) error) error {
	if size <= 0 {
		return errors.E(errors.Invalid, "worldgroup.Run: size must be positive", size)
	}
	r := newRounds(size)
	// Workers are fanned out the way pam.Writer.Close fans out its field
	// writers with traverse.Each, but here the fan-out must also cancel
	// every peer's pending collective the instant one worker errors (spec.md
	// §5: any uncaught worker error fails the whole run) — errgroup.Group
	// gives both the concurrent dispatch and that shared cancellation in one
	// mechanism, so it is used directly rather than layering traverse.Each
	// underneath a second cancellation path.
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			w := &World{rank: rank, size: size, rounds: r}
			return fn(gctx, w)
		})
	}
	return g.Wait()
}

func (w *World) Rank() int { return w.rank }
func (w *World) Size() int { return w.size }

// Barrier blocks until every rank has called Barrier for this round.
func (w *World) Barrier(ctx context.Context) error {
	_, err := w.rounds.exchange(ctx, w.rank, nil)
	return err
}

// Allgather exchanges one value per rank and returns all size values, in
// rank order, to every rank — the primitive reserve_data, write_ref, and
// generator termination checks are all built on in the original
// implementation (comm.allgather).
func (w *World) Allgather(ctx context.Context, value interface{}) ([]interface{}, error) {
	return w.rounds.exchange(ctx, w.rank, value)
}

// Broadcast distributes a value computed by rank 0 to every rank.
func (w *World) Broadcast(ctx context.Context, value interface{}) (interface{}, error) {
	values, err := w.rounds.exchange(ctx, w.rank, value)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// rounds implements one logical barrier/allgather "round" at a time,
// re-armed after every participant has passed through, so a World can be
// used for many sequential collectives (one per spec.md operation) over
// its lifetime.
type rounds struct {
	size int
	in   chan roundEntry
	out  []chan roundResult
}

type roundEntry struct {
	rank  int
	value interface{}
}

type roundResult struct {
	values []interface{}
	err    error
}

func newRounds(size int) *rounds {
	r := &rounds{size: size, in: make(chan roundEntry, size)}
	r.out = make([]chan roundResult, size)
	for i := range r.out {
		r.out[i] = make(chan roundResult, 1)
	}
	go r.loop()
	return r
}

func (r *rounds) loop() {
	for {
		collected := make([]roundEntry, 0, r.size)
		for len(collected) < r.size {
			e, ok := <-r.in
			if !ok {
				return
			}
			collected = append(collected, e)
		}
		values := make([]interface{}, r.size)
		for _, e := range collected {
			values[e.rank] = e.value
		}
		for _, e := range collected {
			r.out[e.rank] <- roundResult{values: values}
		}
	}
}

func (r *rounds) exchange(ctx context.Context, rank int, value interface{}) ([]interface{}, error) {
	select {
	case r.in <- roundEntry{rank: rank, value: value}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-r.out[rank]:
		return res.values, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
