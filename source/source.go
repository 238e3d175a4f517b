// Package source implements the Source Iterator of spec.md §4.4: each
// worker generates its own strictly-increasing sequence of row-range
// chunks over the run's source dataset, striped round-robin across
// ranks, until it locally runs out and starts reporting the empty
// slice — the per-rank half of the collective termination protocol
// package flow drives.
//
// Grounding: the chunk-stepping formula
// (range(rank*chunkSize+start, end, size*chunkSize), each chunk
// truncated to min(i+chunkSize, end)) is
// original_source/h5flow/modules/h5_flow_dataset_loop_generator.py's
// setup_slices(), and EMPTY is that file's H5FlowGenerator.EMPTY
// sentinel. The boundary index used by ChunkContaining is
// bampair.ShardInfo's llrb.Tree + Floor lookup, generalized from
// "record position -> covering BAM shard" to "row position -> covering
// chunk".
package source

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
)

// Slice is a half-open row range [Start, Stop) into the source dataset.
type Slice struct{ Start, Stop int64 }

// Empty is the sentinel a worker reports once it has produced every
// chunk assigned to its rank — spec.md §4.4 and §5's termination rule:
// a run ends only once every rank reports Empty in the same round.
var Empty = Slice{}

func (s Slice) IsEmpty() bool { return s.Start == s.Stop }

const defaultChunkSize = 1024

// Options configures an Iterator.
type Options struct {
	// ChunkSize is the row count per generated chunk; 0 resolves to
	// defaultChunkSize, standing in for the original's 'auto' (which
	// resolved to the container's native HDF5 chunk size — this module's
	// container has no native chunking concept, so a fixed constant plays
	// that role instead).
	ChunkSize int64
	// Start/Stop bound the source range [Start, Stop). The Iterator has no
	// access to the dataset, so Stop is not resolved from its length: a
	// Stop <= Start yields no chunks at all.
	Start, Stop int64
}

// Iterator is one rank's view of the Source Iterator.
type Iterator struct {
	rank, size int
	chunkSize  int64
	slices     []Slice
	pos        int
	boundary   llrb.Tree
}

type boundaryKey struct {
	start int64
	slice Slice
}

func (k boundaryKey) Compare(other llrb.Comparable) int {
	o := other.(boundaryKey)
	if k.start < o.start {
		return -1
	}
	if k.start > o.start {
		return 1
	}
	return 0
}

// NewIterator precomputes rank's slice of [opts.Start, opts.Stop) for a
// world of the given size, per setup_slices()'s stepping formula.
func NewIterator(rank, size int, opts Options) (*Iterator, error) {
	if size <= 0 {
		return nil, errors.E(errors.Invalid, "source.NewIterator: size must be positive")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	it := &Iterator{rank: rank, size: size, chunkSize: chunkSize}
	for i := opts.Start + int64(rank)*chunkSize; i < opts.Stop; i += int64(size) * chunkSize {
		stop := i + chunkSize
		if stop > opts.Stop {
			stop = opts.Stop
		}
		s := Slice{Start: i, Stop: stop}
		it.slices = append(it.slices, s)
		it.boundary.Insert(boundaryKey{start: s.Start, slice: s})
	}
	return it, nil
}

// Next returns this rank's next chunk, or Empty once locally exhausted.
// Per spec.md §4.4, a caller must keep calling Next (and keep
// participating in the collective termination check) even after it
// starts returning Empty, since peers may still have chunks left.
func (it *Iterator) Next() Slice {
	if it.pos >= len(it.slices) {
		return Empty
	}
	s := it.slices[it.pos]
	it.pos++
	return s
}

// ChunkContaining finds the chunk (from this rank's own precomputed
// set) whose range covers pos, the way bampair.ShardInfo.getInfoByRecord
// finds the BAM shard covering a record's position.
func (it *Iterator) ChunkContaining(pos int64) (Slice, bool) {
	c := it.boundary.Floor(boundaryKey{start: pos})
	if c == nil {
		return Slice{}, false
	}
	bk := c.(boundaryKey)
	if pos >= bk.slice.Stop {
		return Slice{}, false
	}
	return bk.slice, true
}

// NumChunks returns the number of chunks precomputed for this rank.
func (it *Iterator) NumChunks() int { return len(it.slices) }
