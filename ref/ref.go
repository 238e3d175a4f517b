// Package ref implements the Reference Algebra of spec.md §4.2:
// dereference and dereference_chain over the (dataset, reference table,
// region table) triples a Data Manager exposes.
//
// Grounding: the overall shape — resolve the region-table window for the
// requested selection, gather the reference rows it covers, filter to
// the rows that actually belong to each selected owner row, then fetch
// (or just index) the referenced element — follows
// original_source/h5flow/data/lib.py's dereference(). Where that
// original's vectorized numpy implementation (np.intersect1d,
// np.argsort) is ambiguous about tie-break order against spec.md's own
// prose (see DESIGN.md), spec.md's literal wording governs: matches for
// one owner row are sorted by ascending child index, with equal child
// indices kept in reference-table row order.
package ref

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowstore/storepb"
	"github.com/grailbio/flowstore/store"
)

// Options controls one dereference call.
type Options struct {
	// IndicesOnly, if true, returns the referenced row indices instead of
	// the referenced row bytes (spec.md §4.2.1's indices_only mode — used
	// internally by DereferenceChain for every hop but the last, and
	// exposed directly since callers sometimes only need positions).
	IndicesOnly bool
}

// Result is the masked-array result of one dereference: a rectangular
// (sel-row, slot) grid where Mask[i*K+j] == true means "slot empty", the
// numpy masked-array convention spec.md §3 and §4.2 both specify.
type Result struct {
	NumSel   int // len(sel)
	MaxSlots int // K, the widest per-row slot count
	RowWidth int // bytes per referenced row; 0 when IndicesOnly
	Values   []byte
	Indices  []uint32
	Mask     []bool
}

// AsRagged converts a Result into spec.md's as_masked=false alternative:
// one slice of valid slot indices per sel row, in order.
func (r *Result) AsRagged() [][]int {
	out := make([][]int, r.NumSel)
	for i := 0; i < r.NumSel; i++ {
		var row []int
		for j := 0; j < r.MaxSlots; j++ {
			if !r.Mask[i*r.MaxSlots+j] {
				row = append(row, j)
			}
		}
		out[i] = row
	}
	return out
}

type match struct {
	refPos uint32
	target uint32
}

// Dereference resolves, for each row index in sel (row indices into the
// parent dataset), the set of child-dataset rows parent->child reference
// table entries connect it to, per spec.md §4.2.1.
//
// The reference and region tables are resolved through h independently
// of the child dataset's own rows (IndicesOnly skips that second
// resolution entirely): a path naming only one of parent/child can match
// the drop list, so the ref/region tables and the child dataset's bytes
// can legitimately live in two different containers.
func Dereference(ctx context.Context, h *store.Handle, parent, child string, sel []uint32, opts Options) (*Result, error) {
	c, err := h.RouteRef(ctx, parent, child)
	if err != nil {
		return nil, err
	}
	exists, reversed, err := c.RefExists(parent, child)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.E(errors.NotExist, "ref.Dereference: no reference table", parent, child)
	}
	parentCol := 0
	if reversed {
		parentCol = 1
	}

	regionLen, err := c.RegionLen(parent, child)
	if err != nil {
		return nil, err
	}
	regions := make([]storepb.RegionRow, len(sel))
	for i, s := range sel {
		if int64(s) >= regionLen {
			continue // never referenced; region defaults to empty {0,0}
		}
		rows, err := c.ReadRegion(parent, child, int64(s), int64(s)+1)
		if err != nil {
			return nil, err
		}
		regions[i] = rows[0]
		if regions[i].Start < 0 || regions[i].Stop < 0 {
			return nil, errors.E(errors.Invalid, "ref.Dereference: negative region offset", parent, child)
		}
	}

	windowStart, windowStop := int64(-1), int64(-1)
	for _, r := range regions {
		if r.Empty() {
			continue
		}
		if windowStart == -1 || r.Start < windowStart {
			windowStart = r.Start
		}
		if r.Stop > windowStop {
			windowStop = r.Stop
		}
	}

	result := &Result{NumSel: len(sel)}
	if windowStart == -1 {
		return result, nil // nothing references any row in sel
	}

	rawRef, err := c.ReadRef(parent, child, windowStart, windowStop)
	if err != nil {
		return nil, err
	}

	selIndex := make(map[uint32][]int, len(sel)) // owner value -> positions in sel
	for i, s := range sel {
		selIndex[s] = append(selIndex[s], i)
	}

	matches := make([][]match, len(sel))
	maxSlots := 0
	for off, row := range rawRef {
		var owner, target uint32
		if parentCol == 0 {
			owner, target = row.Col0, row.Col1
		} else {
			owner, target = row.Col1, row.Col0
		}
		positions, ok := selIndex[owner]
		if !ok {
			continue
		}
		absPos := windowStart + int64(off)
		for _, i := range positions {
			if absPos < regions[i].Start || absPos >= regions[i].Stop {
				continue
			}
			matches[i] = append(matches[i], match{refPos: uint32(absPos), target: target})
		}
	}
	for i := range matches {
		sort.Slice(matches[i], func(a, b int) bool {
			ma, mb := matches[i][a], matches[i][b]
			if ma.target != mb.target {
				return ma.target < mb.target
			}
			return ma.refPos < mb.refPos
		})
		if len(matches[i]) > maxSlots {
			maxSlots = len(matches[i])
		}
	}

	result.MaxSlots = maxSlots
	result.Mask = make([]bool, len(sel)*maxSlots)
	for i := range result.Mask {
		result.Mask[i] = true
	}

	if opts.IndicesOnly {
		result.Indices = make([]uint32, len(sel)*maxSlots)
		for i, ms := range matches {
			for j, m := range ms {
				result.Indices[i*maxSlots+j] = m.target
				result.Mask[i*maxSlots+j] = false
			}
		}
		return result, nil
	}

	dc, err := h.RouteDataset(ctx, child)
	if err != nil {
		return nil, err
	}
	header, err := dc.DatasetHeader(child)
	if err != nil {
		return nil, err
	}
	width := header.RowWidth()
	result.RowWidth = width
	result.Values = make([]byte, len(sel)*maxSlots*width)
	for i, ms := range matches {
		for j, m := range ms {
			row, err := dc.ReadDataset(child, int64(m.target), int64(m.target)+1)
			if err != nil {
				return nil, err
			}
			copy(result.Values[(i*maxSlots+j)*width:], row)
			result.Mask[i*maxSlots+j] = false
		}
	}
	return result, nil
}

// DereferenceChain resolves a multi-hop chain of references, as spec.md
// §4.2.2 describes: path names a sequence of datasets
// [d0, d1, ..., dn], sel is a set of row indices into d0, and the result
// walks d0->d1->...->dn, returning a ChainResult whose Shape is
// (len(sel), K1, K2, ..., Kn) with the accumulated mask of every hop
// OR'd together — a position masked at any hop stays masked for the rest
// of the chain, the way h5_flow_manager.py's load_requirement folds its
// per-hop dref.mask into a running mask across the whole path.
func DereferenceChain(ctx context.Context, h *store.Handle, path []string, sel []uint32, opts Options) (*ChainResult, error) {
	if len(path) < 2 {
		return nil, errors.E(errors.Invalid, "ref.DereferenceChain: path needs at least 2 datasets", path)
	}
	shape := []int{len(sel)}
	curSel := sel
	mask := make([]bool, len(sel))

	var last *Result
	for hop := 0; hop < len(path)-1; hop++ {
		parent, child := path[hop], path[hop+1]
		hopOpts := Options{IndicesOnly: true}
		if hop == len(path)-2 {
			hopOpts.IndicesOnly = opts.IndicesOnly
		}
		res, err := Dereference(ctx, h, parent, child, curSel, hopOpts)
		if err != nil {
			return nil, err
		}
		shape = append(shape, res.MaxSlots)
		mask = expandMask(mask, res.Mask, res.NumSel, res.MaxSlots)
		last = res
		if hop < len(path)-2 {
			curSel = res.Indices
		}
	}

	cr := &ChainResult{Shape: shape, Mask: mask}
	if opts.IndicesOnly {
		cr.Indices = last.Indices
	} else {
		cr.RowWidth = last.RowWidth
		cr.Values = last.Values
	}
	return cr, nil
}

// expandMask ORs a running per-outer-row mask (length n) against the next
// hop's per-(row,slot) mask (length n*k), producing a new flat mask of
// length n*k where an already-masked outer row masks every one of its
// slots at the new hop too.
func expandMask(prev []bool, next []bool, n, k int) []bool {
	out := make([]bool, n*k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out[i*k+j] = prev[i] || next[i*k+j]
		}
	}
	return out
}

// ChainResult is the output of DereferenceChain: a flat Shape-described
// grid, analogous to Result but with an arbitrary number of slot
// dimensions instead of exactly one.
type ChainResult struct {
	Shape    []int
	RowWidth int
	Values   []byte
	Indices  []uint32
	Mask     []bool
}
