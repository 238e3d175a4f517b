// Package storepb defines the wire-shape types persisted inside a
// flowstore container. It plays the role biopb plays for the PAM format:
// a small, hand-written set of structs describing what is actually on
// disk, without pulling in a protobuf toolchain this module has no way to
// invoke.
package storepb

// ElemType enumerates the scalar element types a Dataset's rows may hold.
// A Dataset's row is ElemWidth bytes of one of these, repeated ElemCount
// times (ElemCount>1 for fixed-size vector columns such as {start,stop}).
type ElemType uint8

const (
	Int8 ElemType = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Bytes // fixed-width opaque blob, e.g. a small struct packed by the caller
)

// Width returns the byte width of one scalar element of typ, or 0 for
// Bytes (whose width is caller-defined via DatasetHeader.ElemWidth).
func (typ ElemType) Width() int {
	switch typ {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// DatasetHeader describes the row layout of a `<name>/data` dataset.
type DatasetHeader struct {
	ElemType  ElemType
	ElemWidth int32 // bytes per scalar; for Bytes this is the row width directly
	ElemCount int32 // scalars per row (1 for a plain column, >1 for e.g. (x,y))
}

// RowWidth returns the number of bytes one row of this dataset occupies.
func (h DatasetHeader) RowWidth() int {
	if h.ElemType == Bytes {
		return int(h.ElemWidth)
	}
	return h.ElemType.Width() * int(h.ElemCount)
}

// RefRow is one row of a `<parent>/ref/<child>/ref` reference table: a
// pair of row indices, one into each of the two referenced datasets. The
// original store used unsigned 32-bit columns; kept here unchanged.
type RefRow struct {
	Col0 uint32
	Col1 uint32
}

// RegionRow is one row of a `.../ref_region` table: the half-open [Start,
// Stop) slice of the sibling reference table belonging to one row of the
// owning dataset. Signed 64-bit per spec (Open Question resolved in
// SPEC_FULL.md §4, item 3).
type RegionRow struct {
	Start int64
	Stop  int64
}

// Empty reports whether the region has no entries (Start == Stop), the
// sentinel the widening algorithm in package datamgr treats as "untouched".
func (r RegionRow) Empty() bool { return r.Start == r.Stop }
