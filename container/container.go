// Package container defines the binary-container contract that
// store.Handle is built on: a flat namespace of append-only typed
// datasets, (parent,child) reference tables, and per-row region indexes
// into them, plus a group-level attribute bag. This is the interface the
// rest of flowstore programs against; spec.md leaves the concrete
// container format out of scope, so package container/localfs supplies
// the one implementation this module owns and tests against.
package container

import (
	"context"

	"github.com/grailbio/flowstore/storepb"
)

// Container is a single open binary-container file (or, for a scratch
// container, one routed subset of paths within a run).
//
// All methods are safe for concurrent pointwise use (CreateDataset et al.
// are collective operations by convention of the caller, per spec.md §5,
// but the container itself does not enforce that — the caller
// serializes structural changes).
type Container interface {
	// Dataset operations, addressed by name (e.g. "hits" or "evt/hits").
	DatasetExists(name string) (bool, error)
	CreateDataset(name string, header storepb.DatasetHeader) error
	DatasetHeader(name string) (storepb.DatasetHeader, error)
	DatasetLen(name string) (int64, error)
	ResizeDataset(name string, newLen int64) error
	ReadDataset(name string, start, stop int64) ([]byte, error)
	WriteDataset(name string, start int64, rows []byte) error

	// Reference-table operations, addressed by the (parent, child) pair
	// exactly as named by the caller. RefExists/GetRef additionally report
	// which of the two canonical storage directions holds the table.
	RefExists(parent, child string) (exists bool, reversed bool, err error)
	CreateRef(parent, child string) error
	RefLen(parent, child string) (int64, error)
	ResizeRef(parent, child string, newLen int64) error
	ReadRef(parent, child string, start, stop int64) ([]storepb.RefRow, error)
	WriteRef(parent, child string, start int64, rows []storepb.RefRow) error

	// Region-table operations, always addressed in the (parent, child)
	// orientation the caller used to create the ref (no direction
	// flipping — see store/ref package docs).
	RegionLen(parent, child string) (int64, error)
	ResizeRegion(parent, child string, newLen int64) error
	ReadRegion(parent, child string, start, stop int64) ([]storepb.RegionRow, error)
	WriteRegion(parent, child string, start int64, rows []storepb.RegionRow) error

	// Attribute bag, one per group (dataset name or ref-table name).
	GetAttrs(group string) (map[string]string, error)
	SetAttrs(group string, attrs map[string]string) error

	// DeleteGroup removes dataset name (its rows and attrs) together with
	// every reference table in this container that names it as an
	// endpoint (row table, region tables and attrs). A ref-table name such
	// as "a/ref/b" matches no dataset; DeleteRef removes a ref table.
	DeleteGroup(name string) error

	// DeleteRef removes the (parent, child) reference table addressed by
	// exactly that pair — both its row table and both sides' region
	// tables and attrs — regardless of which dataset names it mentions.
	// Unlike DeleteGroup(name), which only matches a dataset name against
	// ref-table endpoints, DeleteRef is keyed the same way CreateRef is,
	// so it still finds the table when a drop list has routed it to a
	// different container than either endpoint's own dataset.
	DeleteRef(parent, child string) error

	// Digest returns a content digest of every path currently stored.
	Digest() ([]byte, error)

	// Flush persists any buffered state; Close flushes and releases the
	// underlying file handle(s).
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Mode selects how a container is opened, mirroring spec.md §4.1.
type Mode int

const (
	// ModeReadWrite opens (creating if absent) for read and write.
	ModeReadWrite Mode = iota
	// ModeReadOnly is accepted by store.Open, which opens the container
	// exactly as for ModeReadWrite: writes are not rejected, and a missing
	// path yields a fresh empty container.
	ModeReadOnly
)
