package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/flowstore/container"
)

func TestRouteWithoutDropListStaysOnPrimary(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Options{Rank: 0, Size: 1, PrimaryPath: filepath.Join(t.TempDir(), "p.flow")})
	if err != nil {
		t.Fatal(err)
	}
	c, err := h.RouteDataset(ctx, "hits")
	if err != nil {
		t.Fatal(err)
	}
	if c != h.Primary() {
		t.Error("RouteDataset with empty drop list should return the primary container")
	}
}

func TestRouteSendsMatchingPathToScratch(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Options{
		Rank:        0,
		Size:        1,
		PrimaryPath: filepath.Join(t.TempDir(), "p.flow"),
		DropList:    []string{"scratchy"},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := h.RouteDataset(ctx, "scratchy_dset")
	if err != nil {
		t.Fatal(err)
	}
	if c == h.Primary() {
		t.Error("a path matching the drop list should route to scratch, not primary")
	}
	// A second lookup for the same path must return the same container,
	// exercising the router's sharded cache.
	c2, err := h.RouteDataset(ctx, "scratchy_dset")
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c {
		t.Error("repeated routing of the same path should be stable")
	}
}

func TestRouteRefIndependentOfDatasetRouting(t *testing.T) {
	ctx := context.Background()
	// Only the ref path (parent/ref/child) contains the drop-listed
	// substring; neither dataset name does.
	h, err := Open(ctx, Options{
		Rank:        0,
		Size:        1,
		PrimaryPath: filepath.Join(t.TempDir(), "p.flow"),
		DropList:    []string{"a/ref/b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	refC, err := h.RouteRef(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if refC == h.Primary() {
		t.Error("ref table path matching the drop list should route to scratch")
	}
	dsetC, err := h.RouteDataset(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if dsetC != h.Primary() {
		t.Error("dataset a's own path does not match the drop list and should stay on primary")
	}
}

func TestFinishDiscardsScratchButKeepsPrimary(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.flow")
	h, err := Open(ctx, Options{
		Rank:        0,
		Size:        1,
		PrimaryPath: path,
		DropList:    []string{"drop"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.RouteDataset(ctx, "drop_me"); err != nil {
		t.Fatal(err)
	}
	if err := h.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, Options{Rank: 1, Size: 1, PrimaryPath: path, Mode: container.ModeReadOnly})
	if err != nil {
		t.Fatal(err)
	}
	exists, err := reopened.Primary().DatasetExists("drop_me")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("a dataset routed to scratch must not survive in the primary container after Finish")
	}
}

func TestRankAndSize(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Options{Rank: 2, Size: 4, PrimaryPath: filepath.Join(t.TempDir(), "p.flow")})
	if err != nil {
		t.Fatal(err)
	}
	if h.Rank() != 2 || h.Size() != 4 {
		t.Errorf("Rank()/Size() = %d/%d, want 2/4", h.Rank(), h.Size())
	}
}
