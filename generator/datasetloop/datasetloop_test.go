package datasetloop

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/flowstore/datamgr"
	"github.com/grailbio/flowstore/stage"
	"github.com/grailbio/flowstore/storepb"
	"github.com/grailbio/flowstore/store"
)

func newResources(t *testing.T, dsetLen int64) *stage.Resources {
	t.Helper()
	ctx := context.Background()
	h, err := store.Open(ctx, store.Options{Rank: 0, Size: 1, PrimaryPath: filepath.Join(t.TempDir(), "p.flow")})
	if err != nil {
		t.Fatal(err)
	}
	m := datamgr.New(h, nil)
	header := storepb.DatasetHeader{ElemType: storepb.Int32, ElemWidth: 4, ElemCount: 1}
	if err := m.CreateDataset(ctx, "events", header); err != nil {
		t.Fatal(err)
	}
	if dsetLen > 0 {
		if _, _, err := m.ReserveData(ctx, "events", datamgr.ReserveCount(dsetLen), nil); err != nil {
			t.Fatal(err)
		}
	}
	return &stage.Resources{Data: m}
}

func TestNewRequiresDsetName(t *testing.T) {
	if _, err := New(map[string]interface{}{}); err == nil {
		t.Error("New with no dset_name should error")
	}
}

func TestGeneratorLoopsWholeDataset(t *testing.T) {
	ctx := context.Background()
	res := newResources(t, 25)
	g, err := New(map[string]interface{}{"dset_name": "events", "chunk_size": 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Init(ctx, res); err != nil {
		t.Fatal(err)
	}
	var total int64
	for {
		s, err := g.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.IsEmpty() {
			break
		}
		total += s.Stop - s.Start
	}
	if total != 25 {
		t.Errorf("total rows covered = %d, want 25", total)
	}
	if err := g.Finish(ctx, res); err != nil {
		t.Fatal(err)
	}
}

func TestGeneratorHonorsStartEndPosition(t *testing.T) {
	ctx := context.Background()
	res := newResources(t, 100)
	g, err := New(map[string]interface{}{
		"dset_name":      "events",
		"chunk_size":     10,
		"start_position": 20,
		"end_position":   40,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Init(ctx, res); err != nil {
		t.Fatal(err)
	}
	first, err := g.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Start != 20 {
		t.Errorf("first slice start = %d, want 20", first.Start)
	}
	var last = first
	for {
		s, err := g.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.IsEmpty() {
			break
		}
		last = s
	}
	if last.Stop > 40 {
		t.Errorf("generator exceeded end_position, last slice = %v", last)
	}
}

func TestGeneratorClampsEndPositionToDatasetLength(t *testing.T) {
	ctx := context.Background()
	res := newResources(t, 10)
	g, err := New(map[string]interface{}{"dset_name": "events", "chunk_size": 5, "end_position": 1000})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Init(ctx, res); err != nil {
		t.Fatal(err)
	}
	var total int64
	for {
		s, err := g.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.IsEmpty() {
			break
		}
		total += s.Stop - s.Start
	}
	if total != 10 {
		t.Errorf("total rows covered = %d, want 10 (clamped to dataset length)", total)
	}
}
