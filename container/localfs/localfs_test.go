package localfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowstore/storepb"
)

func TestDatasetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int32, ElemWidth: 4, ElemCount: 1}
	if err := c.CreateDataset("hits", header); err != nil {
		t.Fatal(err)
	}
	if err := c.ResizeDataset("hits", 3); err != nil {
		t.Fatal(err)
	}
	rows := make([]byte, 3*4)
	for i := range rows {
		rows[i] = byte(i + 1)
	}
	if err := c.WriteDataset("hits", 0, rows); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadDataset("hits", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(rows) {
		t.Errorf("ReadDataset = %v, want %v", got, rows)
	}
	n, err := c.DatasetLen("hits")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("DatasetLen = %d, want 3", n)
	}
}

func TestCreateDatasetTwiceFails(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int8, ElemWidth: 1, ElemCount: 1}
	if err := c.CreateDataset("hits", header); err != nil {
		t.Fatal(err)
	}
	err = c.CreateDataset("hits", header)
	if err == nil || !errors.Is(errors.Precondition, err) {
		t.Errorf("second CreateDataset = %v, want Precondition error", err)
	}
}

func TestRefDirectionTracking(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	exists, reversed, err := c.RefExists("a", "b")
	if err != nil || !exists || reversed {
		t.Fatalf("RefExists(a,b) = %v, %v, %v, want true, false, nil", exists, reversed, err)
	}
	exists, reversed, err = c.RefExists("b", "a")
	if err != nil || !exists || !reversed {
		t.Fatalf("RefExists(b,a) = %v, %v, %v, want true, true, nil", exists, reversed, err)
	}

	if err := c.ResizeRef("a", "b", 2); err != nil {
		t.Fatal(err)
	}
	rows := []storepb.RefRow{{Col0: 0, Col1: 1}, {Col0: 1, Col1: 2}}
	if err := c.WriteRef("a", "b", 0, rows); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadRef("b", "a", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("ReadRef via reversed direction row %d = %v, want %v", i, got[i], rows[i])
		}
	}
}

func TestCreateRefOppositeDirectionConflict(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("b", "a"); err == nil {
		t.Error("CreateRef in opposite direction should fail once one direction exists")
	}
}

func TestRegionWriteReadAndResize(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ResizeRegion("a", "b", 2); err != nil {
		t.Fatal(err)
	}
	rows := []storepb.RegionRow{{Start: 0, Stop: 3}, {Start: 3, Stop: 3}}
	if err := c.WriteRegion("a", "b", 0, rows); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadRegion("a", "b", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != rows[0] || got[1] != rows[1] {
		t.Errorf("ReadRegion = %v, want %v", got, rows)
	}
	if !got[1].Empty() {
		t.Error("RegionRow{3,3} should be Empty")
	}
}

func TestDeleteGroupRemovesIncidentRefsAndAttrs(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int8, ElemWidth: 1, ElemCount: 1}
	if err := c.CreateDataset("a", header); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateDataset("b", header); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAttrs("a", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteGroup("a"); err != nil {
		t.Fatal(err)
	}
	if exists, err := c.DatasetExists("a"); err != nil || exists {
		t.Errorf("dataset a should be gone after DeleteGroup, exists=%v err=%v", exists, err)
	}
	if exists, _, err := c.RefExists("a", "b"); err != nil || exists {
		t.Errorf("ref a->b should be gone after DeleteGroup(a), exists=%v err=%v", exists, err)
	}
	attrs, err := c.GetAttrs("a")
	if err != nil || len(attrs) != 0 {
		t.Errorf("attrs for a should be empty after DeleteGroup, got %v err=%v", attrs, err)
	}
	if exists, err := c.DatasetExists("b"); err != nil || !exists {
		t.Errorf("dataset b should survive DeleteGroup(a), exists=%v err=%v", exists, err)
	}
}

func TestDeleteRefRemovesTableWithoutTouchingEitherDataset(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int8, ElemWidth: 1, ElemCount: 1}
	if err := c.CreateDataset("a", header); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateDataset("b", header); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.ResizeRegion("a", "b", 1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAttrs("a/ref/b", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	if exists, _, err := c.RefExists("a", "b"); err != nil || exists {
		t.Errorf("ref a->b should be gone after DeleteRef, exists=%v err=%v", exists, err)
	}
	if _, err := c.RegionLen("a", "b"); err == nil {
		t.Error("region a->b should be gone after DeleteRef")
	}
	if attrs, err := c.GetAttrs("a/ref/b"); err != nil || len(attrs) != 0 {
		t.Errorf("attrs for a/ref/b should be empty after DeleteRef, got %v err=%v", attrs, err)
	}
	if exists, err := c.DatasetExists("a"); err != nil || !exists {
		t.Errorf("dataset a should survive DeleteRef(a,b), exists=%v err=%v", exists, err)
	}
	if exists, err := c.DatasetExists("b"); err != nil || !exists {
		t.Errorf("dataset b should survive DeleteRef(a,b), exists=%v err=%v", exists, err)
	}
}

func TestDeleteRefMatchesEitherStorageDirection(t *testing.T) {
	ctx := context.Background()
	c, err := Create(ctx, filepath.Join(t.TempDir(), "c.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRef("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteRef("b", "a"); err != nil {
		t.Fatal(err)
	}
	if exists, _, err := c.RefExists("a", "b"); err != nil || exists {
		t.Errorf("ref a->b should be gone after DeleteRef(b,a), exists=%v err=%v", exists, err)
	}
}

func TestFlushAndReopenRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.flow")
	c, err := Create(ctx, path, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Uint64, ElemWidth: 8, ElemCount: 1}
	if err := c.CreateDataset("hits", header); err != nil {
		t.Fatal(err)
	}
	if err := c.ResizeDataset("hits", 2); err != nil {
		t.Fatal(err)
	}
	rows := make([]byte, 16)
	for i := range rows {
		rows[i] = byte(i)
	}
	if err := c.WriteDataset("hits", 0, rows); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAttrs("hits", map[string]string{"unit": "events"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, path, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.ReadDataset("hits", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(rows) {
		t.Errorf("reopened dataset = %v, want %v", got, rows)
	}
	attrs, err := reopened.GetAttrs("hits")
	if err != nil || attrs["unit"] != "events" {
		t.Errorf("reopened attrs = %v, err=%v, want unit=events", attrs, err)
	}
}

func TestOpenMissingPathReturnsEmptyContainer(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, filepath.Join(t.TempDir(), "missing.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if exists, err := c.DatasetExists("anything"); err != nil || exists {
		t.Errorf("fresh container should report no datasets, exists=%v err=%v", exists, err)
	}
}

func TestDigestStableAcrossEquivalentState(t *testing.T) {
	ctx := context.Background()
	c1, err := Create(ctx, filepath.Join(t.TempDir(), "c1.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Create(ctx, filepath.Join(t.TempDir(), "c2.flow"), Zstd)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int8, ElemWidth: 1, ElemCount: 1}
	for _, c := range []*Container{c1, c2} {
		if err := c.CreateDataset("hits", header); err != nil {
			t.Fatal(err)
		}
		if err := c.ResizeDataset("hits", 1); err != nil {
			t.Fatal(err)
		}
		if err := c.WriteDataset("hits", 0, []byte{7}); err != nil {
			t.Fatal(err)
		}
	}
	d1, err := c1.Digest()
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c2.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if string(d1) != string(d2) {
		t.Error("two containers with identical content should produce identical digests")
	}

	if err := c2.WriteDataset("hits", 0, []byte{8}); err != nil {
		t.Fatal(err)
	}
	d2b, err := c2.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if string(d1) == string(d2b) {
		t.Error("digest should change once content diverges")
	}
}

func TestSnappyCodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scratch.flow")
	c, err := Create(ctx, path, Snappy)
	if err != nil {
		t.Fatal(err)
	}
	header := storepb.DatasetHeader{ElemType: storepb.Int8, ElemWidth: 1, ElemCount: 1}
	if err := c.CreateDataset("x", header); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(ctx, path, Snappy)
	if err != nil {
		t.Fatal(err)
	}
	if exists, err := reopened.DatasetExists("x"); err != nil || !exists {
		t.Errorf("dataset x should survive snappy round trip, exists=%v err=%v", exists, err)
	}
}
