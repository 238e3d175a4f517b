package source

import (
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestIteratorStriping(t *testing.T) {
	// 3 workers, chunk size 10, range [0,100): rank 0 gets [0,10),[30,40),...
	it0, err := NewIterator(0, 3, Options{ChunkSize: 10, Start: 0, Stop: 100})
	expect.NoError(t, err)
	var got []Slice
	for {
		s := it0.Next()
		if s.IsEmpty() {
			break
		}
		got = append(got, s)
	}
	want := []Slice{{0, 10}, {30, 40}, {60, 70}, {90, 100}}
	expect.EQ(t, len(got), len(want))
	for i := range want {
		expect.EQ(t, got[i], want[i])
	}

	it1, err := NewIterator(1, 3, Options{ChunkSize: 10, Start: 0, Stop: 100})
	expect.NoError(t, err)
	expect.EQ(t, it1.Next(), Slice{10, 20})
}

func TestIteratorExhaustionReturnsEmpty(t *testing.T) {
	it, err := NewIterator(0, 1, Options{ChunkSize: 10, Start: 0, Stop: 5})
	expect.NoError(t, err)
	expect.EQ(t, it.Next(), Slice{0, 5})
	expect.True(t, it.Next().IsEmpty(), "second call past the dataset end should return Empty")
	expect.True(t, it.Next().IsEmpty(), "repeated calls past exhaustion should keep returning Empty")
}

func TestIteratorRejectsNonPositiveSize(t *testing.T) {
	_, err := NewIterator(0, 0, Options{})
	expect.NotNil(t, err)
}

func TestChunkContaining(t *testing.T) {
	it, err := NewIterator(0, 1, Options{ChunkSize: 10, Start: 0, Stop: 30})
	expect.NoError(t, err)
	// Drain first: ChunkContaining reads the set NewIterator precomputed,
	// so it is unaffected by how far Next has advanced.
	for !it.Next().IsEmpty() {
	}

	s, ok := it.ChunkContaining(15)
	expect.True(t, ok, "ChunkContaining(15) should find a covering chunk")
	expect.EQ(t, s, Slice{10, 20})

	_, ok = it.ChunkContaining(35)
	expect.False(t, ok, "ChunkContaining(35) should miss, range ends at 30")
}

func TestNumChunks(t *testing.T) {
	it, err := NewIterator(0, 2, Options{ChunkSize: 5, Start: 0, Stop: 17})
	expect.NoError(t, err)
	expect.EQ(t, it.NumChunks(), 2)
}
