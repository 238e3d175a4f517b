package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grailbio/flowstore/source"
)

func TestCacheGetSetTrim(t *testing.T) {
	c := NewCache()
	c.Set("a", &CacheValue{Rows: []byte{1}})
	c.Set("b", &CacheValue{Rows: []byte{2}})

	_, ok := c.Get("a")
	assert.True(t, ok, "expected a present before Trim")

	c.Trim(map[string]bool{"a": true})
	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been trimmed")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, byte(1), v.(*CacheValue).Rows[0])
}

func TestResourcesRankSizeDefaultsWithNilWorld(t *testing.T) {
	r := &Resources{}
	assert.Equal(t, 0, r.Rank())
	assert.Equal(t, 1, r.Size())
}

type fakeStage struct {
	requires []Requirement
	ran      bool
}

func (s *fakeStage) Requirements() []Requirement { return s.requires }
func (s *fakeStage) Init(ctx context.Context, res *Resources, sourceName string) error { return nil }
func (s *fakeStage) Run(ctx context.Context, res *Resources, sourceName string, slice source.Slice, cache *Cache) error {
	s.ran = true
	return nil
}
func (s *fakeStage) Finish(ctx context.Context, res *Resources, sourceName string) error { return nil }

func TestRegisterAndLookupStage(t *testing.T) {
	want := []Requirement{{Name: "hits", Path: []string{"hits"}}}
	Register("test.fakeStage", func(params map[string]interface{}, requires []Requirement) (Stage, error) {
		return &fakeStage{requires: requires}, nil
	})
	factory, err := Lookup("test.fakeStage")
	assert.NoError(t, err)
	st, err := factory(nil, want)
	assert.NoError(t, err)
	fs := st.(*fakeStage)
	assert.Equal(t, want, fs.Requirements())
}

func TestLookupUnregisteredStageErrors(t *testing.T) {
	_, err := Lookup("test.doesNotExist")
	assert.Error(t, err)
}

func TestLookupUnregisteredGeneratorAndResourceError(t *testing.T) {
	_, err := LookupGenerator("test.noSuchGenerator")
	assert.Error(t, err)
	_, err = LookupResource("test.noSuchResource")
	assert.Error(t, err)
}
