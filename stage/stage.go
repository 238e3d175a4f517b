// Package stage defines the Stage and Generator contracts of spec.md
// §4.6, plus the build-time factory registry spec.md §9's Design Notes
// calls for in place of the original's dynamic class lookup (Python's
// getattr(module, classname) has no safe, compile-checked Go analogue,
// so stages and generators are registered by name at init() time
// instead of looked up from a string at run time).
//
// Grounding: the contract shape (Init/Run/Finish, a requirement list
// fixed at construction, resources reachable through one object instead
// of ambient globals) follows
// original_source/h5flow/core/h5_flow_stage.py's H5FlowStage base class
// and h5_flow_generator.py's H5FlowGenerator, translated from an
// inheritance-based ABC to the small-interface style
// encoding/bamprovider.Provider/Iterator use.
package stage

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowstore/datamgr"
	"github.com/grailbio/flowstore/ref"
	"github.com/grailbio/flowstore/source"
	"github.com/grailbio/flowstore/storepb"
	"github.com/grailbio/flowstore/worldgroup"
)

// Requirement is one entry of a stage's declared requirement list,
// normalized per spec.md §4.5: a cache key name, the dereference chain
// path it is loaded from, and whether only indices (not full rows) are
// wanted.
type Requirement struct {
	Name        string
	Path        []string
	IndicesOnly bool
}

// Resources is the explicit "process-wide resources" object spec.md §9
// calls for in place of ambient global state: every Stage and Generator
// method receives one, rather than reaching for package-level globals.
// Shared holds spec.md §4.5's resource bag — the zero-or-more named
// singletons (e.g. a shared geometry file, a calibration table) stages
// reach by name, distinct from Data/World which every run always has.
type Resources struct {
	Data   *datamgr.Manager
	World  *worldgroup.World
	Shared map[string]Resource
}

func (r *Resources) Rank() int {
	if r.World == nil {
		return 0
	}
	return r.World.Rank()
}

func (r *Resources) Size() int {
	if r.World == nil {
		return 1
	}
	return r.World.Size()
}

// Cache is the heterogeneous per-iteration cache of spec.md §9: a tagged
// variant keyed by requirement name, populated by the controller from
// each stage's declared requirements before Run is called.
type Cache struct {
	values map[string]interface{}
}

func NewCache() *Cache { return &Cache{values: map[string]interface{}{}} }

func (c *Cache) Get(name string) (interface{}, bool) {
	v, ok := c.values[name]
	return v, ok
}

func (c *Cache) Set(name string, value interface{}) { c.values[name] = value }

// Trim keeps only the entries named in keep, implementing spec.md §4.5's
// "cache is trimmed to the union of requirements for stages 1..k before
// loading missing entries" rule.
func (c *Cache) Trim(keep map[string]bool) {
	for k := range c.values {
		if !keep[k] {
			delete(c.values, k)
		}
	}
}

// CacheValue is the tagged variant spec.md §9's Design Notes call for in
// place of a dtype-specific cache slot: Unresolved marks a requirement
// the controller could not load (the soft RequirementUnresolved case — a
// stage must check this before touching Rows/Chain), Rows is the
// direct-load case (a length-1 requirement path, sliced straight from a
// dataset by the source slice), and Chain is the dereference_chain case
// (a length>1 path).
type CacheValue struct {
	Unresolved bool
	Rows       []byte
	Header     storepb.DatasetHeader
	Chain      *ref.ChainResult
}

// Stage is spec.md §4.6's Stage Contract.
type Stage interface {
	// Requirements returns the requirement list the stage was built with
	// (see Factory). Package flow loads requirements from the list it
	// parsed from config and does not call this method.
	Requirements() []Requirement
	Init(ctx context.Context, res *Resources, sourceName string) error
	Run(ctx context.Context, res *Resources, sourceName string, sourceSlice source.Slice, cache *Cache) error
	Finish(ctx context.Context, res *Resources, sourceName string) error
}

// Generator is spec.md §4.6's Generator Contract — the iteration source
// of a run: either the class a workflow config's generator block names,
// or the DatasetLoopGenerator config.ResolveGenerator falls back to.
type Generator interface {
	Init(ctx context.Context, res *Resources) error
	Next(ctx context.Context) (source.Slice, error)
	Finish(ctx context.Context, res *Resources) error
}

// Resource is one named singleton of spec.md §4.5's resource bag: it
// initializes once before the run loop starts and finishes once after it
// ends, same as a Stage but with no per-chunk Run hook of its own.
type Resource interface {
	Init(ctx context.Context, res *Resources, sourceName string) error
	Finish(ctx context.Context, res *Resources, sourceName string) error
}

// ResourceFactory builds a Resource from its config parameter bag.
type ResourceFactory func(params map[string]interface{}) (Resource, error)

// Factory builds a Stage from its workflow-config parameter bag (spec.md
// §9's "keyword-parameter bags" — an untyped map the stage itself
// interprets, since the config layer has no per-stage schema) plus its
// already-normalized requirement list (spec.md §4.6: requires is one of
// the stage's own immutable fields, fixed at construction time rather
// than queried back out of config by the controller).
type Factory func(params map[string]interface{}, requires []Requirement) (Stage, error)

// GeneratorFactory builds a Generator the same way; generators have no
// requirement list of their own (they manufacture the source slice
// directly rather than reading cache entries).
type GeneratorFactory func(params map[string]interface{}) (Generator, error)

var (
	stageRegistry     = map[string]Factory{}
	generatorRegistry = map[string]GeneratorFactory{}
	resourceRegistry  = map[string]ResourceFactory{}
)

// Register adds a named stage factory to the build-time registry. Stage
// implementations call this from an init() function, the way a new
// workflow stage package would register itself once and for all at
// compile time rather than being discovered dynamically at run time.
func Register(name string, f Factory) { stageRegistry[name] = f }

// RegisterGenerator adds a named generator factory.
func RegisterGenerator(name string, f GeneratorFactory) { generatorRegistry[name] = f }

// RegisterResource adds a named resource factory.
func RegisterResource(name string, f ResourceFactory) { resourceRegistry[name] = f }

// Lookup resolves a stage class name from a workflow config to its
// factory.
func Lookup(name string) (Factory, error) {
	f, ok := stageRegistry[name]
	if !ok {
		return nil, errors.E(errors.Invalid, "stage.Lookup: unregistered stage class", name)
	}
	return f, nil
}

// LookupGenerator resolves a generator class name.
func LookupGenerator(name string) (GeneratorFactory, error) {
	f, ok := generatorRegistry[name]
	if !ok {
		return nil, errors.E(errors.Invalid, "stage.LookupGenerator: unregistered generator class", name)
	}
	return f, nil
}

// LookupResource resolves a resource class name.
func LookupResource(name string) (ResourceFactory, error) {
	f, ok := resourceRegistry[name]
	if !ok {
		return nil, errors.E(errors.Invalid, "stage.LookupResource: unregistered resource class", name)
	}
	return f, nil
}
