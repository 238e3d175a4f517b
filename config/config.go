// Package config parses the workflow configuration of spec.md §6: a YAML
// document naming the source dataset, the ordered list of stages to run,
// and one parameter block per named stage, each interpreted by the stage
// itself (spec.md §9's "keyword-parameter bags" note — config does not
// know or validate stage-specific schemas).
//
// Grounding: flat struct-with-tags decoding is the pattern the sibling
// retrieved repo's pkg/config uses for its own nested YAML-ish config
// (mapstructure there; gopkg.in/yaml.v2 here, since this module's CLI
// layer is cobra-based rather than viper-based, and yaml.v2 is yaml.v2's
// own natural decode target without an extra config-loading framework in
// between).
package config

import (
	"context"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v2"
	"v.io/x/lib/vlog"

	"github.com/grailbio/flowstore/stage"
)

const defaultGeneratorClass = "DatasetLoopGenerator"

// FlowSection is the "flow:" block: which dataset drives iteration, the
// ordered pipeline of stage names to run against each chunk, and the
// optional drop-list of paths to route to scratch.
type FlowSection struct {
	Source string   `yaml:"source"`
	Stages []string `yaml:"stages"`
	Drop   []string `yaml:"drop"`
}

// ResourceSpec is one entry of the optional top-level "resources:" list —
// spec.md §4.5's resource bag, named singletons with their own
// init(source)/finish(source) hooks.
type ResourceSpec struct {
	Name      string                 `yaml:"name"`
	Classname string                 `yaml:"classname"`
	Params    map[string]interface{} `yaml:"params"`
}

// StageSpec is one named stage's configuration block. Requires is decoded
// as raw YAML nodes since spec.md §6 allows each entry to be either a bare
// string or a {name, path?, index_only?} mapping; ParseRequirements
// normalizes both shapes into stage.Requirement.
type StageSpec struct {
	Classname string                 `yaml:"classname"`
	Requires  []interface{}          `yaml:"requires"`
	Params    map[string]interface{} `yaml:"params"`
}

// ParseRequirements normalizes a StageSpec's raw Requires entries into
// spec.md §4.5's {name, path, indices_only} shape. A bare string entry
// "a.b.c" names both the cache key and the dot-separated dereference
// chain path (a single-component string is the length-1 path spec.md
// calls a direct load of that dataset, sliced by the source slice). A
// mapping entry gives name/path/index_only explicitly; path may itself
// be a dot-separated string or an explicit YAML sequence of names.
func ParseRequirements(raw []interface{}) ([]stage.Requirement, error) {
	reqs := make([]stage.Requirement, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			reqs = append(reqs, stage.Requirement{Name: v, Path: strings.Split(v, ".")})
		case map[interface{}]interface{}:
			var r stage.Requirement
			if name, ok := v["name"].(string); ok {
				r.Name = name
			} else {
				return nil, errors.E(errors.Invalid, "config.ParseRequirements: mapping entry missing name", v)
			}
			switch p := v["path"].(type) {
			case nil:
				r.Path = strings.Split(r.Name, ".")
			case string:
				r.Path = strings.Split(p, ".")
			case []interface{}:
				for _, e := range p {
					s, ok := e.(string)
					if !ok {
						return nil, errors.E(errors.Invalid, "config.ParseRequirements: path entries must be strings", v)
					}
					r.Path = append(r.Path, s)
				}
			default:
				return nil, errors.E(errors.Invalid, "config.ParseRequirements: unrecognized path shape", v)
			}
			if io, ok := v["index_only"].(bool); ok {
				r.IndicesOnly = io
			}
			reqs = append(reqs, r)
		default:
			return nil, errors.E(errors.Invalid, "config.ParseRequirements: unrecognized requires entry", item)
		}
	}
	return reqs, nil
}

// GeneratorSpec is the optional "generator:" block. If omitted, Config
// falls back to defaultGeneratorClass — the supplemented behavior
// h5_flow_dataset_loop_generator.py's default-generator substitution
// describes (SPEC_FULL.md §3).
type GeneratorSpec struct {
	Classname string                 `yaml:"classname"`
	Params    map[string]interface{} `yaml:"params"`
}

// Config is a fully parsed workflow configuration.
type Config struct {
	Flow      FlowSection
	Generator *GeneratorSpec
	Resources []ResourceSpec
	Stages    map[string]StageSpec
}

// Parse decodes workflow YAML already read into memory. The top level is
// a "flow" key, an optional "generator" key, an optional "resources"
// list, and any number of other keys — each of which is a stage's own
// config block. yaml.v2 has no
// clean way to decode "every other key" straight into a typed map
// alongside named fields, so the document is first decoded into an
// ordered MapSlice and split by hand.
func Parse(data []byte) (*Config, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.E(errors.Invalid, err, "config.Parse: invalid YAML")
	}
	cfg := &Config{Stages: map[string]StageSpec{}}
	for _, item := range doc {
		key, ok := item.Key.(string)
		if !ok {
			continue
		}
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "config.Parse: re-marshal", key)
		}
		switch key {
		case "flow":
			if err := yaml.Unmarshal(raw, &cfg.Flow); err != nil {
				return nil, errors.E(errors.Invalid, err, "config.Parse: flow section")
			}
		case "generator":
			var g GeneratorSpec
			if err := yaml.Unmarshal(raw, &g); err != nil {
				return nil, errors.E(errors.Invalid, err, "config.Parse: generator section")
			}
			cfg.Generator = &g
		case "resources":
			var rs []ResourceSpec
			if err := yaml.Unmarshal(raw, &rs); err != nil {
				return nil, errors.E(errors.Invalid, err, "config.Parse: resources section")
			}
			for i := range rs {
				if rs[i].Name == "" {
					rs[i].Name = rs[i].Classname
				}
			}
			cfg.Resources = rs
		default:
			var s StageSpec
			if err := yaml.Unmarshal(raw, &s); err != nil {
				return nil, errors.E(errors.Invalid, err, "config.Parse: stage section", key)
			}
			cfg.Stages[key] = s
		}
	}
	if cfg.Flow.Source == "" {
		return nil, errors.E(errors.Invalid, "config.Parse: flow.source is required")
	}
	for _, name := range cfg.Flow.Stages {
		if _, ok := cfg.Stages[name]; !ok {
			return nil, errors.E(errors.Invalid, "config.Parse: flow.stages names an undefined stage", name)
		}
	}
	return cfg, nil
}

// Load reads and parses a workflow config from path, using
// grailbio/base/file so configs can live on any scheme that package
// supports (local disk, in this module's own cmd/flowctl usage).
func Load(ctx context.Context, path string) (*Config, error) {
	f, err := file.Open(ctx, path, file.Opts{})
	if err != nil {
		return nil, errors.E(errors.Unavailable, err, "config.Load", path)
	}
	defer f.Close(ctx)
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Unavailable, err, "config.Load: read", path)
	}
	return Parse(data)
}

// ResolveGenerator returns the classname and params to construct this
// run's Generator, substituting defaultGeneratorClass (with a warning,
// matching the original's behavior) when the config omits a generator
// block entirely.
func ResolveGenerator(cfg *Config) (string, map[string]interface{}) {
	if cfg.Generator != nil {
		return cfg.Generator.Classname, cfg.Generator.Params
	}
	vlog.Infof("config: no generator block given, defaulting to %s over %s", defaultGeneratorClass, cfg.Flow.Source)
	return defaultGeneratorClass, map[string]interface{}{"dset_name": cfg.Flow.Source}
}
