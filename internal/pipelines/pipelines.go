package pipelines

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"mediaflow/internal/stage"
)

//go:embed builtin.yaml
var builtinYAML []byte

// Preset is a named stage chain with default options.
type Preset struct {
	Name        string                   `yaml:"-"`
	Description string                   `yaml:"description"`
	Stages      []string                 `yaml:"stages"`
	Options     map[string]stage.Options `yaml:"options"`
}

type document struct {
	Pipelines map[string]Preset `yaml:"pipelines"`
}

// Catalog is a set of presets keyed by name.
type Catalog struct {
	presets map[string]Preset
}

// Builtin returns the presets shipped with mediaflow.
func Builtin() *Catalog {
	catalog, err := Parse(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("pipelines: builtin presets: %v", err))
	}
	return catalog
}

// Load returns the built-in presets overlaid with those in path. An empty
// path or a missing file yields the built-ins alone.
func Load(path string) (*Catalog, error) {
	catalog := Builtin()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return catalog, nil
		}
		return nil, fmt.Errorf("read pipelines: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, preset := range extra.presets {
		catalog.presets[name] = preset
	}
	return catalog, nil
}

// Parse decodes a pipelines YAML document and validates every preset.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	catalog := &Catalog{presets: make(map[string]Preset, len(doc.Pipelines))}
	for rawName, preset := range doc.Pipelines {
		name := strings.ToLower(strings.TrimSpace(rawName))
		if name == "" {
			return nil, errors.New("pipeline with empty name")
		}
		preset.Name = name
		if err := preset.validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
		catalog.presets[name] = preset
	}
	return catalog, nil
}

// Get looks up a preset by name.
func (c *Catalog) Get(name string) (Preset, bool) {
	preset, ok := c.presets[strings.ToLower(strings.TrimSpace(name))]
	return preset, ok
}

// Names returns preset names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StageNames parses the preset's stage list.
func (p Preset) StageNames() ([]stage.Name, error) {
	out := make([]stage.Name, 0, len(p.Stages))
	for _, raw := range p.Stages {
		n, err := stage.ParseName(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// StageOptions returns the preset options keyed by stage.
func (p Preset) StageOptions() map[stage.Name]stage.Options {
	if len(p.Options) == 0 {
		return nil
	}
	out := make(map[stage.Name]stage.Options, len(p.Options))
	for raw, opts := range p.Options {
		if n, err := stage.ParseName(raw); err == nil {
			out[n] = opts
		}
	}
	return out
}

func (p Preset) validate() error {
	if len(p.Stages) == 0 {
		return errors.New("no stages")
	}
	stages, err := p.StageNames()
	if err != nil {
		return err
	}
	for raw := range p.Options {
		n, err := stage.ParseName(raw)
		if err != nil {
			return fmt.Errorf("options: %w", err)
		}
		if !slices.Contains(stages, n) {
			return fmt.Errorf("options for %s, which is not in the stage list", n)
		}
	}
	return nil
}
