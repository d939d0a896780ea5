// Package config provides loading of named row-pipeline presets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelinePreset is a named, operator-maintained pipeline configuration
// that submissions can reference via config.preset instead of spelling
// out every knob inline.
type PipelinePreset struct {
	RequiredFields []string `yaml:"required_fields"`
	DedupeOn       string   `yaml:"dedupe_on"`
	DropNulls      bool     `yaml:"drop_nulls"`
	StrictMode     bool     `yaml:"strict_mode"`
	NumericField   string   `yaml:"numeric_field"`
}

type presetsFile struct {
	Presets map[string]PipelinePreset `yaml:"presets"`
}

// LoadPipelinePresets reads the presets file at path. A missing file is
// not an error; it simply means no presets are available.
func LoadPipelinePresets(path string) (map[string]PipelinePreset, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- operator-controlled config path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]PipelinePreset{}, nil
		}
		return nil, fmt.Errorf("op=config.LoadPipelinePresets: %w", err)
	}
	var f presetsFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadPipelinePresets: parse %s: %w", path, err)
	}
	if f.Presets == nil {
		f.Presets = map[string]PipelinePreset{}
	}
	return f.Presets, nil
}

// AsConfig renders the preset in the map form the pipeline consumes.
// Inline job config keys take precedence over these when merged.
func (p PipelinePreset) AsConfig() map[string]any {
	m := map[string]any{}
	if len(p.RequiredFields) > 0 {
		fields := make([]any, 0, len(p.RequiredFields))
		for _, f := range p.RequiredFields {
			fields = append(fields, f)
		}
		m["required_fields"] = fields
	}
	if p.DedupeOn != "" {
		m["dedupe_on"] = p.DedupeOn
	}
	if p.DropNulls {
		m["drop_nulls"] = true
	}
	if p.StrictMode {
		m["strict_mode"] = true
	}
	if p.NumericField != "" {
		m["numeric_field"] = p.NumericField
	}
	return m
}
