// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type format int

const (
	formatYAML format = iota
	formatTOML
)

type document struct {
	format format
	data   string
}

// Builder merges YAML and TOML documents, in the order they were added, over
// a base configuration. Settings missing from a document keep their value.
type Builder struct {
	docs   []document
	Config *Config
}

// Use sets the base configuration
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge adds YAML documents to be merged into the configuration
func (b *Builder) Merge(yamls ...string) *Builder {
	for _, y := range yamls {
		b.docs = append(b.docs, document{format: formatYAML, data: y})
	}
	return b
}

// MergeTOML adds TOML documents to be merged into the configuration
func (b *Builder) MergeTOML(tomls ...string) *Builder {
	for _, t := range tomls {
		b.docs = append(b.docs, document{format: formatTOML, data: t})
	}
	return b
}

// Build constructs the final configuration by merging all documents into the
// base configuration, DefaultConfig when none was set
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	var errs error
	for _, doc := range b.docs {
		additional, err := doc.decode()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}

		if err := mergo.Merge(b.Config, additional, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge config: %w", err))
			continue
		}
	}

	if errs != nil {
		return nil, errs
	}
	return b.Config, nil
}

func (d document) decode() (*Config, error) {
	cfg := &Config{}
	switch d.format {
	case formatTOML:
		if _, err := toml.Decode(d.data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(d.data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	return cfg, nil
}

// boolPtrTransformer lets an explicit false in a document override true
type boolPtrTransformer struct{}

func (t boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if src.IsNil() {
			return nil
		}
		if dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
