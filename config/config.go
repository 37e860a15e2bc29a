/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the start-up configuration of kmem from YAML.
//
//	debug: false
//	gc_interval: 5s
//	segments:
//	  - name: dma
//	    size: 16MB
//	    priority: dma
//	  - name: main
//	    size: 256MB
//	    priority: normal
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cloudwego/kmem/cache/slab"
	"github.com/cloudwego/kmem/internal/logutil"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

var logger = logutil.Default()

// SetLogger replaces the package logger.
func SetLogger(l log.Logger) {
	logger = logutil.OrNop(l)
}

// Config is the start-up configuration.
type Config struct {
	// Debug creates every cache in verify mode.
	Debug bool `yaml:"debug"`

	// GCInterval is the reap period of the GC task. 0 means
	// slab.DefaultGCInterval.
	GCInterval time.Duration `yaml:"gc_interval"`

	// Segments back the buddy allocator. Without segments slabs are mapped
	// from the OS.
	Segments []Segment `yaml:"segments"`
}

// Segment describes one arena of the buddy allocator.
type Segment struct {
	Name     string            `yaml:"name"`
	Size     datasize.ByteSize `yaml:"size"`
	Priority string            `yaml:"priority"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{GCInterval: slab.DefaultGCInterval}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.GCInterval < 0 {
		return errors.Errorf("config: negative gc_interval %s", c.GCInterval)
	}
	if len(c.Segments) > malloc.MaxSegments {
		return errors.Errorf("config: %d segments, at most %d allowed", len(c.Segments), malloc.MaxSegments)
	}
	names := make(map[string]bool, len(c.Segments))
	for i, s := range c.Segments {
		if s.Name == "" {
			return errors.Errorf("config: segment %d: missing name", i)
		}
		if names[s.Name] {
			return errors.Errorf("config: segment %s: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Size < malloc.PageSize || s.Size%malloc.PageSize != 0 {
			return errors.Errorf("config: segment %s: size %s is not a positive multiple of %d bytes",
				s.Name, s.Size.HumanReadable(), malloc.PageSize)
		}
		if _, err := s.priority(); err != nil {
			return errors.Wrapf(err, "config: segment %s", s.Name)
		}
	}
	return nil
}

// priority defaults to normal.
func (s Segment) priority() (malloc.Priority, error) {
	if s.Priority == "" {
		return malloc.PriorityNormal, nil
	}
	return malloc.ParsePriority(s.Priority)
}

// LoadSegments maps an arena per segment and registers it with a.
func (c *Config) LoadSegments(a *malloc.Allocator) error {
	for _, s := range c.Segments {
		prio, err := s.priority()
		if err != nil {
			return errors.Wrapf(err, "config: segment %s", s.Name)
		}
		arena, err := malloc.NewArena(int(s.Size))
		if err != nil {
			return errors.Wrapf(err, "config: segment %s", s.Name)
		}
		if _, err := a.Load(s.Name, arena, prio); err != nil {
			return errors.Wrapf(err, "config: segment %s", s.Name)
		}
	}
	return nil
}

// Apply registers the segments with the default allocator, sets the debug
// mode and starts the GC task. It must be called once, before caches are
// created.
func (c *Config) Apply() error {
	if err := c.LoadSegments(malloc.Default()); err != nil {
		return err
	}
	slab.SetDebug(c.Debug)
	slab.StartGC(c.GCInterval)
	level.Info(logger).Log("msg", "kmem configured", "segments", len(c.Segments),
		"debug", c.Debug, "gc_interval", c.GCInterval)
	return nil
}
