// Package launch holds the worker process construction parameters.
//
// The harness treats these as opaque pass-through values: it does not
// interpret the argument list beyond detecting the single flag that
// selects native-channel transport.
package launch

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// IPCFlag is the designated argument that selects the native inter-process
// channel instead of length-prefixed stream framing.
const IPCFlag = "--use-ipc"

// Spec describes how to start a worker process.
type Spec struct {
	// Path is the worker executable.
	Path string `yaml:"path"`

	// Args is the argument list passed to the worker, excluding the
	// executable name.
	Args []string `yaml:"args,omitempty"`

	// Dir is the working directory. Empty means inherit.
	Dir string `yaml:"dir,omitempty"`

	// Env overlays the parent environment.
	Env map[string]string `yaml:"env,omitempty"`

	// UseIPC forces native-channel transport. The same selection happens
	// automatically when Args contains IPCFlag.
	UseIPC bool `yaml:"use_ipc,omitempty"`
}

// Load reads a Spec from a YAML file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read launch spec: %w", err)
	}

	return Parse(data)
}

// Parse decodes a Spec from YAML bytes.
func Parse(data []byte) (*Spec, error) {
	var spec Spec

	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse launch spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks the spec is complete enough to spawn a process.
func (s *Spec) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("launch spec: path is required")
	}

	return nil
}

// UsesIPC reports whether the worker communicates over the native channel,
// either by explicit request or because the argument list carries the
// designated flag.
func (s *Spec) UsesIPC() bool {
	return s.UseIPC || slices.Contains(s.Args, IPCFlag)
}

// Environment returns the parent environment with the spec's overrides
// applied, in KEY=VALUE form suitable for exec.Cmd. Overrides are appended
// in sorted key order so spawns are reproducible.
func (s *Spec) Environment() []string {
	env := os.Environ()

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}

	return env
}
