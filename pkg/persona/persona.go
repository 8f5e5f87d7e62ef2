// Package persona loads agent persona definitions and answers the policy
// questions the handoff dispatcher asks: is a target valid, what are its
// persisted defaults, and which safe candidates remain when it is not.
package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Visibility controls whether a persona may be targeted by a handoff.
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityHidden Visibility = "hidden"
)

// Defaults are the persisted per-agent option defaults. They take precedence
// over options inherited from a prior turn.
type Defaults struct {
	Model         string              `yaml:"model,omitempty"`
	ThinkingLevel proto.ThinkingLevel `yaml:"thinking_level,omitempty"`
	ToolPolicy    proto.ToolPolicy    `yaml:"tool_policy,omitempty"`
	Instructions  string              `yaml:"instructions,omitempty"`
}

// Empty reports whether no defaults are set.
func (d *Defaults) Empty() bool {
	return d == nil || (d.Model == "" && d.ThinkingLevel == "" && d.ToolPolicy == "" && d.Instructions == "")
}

// Persona is one agent definition.
type Persona struct {
	Name       string     `yaml:"name"`
	Visibility Visibility `yaml:"visibility"`
	Available  bool       `yaml:"available"`
	Editor     bool       `yaml:"editor"` // editing-capable, gates hard-restart escalation
	Defaults   *Defaults  `yaml:"defaults,omitempty"`
}

// File is the on-disk registry shape.
type File struct {
	Personas        []Persona `yaml:"personas"`
	SafetyFallbacks []string  `yaml:"safety_fallbacks"`
}

// Registry answers persona policy questions.
type Registry struct {
	personas        map[string]*Persona
	safetyFallbacks []string
	logger          *logx.Logger
}

// Load reads a YAML persona file. A missing file yields an empty registry so
// deployments without personas still run.
func Load(path string) (*Registry, error) {
	logger := logx.NewLogger("persona")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warn("persona file %s not found, handoffs will have no valid targets", path)
		return &Registry{personas: make(map[string]*Persona), logger: logger}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}

	reg := &Registry{
		personas:        make(map[string]*Persona, len(file.Personas)),
		safetyFallbacks: file.SafetyFallbacks,
		logger:          logger,
	}
	for i := range file.Personas {
		p := file.Personas[i]
		if p.Name == "" {
			return nil, fmt.Errorf("persona at index %d has no name", i)
		}
		if p.Visibility == "" {
			p.Visibility = VisibilityPublic
		}
		if _, dup := reg.personas[p.Name]; dup {
			return nil, fmt.Errorf("duplicate persona name %q", p.Name)
		}
		reg.personas[p.Name] = &p
	}
	return reg, nil
}

// NewRegistry builds a registry in memory. Tests and embedders.
func NewRegistry(personas []Persona, safetyFallbacks []string) *Registry {
	reg := &Registry{
		personas:        make(map[string]*Persona, len(personas)),
		safetyFallbacks: safetyFallbacks,
		logger:          logx.NewLogger("persona"),
	}
	for i := range personas {
		p := personas[i]
		reg.personas[p.Name] = &p
	}
	return reg
}

// Get returns a persona by name.
func (r *Registry) Get(name string) (*Persona, bool) {
	p, ok := r.personas[name]
	return p, ok
}

// Validate reports whether a persona may be handed off to.
func (r *Registry) Validate(name string) error {
	p, ok := r.personas[name]
	if !ok {
		return fmt.Errorf("unknown persona %q", name)
	}
	if p.Visibility != VisibilityPublic {
		return fmt.Errorf("persona %q is not visible", name)
	}
	if !p.Available {
		return fmt.Errorf("persona %q is not available", name)
	}
	return nil
}

// Resolve validates the requested target and, when invalid, falls back
// through the caller's previous explicit persona and then the fixed safety
// list. Returns an error when no candidate validates; callers must not guess.
func (r *Registry) Resolve(requested, previous string) (*Persona, error) {
	candidates := []string{requested}
	if previous != "" {
		candidates = append(candidates, previous)
	}
	candidates = append(candidates, r.safetyFallbacks...)

	var firstErr error
	for _, name := range candidates {
		if err := r.Validate(name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Debug("handoff candidate %q rejected: %v", name, err)
			continue
		}
		if name != requested {
			r.logger.Warn("handoff target %q invalid, falling back to %q", requested, name)
		}
		return r.personas[name], nil
	}

	return nil, fmt.Errorf("no valid handoff target for %q: %w", requested, firstErr)
}
