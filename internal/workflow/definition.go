package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maestro-dev/maestro/internal/errors"
)

// Definition is the declarative description of a workflow, typically
// loaded from a YAML file.
type Definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Phases      []PhaseDefinition `yaml:"phases"`
}

// PhaseDefinition describes one phase of a workflow definition.
type PhaseDefinition struct {
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description,omitempty"`
	RequiresApproval bool        `yaml:"requires_approval"`
	Agents           []AgentSpec `yaml:"agents"`
}

// ParseDefinition parses and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks the definition for structural problems: missing
// names, empty phases, unknown or cyclic intra-phase dependencies.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: workflow has no name", errors.ErrInvalidInput)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("%w: workflow %q has no phases", errors.ErrInvalidInput, d.Name)
	}

	phaseNames := make(map[string]bool, len(d.Phases))
	for i, phase := range d.Phases {
		if phase.Name == "" {
			return fmt.Errorf("%w: phase %d has no name", errors.ErrInvalidInput, i)
		}
		if phaseNames[phase.Name] {
			return fmt.Errorf("%w: duplicate phase name %q", errors.ErrInvalidInput, phase.Name)
		}
		phaseNames[phase.Name] = true

		if len(phase.Agents) == 0 {
			return fmt.Errorf("%w: phase %q has no agents", errors.ErrInvalidInput, phase.Name)
		}
		if err := validatePhaseAgents(phase); err != nil {
			return err
		}
	}
	return nil
}

// validatePhaseAgents checks one phase's agent specs: unique names,
// non-empty tasks, and an acyclic intra-phase dependency relation.
func validatePhaseAgents(phase PhaseDefinition) error {
	names := make(map[string]bool, len(phase.Agents))
	for _, spec := range phase.Agents {
		if spec.Name == "" {
			return fmt.Errorf("%w: phase %q has an agent with no name", errors.ErrInvalidInput, phase.Name)
		}
		if names[spec.Name] {
			return fmt.Errorf("%w: phase %q has duplicate agent name %q", errors.ErrInvalidInput, phase.Name, spec.Name)
		}
		names[spec.Name] = true
		if spec.Type == "" {
			return fmt.Errorf("%w: agent %q in phase %q has no type", errors.ErrInvalidInput, spec.Name, phase.Name)
		}
		if spec.Task == "" {
			return fmt.Errorf("%w: agent %q in phase %q has no task", errors.ErrInvalidInput, spec.Name, phase.Name)
		}
	}

	for _, spec := range phase.Agents {
		for _, dep := range spec.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: agent %q in phase %q depends on unknown agent %q",
					errors.ErrDependencyNotFound, spec.Name, phase.Name, dep)
			}
		}
	}

	if cyclic(phase.Agents) {
		return fmt.Errorf("%w: agents of phase %q", errors.ErrCyclicDependency, phase.Name)
	}
	return nil
}

// specTopoOrder returns the specs sorted so every spec follows its
// dependencies. Assumes the relation is acyclic (enforced by Validate).
func specTopoOrder(specs []AgentSpec) []AgentSpec {
	byName := make(map[string]AgentSpec, len(specs))
	inDegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
		inDegree[spec.Name] = len(spec.DependsOn)
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			dependents[dep] = append(dependents[dep], spec.Name)
		}
	}

	// Seed in declaration order for deterministic output.
	var queue []string
	for _, spec := range specs {
		if inDegree[spec.Name] == 0 {
			queue = append(queue, spec.Name)
		}
	}

	out := make([]AgentSpec, 0, len(specs))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, byName[name])
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out
}

// cyclic detects a dependency cycle among agent specs via Kahn's
// algorithm.
func cyclic(specs []AgentSpec) bool {
	inDegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, spec := range specs {
		inDegree[spec.Name] = 0
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			inDegree[spec.Name]++
			dependents[dep] = append(dependents[dep], spec.Name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(specs)
}
