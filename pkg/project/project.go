// Package project reads project manifests and stores them as container
// definitions.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"gopkg.in/yaml.v3"
)

// KindProject is the only manifest kind
const KindProject = "Project"

var nameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Manifest is one `kind: Project` document
type Manifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata names the project
type Metadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Spec declares the project's containers
type Spec struct {
	Repository *Repository `yaml:"repository,omitempty"`
	Containers []Container `yaml:"containers"`
}

// Repository seeds session workspaces
type Repository struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref,omitempty"`
}

// Container declares one container definition
type Container struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Hostname  string            `yaml:"hostname,omitempty"`
	Ports     []Port            `yaml:"ports,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	DependsOn []Dependency      `yaml:"dependsOn,omitempty"`
}

// Port is an exposed container port
type Port struct {
	Name          string `yaml:"name,omitempty"`
	ContainerPort int    `yaml:"containerPort"`
	Protocol      string `yaml:"protocol,omitempty"`
}

// Dependency is an edge to another container of the project
type Dependency struct {
	Container string `yaml:"container"`
	Condition string `yaml:"condition,omitempty"`
}

// Parse decodes every YAML document in data
func Parse(data []byte) ([]*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var manifests []*Manifest
	for {
		var m Manifest
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		if m.Kind == "" && m.Metadata.Name == "" {
			continue
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}

// Validate checks the manifest's shape. Dependency cycles are reported by
// Levels, not here.
func (m *Manifest) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...interface{}) {
		errs = append(errs, &types.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if m.Kind != KindProject {
		invalid("kind", "unsupported kind %q", m.Kind)
	}
	if !nameRE.MatchString(m.Metadata.Name) {
		invalid("metadata.name", "%q must be lowercase alphanumeric with dashes", m.Metadata.Name)
	}
	if m.Spec.Repository != nil && m.Spec.Repository.URL == "" {
		invalid("spec.repository.url", "must not be empty")
	}

	names := make(map[string]bool, len(m.Spec.Containers))
	for _, c := range m.Spec.Containers {
		if names[c.Name] {
			invalid("spec.containers", "duplicate container %q", c.Name)
		}
		names[c.Name] = true
	}

	for i, c := range m.Spec.Containers {
		field := fmt.Sprintf("spec.containers[%d]", i)
		if !nameRE.MatchString(c.Name) {
			invalid(field+".name", "%q must be lowercase alphanumeric with dashes", c.Name)
		}
		if c.Image == "" {
			invalid(field+".image", "must not be empty")
		}
		seen := make(map[int]bool)
		for _, p := range c.Ports {
			if p.ContainerPort < 1 || p.ContainerPort > 65535 {
				invalid(field+".ports", "port %d out of range", p.ContainerPort)
			}
			if seen[p.ContainerPort] {
				invalid(field+".ports", "duplicate port %d", p.ContainerPort)
			}
			seen[p.ContainerPort] = true
			switch p.Protocol {
			case "", "tcp", "udp":
			default:
				invalid(field+".ports", "unknown protocol %q", p.Protocol)
			}
		}
		for _, d := range c.DependsOn {
			if !names[d.Container] {
				invalid(field+".dependsOn", "unknown container %q", d.Container)
			}
			switch types.DependencyCondition(d.Condition) {
			case "", types.ConditionStarted, types.ConditionHealthy:
			default:
				invalid(field+".dependsOn", "unknown condition %q", d.Condition)
			}
		}
	}
	return errors.Join(errs...)
}

// Build converts the manifest into a project and its container definitions.
// Definition ids are the container names.
func (m *Manifest) Build(now time.Time) (*types.Project, []*types.ContainerDefinition) {
	project := &types.Project{
		ID:        m.Metadata.Name,
		Name:      m.Metadata.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Spec.Repository != nil {
		project.Repository = &types.Repository{URL: m.Spec.Repository.URL, Ref: m.Spec.Repository.Ref}
	}

	defs := make([]*types.ContainerDefinition, 0, len(m.Spec.Containers))
	for _, c := range m.Spec.Containers {
		def := &types.ContainerDefinition{
			ID:        c.Name,
			ProjectID: project.ID,
			Name:      c.Name,
			Image:     c.Image,
			Hostname:  c.Hostname,
			Env:       c.Env,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, p := range c.Ports {
			protocol := p.Protocol
			if protocol == "" {
				protocol = "tcp"
			}
			def.Ports = append(def.Ports, &types.PortMapping{Name: p.Name, ContainerPort: p.ContainerPort, Protocol: protocol})
		}
		for _, d := range c.DependsOn {
			cond := types.DependencyCondition(d.Condition)
			if cond == "" {
				cond = types.ConditionStarted
			}
			def.DependsOn = append(def.DependsOn, &types.Dependency{ContainerID: d.Container, Condition: cond})
		}
		defs = append(defs, def)
	}
	return project, defs
}

// Levels returns the start levels of the manifest's containers, or a
// *resolver.CircularDependencyError
func (m *Manifest) Levels() ([][]string, error) {
	_, defs := m.Build(time.Now())
	return resolver.Resolve(resolver.FromDefinitions(defs))
}

// Apply validates the manifest and stores it. Definitions that are no longer
// declared are deleted. Cyclic manifests are rejected.
func Apply(store storage.Store, m *Manifest) (*types.Project, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.Levels(); err != nil {
		return nil, err
	}

	now := time.Now()
	project, defs := m.Build(now)

	existing, err := store.GetProject(project.ID)
	switch {
	case err == nil:
		project.CreatedAt = existing.CreatedAt
		if err := store.UpdateProject(project); err != nil {
			return nil, fmt.Errorf("failed to update project: %w", err)
		}
	case types.IsNotFound(err):
		if err := store.CreateProject(project); err != nil {
			return nil, fmt.Errorf("failed to create project: %w", err)
		}
	default:
		return nil, err
	}

	old, err := store.ListContainerDefinitions(project.ID)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]bool, len(defs))
	for _, def := range defs {
		declared[def.ID] = true
		if err := store.PutContainerDefinition(def); err != nil {
			return nil, fmt.Errorf("failed to store container %s: %w", def.ID, err)
		}
	}
	for _, def := range old {
		if !declared[def.ID] {
			if err := store.DeleteContainerDefinition(project.ID, def.ID); err != nil {
				return nil, fmt.Errorf("failed to delete container %s: %w", def.ID, err)
			}
		}
	}
	return project, nil
}

// Catalog applies and lists projects against a store
type Catalog struct {
	store storage.Store
}

// NewCatalog creates a catalog over store
func NewCatalog(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// ApplyYAML parses every manifest in data and applies them in order. Nothing
// is stored unless every manifest validates and resolves.
func (c *Catalog) ApplyYAML(data []byte) ([]*types.Project, error) {
	manifests, err := Parse(data)
	if err != nil {
		return nil, &types.ValidationError{Field: "manifest", Reason: err.Error()}
	}
	if len(manifests) == 0 {
		return nil, &types.ValidationError{Field: "manifest", Reason: "no project documents"}
	}
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, err := m.Levels(); err != nil {
			return nil, err
		}
	}

	projects := make([]*types.Project, 0, len(manifests))
	for _, m := range manifests {
		p, err := Apply(c.store, m)
		if err != nil {
			return projects, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// List returns every stored project
func (c *Catalog) List() ([]*types.Project, error) {
	return c.store.ListProjects()
}
