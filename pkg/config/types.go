package config

import (
	"fmt"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Manifest is a declarative list of entities to deploy.
type Manifest struct {
	// Name labels the manifest in logs. Optional.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Entities are deployed in declaration order, subject to dependencies.
	Entities []Entity `json:"entities" yaml:"entities" validate:"required,min=1,dive"`

	// Source is the file or directory the manifest was loaded from.
	Source string `json:"-" yaml:"-"`
}

// Entity is one manifest entry.
type Entity struct {
	Name            string   `json:"name" yaml:"name" validate:"required"`
	Artifact        string   `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	ConstructorArgs []any    `json:"constructorArgs,omitempty" yaml:"constructorArgs,omitempty"`
	InitArgs        []any    `json:"initArgs,omitempty" yaml:"initArgs,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive,required"`
	Actions         []Action `json:"actions,omitempty" yaml:"actions,omitempty" validate:"dive"`
	WrapWithPointer bool     `json:"wrapWithPointer,omitempty" yaml:"wrapWithPointer,omitempty"`
	Allow           bool     `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// Action is a post-initialization call.
type Action struct {
	Target  string `json:"target" yaml:"target" validate:"required"`
	Command string `json:"command" yaml:"command" validate:"required"`
	Args    []any  `json:"args,omitempty" yaml:"args,omitempty"`
}

// Specs converts the manifest to engine entity specs.
func (m *Manifest) Specs() []engine.EntitySpec {
	specs := make([]engine.EntitySpec, 0, len(m.Entities))
	for _, e := range m.Entities {
		spec := engine.EntitySpec{
			Name:            e.Name,
			Artifact:        e.Artifact,
			ConstructorArgs: e.ConstructorArgs,
			InitArgs:        e.InitArgs,
			Dependencies:    e.Dependencies,
			WrapWithPointer: e.WrapWithPointer,
			Allow:           e.Allow,
		}
		for _, a := range e.Actions {
			spec.Actions = append(spec.Actions, engine.Action{Target: a.Target, Command: a.Command, Args: a.Args})
		}
		specs = append(specs, spec)
	}
	return specs
}

// Entity returns the entry named name.
func (m *Manifest) Entity(name string) (Entity, bool) {
	for _, e := range m.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// ValidationError represents a manifest error with its source location.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path within the manifest.
	Path string `json:"path,omitempty"`

	// Message describes the error.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects every problem found in a manifest.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	msg := fmt.Sprintf("%d manifest errors:", len(v))
	for _, e := range v {
		msg += "\n  " + e.Error()
	}
	return msg
}
