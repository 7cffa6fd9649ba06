package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// manifestSchema constrains every entry of a CUE manifest.
const manifestSchema = `
#Action: {
	target:  string & !=""
	command: string & !=""
	args?: [...]
}

#Entity: {
	name:             string & !=""
	artifact?:        string
	constructorArgs?: [...]
	initArgs?:        [...]
	dependencies?:    [...string]
	actions?:         [...#Action]
	wrapWithPointer?: bool
	allow?:           bool
}
`

// CUEParser parses CUE manifests.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
	lookup func(string) (string, bool)
}

// NewCUEParser creates a new CUE parser with the built-in entity schema.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:    ctx,
		schema: ctx.CompileString(manifestSchema, cue.Filename("schema.cue")),
		lookup: os.LookupEnv,
	}
}

// Parse loads a CUE file, or every .cue file of a directory unified
// together, and decodes it into a Manifest.
func (cp *CUEParser) Parse(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.cue"))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, ValidationErrors{{File: path, Message: "no CUE files found"}}
		}
		sort.Strings(files)
	}

	var value cue.Value
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, err := cp.loadFile(file)
		if err != nil {
			return nil, err
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}

	m, err := cp.extract(value)
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// ParseInline parses CUE manifest content.
func (cp *CUEParser) ParseInline(content string) (*Manifest, error) {
	expanded, err := ExpandEnv([]byte(content), cp.lookup)
	if err != nil {
		return nil, err
	}
	val := cp.ctx.CompileBytes(expanded, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.extract(val)
}

func (cp *CUEParser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}
	expanded, err := ExpandEnv(content, cp.lookup)
	if err != nil {
		return cue.Value{}, fmt.Errorf("%s: %w", path, err)
	}

	val := cp.ctx.CompileBytes(expanded, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extract reads the manifest fields. Entities may be a list or a struct
// keyed by entity name; struct fields keep their declaration order.
func (cp *CUEParser) extract(val cue.Value) (*Manifest, error) {
	if err := val.Validate(); err != nil {
		return nil, convertCUEErrors(err)
	}

	m := &Manifest{}
	if nameVal := val.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return nil, ValidationErrors{{Path: "name", Message: err.Error()}}
		}
		m.Name = name
	}

	entitiesVal := val.LookupPath(cue.ParsePath("entities"))
	if !entitiesVal.Exists() {
		return nil, ValidationErrors{{Path: "entities", Message: "field is required"}}
	}

	var errs ValidationErrors
	switch entitiesVal.Kind() {
	case cue.ListKind:
		list, err := entitiesVal.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for i := 0; list.Next(); i++ {
			entity, err := cp.extractEntity("", list.Value())
			if err != nil {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("entities[%d]", i), Message: err.Error()})
				continue
			}
			m.Entities = append(m.Entities, entity)
		}

	case cue.StructKind:
		iter, err := entitiesVal.Fields()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			entity, err := cp.extractEntity(name, iter.Value())
			if err != nil {
				errs = append(errs, ValidationError{Path: "entities." + name, Message: err.Error()})
				continue
			}
			m.Entities = append(m.Entities, entity)
		}

	default:
		return nil, ValidationErrors{{Path: "entities", Message: fmt.Sprintf("expected list or struct, got %s", entitiesVal.Kind())}}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	if err := validateManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (cp *CUEParser) extractEntity(key string, val cue.Value) (Entity, error) {
	var entity Entity

	if key != "" && !val.LookupPath(cue.ParsePath("name")).Exists() {
		val = val.FillPath(cue.ParsePath("name"), key)
	}

	unified := cp.schema.LookupPath(cue.ParsePath("#Entity")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return entity, fmt.Errorf("%s", errors.Details(err, nil))
	}

	if err := unified.Decode(&entity); err != nil {
		return entity, fmt.Errorf("failed to decode entity: %w", err)
	}
	return entity, nil
}

// convertCUEErrors converts CUE errors to located validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(errors.Details(e, nil))}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
