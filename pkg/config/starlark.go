package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"gopkg.in/yaml.v3"
)

// DefaultStarlarkTimeout bounds the evaluation of one manifest script.
const DefaultStarlarkTimeout = 30 * time.Second

// maxStarlarkSteps bounds the work of a script independently of wall time.
const maxStarlarkSteps = 10_000_000

// StarlarkParser evaluates Starlark manifest scripts.
//
// A script defines the global entities, a list of dicts or structs with the
// fields of a manifest entry, and optionally a string global name:
//
//	core = ["AddressManager", "Storage"]
//	entities = [struct(name = n) for n in core] + [
//	    {"name": "Token", "dependencies": core, "initArgs": ["@Storage", env("TOKEN_SYMBOL", "TKN")]},
//	]
//
// env(name, default) reads the process environment. Without a default an
// undefined variable is an error. print output is discarded.
type StarlarkParser struct {
	timeout time.Duration
	lookup  func(string) (string, bool)
}

// NewStarlarkParser creates a parser. A zero timeout selects
// DefaultStarlarkTimeout.
func NewStarlarkParser(timeout time.Duration) *StarlarkParser {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkParser{
		timeout: timeout,
		lookup:  os.LookupEnv,
	}
}

// Parse evaluates the script at path.
func (sp *StarlarkParser) Parse(ctx context.Context, path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := sp.ParseSource(ctx, path, src)
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// ParseSource evaluates script content. filename is used in error positions.
func (sp *StarlarkParser) ParseSource(ctx context.Context, filename string, src []byte) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, sp.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "manifest",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("manifest evaluation stopped: %v", ctx.Err()))
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"env":    starlark.NewBuiltin("env", sp.builtinEnv),
	}
	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, convertStarlarkError(filename, err)
	}

	doc := make(map[string]any, 2)
	if name, ok := globals["name"]; ok {
		s, ok := starlark.AsString(name)
		if !ok {
			return nil, ValidationErrors{{File: filename, Path: "name", Message: "name must be a string, got " + name.Type()}}
		}
		doc["name"] = s
	}
	entities, ok := globals["entities"]
	if !ok {
		return nil, ValidationErrors{{File: filename, Path: "entities", Message: "script does not define entities"}}
	}
	value, err := fromStarlark(entities)
	if err != nil {
		return nil, ValidationErrors{{File: filename, Path: "entities", Message: err.Error()}}
	}
	doc["entities"] = value

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return m, nil
}

// builtinEnv implements env(name, default).
func (sp *StarlarkParser) builtinEnv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name     string
		fallback starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if value, ok := sp.lookup(name); ok {
		return starlark.String(value), nil
	}
	if fallback == starlark.None {
		return nil, fmt.Errorf("undefined environment variable %s", name)
	}
	return fallback, nil
}

// fromStarlark converts script values to plain Go values.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = value
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlark(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		value, err := fromStarlark(x)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", len(out), err)
		}
		out = append(out, value)
	}
	return out, nil
}

// convertStarlarkError keeps the source position of syntax and runtime errors.
func convertStarlarkError(filename string, err error) error {
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return ValidationErrors{{
			File:    syntaxErr.Pos.Filename(),
			Line:    int(syntaxErr.Pos.Line),
			Column:  int(syntaxErr.Pos.Col),
			Message: syntaxErr.Msg,
		}}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		verr := ValidationError{File: filename, Message: evalErr.Msg}
		// Builtin frames carry no position; report the innermost script line.
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			if pos := evalErr.CallStack[i].Pos; pos.Line > 0 {
				verr.Line, verr.Column = int(pos.Line), int(pos.Col)
				break
			}
		}
		return ValidationErrors{verr}
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		out := make(ValidationErrors, 0, len(resolveErrs))
		for _, e := range resolveErrs {
			out = append(out, ValidationError{
				File:    e.Pos.Filename(),
				Line:    int(e.Pos.Line),
				Column:  int(e.Pos.Col),
				Message: e.Msg,
			})
		}
		return out
	}
	return fmt.Errorf("failed to evaluate %s: %w", filename, err)
}
