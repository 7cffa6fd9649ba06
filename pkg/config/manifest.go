package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with values from lookup. Every
// undefined variable is reported in the returned error.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	missing := make(map[string]struct{})
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		value, ok := lookup(name)
		if !ok {
			missing[name] = struct{}{}
			return ref
		}
		return []byte(value)
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("undefined environment variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

// LoadManifest reads a manifest from a YAML file, a Starlark script, a CUE
// file or a directory holding a CUE package.
func LoadManifest(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	if info.IsDir() || filepath.Ext(path) == ".cue" {
		return NewCUEParser().Parse(ctx, path)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		m, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Source = path
		return m, nil
	case ".star":
		return NewStarlarkParser(0).Parse(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}
}

// ParseYAML decodes and validates a YAML manifest. Unknown fields are rejected.
func ParseYAML(data []byte) (*Manifest, error) {
	expanded, err := ExpandEnv(data, nil)
	if err != nil {
		return nil, err
	}
	return decodeManifest(expanded)
}

// decodeManifest strictly decodes YAML or JSON into a validated manifest.
func decodeManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateManifest(m *Manifest) error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate manifest: %w", err)
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Manifest."),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}
