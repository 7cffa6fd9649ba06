package engine

import (
	"fmt"
	"strings"
)

const referencePrefix = "@"

// IsReference reports whether v is an "@Name" entity reference.
func IsReference(v string) bool {
	return strings.HasPrefix(v, referencePrefix) && len(v) > len(referencePrefix)
}

// ReferenceName returns Name for "@Name", or "" when v is not a reference.
func ReferenceName(v string) string {
	if !IsReference(v) {
		return ""
	}
	return strings.TrimPrefix(v, referencePrefix)
}

// CollectReferences returns the entity names referenced by args, descending
// into nested lists and maps.
func CollectReferences(args []any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if name := ReferenceName(t); name != "" {
				refs = append(refs, name)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, a := range args {
		walk(a)
	}
	return refs
}

// AddressLookup returns the address of a deployed entity.
type AddressLookup func(name string) (string, error)

// ResolveArgs returns a copy of args with every "@Name" replaced by
// lookup(Name).
func ResolveArgs(args []any, lookup AddressLookup) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := resolveValue(a, lookup)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ResolveTarget resolves a single reference or returns the literal.
func ResolveTarget(target string, lookup AddressLookup) (string, error) {
	name := ReferenceName(target)
	if name == "" {
		return target, nil
	}
	addr, err := lookup(name)
	if err != nil {
		return "", err
	}
	return addr, nil
}

func resolveValue(v any, lookup AddressLookup) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveTarget(t, lookup)
	case []any:
		return ResolveArgs(t, lookup)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func unresolvedReference(name string) *EngineError {
	return NewValidationError(fmt.Sprintf("reference @%s is not deployed yet", name), nil).
		WithCode(ErrCodeUnresolvedReference).
		WithDetail("reference", name)
}
