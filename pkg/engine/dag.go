package engine

import (
	"fmt"
	"strings"
)

// Plan is a validated, ordered set of entity specs.
type Plan struct {
	// Order is the execution order: topological, ties broken by declaration order.
	Order []string

	// Levels groups entities by dependency depth, for display.
	Levels [][]string

	entities  map[string]EntitySpec
	index     map[string]int
	ancestors map[string]map[string]bool
}

// Entity returns the spec of name.
func (p *Plan) Entity(name string) (EntitySpec, bool) {
	spec, ok := p.entities[name]
	return spec, ok
}

// Entities returns the specs in execution order.
func (p *Plan) Entities() []EntitySpec {
	out := make([]EntitySpec, 0, len(p.Order))
	for _, name := range p.Order {
		out = append(out, p.entities[name])
	}
	return out
}

// DependsOn reports whether entity transitively depends on other.
func (p *Plan) DependsOn(entity, other string) bool {
	return p.ancestors[entity][other]
}

// DAGBuilder validates entity specs and orders them.
type DAGBuilder struct {
	// specs in declaration order
	specs []EntitySpec

	// index maps entity names to their declaration index
	index map[string]int

	// dependents maps an entity to the entities that depend on it
	dependents map[string][]string

	// inDegree tracks the number of unmet dependencies of each entity
	inDegree map[string]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:      make(map[string]int),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// Build validates specs and returns the plan. It fails on empty or
// duplicate names, unknown or self dependencies, cycles and illegal "@"
// references. No remote call is involved.
func (b *DAGBuilder) Build(specs []EntitySpec) (*Plan, error) {
	if err := b.initialize(specs); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	plan := &Plan{
		entities:  make(map[string]EntitySpec, len(specs)),
		index:     b.index,
		ancestors: make(map[string]map[string]bool, len(specs)),
	}
	for _, spec := range b.specs {
		plan.entities[spec.Name] = spec
	}

	order, err := b.topologicalOrder()
	if err != nil {
		return nil, err
	}
	plan.Order = order
	plan.Levels = b.computeLevels(order)

	for _, name := range order {
		anc := make(map[string]bool)
		for _, dep := range plan.entities[name].Dependencies {
			anc[dep] = true
			for a := range plan.ancestors[dep] {
				anc[a] = true
			}
		}
		plan.ancestors[name] = anc
	}

	if err := validateReferences(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// initialize indexes specs and builds the dependency edges.
func (b *DAGBuilder) initialize(specs []EntitySpec) error {
	b.specs = specs
	for i, spec := range specs {
		if spec.Name == "" {
			return NewValidationError(fmt.Sprintf("entity #%d has an empty name", i), nil)
		}
		if _, exists := b.index[spec.Name]; exists {
			return NewValidationError(fmt.Sprintf("duplicate entity name: %s", spec.Name), nil).
				WithCode(ErrCodeDuplicateEntity).
				WithEntity(spec.Name)
		}
		b.index[spec.Name] = i
		b.inDegree[spec.Name] = 0
	}

	for _, spec := range specs {
		seen := make(map[string]bool, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if dep == spec.Name {
				return NewValidationError(fmt.Sprintf("entity %s depends on itself", spec.Name), nil).
					WithCode(ErrCodeCyclicDependency).
					WithEntity(spec.Name)
			}
			if _, exists := b.index[dep]; !exists {
				return NewValidationError(
					fmt.Sprintf("entity %s depends on undeclared entity %s", spec.Name, dep),
					nil,
				).WithCode(ErrCodeUnknownDependency).WithEntity(spec.Name)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			b.dependents[dep] = append(b.dependents[dep], spec.Name)
			b.inDegree[spec.Name]++
		}
	}
	return nil
}

// detectCycles uses depth-first search, in declaration order, to find a cycle.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, spec := range b.specs {
		if visited[spec.Name] {
			continue
		}
		if cycle := b.detectCyclesUtil(spec.Name, visited, recStack, nil); cycle != nil {
			return NewValidationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCyclicDependency).WithEntity(cycle[0])
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.dependents[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// topologicalOrder runs Kahn's algorithm, always picking the ready entity
// declared first.
func (b *DAGBuilder) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for name, d := range b.inDegree {
		inDegree[name] = d
	}

	order := make([]string, 0, len(b.specs))
	placed := make(map[string]bool, len(b.specs))
	for len(order) < len(b.specs) {
		next := ""
		for _, spec := range b.specs {
			if !placed[spec.Name] && inDegree[spec.Name] == 0 {
				next = spec.Name
				break
			}
		}
		if next == "" {
			return nil, NewValidationError("failed to order entities, possible cycle", nil).
				WithCode(ErrCodeCyclicDependency)
		}
		placed[next] = true
		order = append(order, next)
		for _, dependent := range b.dependents[next] {
			inDegree[dependent]--
		}
	}
	return order, nil
}

// computeLevels assigns each entity 1 + the deepest level of its dependencies.
func (b *DAGBuilder) computeLevels(order []string) [][]string {
	level := make(map[string]int, len(order))
	var levels [][]string
	for _, name := range order {
		lvl := 0
		for _, dep := range b.specs[b.index[name]].Dependencies {
			if level[dep]+1 > lvl {
				lvl = level[dep] + 1
			}
		}
		level[name] = lvl
		for len(levels) <= lvl {
			levels = append(levels, nil)
		}
		levels[lvl] = append(levels[lvl], name)
	}
	return levels
}

// validateReferences checks that every "@Name" argument names the entity
// itself or one of its transitive dependencies.
func validateReferences(plan *Plan) error {
	for _, name := range plan.Order {
		spec := plan.entities[name]
		refs := CollectReferences(spec.ConstructorArgs)
		refs = append(refs, CollectReferences(spec.InitArgs)...)
		for _, action := range spec.Actions {
			if action.Command == "" {
				return NewValidationError(fmt.Sprintf("action of %s has no command", name), nil).WithEntity(name)
			}
			refs = append(refs, CollectReferences([]any{action.Target})...)
			refs = append(refs, CollectReferences(action.Args)...)
		}
		for _, ref := range refs {
			if _, ok := plan.entities[ref]; !ok {
				return NewValidationError(fmt.Sprintf("%s references undeclared entity @%s", name, ref), nil).
					WithCode(ErrCodeUnresolvedReference).
					WithEntity(name)
			}
			if ref != name && !plan.DependsOn(name, ref) {
				return NewValidationError(
					fmt.Sprintf("%s references @%s without depending on it", name, ref), nil,
				).WithCode(ErrCodeUnresolvedReference).WithEntity(name)
			}
		}
	}
	return nil
}

// ToDOT generates a DOT representation of the plan. The output can be
// rendered with Graphviz tools.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range p.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			spec := p.entities[name]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, nodeLabel(spec), nodeColor(spec)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range p.Order {
		for _, dep := range p.entities[name].Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeLabel(spec EntitySpec) string {
	label := spec.Name
	if spec.ArtifactName() != spec.Name {
		label += "\\n" + spec.ArtifactName()
	}
	if spec.WrapWithPointer {
		label += "\\n(pointer)"
	}
	return label
}

func nodeColor(spec EntitySpec) string {
	if spec.WrapWithPointer {
		return "lightblue"
	}
	return "lightgreen"
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
