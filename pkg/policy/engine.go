package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Engine evaluates Rego policies. It implements engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	builtins bool
}

// WithoutBuiltins starts the engine with no policies.
func WithoutBuiltins() Option {
	return func(o *engineOptions) { o.builtins = false }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := engineOptions{builtins: true}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if o.builtins {
		for _, p := range BuiltinPolicies() {
			if err := e.add(context.Background(), p); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
		}
	}

	return e, nil
}

// EvaluatePlan implements engine.PolicyEvaluator.
func (e *Engine) EvaluatePlan(ctx context.Context, env engine.Environment, plan *engine.Plan, admin string) (*engine.PolicyResult, error) {
	return e.Evaluate(ctx, PlanInput(env, plan, admin))
}

// EvaluateUpgrade implements engine.PolicyEvaluator.
func (e *Engine) EvaluateUpgrade(ctx context.Context, env engine.Environment, req engine.UpgradeRequest) (*engine.PolicyResult, error) {
	return e.Evaluate(ctx, UpgradeRequestInput(env, req))
}

// Evaluate runs every enabled policy against input. Policies are evaluated
// in name order so violations are reported deterministically.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*engine.PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := &engine.PolicyResult{Allowed: true}
	for _, name := range names {
		cp := e.policies[name]
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}

	e.logger.Debug().
		Str("operation", string(input.Operation)).
		Int("policies", len(names)).
		Int("violations", len(result.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Entity != violations[j].Entity {
			return violations[i].Entity < violations[j].Entity
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set element.
func createViolation(policy Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Rule:     "deny",
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if rule, ok := v["rule"].(string); ok {
			violation.Rule = rule
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if entity, ok := v["entity"].(string); ok {
			violation.Entity = entity
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses the module and prepares the query for its deny set.
func compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

func (e *Engine) add(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, policy)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// AddPolicy compiles and adds a policy, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return e.add(ctx, policy)
}

// LoadPolicies loads policy files and directories. Nothing is replaced
// unless every policy compiles.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.loader.ClearCache()
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceCustom(ctx, policies)
}

// replaceCustom swaps every non-builtin policy for policies.
func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Watch reloads the custom policies whenever files under paths change,
// until ctx is done. onReload, when set, runs after each successful reload.
func (e *Engine) Watch(ctx context.Context, paths []string, onReload func()) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		if err := e.replaceCustom(ctx, policies); err != nil {
			return err
		}
		if onReload != nil {
			onReload()
		}
		return nil
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
