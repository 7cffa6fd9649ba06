package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/engine"
)

const deprecatedPolicy = `package custom.tokens

# Entities named Legacy* are no longer deployed.

deny contains msg if {
	some entity in input.entities
	startswith(entity.name, "Legacy")
	msg := sprintf("%s is deprecated", [entity.name])
}
`

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func buildPlan(t *testing.T, specs ...engine.EntitySpec) *engine.Plan {
	t.Helper()
	plan, err := engine.NewDAGBuilder().Build(specs)
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}
	return plan
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"dangerous_upgrade", "entity_naming", "pointer_admin"}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("Expected policy %s at %d, got %s", want[i], i, p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled built-in", p.Name)
		}
	}

	empty := newTestEngine(t, WithoutBuiltins())
	if len(empty.ListPolicies()) != 0 {
		t.Error("Expected no policies without built-ins")
	}
}

func TestEvaluatePlan_EntityNaming(t *testing.T) {
	eng := newTestEngine(t)
	env := engine.NewEnvironment("polygon", false)

	tests := []struct {
		name      string
		entity    string
		wantAllow bool
	}{
		{name: "plain", entity: "Token", wantAllow: true},
		{name: "dotted", entity: "Lib.Math_v2-beta", wantAllow: true},
		{name: "leading digit", entity: "1Token", wantAllow: false},
		{name: "space", entity: "My Token", wantAllow: false},
		{name: "leading underscore", entity: "_Token", wantAllow: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := buildPlan(t, engine.EntitySpec{Name: tt.entity})
			result, err := eng.EvaluatePlan(context.Background(), env, plan, "")
			if err != nil {
				t.Fatalf("Failed to evaluate: %v", err)
			}
			if result.Allowed != tt.wantAllow {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.wantAllow, result.Allowed, result.Violations)
			}
			if !tt.wantAllow {
				v := result.Violations[0]
				if v.Policy != "entity_naming" || v.Rule != "name_format" || v.Entity != tt.entity {
					t.Errorf("Unexpected violation: %+v", v)
				}
			}
		})
	}
}

func TestEvaluatePlan_PointerAdmin(t *testing.T) {
	eng := newTestEngine(t)
	env := engine.NewEnvironment("polygon", false)
	plan := buildPlan(t,
		engine.EntitySpec{Name: "AddressManager"},
		engine.EntitySpec{Name: "Token", WrapWithPointer: true, Dependencies: []string{"AddressManager"}},
	)

	result, err := eng.EvaluatePlan(context.Background(), env, plan, "")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one blocking violation, got %+v", result)
	}
	if v := result.Violations[0]; v.Policy != "pointer_admin" || v.Entity != "Token" || v.Severity != "error" {
		t.Errorf("Unexpected violation: %+v", v)
	}

	result, err = eng.EvaluatePlan(context.Background(), env, plan, "0x00000000000000000000000000000000000000ad")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Expected plan with admin to be allowed, got %+v", result)
	}
}

func TestEvaluateUpgrade_DangerousNeedsApproval(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		env       engine.Environment
		req       engine.UpgradeRequest
		wantAllow bool
	}{
		{
			name:      "versioned upgrade",
			env:       engine.NewEnvironment("polygon", false),
			req:       engine.UpgradeRequest{Name: "Token", Version: "2.0.0"},
			wantAllow: true,
		},
		{
			name:      "dangerous without approval",
			env:       engine.NewEnvironment("polygon", false),
			req:       engine.UpgradeRequest{Name: "Token", Version: "1.0.0", Dangerous: true},
			wantAllow: false,
		},
		{
			name:      "dangerous approved",
			env:       engine.NewEnvironment("polygon", false),
			req:       engine.UpgradeRequest{Name: "Token", Version: "1.0.0", Dangerous: true, Approved: true},
			wantAllow: true,
		},
		{
			name:      "dangerous on ephemeral",
			env:       engine.NewEnvironment(engine.LocalEnvironmentID, true),
			req:       engine.UpgradeRequest{Name: "Token", Version: "1.0.0", Dangerous: true},
			wantAllow: true,
		},
		{
			name:      "bad name",
			env:       engine.NewEnvironment("polygon", false),
			req:       engine.UpgradeRequest{Name: "9Token", Version: "2.0.0"},
			wantAllow: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateUpgrade(ctx, tt.env, tt.req)
			if err != nil {
				t.Fatalf("Failed to evaluate: %v", err)
			}
			if result.Allowed != tt.wantAllow {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.wantAllow, result.Allowed, result.Violations)
			}
		})
	}
}

func TestCustomPolicies(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "deprecated.rego"), []byte(deprecatedPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("deprecated")
	if err != nil {
		t.Fatalf("Expected custom policy: %v", err)
	}
	if p.Description != "Entities named Legacy* are no longer deployed." {
		t.Errorf("Unexpected description: %q", p.Description)
	}

	env := engine.NewEnvironment("polygon", false)
	plan := buildPlan(t, engine.EntitySpec{Name: "LegacyToken"}, engine.EntitySpec{Name: "Token"})

	result, err := eng.EvaluatePlan(ctx, env, plan, "")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one violation, got %+v", result)
	}
	if v := result.Violations[0]; v.Policy != "deprecated" || v.Rule != "deny" || v.Message != "LegacyToken is deprecated" {
		t.Errorf("Unexpected violation: %+v", v)
	}

	if err := eng.DisablePolicy("deprecated"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err = eng.EvaluatePlan(ctx, env, plan, "")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %+v", result.Violations)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling an unknown policy")
	}
}

func TestAddPolicySeverity(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "advisory",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package custom.advisory

deny contains {"message": "confirmations below 2", "rule": "depth"} if {
	input.environment.confirmations < 2
}

deny contains {"message": "ephemeral environment", "severity": "info"} if {
	input.environment.ephemeral
}`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	plan := buildPlan(t, engine.EntitySpec{Name: "Token"})
	result, err := eng.EvaluatePlan(ctx, engine.NewEnvironment(engine.LocalEnvironmentID, true), plan, "")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected warnings and info not to block")
	}
	if len(result.Violations) != 2 {
		t.Fatalf("Expected 2 violations, got %+v", result.Violations)
	}
	if result.Violations[0].Message != "confirmations below 2" || result.Violations[0].Severity != "warning" {
		t.Errorf("Unexpected first violation: %+v", result.Violations[0])
	}
	if result.Violations[1].Severity != "info" {
		t.Errorf("Expected info override, got %+v", result.Violations[1])
	}
}

func TestInvalidPolicyIsRejected(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package broken\n\ndeny contains x if {"}); err == nil {
		t.Error("Expected compile error")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "entity_naming.rego"), []byte(deprecatedPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err == nil {
		t.Error("Expected error for a policy shadowing a built-in")
	}
	if p, _ := eng.GetPolicy("entity_naming"); p == nil || !p.Builtin {
		t.Error("Expected built-in policy to be kept")
	}
}

func TestPipelineHonorsPolicy(t *testing.T) {
	eng := newTestEngine(t)

	p, err := engine.NewPipeline(engine.PipelineConfig{
		Backend:     sim.New(),
		Environment: engine.NewEnvironment(engine.LocalEnvironmentID, true),
		Policy:      eng,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	_, err = p.Run(context.Background(), []engine.EntitySpec{{Name: "bad name"}})
	if err == nil {
		t.Fatal("Expected the plan to be denied")
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected POLICY_DENIED, got %v", err)
	}
}
