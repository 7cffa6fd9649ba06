package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tokenManifest = `
name: polygon-core
entities:
  - name: AddressManager
  - name: Storage
    dependencies: [AddressManager]
  - name: Token
    artifact: TokenV1
    wrapWithPointer: true
    allow: true
    constructorArgs: ["${TOKEN_SYMBOL}", 18]
    initArgs: ["@Storage"]
    dependencies: [AddressManager, Storage]
    actions:
      - target: "@Storage"
        command: grantMinter
        args: ["@Token"]
`

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"SYMBOL": "TKN", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	out, err := ExpandEnv([]byte("symbol: ${SYMBOL}, empty: '${EMPTY}', price: $5"), lookup)
	if err != nil {
		t.Fatalf("failed to expand: %v", err)
	}
	if string(out) != "symbol: TKN, empty: '', price: $5" {
		t.Errorf("Unexpected expansion: %s", out)
	}

	_, err = ExpandEnv([]byte("${MISSING_B} ${MISSING_A} ${MISSING_B}"), lookup)
	if err == nil {
		t.Fatal("Expected error for undefined variables")
	}
	if !strings.Contains(err.Error(), "MISSING_A, MISSING_B") {
		t.Errorf("Expected sorted missing names, got: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Setenv("TOKEN_SYMBOL", "TKN")

	m, err := ParseYAML([]byte(tokenManifest))
	if err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}

	if m.Name != "polygon-core" {
		t.Errorf("Expected name polygon-core, got %s", m.Name)
	}
	if len(m.Entities) != 3 {
		t.Fatalf("Expected 3 entities, got %d", len(m.Entities))
	}

	specs := m.Specs()
	token := specs[2]
	if token.Name != "Token" || token.ArtifactName() != "TokenV1" {
		t.Errorf("Unexpected token spec: %+v", token)
	}
	if !token.WrapWithPointer || !token.Allow {
		t.Error("Expected pointer and allow flags on Token")
	}
	if len(token.ConstructorArgs) != 2 || token.ConstructorArgs[0] != "TKN" || token.ConstructorArgs[1] != 18 {
		t.Errorf("Unexpected constructor args: %#v", token.ConstructorArgs)
	}
	if len(token.Actions) != 1 || token.Actions[0].Command != "grantMinter" || token.Actions[0].Args[0] != "@Token" {
		t.Errorf("Unexpected actions: %+v", token.Actions)
	}

	if _, ok := m.Entity("Storage"); !ok {
		t.Error("Expected to find Storage")
	}
	if _, ok := m.Entity("Missing"); ok {
		t.Error("Expected Missing to be absent")
	}
}

func TestParseYAMLErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty", content: "", want: "manifest is empty"},
		{name: "no entities", content: "name: x\n", want: "Entities"},
		{name: "missing name", content: "entities:\n  - artifact: Foo\n", want: "Entities[0].Name"},
		{name: "unknown field", content: "entities:\n  - name: A\n    pointer: true\n", want: "field pointer not found"},
		{name: "action without command", content: "entities:\n  - name: A\n    actions:\n      - target: '@B'\n", want: "Command"},
		{name: "undefined variable", content: "entities:\n  - name: ${STAGEHAND_UNSET_VARIABLE}\n", want: "STAGEHAND_UNSET_VARIABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidationErrorsAreTyped(t *testing.T) {
	_, err := ParseYAML([]byte("entities:\n  - name: A\n  - artifact: B\n"))

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 1 || verrs[0].Path != "Entities[1].Name" {
		t.Errorf("Unexpected errors: %+v", verrs)
	}
}

func TestLoadManifest(t *testing.T) {
	t.Setenv("TOKEN_SYMBOL", "TKN")
	dir := t.TempDir()
	ctx := context.Background()

	yamlPath := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(yamlPath, []byte(tokenManifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	m, err := LoadManifest(ctx, yamlPath)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if m.Source != yamlPath {
		t.Errorf("Expected source %s, got %s", yamlPath, m.Source)
	}

	txt := filepath.Join(dir, "deploy.txt")
	if err := os.WriteFile(txt, []byte(tokenManifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(ctx, txt); err == nil {
		t.Error("Expected error for unsupported extension")
	}

	if _, err := LoadManifest(ctx, filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing manifest")
	}
}
