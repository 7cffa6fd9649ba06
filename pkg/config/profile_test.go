package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

const profiles = `
default_environment = "polygon"

[telemetry.logging]
level = "debug"

[environments.polygon]
confirmations = 5
admin = "0x00000000000000000000000000000000000000ad"
registry = "@AddressManager"
capability = "@Storage"

[environments.polygon.store]
kind = "sqlite"
path = "state/stagehand.db"

[environments.polygon.retry]
max_attempts = 8
initial_interval = "250ms"

[environments.polygon.registry_methods]
register = "registerName"

[environments.polygon.policy]
enabled = true
dirs = ["policies"]

[environments.staging]
id = "polygon-staging"

[environments.staging.backend]
kind = "ssh"
runner_path = "bin/stagehand-sim"

[environments.staging.backend.ssh]
host = "executor.internal"
user = "deployer"
auth_method = "password"
password = "${STAGEHAND_SSH_PASSWORD}"
connection_timeout = "5s"

[environments.localhost]
ephemeral = true
`

func TestParseFile(t *testing.T) {
	t.Setenv("STAGEHAND_SSH_PASSWORD", "secret")

	f, err := ParseFile([]byte(profiles), "/etc/stagehand/stagehand.toml")
	if err != nil {
		t.Fatalf("failed to parse profiles: %v", err)
	}

	if got := strings.Join(f.Names(), ","); got != "localhost,polygon,staging" {
		t.Errorf("Unexpected environments: %s", got)
	}
	if f.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug logging, got %s", f.Telemetry.Logging.Level)
	}
	if f.Telemetry.ServiceName != "stagehand" {
		t.Errorf("Expected telemetry defaults to be kept, got %q", f.Telemetry.ServiceName)
	}

	p, err := f.Profile("")
	if err != nil {
		t.Fatalf("failed to resolve default profile: %v", err)
	}
	if p.Name != "polygon" || p.ID != "polygon" {
		t.Errorf("Expected polygon profile, got %s/%s", p.Name, p.ID)
	}
	if p.Store.Kind != StoreSQLite || p.Store.Path != "/etc/stagehand/state/stagehand.db" {
		t.Errorf("Unexpected store: %+v", p.Store)
	}
	if p.Backend.Kind != BackendSim {
		t.Errorf("Expected sim backend by default, got %s", p.Backend.Kind)
	}
	if p.Retry.MaxAttempts != 8 || p.Retry.InitialInterval != 250*time.Millisecond {
		t.Errorf("Unexpected retry policy: %+v", p.Retry)
	}
	if p.Retry.MaxInterval != engine.DefaultRetryPolicy().MaxInterval {
		t.Errorf("Expected default max interval, got %v", p.Retry.MaxInterval)
	}
	if p.RegistryMethods.Register != "registerName" {
		t.Errorf("Expected registry method override, got %q", p.RegistryMethods.Register)
	}
	if !p.Policy.Enabled || len(p.Policy.Dirs) != 1 {
		t.Errorf("Unexpected policy config: %+v", p.Policy)
	}

	env := p.Environment()
	if env.ID != "polygon" || env.Ephemeral || env.Confirmations != 5 {
		t.Errorf("Unexpected environment: %+v", env)
	}

	staging, err := f.Profile("staging")
	if err != nil {
		t.Fatalf("failed to resolve staging: %v", err)
	}
	if staging.ID != "polygon-staging" {
		t.Errorf("Expected explicit id, got %s", staging.ID)
	}
	if staging.Store.Kind != StoreFile || staging.Store.Path != "/etc/stagehand/.stagehand" {
		t.Errorf("Expected file store default, got %+v", staging.Store)
	}
	if staging.Backend.SSH.Password != "secret" || staging.Backend.SSH.Port != 22 {
		t.Errorf("Unexpected ssh config: %+v", staging.Backend.SSH)
	}
	if staging.Backend.SSH.ConnectionTimeout != 5*time.Second {
		t.Errorf("Expected 5s connection timeout, got %v", staging.Backend.SSH.ConnectionTimeout)
	}
	if staging.Environment().Confirmations != engine.DefaultPersistentConfirmations {
		t.Errorf("Expected default persistent depth, got %d", staging.Environment().Confirmations)
	}

	local, err := f.Profile("localhost")
	if err != nil {
		t.Fatalf("failed to resolve localhost: %v", err)
	}
	if local.Store.Kind != StoreMemory || local.Environment().Confirmations != engine.DefaultEphemeralConfirmations {
		t.Errorf("Unexpected local profile: %+v", local)
	}

	if _, err := f.Profile("mainnet"); err == nil {
		t.Error("Expected error for unknown environment")
	}
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "syntax", content: "[environments.polygon\n", want: "failed to parse"},
		{name: "unknown key", content: "[environments.polygon]\nconfirmation = 3\n", want: "unknown keys"},
		{name: "bad store kind", content: "[environments.polygon.store]\nkind = \"redis\"\n", want: "oneof"},
		{name: "ssh without settings", content: "[environments.polygon.backend]\nkind = \"ssh\"\nrunner_path = \"bin/x\"\n", want: "backend.ssh is required"},
		{name: "local without runner", content: "[environments.polygon.backend]\nkind = \"local\"\n", want: "runner_path is required"},
		{name: "persistent memory store", content: "[environments.polygon.store]\nkind = \"memory\"\n", want: "persistent environments"},
		{name: "unknown telemetry preset", content: "[telemetry]\npreset = \"loud\"\n", want: "unknown telemetry preset"},
		{name: "undefined variable", content: "[environments.polygon]\nadmin = \"${STAGEHAND_UNSET_ADMIN}\"\n", want: "STAGEHAND_UNSET_ADMIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.content), "stagehand.toml")
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestParseFileTelemetryPreset(t *testing.T) {
	content := `
[telemetry]
preset = "production"

[telemetry.tracing]
endpoint = "otel.internal:4317"

[telemetry.events]
min_level = "warning"
`
	f, err := ParseFile([]byte(content), "stagehand.toml")
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	tel := f.Telemetry
	if tel.Preset != "production" || tel.Logging.Format != "json" {
		t.Errorf("Expected the production preset, got %+v", tel.Logging)
	}
	if !tel.Tracing.Enabled || tel.Tracing.Exporter != "otlp" || tel.Tracing.Endpoint != "otel.internal:4317" {
		t.Errorf("Expected preset tracing with the configured endpoint, got %+v", tel.Tracing)
	}
	if tel.Events.MinLevel != "warning" {
		t.Errorf("Expected min_level warning, got %s", tel.Events.MinLevel)
	}
}

func TestLoadOrDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	f, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("Expected built-in defaults, got: %v", err)
	}
	p, err := f.Profile("")
	if err != nil {
		t.Fatalf("failed to resolve default profile: %v", err)
	}
	if p.Name != engine.LocalEnvironmentID || !p.Ephemeral || p.Backend.Kind != BackendSim {
		t.Errorf("Unexpected default profile: %+v", p)
	}

	if _, err := LoadOrDefault(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Expected error for an explicit missing file")
	}

	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte("[environments.polygon]\nconfirmations = 2\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	f, err = LoadOrDefault("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	p, err = f.Profile("")
	if err != nil {
		t.Fatalf("failed to resolve single profile: %v", err)
	}
	if p.Name != "polygon" {
		t.Errorf("Expected the only profile to be the default, got %s", p.Name)
	}
}
