package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("key"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "password", modify: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "secret" }},
		{name: "key", modify: func(c *Config) { c.PrivateKeyPath = keyPath }},
		{name: "missing host", modify: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "bad port", modify: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "missing user", modify: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "password without value", modify: func(c *Config) { c.AuthMethod = AuthMethodPassword }, wantErr: true},
		{name: "missing key file", modify: func(c *Config) { c.PrivateKeyPath = keyPath + ".missing" }, wantErr: true},
		{name: "unknown method", modify: func(c *Config) { c.AuthMethod = "kerberos" }, wantErr: true},
		{name: "zero timeout", modify: func(c *Config) { c.PrivateKeyPath = keyPath; c.ConnectionTimeout = 0 }, wantErr: true},
		{name: "strict without known hosts", modify: func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.StrictHostKeyChecking = true
			c.KnownHostsPath = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("executor.internal", "deployer")
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := &Config{Host: "executor.internal", User: "deployer"}
	cfg.ApplyDefaults()

	if cfg.Port != 22 {
		t.Errorf("Expected port 22, got %d", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("Expected key auth, got %s", cfg.AuthMethod)
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.ConnectionTimeout)
	}
	if cfg.Address() != "executor.internal:22" {
		t.Errorf("Expected executor.internal:22, got %s", cfg.Address())
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	cfg := DefaultConfig("localhost", "deployer")
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.StrictHostKeyChecking = false

	clientConfig, closer, err := cfg.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("failed to build client config: %v", err)
	}
	defer closer()

	if clientConfig.User != "deployer" {
		t.Errorf("Expected user deployer, got %s", clientConfig.User)
	}
	if len(clientConfig.Auth) != 2 {
		t.Errorf("Expected password and keyboard-interactive auth, got %d methods", len(clientConfig.Auth))
	}

	cfg.AuthMethod = AuthMethodKey
	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(cfg.PrivateKeyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	if _, _, err := cfg.BuildSSHClientConfig(); err == nil {
		t.Error("Expected error parsing invalid private key")
	}
}
