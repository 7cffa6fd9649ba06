package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"
	"github.com/openfroyo/stagehand/pkg/transports/ssh"
)

// DefaultFile is the profile file looked up in the working directory.
const DefaultFile = "stagehand.toml"

// StoreKind selects the ledger backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreSQLite StoreKind = "sqlite"
)

// BackendKind selects where remote operations execute.
type BackendKind string

const (
	// BackendSim runs the simulator in-process.
	BackendSim BackendKind = "sim"

	// BackendLocal runs the executor as a local child process.
	BackendLocal BackendKind = "local"

	// BackendSSH uploads the executor and runs it over SSH.
	BackendSSH BackendKind = "ssh"
)

// File is the parsed stagehand.toml.
type File struct {
	DefaultEnvironment string              `toml:"default_environment"`
	Telemetry          *telemetry.Config   `toml:"telemetry"`
	Environments       map[string]*Profile `toml:"environments"`

	path string
}

// Profile configures one deployment environment.
type Profile struct {
	// Name is the profile key. ID defaults to it.
	Name string `toml:"-"`

	ID            string `toml:"id"`
	Ephemeral     bool   `toml:"ephemeral"`
	Confirmations int    `toml:"confirmations" validate:"gte=0"`

	// Admin administers pointers created during REGISTER.
	Admin string `toml:"admin"`

	// Registry and Capability are "@Entity" references or addresses.
	Registry   string `toml:"registry"`
	Capability string `toml:"capability"`

	Store           StoreConfig            `toml:"store"`
	Backend         BackendConfig          `toml:"backend"`
	Retry           engine.RetryPolicy     `toml:"retry"`
	RegistryMethods engine.RegistryMethods `toml:"registry_methods"`
	Policy          PolicyConfig           `toml:"policy"`
}

// StoreConfig selects and locates the ledger store.
type StoreConfig struct {
	Kind StoreKind `toml:"kind" validate:"omitempty,oneof=memory file sqlite"`

	// Path is the ledger directory for file stores and the database file
	// for sqlite stores.
	Path string `toml:"path"`
}

// BackendConfig selects the remote backend.
type BackendConfig struct {
	Kind BackendKind `toml:"kind" validate:"omitempty,oneof=sim local ssh"`

	// RunnerPath is the local executor binary for local and ssh backends.
	RunnerPath string `toml:"runner_path"`

	// RemotePath is where ssh backends upload the executor.
	RemotePath string `toml:"remote_path"`

	// Args are passed to the executor.
	Args []string `toml:"args"`

	// Catalog is a simulator artifact catalog for the sim backend.
	Catalog string `toml:"catalog"`

	SSH *ssh.Config `toml:"ssh"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	Enabled         bool     `toml:"enabled"`
	Dirs            []string `toml:"dirs"`
	DisableBuiltins bool     `toml:"disable_builtins"`
}

// LoadFile reads a profile file. ${VAR} references are expanded first.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseFile(data, path)
}

// ParseFile decodes profile file content. path is used to resolve relative
// store paths and in error messages.
func ParseFile(data []byte, path string) (*File, error) {
	expanded, err := ExpandEnv(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// The preset is the base the rest of the telemetry table overrides.
	var head struct {
		Telemetry struct {
			Preset string `toml:"preset"`
		} `toml:"telemetry"`
	}
	if _, err := toml.Decode(string(expanded), &head); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	base, err := telemetry.PresetConfig(head.Telemetry.Preset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	f := &File{
		Telemetry: base,
		path:      path,
	}
	md, err := toml.Decode(string(expanded), f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}

	for name, p := range f.Environments {
		if p == nil {
			p = &Profile{}
			f.Environments[name] = p
		}
		p.Name = name
		p.applyDefaults(filepath.Dir(path))
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
	}
	return f, nil
}

// LoadOrDefault loads path when it exists. A missing DefaultFile yields a
// file with only the localhost profile.
func LoadOrDefault(path string) (*File, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	f, err := LoadFile(path)
	if err == nil {
		return f, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return &File{Telemetry: telemetry.DefaultConfig(), path: path}, nil
	}
	return nil, err
}

// Profile returns the named profile. An empty name selects the default
// environment, the only environment when there is one, or localhost.
func (f *File) Profile(name string) (*Profile, error) {
	if name == "" {
		name = f.DefaultEnvironment
	}
	if name == "" && len(f.Environments) == 1 {
		for n := range f.Environments {
			name = n
		}
	}
	if name == "" {
		name = engine.LocalEnvironmentID
	}

	if p, ok := f.Environments[name]; ok {
		return p, nil
	}
	if name == engine.LocalEnvironmentID {
		return LocalProfile(), nil
	}
	return nil, fmt.Errorf("unknown environment %q (available: %v)", name, f.Names())
}

// Names returns the configured environment names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Environments))
	for name := range f.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalProfile returns the built-in ephemeral profile.
func LocalProfile() *Profile {
	p := &Profile{
		Name:       engine.LocalEnvironmentID,
		Ephemeral:  true,
		Registry:   "@AddressManager",
		Capability: "@Storage",
		Admin:      "0x00000000000000000000000000000000000000ad",
	}
	p.applyDefaults(".")
	return p
}

func (p *Profile) applyDefaults(baseDir string) {
	if p.ID == "" {
		p.ID = p.Name
	}

	if p.Store.Kind == "" {
		if p.Ephemeral {
			p.Store.Kind = StoreMemory
		} else {
			p.Store.Kind = StoreFile
		}
	}
	if p.Store.Path == "" {
		switch p.Store.Kind {
		case StoreFile:
			p.Store.Path = ".stagehand"
		case StoreSQLite:
			p.Store.Path = filepath.Join(".stagehand", "stagehand.db")
		}
	}
	if p.Store.Path != "" && !filepath.IsAbs(p.Store.Path) {
		p.Store.Path = filepath.Join(baseDir, p.Store.Path)
	}

	for i, dir := range p.Policy.Dirs {
		if !filepath.IsAbs(dir) {
			p.Policy.Dirs[i] = filepath.Join(baseDir, dir)
		}
	}

	if p.Backend.Kind == "" {
		p.Backend.Kind = BackendSim
	}
	if p.Backend.SSH != nil {
		p.Backend.SSH.ApplyDefaults()
	}

	def := engine.DefaultRetryPolicy()
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = def.MaxAttempts
	}
	if p.Retry.InitialInterval == 0 {
		p.Retry.InitialInterval = def.InitialInterval
	}
	if p.Retry.MaxInterval == 0 {
		p.Retry.MaxInterval = def.MaxInterval
	}
	if p.Retry.Multiplier == 0 {
		p.Retry.Multiplier = def.Multiplier
	}
}

// Validate checks the profile for consistency.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}

	if p.ID == "" {
		return fmt.Errorf("environment id is required")
	}

	switch p.Backend.Kind {
	case BackendLocal:
		if p.Backend.RunnerPath == "" {
			return fmt.Errorf("backend.runner_path is required for the local backend")
		}
	case BackendSSH:
		if p.Backend.RunnerPath == "" {
			return fmt.Errorf("backend.runner_path is required for the ssh backend")
		}
		if p.Backend.SSH == nil {
			return fmt.Errorf("backend.ssh is required for the ssh backend")
		}
		if err := p.Backend.SSH.Validate(); err != nil {
			return fmt.Errorf("backend.ssh: %w", err)
		}
	}

	if !p.Ephemeral && p.Store.Kind == StoreMemory {
		return fmt.Errorf("persistent environments need a file or sqlite store")
	}
	return nil
}

// Environment returns the engine environment for the profile.
func (p *Profile) Environment() engine.Environment {
	env := engine.Environment{ID: p.ID, Ephemeral: p.Ephemeral, Confirmations: p.Confirmations}
	env.Confirmations = env.ConfirmationDepth()
	return env
}
