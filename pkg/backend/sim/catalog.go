package sim

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Catalog is the on-disk description of a simulated remote system.
//
//	finalization_lag = 2
//
//	[artifacts.AddressManager]
//	kind = "registry"
//
//	[artifacts.Token]
//	version = "2.0.0"
type Catalog struct {
	FinalizationLag int                 `toml:"finalization_lag"`
	Artifacts       map[string]Artifact `toml:"artifacts"`
}

// LoadCatalog reads a TOML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks artifact kinds and the lag.
func (c *Catalog) Validate() error {
	if c.FinalizationLag < 0 {
		return fmt.Errorf("finalization_lag must not be negative")
	}
	for name, a := range c.Artifacts {
		switch a.Kind {
		case "", KindPlain, KindRegistry, KindCapability:
		default:
			return fmt.Errorf("artifact %s: unsupported kind %q", name, a.Kind)
		}
	}
	return nil
}

// NewFromCatalog creates a simulator preloaded with the catalog.
func NewFromCatalog(c *Catalog) *Backend {
	b := New().WithFinalizationLag(c.FinalizationLag)
	for name, a := range c.Artifacts {
		b.WithArtifact(name, a)
	}
	return b
}
