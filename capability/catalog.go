package capability

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// manifestFile is the on-disk shape of a capability manifest.
type manifestFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// Catalog is the read-only registry of capabilities for one process.
type Catalog struct {
	ordered []Capability
	byID    map[string]*Capability
}

// Load parses and validates the embedded default manifest.
func Load() (*Catalog, error) {
	return Parse(defaultManifest)
}

// LoadManifest reads a manifest override from path.
func LoadManifest(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw manifest YAML, validating every entry.
func Parse(data []byte) (*Catalog, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(mf.Capabilities) == 0 {
		return nil, fmt.Errorf("manifest contains no capabilities")
	}

	cat := &Catalog{
		ordered: make([]Capability, 0, len(mf.Capabilities)),
		byID:    make(map[string]*Capability, len(mf.Capabilities)),
	}
	for i := range mf.Capabilities {
		c := mf.Capabilities[i]
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid capability at index %d: %w", i, err)
		}
		if _, dup := cat.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate capability id %q", c.ID)
		}
		cat.ordered = append(cat.ordered, c)
		cat.byID[c.ID] = &cat.ordered[len(cat.ordered)-1]
	}
	return cat, nil
}

// Get returns the capability with the given id, or false when unknown.
func (c *Catalog) Get(id string) (Capability, bool) {
	cap, ok := c.byID[id]
	if !ok {
		return Capability{}, false
	}
	return *cap, true
}

// List returns a copy of all capabilities in manifest order.
func (c *Catalog) List() []Capability {
	out := make([]Capability, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of registered capabilities.
func (c *Catalog) Len() int {
	return len(c.ordered)
}
