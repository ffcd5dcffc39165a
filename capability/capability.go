// Package capability provides the static registry of capability definitions.
// A capability is a remote HTTP endpoint implementing one domain skill
// (chat, image generation, research, ...). The catalog is loaded once at
// startup from a YAML manifest and is read-only afterwards, so it is safe
// to share across concurrent operations without locking.
package capability

import (
	"fmt"
	"regexp"
	"strings"
)

// Domain groups capabilities by the service family that hosts them.
type Domain string

const (
	DomainChat     Domain = "chat"
	DomainCompany  Domain = "company"
	DomainResearch Domain = "research"
	DomainMedia    Domain = "media"
	DomainLocalAI  Domain = "local-ai"
	DomainProxy    Domain = "proxy"
	DomainWebhook  Domain = "webhook"
)

// IsValid checks if a domain string is a known domain.
func (d Domain) IsValid() bool {
	switch d {
	case DomainChat, DomainCompany, DomainResearch, DomainMedia, DomainLocalAI, DomainProxy, DomainWebhook:
		return true
	}
	return false
}

// String returns the string representation of the domain.
func (d Domain) String() string {
	return string(d)
}

// Capability describes one registered endpoint. Instances are immutable
// after the catalog loads them.
type Capability struct {
	// ID is the dotted identifier, e.g. "company.plan" or "media.image.generate".
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable capability name.
	Name string `yaml:"name" json:"name"`

	// Description explains what the capability does, used for matching.
	Description string `yaml:"description" json:"description"`

	// Domain is the service family this capability belongs to.
	Domain Domain `yaml:"domain" json:"domain"`

	// Route is the HTTP path the capability is served on. Must start with "/".
	Route string `yaml:"route" json:"route"`

	// Method is the HTTP method, GET or POST.
	Method string `yaml:"method" json:"method"`

	// Tags are short match terms scored against task tokens.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Triggers are phrases that strongly suggest this capability.
	Triggers []string `yaml:"triggers,omitempty" json:"triggers,omitempty"`

	// DefaultPayload seeds the plan step payload for POST capabilities.
	DefaultPayload map[string]any `yaml:"default_payload,omitempty" json:"defaultPayload,omitempty"`

	// OutputHint describes the expected response shape, for operators.
	OutputHint string `yaml:"output_hint,omitempty" json:"outputHint,omitempty"`
}

// ValidationError reports an invalid manifest field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// idPattern matches dotted lowercase identifiers like "media.image.generate".
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)+$`)

// Validate checks a single capability entry.
func (c *Capability) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if !idPattern.MatchString(c.ID) {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("id %q must be a dotted lowercase identifier", c.ID)}
	}
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("capability %s: name is required", c.ID)}
	}
	if !c.Domain.IsValid() {
		return &ValidationError{Field: "domain", Message: fmt.Sprintf("capability %s: unknown domain %q", c.ID, c.Domain)}
	}
	if !strings.HasPrefix(c.Route, "/") {
		return &ValidationError{Field: "route", Message: fmt.Sprintf("capability %s: route %q must start with /", c.ID, c.Route)}
	}
	if c.Method != "GET" && c.Method != "POST" {
		return &ValidationError{Field: "method", Message: fmt.Sprintf("capability %s: method must be GET or POST, got %q", c.ID, c.Method)}
	}
	return nil
}

// Action returns the verb segment of the id (the last dotted segment),
// e.g. "generate" for media.image.generate and "plan" for company.plan.
func (c *Capability) Action() string {
	parts := strings.Split(c.ID, ".")
	return parts[len(parts)-1]
}

// SpacedID returns the id with dots and dashes replaced by spaces,
// for token matching against task text.
func (c *Capability) SpacedID() string {
	return strings.NewReplacer(".", " ", "-", " ").Replace(c.ID)
}
