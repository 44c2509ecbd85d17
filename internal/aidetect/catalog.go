// Package aidetect identifies AI platform integrations among discovered
// automations.
//
// Detection is catalog-driven: a vendor catalog (compiled-in default,
// overridable with SINGURA_AI_VENDOR_CATALOG) lists per-vendor name tokens,
// API hostnames, and API key prefixes. Rules run in a fixed order against
// a candidate's name, external ID, and evidence strings, so the same
// candidate always produces the same detection. No network calls, no
// clocks, no randomness.
package aidetect

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Vendor is one catalog entry. Tokens match candidate names and external
// IDs, hostnames and key prefixes match evidence strings. Automation marks
// workflow-automation platforms (Zapier and friends), which score through
// their own risk factor instead of the AI platform override.
type Vendor struct {
	Name        string   `yaml:"name"`
	Display     string   `yaml:"display"`
	Platform    string   `yaml:"platform"`
	Tokens      []string `yaml:"tokens"`
	Hostnames   []string `yaml:"hostnames"`
	KeyPrefixes []string `yaml:"key_prefixes"`
	Automation  bool     `yaml:"automation"`
}

// Catalog is an ordered vendor list. Order is semantic twice over: earlier
// vendors win confidence ties, and vendors with more specific key prefixes
// (sk-ant- vs sk-) must precede the generic ones.
type Catalog struct {
	Vendors []Vendor `yaml:"vendors"`
}

// validPlatforms is the closed platform enum vendors may declare.
var validPlatforms = map[string]bool{
	"openai":       true,
	"anthropic":    true,
	"google_ai":    true,
	"microsoft_ai": true,
	"perplexity":   true,
	"other":        true,
}

// LoadCatalog reads a vendor catalog. An empty path selects the compiled-in
// default.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultCatalogYAML
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vendor catalog: %w", err)
		}
	}

	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse vendor catalog: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("invalid vendor catalog: %w", err)
	}
	cat.normalize()
	return &cat, nil
}

func (c *Catalog) validate() error {
	if len(c.Vendors) == 0 {
		return fmt.Errorf("no vendors defined")
	}
	seen := make(map[string]bool, len(c.Vendors))
	for i, v := range c.Vendors {
		if v.Name == "" {
			return fmt.Errorf("vendor %d: missing name", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("vendor %q: duplicate name", v.Name)
		}
		seen[v.Name] = true
		if v.Display == "" {
			return fmt.Errorf("vendor %q: missing display", v.Name)
		}
		if !validPlatforms[v.Platform] {
			return fmt.Errorf("vendor %q: unknown platform %q", v.Name, v.Platform)
		}
		if len(v.Tokens)+len(v.Hostnames)+len(v.KeyPrefixes) == 0 {
			return fmt.Errorf("vendor %q: no tokens, hostnames, or key prefixes", v.Name)
		}
	}
	return nil
}

// normalize lowercases match material once so detection compares without
// per-call folding.
func (c *Catalog) normalize() {
	for i := range c.Vendors {
		v := &c.Vendors[i]
		for j, t := range v.Tokens {
			v.Tokens[j] = strings.ToLower(t)
		}
		for j, h := range v.Hostnames {
			v.Hostnames[j] = strings.ToLower(h)
		}
		for j, p := range v.KeyPrefixes {
			v.KeyPrefixes[j] = strings.ToLower(p)
		}
	}
}
