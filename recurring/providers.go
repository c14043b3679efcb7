/*
providers.go - Known-provider directory

PURPOSE:
  A static directory of well-known subscription providers: alias patterns
  mapped to a display name, a category, and whether the service is an
  essential bill. Detection uses it to pick a proper display name
  ("Netflix" instead of "netflix.com"), to default the category, and to
  relax amount tolerance for essential bills, whose amounts vary
  (insurance, utilities, phone).

  The directory is reference data, not behavior: it ships as a plain JSON
  file and can be replaced at startup with a site-specific one.

MATCHING:
  Case-insensitive substring match of alias patterns against the merchant
  key, longest alias wins. "discord nitro" beats "discord" so tiered plans
  resolve to the more specific provider entry.
*/
package recurring

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed data/providers.json
var defaultProvidersJSON []byte

// Provider is one known subscription service.
type Provider struct {
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Essential bool     `json:"essential"`
	Aliases   []string `json:"aliases"`
}

// ProviderDirectory resolves merchant keys to known providers.
type ProviderDirectory struct {
	providers []Provider
}

// DefaultProviders loads the directory bundled with the engine.
func DefaultProviders() *ProviderDirectory {
	dir, err := parseProviders(defaultProvidersJSON)
	if err != nil {
		// The embedded file is validated by tests; an empty directory only
		// means no display-name enrichment.
		return &ProviderDirectory{}
	}
	return dir
}

// LoadProviders reads a provider directory from a JSON file.
func LoadProviders(path string) (*ProviderDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return parseProviders(data)
}

func parseProviders(data []byte) (*ProviderDirectory, error) {
	var providers []Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parse providers: %w", err)
	}
	return &ProviderDirectory{providers: providers}, nil
}

// Match looks a merchant key up in the directory. Longest alias wins.
// Returns nil when the merchant is unknown.
func (d *ProviderDirectory) Match(merchant MerchantKey) *Provider {
	key := strings.ToLower(strings.TrimSpace(string(merchant)))
	if key == "" {
		return nil
	}

	var best *Provider
	bestLen := 0
	for i := range d.providers {
		for _, alias := range d.providers[i].Aliases {
			pattern := strings.ToLower(alias)
			if strings.Contains(key, pattern) && len(pattern) > bestLen {
				best = &d.providers[i]
				bestLen = len(pattern)
			}
		}
	}
	return best
}

// Len returns the number of known providers.
func (d *ProviderDirectory) Len() int { return len(d.providers) }
