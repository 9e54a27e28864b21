/*
catalog.go - Rail capability catalog loaded from YAML

PURPOSE:
  The static capability table (currencies, countries, amount bounds,
  declared settlement time and fee) lives in its own YAML document so ops
  can change it without a rebuild. Reloading the catalog builds a brand new
  Registry; nothing is mutated in place.

EXAMPLE:
  rails:
    - id: pix
      currencies: [USD, USDC]
      destination_currencies: [BRL]
      countries: [BR]
      min_amount: "1"
      max_amount: "50000"
      estimated_time_seconds: 10
      fee_percentage: "0.5"
      sandbox: true

SEE ALSO:
  - registry.go: Registry built from catalog entries
  - app/app.go: Wires catalog entries to adapters
*/
package rail

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog is the parsed rail capability document.
type Catalog struct {
	Rails []CatalogEntry `yaml:"rails"`
}

// CatalogEntry is one rail in the document. Amounts are strings so they
// parse as exact decimals.
type CatalogEntry struct {
	ID                    string   `yaml:"id"`
	Disabled              bool     `yaml:"disabled"`
	Sandbox               bool     `yaml:"sandbox"`
	Currencies            []string `yaml:"currencies"`
	DestinationCurrencies []string `yaml:"destination_currencies"`
	Countries             []string `yaml:"countries"`
	MinAmount             string   `yaml:"min_amount"`
	MaxAmount             string   `yaml:"max_amount"`
	EstimatedTimeSeconds  int      `yaml:"estimated_time_seconds"`
	FeePercentage         string   `yaml:"fee_percentage"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rail catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse rail catalog: %w", err)
	}
	seen := make(map[string]bool)
	for _, e := range c.Rails {
		if _, err := ParseID(e.ID); err != nil {
			return nil, err
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRail, e.ID)
		}
		seen[e.ID] = true
		if _, err := e.Capabilities(); err != nil {
			return nil, fmt.Errorf("rail %s: %w", e.ID, err)
		}
	}
	return &c, nil
}

// Capabilities converts the entry into the routing capability table.
func (e CatalogEntry) Capabilities() (Capabilities, error) {
	minAmt, err := parseDecimal(e.MinAmount)
	if err != nil {
		return Capabilities{}, fmt.Errorf("min_amount: %w", err)
	}
	maxAmt, err := parseDecimal(e.MaxAmount)
	if err != nil {
		return Capabilities{}, fmt.Errorf("max_amount: %w", err)
	}
	fee, err := parseDecimal(e.FeePercentage)
	if err != nil {
		return Capabilities{}, fmt.Errorf("fee_percentage: %w", err)
	}
	if !maxAmt.IsZero() && maxAmt.LessThan(minAmt) {
		return Capabilities{}, fmt.Errorf("max_amount %s below min_amount %s", maxAmt, minAmt)
	}
	if len(e.Currencies) == 0 {
		return Capabilities{}, fmt.Errorf("at least one currency is required")
	}
	return Capabilities{
		Currencies:            upper(e.Currencies),
		DestinationCurrencies: upper(e.DestinationCurrencies),
		Countries:             upper(e.Countries),
		MinAmount:             minAmt,
		MaxAmount:             maxAmt,
		EstimatedTimeSeconds:  e.EstimatedTimeSeconds,
		FeePercentage:         fee,
		Sandbox:               e.Sandbox,
	}, nil
}

// Entry returns the catalog entry for a rail, if present and enabled.
func (c *Catalog) Entry(id ID) (CatalogEntry, bool) {
	for _, e := range c.Rails {
		if e.ID == string(id) && !e.Disabled {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// CapabilityMap returns the capabilities of every enabled rail.
func (c *Catalog) CapabilityMap() (map[ID]Capabilities, error) {
	out := make(map[ID]Capabilities, len(c.Rails))
	for _, e := range c.Rails {
		if e.Disabled {
			continue
		}
		caps, err := e.Capabilities()
		if err != nil {
			return nil, fmt.Errorf("rail %s: %w", e.ID, err)
		}
		out[ID(e.ID)] = caps
	}
	return out, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func upper(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
