/*
Package factory provides JSON to Go tariff conversion.

PURPOSE:
  Converts JSON tariff definitions into billing.TariffDefinition values.
  This enables tariff configuration without code changes - an
  administrator can define utility pricing in JSON, and the factory
  creates the proper Go structs with the wholesale validation the
  resolver relies on.

WHY JSON?
  - Non-developers can adjust pricing
  - Easy integration with an admin UI
  - Version control for tariff history
  - Database storage of tariff configs

JSON SCHEMA:
  {
    "id": "elec-2024",
    "service": "electricity",
    "kind": "tiered",
    "currency": "EUR",
    "valid_from": "2024-01-01",
    "valid_to": "2025-01-01",
    "taxed": true,
    "tax_rate": 19,
    "bands": [
      {"from": 0, "to": 100, "unit_price": 0.80},
      {"from": 100, "unit_price": 1.20}
    ]
  }

  Fixed tariffs carry "unit_price" at the top level; seasonal tariffs
  carry a "seasons" list with month ranges. Exactly one of the three
  shapes must be present, matching the kind.

SEE ALSO:
  - billing/tariff.go: TariffDefinition and resolver
  - factory/seed.go: YAML seed files embed the same tariff shape
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TariffJSON is the JSON representation of a tariff definition.
type TariffJSON struct {
	ID        string       `json:"id" yaml:"id"`
	Service   string       `json:"service" yaml:"service"`
	Kind      string       `json:"kind" yaml:"kind"`
	Currency  string       `json:"currency" yaml:"currency"`
	ValidFrom string       `json:"valid_from" yaml:"valid_from"`
	ValidTo   string       `json:"valid_to,omitempty" yaml:"valid_to,omitempty"`
	Taxed     bool         `json:"taxed,omitempty" yaml:"taxed,omitempty"`
	TaxRate   *float64     `json:"tax_rate,omitempty" yaml:"tax_rate,omitempty"`
	UnitPrice *float64     `json:"unit_price,omitempty" yaml:"unit_price,omitempty"`
	Bands     []BandJSON   `json:"bands,omitempty" yaml:"bands,omitempty"`
	Seasons   []SeasonJSON `json:"seasons,omitempty" yaml:"seasons,omitempty"`
}

// BandJSON represents one consumption band of a tiered tariff. A band
// without "to" is open-ended and must come last.
type BandJSON struct {
	From      float64  `json:"from" yaml:"from"`
	To        *float64 `json:"to,omitempty" yaml:"to,omitempty"`
	UnitPrice float64  `json:"unit_price" yaml:"unit_price"`
}

// SeasonJSON represents one month range of a seasonal tariff. Months are
// 1-12; a range may wrap the year end (from 12 to 2).
type SeasonJSON struct {
	Name      string  `json:"name" yaml:"name"`
	FromMonth int     `json:"from_month" yaml:"from_month"`
	ToMonth   int     `json:"to_month" yaml:"to_month"`
	UnitPrice float64 `json:"unit_price" yaml:"unit_price"`
}

// =============================================================================
// TARIFF FACTORY
// =============================================================================

// TariffFactory converts JSON tariffs to billing structs.
type TariffFactory struct{}

func NewTariffFactory() *TariffFactory {
	return &TariffFactory{}
}

// ParseTariff parses a JSON string into a validated TariffDefinition.
func (f *TariffFactory) ParseTariff(jsonStr string) (*billing.TariffDefinition, error) {
	var tj TariffJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return nil, fmt.Errorf("failed to parse tariff JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts TariffJSON to a TariffDefinition. The definition is
// validated wholesale: a tariff that parses but cannot price every
// plausible consumption is rejected here, not at billing time.
func (f *TariffFactory) FromJSON(tj TariffJSON) (*billing.TariffDefinition, error) {
	def := &billing.TariffDefinition{
		ID:       billing.TariffID(tj.ID),
		Service:  billing.ServiceType(tj.Service),
		Kind:     billing.TariffKind(tj.Kind),
		Currency: tj.Currency,
		Taxed:    tj.Taxed,
	}

	from, err := billing.ParseDate(tj.ValidFrom)
	if err != nil {
		return nil, fmt.Errorf("tariff %s: invalid valid_from: %w", tj.ID, err)
	}
	def.ValidFrom = from

	if tj.ValidTo != "" {
		to, err := billing.ParseDate(tj.ValidTo)
		if err != nil {
			return nil, fmt.Errorf("tariff %s: invalid valid_to: %w", tj.ID, err)
		}
		def.ValidTo = &to
	}

	if tj.TaxRate != nil {
		def.TaxRate = decimal.NewFromFloat(*tj.TaxRate)
	}
	if tj.UnitPrice != nil {
		p := decimal.NewFromFloat(*tj.UnitPrice)
		def.UnitPrice = &p
	}

	for _, bj := range tj.Bands {
		band := billing.TariffBand{
			From:      decimal.NewFromFloat(bj.From),
			UnitPrice: decimal.NewFromFloat(bj.UnitPrice),
		}
		if bj.To != nil {
			to := decimal.NewFromFloat(*bj.To)
			band.To = &to
		}
		def.Bands = append(def.Bands, band)
	}

	for _, sj := range tj.Seasons {
		if sj.FromMonth < 1 || sj.FromMonth > 12 || sj.ToMonth < 1 || sj.ToMonth > 12 {
			return nil, fmt.Errorf("tariff %s: season %q months must be 1-12", tj.ID, sj.Name)
		}
		def.Seasons = append(def.Seasons, billing.TariffSeason{
			Name:      sj.Name,
			FromMonth: time.Month(sj.FromMonth),
			ToMonth:   time.Month(sj.ToMonth),
			UnitPrice: decimal.NewFromFloat(sj.UnitPrice),
		})
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ToJSON converts a TariffDefinition back to its JSON shape.
func (f *TariffFactory) ToJSON(def billing.TariffDefinition) TariffJSON {
	tj := TariffJSON{
		ID:        string(def.ID),
		Service:   string(def.Service),
		Kind:      string(def.Kind),
		Currency:  def.Currency,
		ValidFrom: def.ValidFrom.String(),
		Taxed:     def.Taxed,
	}
	if def.ValidTo != nil {
		tj.ValidTo = def.ValidTo.String()
	}
	if !def.TaxRate.IsZero() {
		v, _ := def.TaxRate.Float64()
		tj.TaxRate = &v
	}
	if def.UnitPrice != nil {
		v, _ := def.UnitPrice.Float64()
		tj.UnitPrice = &v
	}
	for _, b := range def.Bands {
		bj := BandJSON{}
		bj.From, _ = b.From.Float64()
		bj.UnitPrice, _ = b.UnitPrice.Float64()
		if b.To != nil {
			to, _ := b.To.Float64()
			bj.To = &to
		}
		tj.Bands = append(tj.Bands, bj)
	}
	for _, s := range def.Seasons {
		sj := SeasonJSON{
			Name:      s.Name,
			FromMonth: int(s.FromMonth),
			ToMonth:   int(s.ToMonth),
		}
		sj.UnitPrice, _ = s.UnitPrice.Float64()
		tj.Seasons = append(tj.Seasons, sj)
	}
	return tj
}
