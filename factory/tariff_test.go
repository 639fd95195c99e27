package factory

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// TARIFF JSON PARSING
// =============================================================================

func TestParseTariff_Tiered(t *testing.T) {
	jsonStr := `{
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
	}`

	def, err := NewTariffFactory().ParseTariff(jsonStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if def.ID != "elec-2024" || def.Kind != billing.TariffTiered {
		t.Errorf("parsed header wrong: %+v", def)
	}
	if len(def.Bands) != 2 {
		t.Fatalf("bands = %d, want 2", len(def.Bands))
	}
	if def.Bands[1].To != nil {
		t.Error("last band must stay open-ended")
	}
	if def.ValidTo == nil || !def.ValidTo.Equal(billing.NewDate(2025, time.January, 1)) {
		t.Errorf("valid_to = %v", def.ValidTo)
	}
	if !def.Taxed || !def.TaxRate.Equal(billing.MustParseDecimal("19")) {
		t.Errorf("tax config wrong: taxed=%v rate=%v", def.Taxed, def.TaxRate)
	}
}

func TestParseTariff_SeasonalWithWraparound(t *testing.T) {
	jsonStr := `{
		"id": "gas-2024",
		"service": "gas",
		"kind": "seasonal",
		"currency": "EUR",
		"valid_from": "2024-01-01",
		"seasons": [
			{"name": "winter", "from_month": 12, "to_month": 2, "unit_price": 2.00},
			{"name": "rest", "from_month": 3, "to_month": 11, "unit_price": 1.20}
		]
	}`

	def, err := NewTariffFactory().ParseTariff(jsonStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(def.Seasons) != 2 || def.Seasons[0].FromMonth != time.December {
		t.Errorf("seasons parsed wrong: %+v", def.Seasons)
	}
}

func TestParseTariff_RejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		jsonStr string
	}{
		{
			name: "band gap",
			jsonStr: `{
				"id": "bad", "service": "electricity", "kind": "tiered",
				"currency": "EUR", "valid_from": "2024-01-01",
				"bands": [
					{"from": 0, "to": 100, "unit_price": 0.80},
					{"from": 150, "unit_price": 1.20}
				]
			}`,
		},
		{
			name: "seasonal month hole",
			jsonStr: `{
				"id": "bad", "service": "gas", "kind": "seasonal",
				"currency": "EUR", "valid_from": "2024-01-01",
				"seasons": [
					{"name": "winter", "from_month": 12, "to_month": 2, "unit_price": 2.00}
				]
			}`,
		},
		{
			name: "season month out of range",
			jsonStr: `{
				"id": "bad", "service": "gas", "kind": "seasonal",
				"currency": "EUR", "valid_from": "2024-01-01",
				"seasons": [
					{"name": "always", "from_month": 0, "to_month": 13, "unit_price": 2.00}
				]
			}`,
		},
		{
			name: "fixed without unit price",
			jsonStr: `{
				"id": "bad", "service": "water", "kind": "fixed",
				"currency": "EUR", "valid_from": "2024-01-01"
			}`,
		},
		{
			name:    "malformed date",
			jsonStr: `{"id": "bad", "service": "water", "kind": "fixed", "currency": "EUR", "valid_from": "01/01/2024", "unit_price": 1.0}`,
		},
	}

	f := NewTariffFactory()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.ParseTariff(tc.jsonStr); err == nil {
				t.Error("expected a parse/validation error")
			}
		})
	}
}

func TestTariffRoundTrip(t *testing.T) {
	jsonStr := `{
		"id": "elec-2024", "service": "electricity", "kind": "tiered",
		"currency": "EUR", "valid_from": "2024-01-01", "taxed": true, "tax_rate": 19,
		"bands": [{"from": 0, "to": 100, "unit_price": 0.80}, {"from": 100, "unit_price": 1.20}]
	}`

	f := NewTariffFactory()
	def, err := f.ParseTariff(jsonStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := f.FromJSON(f.ToJSON(*def))
	if err != nil {
		t.Fatalf("round trip failed validation: %v", err)
	}
	if again.ID != def.ID || len(again.Bands) != len(def.Bands) || again.Taxed != def.Taxed {
		t.Errorf("round trip lost data: %+v vs %+v", again, def)
	}
}

// =============================================================================
// SEED LOADING
// =============================================================================

const seedYAML = `
community: com-los-olivos
currency: EUR
units:
  - id: unit-101
    quota: 0.40
  - id: unit-102
    quota: 0.35
  - id: unit-103
    quota: 0.25
    active: false
tariffs:
  - id: elec-2024
    service: electricity
    kind: fixed
    valid_from: "2024-01-01"
    unit_price: 0.80
emissions:
  - id: em-2024-03
    period: "2024-03"
    type: ordinary
    issue_date: "2024-03-01"
    due_date: "2024-03-31"
    grace_days: 5
    interest_rate: 2
    concepts:
      - id: cleaning
        name: Stairwell cleaning
        amount: 450.00
        rule: proportional
      - id: electricity
        name: Common electricity
        quantity: 300
        service: electricity
        rule: equal
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seed.Community != "com-los-olivos" {
		t.Errorf("community = %s", seed.Community)
	}
	if len(seed.Roster) != 3 {
		t.Fatalf("roster = %d units, want 3", len(seed.Roster))
	}
	if seed.Roster[0].Active != true || seed.Roster[2].Active != false {
		t.Error("active defaulting wrong: omitted means active, explicit false sticks")
	}
	if len(seed.Tariffs) != 1 || seed.Tariffs[0].Currency != "EUR" {
		t.Error("tariff must inherit the seed currency")
	}

	if len(seed.Emissions) != 1 {
		t.Fatalf("emissions = %d, want 1", len(seed.Emissions))
	}
	em := seed.Emissions[0]
	if em.Status != billing.EmissionDraft {
		t.Errorf("seeded emissions start as drafts, got %s", em.Status)
	}
	if em.CommunityID != "com-los-olivos" {
		t.Errorf("emission community = %s", em.CommunityID)
	}
	if em.InterestRate == nil || !em.InterestRate.Equal(billing.MustParseDecimal("2")) {
		t.Errorf("interest rate = %v", em.InterestRate)
	}

	concepts := seed.Concepts[em.ID]
	if len(concepts) != 2 {
		t.Fatalf("concepts = %d, want 2", len(concepts))
	}
	if concepts[0].Amount == nil || concepts[1].Quantity == nil {
		t.Error("concept shapes lost in parsing")
	}
	if concepts[1].Service != billing.ServiceElectricity {
		t.Errorf("consumption concept service = %s", concepts[1].Service)
	}
}

func TestParseSeed_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "missing community", yaml: "currency: EUR\nunits:\n  - id: u1\n    quota: 1\n"},
		{name: "missing currency", yaml: "community: c1\nunits:\n  - id: u1\n    quota: 1\n"},
		{name: "empty roster", yaml: "community: c1\ncurrency: EUR\n"},
		{
			name: "concept with both amount and quantity",
			yaml: seedYAML + "      - id: broken\n        name: Broken\n        amount: 10\n        quantity: 5\n        service: electricity\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(tc.yaml)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	_, err := LoadSeed("does-not-exist.yaml")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapped os.ErrNotExist", err)
	}
}
