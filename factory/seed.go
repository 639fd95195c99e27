/*
seed.go - YAML seed files for bootstrapping a community

PURPOSE:
  Loads a whole community setup from one YAML document: the unit roster,
  the utility tariffs, and any draft emissions with their concepts. The
  server loads a seed at startup when -seed is given, which is how demo
  and test environments come up with realistic data.

YAML SHAPE:
  community: com-los-olivos
  currency: EUR
  units:
    - id: unit-101
      quota: 0.25
      active: true
  tariffs:
    - id: elec-2024
      service: electricity
      kind: fixed
      currency: EUR
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

SEE ALSO:
  - factory/tariff.go: tariff entries reuse the TariffJSON shape
  - cmd/server/main.go: applies the seed against the store at boot
*/
package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type SeedFile struct {
	Community string         `yaml:"community"`
	Currency  string         `yaml:"currency"`
	Units     []SeedUnit     `yaml:"units"`
	Tariffs   []TariffJSON   `yaml:"tariffs"`
	Emissions []SeedEmission `yaml:"emissions"`
}

type SeedUnit struct {
	ID     string  `yaml:"id"`
	Quota  float64 `yaml:"quota"`
	Active *bool   `yaml:"active"` // nil means active
}

type SeedEmission struct {
	ID           string        `yaml:"id"`
	Period       string        `yaml:"period"`
	Type         string        `yaml:"type"`
	IssueDate    string        `yaml:"issue_date"`
	DueDate      string        `yaml:"due_date"`
	GraceDays    int           `yaml:"grace_days"`
	InterestRate *float64      `yaml:"interest_rate"`
	Compound     bool          `yaml:"compound"`
	Concepts     []SeedConcept `yaml:"concepts"`
}

type SeedConcept struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Amount   *float64           `yaml:"amount"`
	Quantity *float64           `yaml:"quantity"`
	Service  string             `yaml:"service"`
	Rule     string             `yaml:"rule"`
	Custom   map[string]float64 `yaml:"custom"`
}

// =============================================================================
// SEED - Parsed, validated bootstrap data
// =============================================================================

// Seed is the validated result of loading a seed file, ready to be
// written into a store.
type Seed struct {
	Community billing.CommunityID
	Roster    []billing.UnitParticipation
	Tariffs   []billing.TariffDefinition
	Emissions []billing.Emission
	Concepts  map[billing.EmissionID][]billing.Concept
}

// Apply writes the seed into a store. The caller wraps it in a
// transaction so a broken seed leaves the store untouched.
func (seed *Seed) Apply(ctx context.Context, s billing.Store) error {
	for _, u := range seed.Roster {
		if err := s.SaveParticipation(ctx, seed.Community, u); err != nil {
			return err
		}
	}
	for _, t := range seed.Tariffs {
		if err := s.SaveTariff(ctx, t); err != nil {
			return err
		}
	}
	for _, em := range seed.Emissions {
		if err := s.SaveEmission(ctx, em); err != nil {
			return err
		}
		if err := s.SaveConcepts(ctx, em.ID, seed.Concepts[em.ID]); err != nil {
			return err
		}
	}
	return nil
}

// LoadSeed reads and parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses YAML seed content. Every tariff and concept is
// validated before anything is returned: a seed either loads whole or
// not at all.
func ParseSeed(raw []byte) (*Seed, error) {
	var sf SeedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	if sf.Community == "" {
		return nil, fmt.Errorf("seed: community is required")
	}
	if sf.Currency == "" {
		return nil, fmt.Errorf("seed: currency is required")
	}
	if len(sf.Units) == 0 {
		return nil, fmt.Errorf("seed: at least one unit is required")
	}

	seed := &Seed{
		Community: billing.CommunityID(sf.Community),
		Concepts:  make(map[billing.EmissionID][]billing.Concept),
	}

	for _, u := range sf.Units {
		active := true
		if u.Active != nil {
			active = *u.Active
		}
		seed.Roster = append(seed.Roster, billing.UnitParticipation{
			UnitID: billing.UnitID(u.ID),
			Quota:  decimal.NewFromFloat(u.Quota),
			Active: active,
		})
	}

	tf := NewTariffFactory()
	for _, tj := range sf.Tariffs {
		if tj.Currency == "" {
			tj.Currency = sf.Currency
		}
		def, err := tf.FromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		seed.Tariffs = append(seed.Tariffs, *def)
	}

	for _, se := range sf.Emissions {
		em, concepts, err := parseSeedEmission(se, seed.Community, sf.Currency)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		seed.Emissions = append(seed.Emissions, *em)
		seed.Concepts[em.ID] = concepts
	}

	return seed, nil
}

func parseSeedEmission(se SeedEmission, community billing.CommunityID, currency string) (*billing.Emission, []billing.Concept, error) {
	em := &billing.Emission{
		ID:          billing.EmissionID(se.ID),
		CommunityID: community,
		Period:      se.Period,
		Type:        billing.EmissionType(se.Type),
		GraceDays:   se.GraceDays,
		Compound:    se.Compound,
		Currency:    currency,
		Status:      billing.EmissionDraft,
	}
	if em.Type == "" {
		em.Type = billing.EmissionOrdinary
	}

	if se.IssueDate != "" {
		d, err := billing.ParseDate(se.IssueDate)
		if err != nil {
			return nil, nil, fmt.Errorf("emission %s: invalid issue_date: %w", se.ID, err)
		}
		em.IssueDate = d
	}
	due, err := billing.ParseDate(se.DueDate)
	if err != nil {
		return nil, nil, fmt.Errorf("emission %s: invalid due_date: %w", se.ID, err)
	}
	em.DueDate = due

	if se.InterestRate != nil {
		r := decimal.NewFromFloat(*se.InterestRate)
		em.InterestRate = &r
	}

	var concepts []billing.Concept
	for _, sc := range se.Concepts {
		c, err := parseSeedConcept(sc, currency)
		if err != nil {
			return nil, nil, fmt.Errorf("emission %s: %w", se.ID, err)
		}
		concepts = append(concepts, *c)
	}
	return em, concepts, nil
}

func parseSeedConcept(sc SeedConcept, currency string) (*billing.Concept, error) {
	c := &billing.Concept{
		ID:   billing.ConceptID(sc.ID),
		Name: sc.Name,
		Rule: billing.CustomizableRule{Kind: billing.DistributionRule(sc.Rule)},
	}
	if c.Rule.Kind == "" {
		c.Rule.Kind = billing.DistributeProportional
	}

	if sc.Amount != nil {
		a := billing.NewMoney(*sc.Amount, currency)
		c.Amount = &a
	}
	if sc.Quantity != nil {
		q := decimal.NewFromFloat(*sc.Quantity)
		c.Quantity = &q
		c.Service = billing.ServiceType(sc.Service)
	}
	if len(sc.Custom) > 0 {
		c.Rule.Custom = make(map[billing.UnitID]billing.Money, len(sc.Custom))
		for unit, v := range sc.Custom {
			c.Rule.Custom[billing.UnitID(unit)] = billing.NewMoney(v, currency)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("concept %s: %w", sc.ID, err)
	}
	return c, nil
}
