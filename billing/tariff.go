/*
tariff.go - Tariff definitions and consumption pricing

PURPOSE:
  A TariffDefinition is a versioned pricing rule for a metered service
  (electricity, water, gas). The TariffResolver prices a consumption
  reading against a definition at a billing date. Definitions are a
  tagged union over three kinds and are validated wholesale before
  acceptance - never field-by-field in UI callbacks.

KINDS:
  fixed:    amount = quantity * unit price
  tiered:   ordered consumption bands, each priced separately; the last
            band may be open-ended
  seasonal: flat price per season of the year; season month ranges may
            wrap across year-end (Dec..Feb)

VERSIONING:
  A definition is immutable once referenced by a sent emission. Pricing
  changes are made by creating a new version with a later ValidFrom,
  never by editing in place. TariffSet.For picks the definition whose
  validity window [ValidFrom, ValidTo) contains the billing date.

FAILURE MODES:
  - quantity beyond a bounded last band:        CoverageGapError
  - billing month not covered by any season:    CoverageGapError
  - billing date outside the validity window:   ErrTariffOutOfValidity
  Gaps are fatal and flag the tariff as needing correction; the resolver
  never silently defaults.

SEE ALSO:
  - types.go: ConceptAmount (pricing inside proration)
  - factory/tariff.go: JSON/YAML parsing into these types
*/
package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TARIFF DEFINITION - Tagged union over fixed / tiered / seasonal
// =============================================================================

type ServiceType string

const (
	ServiceElectricity ServiceType = "electricity"
	ServiceWater       ServiceType = "water"
	ServiceGas         ServiceType = "gas"
)

type TariffKind string

const (
	TariffFixed    TariffKind = "fixed"
	TariffTiered   TariffKind = "tiered"
	TariffSeasonal TariffKind = "seasonal"
)

// TariffBand is one consumption band of a tiered tariff. To == nil means
// the band is open-ended and absorbs all remaining quantity.
type TariffBand struct {
	From      decimal.Decimal
	To        *decimal.Decimal
	UnitPrice decimal.Decimal
}

// TariffSeason is one season of a seasonal tariff. The month range is
// inclusive on both ends and may wrap across year-end.
type TariffSeason struct {
	Name      string
	FromMonth time.Month
	ToMonth   time.Month
	UnitPrice decimal.Decimal
}

// TariffDefinition is a versioned pricing rule. Exactly one kind-specific
// section is populated: UnitPrice (fixed), Bands (tiered), or Seasons
// (seasonal).
type TariffDefinition struct {
	ID       TariffID
	Service  ServiceType
	Kind     TariffKind
	Currency string

	// Validity window [ValidFrom, ValidTo). Nil ValidTo = open-ended.
	ValidFrom Date
	ValidTo   *Date

	Taxed   bool
	TaxRate decimal.Decimal // percent, e.g. 19 for 19%

	UnitPrice *decimal.Decimal // fixed
	Bands     []TariffBand     // tiered
	Seasons   []TariffSeason   // seasonal
}

// Validate checks the whole definition at once.
//
// Tiered invariant: bands are contiguous and monotonically increasing in
// From, starting at zero; only the final band may be open-ended.
// Seasonal invariant: the seasons cover all twelve months exactly once,
// accounting for wraparound.
func (t TariffDefinition) Validate() error {
	if t.Service == "" {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "service type is required"}
	}
	if t.Currency == "" {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "currency is required"}
	}
	if t.ValidFrom.IsZero() {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "valid-from date is required"}
	}
	if t.ValidTo != nil && !t.ValidFrom.Before(*t.ValidTo) {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "valid-to must be after valid-from"}
	}
	if t.Taxed && t.TaxRate.IsNegative() {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "tax rate must not be negative"}
	}

	switch t.Kind {
	case TariffFixed:
		if len(t.Bands) > 0 || len(t.Seasons) > 0 {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: "fixed tariff must not carry bands or seasons"}
		}
		if t.UnitPrice == nil {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: "fixed tariff requires a unit price"}
		}
		if t.UnitPrice.IsNegative() {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: "unit price must not be negative"}
		}
		return nil

	case TariffTiered:
		return t.validateBands()

	case TariffSeasonal:
		return t.validateSeasons()

	default:
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "unknown tariff kind " + string(t.Kind)}
	}
}

func (t TariffDefinition) validateBands() error {
	if len(t.Bands) == 0 {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "tiered tariff requires at least one band"}
	}
	if !t.Bands[0].From.IsZero() {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "first band must start at zero"}
	}
	for i, band := range t.Bands {
		if band.UnitPrice.IsNegative() {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("band %d: unit price must not be negative", i)}
		}
		last := i == len(t.Bands)-1
		if band.To == nil {
			if !last {
				return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("band %d: only the final band may be open-ended", i)}
			}
			continue
		}
		if !band.From.LessThan(*band.To) {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("band %d: upper bound must exceed lower bound", i)}
		}
		if !last && !t.Bands[i+1].From.Equal(*band.To) {
			// Gap or overlap between bands i and i+1.
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("band %d: bands must be contiguous", i+1)}
		}
	}
	return nil
}

func (t TariffDefinition) validateSeasons() error {
	if len(t.Seasons) == 0 {
		return &ValidationError{Field: "tariff " + string(t.ID), Reason: "seasonal tariff requires at least one season"}
	}
	covered := make(map[time.Month]string)
	for _, s := range t.Seasons {
		if s.FromMonth < time.January || s.FromMonth > time.December ||
			s.ToMonth < time.January || s.ToMonth > time.December {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("season %q: months must be 1-12", s.Name)}
		}
		if s.UnitPrice.IsNegative() {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("season %q: unit price must not be negative", s.Name)}
		}
		for m := time.January; m <= time.December; m++ {
			if !MonthInRange(m, s.FromMonth, s.ToMonth) {
				continue
			}
			if prev, dup := covered[m]; dup {
				return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("month %s covered by both %q and %q", m, prev, s.Name)}
			}
			covered[m] = s.Name
		}
	}
	for m := time.January; m <= time.December; m++ {
		if _, ok := covered[m]; !ok {
			return &ValidationError{Field: "tariff " + string(t.ID), Reason: fmt.Sprintf("month %s not covered by any season", m)}
		}
	}
	return nil
}

// CoversDate reports whether the billing date falls inside the validity
// window [ValidFrom, ValidTo).
func (t TariffDefinition) CoversDate(d Date) bool {
	if d.Before(t.ValidFrom) {
		return false
	}
	if t.ValidTo != nil && d.AfterOrEqual(*t.ValidTo) {
		return false
	}
	return true
}

// =============================================================================
// TARIFF SET - Pure, pre-fetched lookup by service and date
// =============================================================================

// TariffSet is an immutable snapshot of tariff definitions supplied by the
// hosting service. The engine never fetches tariffs itself.
type TariffSet []TariffDefinition

// For returns the definition for a service whose validity window contains
// the billing date. When several versions match (which indicates sloppy
// versioning), the one with the latest ValidFrom wins.
func (ts TariffSet) For(service ServiceType, at Date) (*TariffDefinition, error) {
	var match *TariffDefinition
	for i := range ts {
		t := &ts[i]
		if t.Service != service || !t.CoversDate(at) {
			continue
		}
		if match == nil || t.ValidFrom.After(match.ValidFrom) {
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: service %s at %s", ErrTariffNotFound, service, at)
	}
	return match, nil
}

// =============================================================================
// TARIFF RESOLVER - Prices a consumption reading
// =============================================================================

type TariffResolver struct{}

// Resolve computes the pre-tax charge for a consumption quantity under a
// tariff at a billing date.
func (TariffResolver) Resolve(t TariffDefinition, quantity decimal.Decimal, billingDate Date) (Money, error) {
	if err := t.Validate(); err != nil {
		return Money{}, err
	}
	if quantity.IsNegative() {
		return Money{}, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if !t.CoversDate(billingDate) {
		return Money{}, fmt.Errorf("%w: tariff %s at %s", ErrTariffOutOfValidity, t.ID, billingDate)
	}

	switch t.Kind {
	case TariffFixed:
		return MoneyFromDecimal(quantity.Mul(*t.UnitPrice), t.Currency), nil
	case TariffTiered:
		return resolveTiered(t, quantity)
	case TariffSeasonal:
		return resolveSeasonal(t, quantity, billingDate)
	default:
		return Money{}, &ValidationError{Field: "tariff " + string(t.ID), Reason: "unknown tariff kind " + string(t.Kind)}
	}
}

// resolveTiered walks the bands in ascending order, consuming quantity at
// each band's price until the quantity is exhausted. Quantity beyond a
// bounded final band is a coverage gap.
func resolveTiered(t TariffDefinition, quantity decimal.Decimal) (Money, error) {
	bands := make([]TariffBand, len(t.Bands))
	copy(bands, t.Bands)
	sort.Slice(bands, func(i, j int) bool { return bands[i].From.LessThan(bands[j].From) })

	total := decimal.Zero
	remaining := quantity
	for _, band := range bands {
		if remaining.IsZero() {
			break
		}
		if band.To == nil {
			total = total.Add(remaining.Mul(band.UnitPrice))
			remaining = decimal.Zero
			break
		}
		width := band.To.Sub(band.From)
		consumed := decimal.Min(remaining, width)
		total = total.Add(consumed.Mul(band.UnitPrice))
		remaining = remaining.Sub(consumed)
	}
	if remaining.IsPositive() {
		return Money{}, &CoverageGapError{
			TariffID: t.ID,
			Service:  t.Service,
			Detail:   fmt.Sprintf("quantity %v exceeds the final band", quantity),
		}
	}
	return MoneyFromDecimal(total, t.Currency), nil
}

// resolveSeasonal applies the flat unit price of the season whose month
// range contains the billing date. No matching season means a malformed
// tariff: fail rather than default.
func resolveSeasonal(t TariffDefinition, quantity decimal.Decimal, billingDate Date) (Money, error) {
	month := billingDate.Month()
	for _, s := range t.Seasons {
		if MonthInRange(month, s.FromMonth, s.ToMonth) {
			return MoneyFromDecimal(quantity.Mul(s.UnitPrice), t.Currency), nil
		}
	}
	return Money{}, &CoverageGapError{
		TariffID: t.ID,
		Service:  t.Service,
		Detail:   fmt.Sprintf("no season covers month %s", month),
	}
}

// ApplyTax adds the tariff's tax on top of a pre-tax amount, rounded to
// minor-unit granularity. Untaxed tariffs return the amount unchanged.
func (TariffResolver) ApplyTax(amount Money, t TariffDefinition) Money {
	if !t.Taxed {
		return amount
	}
	factor := decimal.NewFromInt(1).Add(t.TaxRate.Div(decimal.NewFromInt(100)))
	return amount.Mul(factor).RoundMinor()
}
