/*
proration.go - Distributing concept amounts across the unit roster

PURPOSE:
  The ProrationEngine splits each concept's amount across the community's
  active units according to the concept's distribution rule, producing
  one UnitDistribution per active unit. This is the computation every
  invoice in the system ultimately rests on.

ROUNDING POLICY (the single most important correctness property):
  Shares are computed at full decimal precision, floored to minor-unit
  (cent) granularity, and the rounding remainder is handed out one cent
  at a time to the units with the largest fractional remainders, largest
  first, ties broken by unit identifier ascending. This guarantees

      sum of rounded shares == concept amount, exactly,

  for any amount and any quota distribution. No cent is ever created or
  lost, and two runs on identical inputs are byte-identical.

RULES:
  equal:        amount / active unit count, same share for everyone
  proportional: amount * quota / sum of active quotas
  custom:       explicit per-unit override map; rejected if any active
                unit is missing or the map names an inactive/unknown unit

SEE ALSO:
  - tariff.go: consumption concepts are priced through TariffSet first
  - lifecycle.go: MarkReady calls Distribute before draft -> ready
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRORATION ENGINE
// =============================================================================

type ProrationEngine struct{}

// Distribute computes each active unit's pre-interest, pre-payment share
// of every concept in the emission. Consumption concepts are priced
// through the supplied tariff set at the emission's issue date.
//
// The whole distribution is all-or-nothing: any rejected concept fails
// the call and no partial result is returned.
func (pe ProrationEngine) Distribute(em Emission, concepts []Concept, roster []UnitParticipation, tariffs TariffSet) ([]UnitDistribution, error) {
	active := ActiveUnits(roster)

	dists := make(map[UnitID]*UnitDistribution, len(active))
	for _, u := range active {
		dists[u.UnitID] = &UnitDistribution{
			UnitID:        u.UnitID,
			EmissionID:    em.ID,
			DueDate:       em.DueDate,
			Currency:      em.Currency,
			Principal:     ZeroMoney(em.Currency),
			Interest:      ZeroMoney(em.Currency),
			PrincipalPaid: ZeroMoney(em.Currency),
			InterestPaid:  ZeroMoney(em.Currency),
		}
	}

	for _, c := range concepts {
		amount, err := ConceptAmount(c, tariffs, em.PricingDate(), em.Currency)
		if err != nil {
			return nil, err
		}
		if amount.Currency != em.Currency {
			return nil, &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "currency " + amount.Currency + " does not match emission currency " + em.Currency,
			}
		}
		if amount.IsNegative() {
			return nil, &ValidationError{Field: "concept " + string(c.ID), Reason: "amount must not be negative"}
		}

		shares, err := pe.distributeConcept(c, amount.RoundMinor(), active)
		if err != nil {
			return nil, err
		}
		for unitID, share := range shares {
			d := dists[unitID]
			d.Principal = d.Principal.Add(share)
			d.Shares = append(d.Shares, ConceptShare{ConceptID: c.ID, Amount: share})
		}
	}

	out := make([]UnitDistribution, 0, len(dists))
	for _, d := range dists {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

// distributeConcept splits one concept amount across the active roster.
func (pe ProrationEngine) distributeConcept(c Concept, amount Money, active []UnitParticipation) (map[UnitID]Money, error) {
	switch c.Rule.Kind {
	case DistributeEqual:
		if len(active) == 0 {
			return nil, ErrEmptyRoster
		}
		weights := make(map[UnitID]decimal.Decimal, len(active))
		for _, u := range active {
			weights[u.UnitID] = decimal.NewFromInt(1)
		}
		return allocateLargestRemainder(amount, weights), nil

	case DistributeProportional:
		if len(active) == 0 {
			return nil, ErrEmptyRoster
		}
		weights := make(map[UnitID]decimal.Decimal, len(active))
		quotaSum := decimal.Zero
		for _, u := range active {
			if u.Quota.IsNegative() {
				return nil, &ValidationError{Field: "unit " + string(u.UnitID), Reason: "quota must not be negative"}
			}
			weights[u.UnitID] = u.Quota
			quotaSum = quotaSum.Add(u.Quota)
		}
		if quotaSum.IsZero() {
			return nil, &ValidationError{Field: "concept " + string(c.ID), Reason: "active quotas sum to zero"}
		}
		return allocateLargestRemainder(amount, weights), nil

	case DistributeCustom:
		return pe.applyCustom(c, amount, active)

	default:
		return nil, &ValidationError{Field: "concept " + string(c.ID), Reason: "unknown distribution rule " + string(c.Rule.Kind)}
	}
}

// applyCustom validates and applies an explicit per-unit override map.
func (pe ProrationEngine) applyCustom(c Concept, amount Money, active []UnitParticipation) (map[UnitID]Money, error) {
	activeSet := make(map[UnitID]bool, len(active))
	for _, u := range active {
		activeSet[u.UnitID] = true
	}

	for unitID := range c.Rule.Custom {
		if !activeSet[unitID] {
			return nil, &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "custom map names inactive or unknown unit " + string(unitID),
			}
		}
	}
	for _, u := range active {
		if _, ok := c.Rule.Custom[u.UnitID]; !ok {
			return nil, &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "custom map missing active unit " + string(u.UnitID),
			}
		}
	}

	sum := amount.Zero()
	shares := make(map[UnitID]Money, len(c.Rule.Custom))
	for unitID, share := range c.Rule.Custom {
		if share.IsNegative() {
			return nil, &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "custom share for unit " + string(unitID) + " must not be negative",
			}
		}
		rounded := share.RoundMinor()
		shares[unitID] = rounded
		sum = sum.Add(rounded)
	}
	if !sum.EqualWithinTolerance(amount) {
		return nil, &AllocationMismatchError{
			Subject:  "concept " + string(c.ID),
			Expected: amount,
			Got:      sum,
		}
	}
	return shares, nil
}

// =============================================================================
// LARGEST-REMAINDER ALLOCATION
// =============================================================================

// allocateLargestRemainder splits amount across units in proportion to
// their weights, at minor-unit granularity, with the rounding remainder
// distributed one cent at a time to the largest fractional remainders
// (ties by unit ID ascending). The returned shares sum to amount exactly.
func allocateLargestRemainder(amount Money, weights map[UnitID]decimal.Decimal) map[UnitID]Money {
	type rawShare struct {
		unitID  UnitID
		floored decimal.Decimal
		frac    decimal.Decimal
	}

	unitIDs := make([]UnitID, 0, len(weights))
	for id := range weights {
		unitIDs = append(unitIDs, id)
	}
	sort.Slice(unitIDs, func(i, j int) bool { return unitIDs[i] < unitIDs[j] })

	weightSum := decimal.Zero
	for _, id := range unitIDs {
		weightSum = weightSum.Add(weights[id])
	}

	raws := make([]rawShare, 0, len(unitIDs))
	flooredSum := decimal.Zero
	for _, id := range unitIDs {
		raw := amount.Value.Mul(weights[id]).Div(weightSum)
		floored := raw.RoundDown(2)
		raws = append(raws, rawShare{unitID: id, floored: floored, frac: raw.Sub(floored)})
		flooredSum = flooredSum.Add(floored)
	}

	// Remaining cents to hand out. Exact by construction: the floored sum
	// can only fall short of a minor-unit-granular amount by whole cents.
	cents := amount.Value.Sub(flooredSum).Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	// Largest fractional remainder first; ties by unit ID ascending (the
	// slice is already in unit ID order, and the sort is stable).
	sort.SliceStable(raws, func(i, j int) bool {
		return raws[i].frac.GreaterThan(raws[j].frac)
	})

	oneCent := decimal.New(1, -2)
	shares := make(map[UnitID]Money, len(raws))
	for i, r := range raws {
		v := r.floored
		if int64(i) < cents {
			v = v.Add(oneCent)
		}
		shares[r.unitID] = MoneyFromDecimal(v, amount.Currency)
	}
	return shares
}
