package billing_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// TEST HELPERS (shared across the package tests)
// =============================================================================

const testCurrency = "EUR"

func money(v float64) billing.Money {
	return billing.NewMoney(v, testCurrency)
}

func dec(s string) decimal.Decimal {
	return billing.MustParseDecimal(s)
}

func decp(s string) *decimal.Decimal {
	d := billing.MustParseDecimal(s)
	return &d
}

func date(y int, m time.Month, d int) billing.Date {
	return billing.NewDate(y, m, d)
}

func fixedConcept(id string, amount float64, rule billing.DistributionRule) billing.Concept {
	a := money(amount)
	return billing.Concept{
		ID:     billing.ConceptID(id),
		Name:   id,
		Amount: &a,
		Rule:   billing.CustomizableRule{Kind: rule},
	}
}

func roster3() []billing.UnitParticipation {
	return []billing.UnitParticipation{
		{UnitID: "unit-a", Quota: dec("0.40"), Active: true},
		{UnitID: "unit-b", Quota: dec("0.35"), Active: true},
		{UnitID: "unit-c", Quota: dec("0.25"), Active: true},
	}
}

func testEmission(id string) billing.Emission {
	return billing.Emission{
		ID:          billing.EmissionID(id),
		CommunityID: "com-1",
		Period:      "2024-03",
		Type:        billing.EmissionOrdinary,
		IssueDate:   date(2024, time.March, 1),
		DueDate:     date(2024, time.March, 31),
		GraceDays:   5,
		Currency:    testCurrency,
		Status:      billing.EmissionDraft,
	}
}

func principalSum(dists []billing.UnitDistribution) decimal.Decimal {
	sum := decimal.Zero
	for _, d := range dists {
		sum = sum.Add(d.Principal.Value)
	}
	return sum
}

func findDist(t *testing.T, dists []billing.UnitDistribution, unit billing.UnitID) billing.UnitDistribution {
	t.Helper()
	for _, d := range dists {
		if d.UnitID == unit {
			return d
		}
	}
	t.Fatalf("no distribution for unit %s", unit)
	return billing.UnitDistribution{}
}

// =============================================================================
// EQUAL DISTRIBUTION - remainder goes to lowest unit IDs first
// =============================================================================

func TestDistribute_Equal_RemainderCentIsDeterministic(t *testing.T) {
	// GIVEN: 100,000.00 split equally across 3 active units
	// WHEN: Distributing
	// THEN: Shares sum to exactly 100,000.00 and unit-a (lowest ID, all
	//       fractional remainders tied) absorbs the extra cent

	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	concepts := []billing.Concept{fixedConcept("cleaning", 100000, billing.DistributeEqual)}

	dists, err := engine.Distribute(em, concepts, roster3(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !principalSum(dists).Equal(dec("100000")) {
		t.Errorf("shares leak cents: sum = %v", principalSum(dists))
	}
	if got := findDist(t, dists, "unit-a").Principal.Value; !got.Equal(dec("33333.34")) {
		t.Errorf("unit-a should absorb the extra cent, got %v", got)
	}
	if got := findDist(t, dists, "unit-b").Principal.Value; !got.Equal(dec("33333.33")) {
		t.Errorf("unit-b share = %v, want 33333.33", got)
	}
	if got := findDist(t, dists, "unit-c").Principal.Value; !got.Equal(dec("33333.33")) {
		t.Errorf("unit-c share = %v, want 33333.33", got)
	}
}

func TestDistribute_TwoConcepts_SumsExactly(t *testing.T) {
	// GIVEN: Concepts of 100,000.00 and 50,333.00 split equally across 3 units
	// THEN: Per-unit shares sum to exactly 150,333.00

	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	concepts := []billing.Concept{
		fixedConcept("cleaning", 100000, billing.DistributeEqual),
		fixedConcept("gardening", 50333, billing.DistributeEqual),
	}

	dists, err := engine.Distribute(em, concepts, roster3(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !principalSum(dists).Equal(dec("150333")) {
		t.Errorf("expected exact total 150333, got %v", principalSum(dists))
	}

	// 50,333 / 3 = 16,777.666..: two cents left over after flooring, so
	// unit-a and unit-b each pick one up.
	if got := findDist(t, dists, "unit-a").Principal.Value; !got.Equal(dec("50111.01")) {
		t.Errorf("unit-a total = %v, want 50111.01", got)
	}
	if got := findDist(t, dists, "unit-b").Principal.Value; !got.Equal(dec("50111.00")) {
		t.Errorf("unit-b total = %v, want 50111.00", got)
	}
	if got := findDist(t, dists, "unit-c").Principal.Value; !got.Equal(dec("50110.99")) {
		t.Errorf("unit-c total = %v, want 50110.99", got)
	}
}

// =============================================================================
// PROPORTIONAL DISTRIBUTION
// =============================================================================

func TestDistribute_Proportional_NormalizesQuotas(t *testing.T) {
	// GIVEN: Quotas 2/3/5 (sum 10, not 1) and an amount of 1,000.00
	// THEN: Shares are 200 / 300 / 500

	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	roster := []billing.UnitParticipation{
		{UnitID: "unit-a", Quota: dec("2"), Active: true},
		{UnitID: "unit-b", Quota: dec("3"), Active: true},
		{UnitID: "unit-c", Quota: dec("5"), Active: true},
	}
	concepts := []billing.Concept{fixedConcept("water", 1000, billing.DistributeProportional)}

	dists, err := engine.Distribute(em, concepts, roster, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := findDist(t, dists, "unit-a").Principal.Value; !got.Equal(dec("200")) {
		t.Errorf("unit-a = %v, want 200", got)
	}
	if got := findDist(t, dists, "unit-b").Principal.Value; !got.Equal(dec("300")) {
		t.Errorf("unit-b = %v, want 300", got)
	}
	if got := findDist(t, dists, "unit-c").Principal.Value; !got.Equal(dec("500")) {
		t.Errorf("unit-c = %v, want 500", got)
	}
}

func TestDistribute_Proportional_NoRoundingLeakage(t *testing.T) {
	// Awkward quotas and amounts must still sum exactly.
	cases := []struct {
		name   string
		amount float64
		quotas []string
	}{
		{"thirds", 100, []string{"1", "1", "1"}},
		{"sevenths", 999.97, []string{"1", "2", "4"}},
		{"uneven", 1234.56, []string{"0.123", "0.456", "0.789"}},
		{"tiny amount", 0.05, []string{"5", "3", "2"}},
		{"many units", 80808.08, []string{"1", "1", "1", "1", "1", "1", "1"}},
	}

	engine := billing.ProrationEngine{}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roster := make([]billing.UnitParticipation, len(tc.quotas))
			for i, q := range tc.quotas {
				roster[i] = billing.UnitParticipation{
					UnitID: billing.UnitID(string(rune('a' + i))),
					Quota:  dec(q),
					Active: true,
				}
			}
			em := testEmission("em-1")
			concepts := []billing.Concept{fixedConcept("c", tc.amount, billing.DistributeProportional)}

			dists, err := engine.Distribute(em, concepts, roster, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := decimal.NewFromFloat(tc.amount)
			if !principalSum(dists).Equal(want) {
				t.Errorf("sum = %v, want %v", principalSum(dists), want)
			}
		})
	}
}

func TestDistribute_Reproducible(t *testing.T) {
	// Running proration twice on identical inputs yields identical outputs.
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	concepts := []billing.Concept{
		fixedConcept("cleaning", 100000, billing.DistributeEqual),
		fixedConcept("reserve", 777.77, billing.DistributeProportional),
	}

	first, err := engine.Distribute(em, concepts, roster3(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := engine.Distribute(em, concepts, roster3(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("distribution is not reproducible on identical inputs")
	}
}

// =============================================================================
// CUSTOM DISTRIBUTION
// =============================================================================

func TestDistribute_Custom_Valid(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	a := money(600)
	c := billing.Concept{
		ID:     "repair",
		Amount: &a,
		Rule: billing.CustomizableRule{
			Kind: billing.DistributeCustom,
			Custom: map[billing.UnitID]billing.Money{
				"unit-a": money(100),
				"unit-b": money(200),
				"unit-c": money(300),
			},
		},
	}

	dists, err := engine.Distribute(em, []billing.Concept{c}, roster3(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := findDist(t, dists, "unit-c").Principal.Value; !got.Equal(dec("300")) {
		t.Errorf("unit-c = %v, want 300", got)
	}
}

func TestDistribute_Custom_MissingActiveUnit_Rejected(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	a := money(300)
	c := billing.Concept{
		ID:     "repair",
		Amount: &a,
		Rule: billing.CustomizableRule{
			Kind: billing.DistributeCustom,
			Custom: map[billing.UnitID]billing.Money{
				"unit-a": money(100),
				"unit-b": money(200),
				// unit-c missing
			},
		},
	}

	_, err := engine.Distribute(em, []billing.Concept{c}, roster3(), nil)
	if !errors.Is(err, billing.ErrValidation) {
		t.Errorf("expected validation error for missing unit, got %v", err)
	}
}

func TestDistribute_Custom_UnknownUnit_Rejected(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	a := money(600)
	c := billing.Concept{
		ID:     "repair",
		Amount: &a,
		Rule: billing.CustomizableRule{
			Kind: billing.DistributeCustom,
			Custom: map[billing.UnitID]billing.Money{
				"unit-a":  money(100),
				"unit-b":  money(200),
				"unit-c":  money(200),
				"unit-xx": money(100),
			},
		},
	}

	_, err := engine.Distribute(em, []billing.Concept{c}, roster3(), nil)
	if !errors.Is(err, billing.ErrValidation) {
		t.Errorf("expected validation error for unknown unit, got %v", err)
	}
}

func TestDistribute_Custom_SumMismatch_Rejected(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	a := money(600)
	c := billing.Concept{
		ID:     "repair",
		Amount: &a,
		Rule: billing.CustomizableRule{
			Kind: billing.DistributeCustom,
			Custom: map[billing.UnitID]billing.Money{
				"unit-a": money(100),
				"unit-b": money(200),
				"unit-c": money(250), // sums to 550, not 600
			},
		},
	}

	_, err := engine.Distribute(em, []billing.Concept{c}, roster3(), nil)
	if !errors.Is(err, billing.ErrAllocationMismatch) {
		t.Errorf("expected allocation mismatch, got %v", err)
	}
}

// =============================================================================
// FAILURE CONDITIONS
// =============================================================================

func TestDistribute_NegativeAmount_Rejected(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	concepts := []billing.Concept{fixedConcept("refund", -50, billing.DistributeEqual)}

	_, err := engine.Distribute(em, concepts, roster3(), nil)
	if !errors.Is(err, billing.ErrValidation) {
		t.Errorf("expected validation error for negative amount, got %v", err)
	}
}

func TestDistribute_NoActiveUnits_Rejected(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	roster := []billing.UnitParticipation{
		{UnitID: "unit-a", Quota: dec("1"), Active: false},
	}
	concepts := []billing.Concept{fixedConcept("cleaning", 100, billing.DistributeEqual)}

	_, err := engine.Distribute(em, concepts, roster, nil)
	if !errors.Is(err, billing.ErrEmptyRoster) {
		t.Errorf("expected empty roster error, got %v", err)
	}
}

func TestDistribute_InactiveUnit_ReceivesNothing(t *testing.T) {
	// Inactive units keep historical records but receive no new proration.
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	roster := append(roster3(), billing.UnitParticipation{
		UnitID: "unit-d", Quota: dec("0.50"), Active: false,
	})
	concepts := []billing.Concept{fixedConcept("cleaning", 900, billing.DistributeEqual)}

	dists, err := engine.Distribute(em, concepts, roster, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dists) != 3 {
		t.Fatalf("expected 3 distributions, got %d", len(dists))
	}
	for _, d := range dists {
		if d.UnitID == "unit-d" {
			t.Error("inactive unit must not receive a distribution")
		}
	}
}

// =============================================================================
// CONSUMPTION CONCEPTS - priced through the tariff set
// =============================================================================

func TestDistribute_ConsumptionConcept_UsesTariff(t *testing.T) {
	// GIVEN: An electricity concept of 300 kWh under a fixed 0.50/kWh tariff
	// THEN: The concept amount is 150.00, split equally

	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	qty := dec("300")
	c := billing.Concept{
		ID:       "electricity-common",
		Quantity: &qty,
		Service:  billing.ServiceElectricity,
		Rule:     billing.CustomizableRule{Kind: billing.DistributeEqual},
	}
	tariffs := billing.TariffSet{{
		ID:        "elec-2024",
		Service:   billing.ServiceElectricity,
		Kind:      billing.TariffFixed,
		Currency:  testCurrency,
		ValidFrom: date(2024, time.January, 1),
		UnitPrice: decp("0.50"),
	}}

	dists, err := engine.Distribute(em, []billing.Concept{c}, roster3(), tariffs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !principalSum(dists).Equal(dec("150")) {
		t.Errorf("expected total 150, got %v", principalSum(dists))
	}
}

func TestDistribute_ConsumptionConcept_DraftWithoutIssueDate_PricesAtDueDate(t *testing.T) {
	// GIVEN: A draft emission that has not been issued yet
	// THEN: The tariff is resolved at the due date, not the zero date

	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	em.IssueDate = billing.Date{}
	qty := dec("300")
	c := billing.Concept{
		ID:       "electricity-common",
		Quantity: &qty,
		Service:  billing.ServiceElectricity,
		Rule:     billing.CustomizableRule{Kind: billing.DistributeEqual},
	}
	tariffs := billing.TariffSet{{
		ID:        "elec-2024",
		Service:   billing.ServiceElectricity,
		Kind:      billing.TariffFixed,
		Currency:  testCurrency,
		ValidFrom: date(2024, time.January, 1),
		UnitPrice: decp("0.50"),
	}}

	dists, err := engine.Distribute(em, []billing.Concept{c}, roster3(), tariffs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !principalSum(dists).Equal(dec("150")) {
		t.Errorf("expected total 150, got %v", principalSum(dists))
	}
}

func TestDistribute_ConsumptionConcept_NoTariff_Fails(t *testing.T) {
	engine := billing.ProrationEngine{}
	em := testEmission("em-1")
	qty := dec("10")
	c := billing.Concept{
		ID:       "water-common",
		Quantity: &qty,
		Service:  billing.ServiceWater,
		Rule:     billing.CustomizableRule{Kind: billing.DistributeEqual},
	}

	_, err := engine.Distribute(em, []billing.Concept{c}, roster3(), nil)
	if !errors.Is(err, billing.ErrTariffNotFound) {
		t.Errorf("expected tariff not found, got %v", err)
	}
}

func TestConcept_BothOrNeitherInput_Rejected(t *testing.T) {
	qty := dec("10")
	amt := money(5)

	both := billing.Concept{ID: "c1", Amount: &amt, Quantity: &qty, Service: billing.ServiceGas,
		Rule: billing.CustomizableRule{Kind: billing.DistributeEqual}}
	if err := both.Validate(); !errors.Is(err, billing.ErrValidation) {
		t.Errorf("concept with both inputs should be rejected, got %v", err)
	}

	neither := billing.Concept{ID: "c2", Rule: billing.CustomizableRule{Kind: billing.DistributeEqual}}
	if err := neither.Validate(); !errors.Is(err, billing.ErrValidation) {
		t.Errorf("concept with neither input should be rejected, got %v", err)
	}
}
