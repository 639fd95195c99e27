/*
Package billing provides the common-expense billing and proration engine.

PURPOSE:
  This package contains the types and algorithms that turn a set of
  community expenses and consumption tariffs into per-unit invoice
  amounts, track their lifecycle, and reconcile them against incoming
  payments. It is a library of pure, synchronous functions over
  immutable snapshots of its inputs: the hosting service fetches data,
  calls the engine, and persists the results.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A monetary value with a currency, minor-unit (cent) precision
  - Emission: One billing run for one community and period
  - Concept: One expense line item inside an emission
  - UnitParticipation: A unit's ownership quota within the community
  - UnitDistribution: A unit's computed share of one emission
  - Payment: A monetary event applied against a unit's obligations

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal everywhere - no floats in money paths
  2. Derivation: Totals, paid amounts, and statuses are recomputed from
     children, never independently mutated
  3. Type Safety: Strong typing for IDs prevents mixing unit/emission IDs
  4. No ambient context: "current community" and "as of" are always
     explicit parameters

SEE ALSO:
  - proration.go: Concept distribution across the roster
  - tariff.go: Tariff definitions and consumption pricing
  - interest.go: Late-payment interest accrual
  - reconcile.go: Payment application and status derivation
  - lifecycle.go: The emission state machine
*/
package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Monetary value with currency, minor-unit granularity
// =============================================================================

// Money is a monetary value in a single currency. Arithmetic is performed
// at full decimal precision; RoundMinor snaps to minor-unit (cent)
// granularity when a final figure is produced.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromInt(value int64, currency string) Money {
	return Money{Value: decimal.NewFromInt(value), Currency: currency}
}

func MoneyFromDecimal(d decimal.Decimal, currency string) Money {
	return Money{Value: d, Currency: currency}
}

func ZeroMoney(currency string) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m Money) Zero() Money                 { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Div(s decimal.Decimal) Money { return Money{Value: m.Value.Div(s), Currency: m.Currency} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }

// RoundMinor rounds to minor-unit granularity (2 decimal places, half up).
func (m Money) RoundMinor() Money {
	return Money{Value: m.Value.Round(2), Currency: m.Currency}
}

// minorUnitTolerance is half a cent: two amounts closer than this are
// considered equal for status derivation and allocation checks.
var minorUnitTolerance = decimal.New(5, -3)

// EqualWithinTolerance reports whether two amounts differ by less than
// half a minor unit.
func (m Money) EqualWithinTolerance(o Money) bool {
	return m.Value.Sub(o.Value).Abs().LessThan(minorUnitTolerance)
}

// GreaterThanOrEqualWithinTolerance reports m >= o allowing for minor-unit
// rounding drift.
func (m Money) GreaterThanOrEqualWithinTolerance(o Money) bool {
	return m.Value.Add(minorUnitTolerance).GreaterThanOrEqual(o.Value)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CommunityID string
type UnitID string
type EmissionID string
type ConceptID string
type TariffID string
type PaymentID string

// =============================================================================
// EMISSION - One billing run for one community and period
// =============================================================================

type EmissionType string

const (
	EmissionOrdinary      EmissionType = "ordinary"      // Regular common-expense run
	EmissionExtraordinary EmissionType = "extraordinary" // One-off levy (e.g., roof repair)
	EmissionFine          EmissionType = "fine"          // Sanction against a unit
	EmissionInterest      EmissionType = "interest"      // Capitalized late interest
)

type EmissionStatus string

const (
	EmissionDraft     EmissionStatus = "draft"
	EmissionReady     EmissionStatus = "ready"
	EmissionSent      EmissionStatus = "sent"
	EmissionPartial   EmissionStatus = "partial"
	EmissionOverdue   EmissionStatus = "overdue"
	EmissionPaid      EmissionStatus = "paid"
	EmissionCancelled EmissionStatus = "cancelled"
)

// Emission is one billing run. Total and paid amounts are NOT stored here:
// they are always recomputed from the emission's concepts and the confirmed
// payments applied to it (see EmissionTotal and UnitDistribution).
type Emission struct {
	ID          EmissionID
	CommunityID CommunityID
	Period      string // human label, e.g. "2024-03"
	Type        EmissionType
	IssueDate   Date
	DueDate     Date
	GraceDays   int
	// InterestRate is percent per month on late balances. Nil disables
	// interest for this emission.
	InterestRate *decimal.Decimal
	// Compound switches interest to compounding. Simple interest is the
	// default: it is the conservative, auditable choice.
	Compound bool
	Currency string
	Status   EmissionStatus
}

// GraceDeadline is the last day before interest and overdue status apply.
func (e Emission) GraceDeadline() Date {
	return e.DueDate.AddDays(e.GraceDays)
}

// PricingDate is the date consumption concepts are priced at: the issue
// date once stamped, the due date until then. Drafts have no issue date
// yet, and proration must still resolve their tariffs.
func (e Emission) PricingDate() Date {
	if e.IssueDate.IsZero() {
		return e.DueDate
	}
	return e.IssueDate
}

// IsTerminal reports whether no further transitions are permitted.
func (e Emission) IsTerminal() bool {
	return e.Status == EmissionPaid || e.Status == EmissionCancelled
}

// Mutable reports whether concept/tariff data may still change. Once sent,
// an emission is frozen except for status and payment-derived fields.
func (e Emission) Mutable() bool {
	return e.Status == EmissionDraft || e.Status == EmissionReady
}

// =============================================================================
// CONCEPT - One expense line item inside an emission
// =============================================================================

type DistributionRule string

const (
	DistributeProportional DistributionRule = "proportional" // By participation quota
	DistributeEqual        DistributionRule = "equal"        // Same share for every active unit
	DistributeCustom       DistributionRule = "custom"       // Explicit per-unit override map
)

// Concept is one expense line item. Exactly one of {Amount} or
// {Quantity+Service} is set: the former is a fixed sum, the latter derives
// the amount from a metered consumption priced through a tariff.
type Concept struct {
	ID         ConceptID
	EmissionID EmissionID
	Name       string
	Category   string

	// Fixed amount. Nil when the concept is consumption-based.
	Amount *Money

	// Consumption inputs. Quantity is nil when the concept is fixed.
	Quantity *decimal.Decimal
	Service  ServiceType

	Rule CustomizableRule
}

// CustomizableRule bundles the distribution rule with the optional custom
// per-unit override map. For DistributeCustom every active unit in the
// roster must have an entry and the entries must sum to the concept amount
// within rounding tolerance.
type CustomizableRule struct {
	Kind   DistributionRule
	Custom map[UnitID]Money
}

// IsFixed reports whether the concept carries a fixed amount rather than
// consumption inputs.
func (c Concept) IsFixed() bool { return c.Amount != nil }

// Validate checks the structural invariants of the concept. It does not
// resolve consumption pricing - that requires a tariff set.
func (c Concept) Validate() error {
	hasFixed := c.Amount != nil
	hasConsumption := c.Quantity != nil
	if hasFixed == hasConsumption {
		return &ValidationError{
			Field:  "concept " + string(c.ID),
			Reason: "exactly one of fixed amount or consumption inputs must be set",
		}
	}
	if hasConsumption && c.Service == "" {
		return &ValidationError{
			Field:  "concept " + string(c.ID),
			Reason: "consumption concept requires a service type",
		}
	}
	if hasFixed && c.Amount.IsNegative() {
		return &ValidationError{
			Field:  "concept " + string(c.ID),
			Reason: "amount must not be negative",
		}
	}
	if hasConsumption && c.Quantity.IsNegative() {
		return &ValidationError{
			Field:  "concept " + string(c.ID),
			Reason: "quantity must not be negative",
		}
	}
	switch c.Rule.Kind {
	case DistributeProportional, DistributeEqual:
		if len(c.Rule.Custom) > 0 {
			return &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "custom share map only valid with the custom rule",
			}
		}
	case DistributeCustom:
		if len(c.Rule.Custom) == 0 {
			return &ValidationError{
				Field:  "concept " + string(c.ID),
				Reason: "custom rule requires a per-unit share map",
			}
		}
	default:
		return &ValidationError{
			Field:  "concept " + string(c.ID),
			Reason: "unknown distribution rule " + string(c.Rule.Kind),
		}
	}
	return nil
}

// =============================================================================
// UNIT PARTICIPATION - A unit's weight within the community
// =============================================================================

// UnitParticipation is a unit's ownership coefficient for a period.
// Quotas need not sum to 1: proportional distribution normalizes by the
// sum of active quotas at distribution time. Inactive units receive no
// new proration but keep their historical records.
type UnitParticipation struct {
	UnitID UnitID
	Quota  decimal.Decimal
	Active bool
}

// ActiveUnits filters a roster down to the active entries.
func ActiveUnits(roster []UnitParticipation) []UnitParticipation {
	var active []UnitParticipation
	for _, u := range roster {
		if u.Active {
			active = append(active, u)
		}
	}
	return active
}

// =============================================================================
// UNIT DISTRIBUTION - Computed share of one emission for one unit
// =============================================================================

type DistributionStatus string

const (
	DistributionPending DistributionStatus = "pending"
	DistributionPartial DistributionStatus = "partial"
	DistributionPaid    DistributionStatus = "paid"
)

// ConceptShare is one unit's rounded share of one concept. Kept per
// concept so a statement can explain how the principal was assembled.
type ConceptShare struct {
	ConceptID ConceptID
	Amount    Money
}

// UnitDistribution is the derived result: one unit's share of one
// emission. It is recomputed deterministically from Concept +
// UnitParticipation + Payment records and never hand-edited. Principal
// and interest are tracked as separate buckets because payments settle
// principal before interest.
type UnitDistribution struct {
	UnitID     UnitID
	EmissionID EmissionID
	DueDate    Date
	Currency   string

	Shares    []ConceptShare
	Principal Money
	Interest  Money

	PrincipalPaid Money
	InterestPaid  Money
}

// TotalOwed is principal plus accrued interest.
func (d UnitDistribution) TotalOwed() Money {
	return d.Principal.Add(d.Interest)
}

// PaidAmount is the sum of confirmed payments applied to this distribution.
func (d UnitDistribution) PaidAmount() Money {
	return d.PrincipalPaid.Add(d.InterestPaid)
}

// OutstandingPrincipal is the unpaid principal, floored at zero.
func (d UnitDistribution) OutstandingPrincipal() Money {
	out := d.Principal.Sub(d.PrincipalPaid)
	if out.IsNegative() {
		return out.Zero()
	}
	return out
}

// OutstandingInterest is the unpaid interest, floored at zero.
func (d UnitDistribution) OutstandingInterest() Money {
	out := d.Interest.Sub(d.InterestPaid)
	if out.IsNegative() {
		return out.Zero()
	}
	return out
}

// Status derives the payment status: paid when paid >= owed within
// rounding tolerance, partial when anything has been paid, pending
// otherwise.
func (d UnitDistribution) Status() DistributionStatus {
	paid := d.PaidAmount()
	owed := d.TotalOwed()
	switch {
	case paid.GreaterThanOrEqualWithinTolerance(owed) && (paid.IsPositive() || owed.IsZero()):
		return DistributionPaid
	case paid.IsPositive():
		return DistributionPartial
	default:
		return DistributionPending
	}
}

// =============================================================================
// PAYMENT - Monetary event against a unit's obligations
// =============================================================================

type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPending   PaymentStatus = "pending"
	PaymentRejected  PaymentStatus = "rejected"
)

type PaymentMethod string

const (
	MethodTransfer PaymentMethod = "transfer"
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodCheck    PaymentMethod = "check"
)

// PaymentAllocation pins part of a payment to a specific emission. When a
// payment carries allocations, the manual split takes precedence over the
// automatic oldest-first ordering.
type PaymentAllocation struct {
	EmissionID EmissionID
	Amount     Money
}

// Payment is a monetary event from a unit. Only confirmed payments count
// toward paid amounts. Reference acts as an idempotency key at the
// persistence layer.
type Payment struct {
	ID          PaymentID
	UnitID      UnitID
	Amount      Money
	Date        Date
	Method      PaymentMethod
	Reference   string
	Status      PaymentStatus
	Allocations []PaymentAllocation
}

// ValidateAllocations checks that an explicit allocation list sums to the
// payment amount exactly.
func (p Payment) ValidateAllocations() error {
	if len(p.Allocations) == 0 {
		return nil
	}
	sum := p.Amount.Zero()
	for _, a := range p.Allocations {
		if a.Amount.IsNegative() {
			return &ValidationError{
				Field:  "payment " + string(p.ID),
				Reason: "allocation amounts must not be negative",
			}
		}
		sum = sum.Add(a.Amount)
	}
	if !sum.EqualWithinTolerance(p.Amount) {
		return &AllocationMismatchError{
			Subject:  "payment " + string(p.ID),
			Expected: p.Amount,
			Got:      sum,
		}
	}
	return nil
}

// =============================================================================
// EMISSION TOTALS - Always recomputed from children
// =============================================================================

// EmissionTotal recomputes the emission total from its concepts,
// resolving consumption concepts through the tariff set at the emission's
// issue date. This is the invariant `total == sum of concept amounts`:
// the total is never stored and mutated independently.
func EmissionTotal(em Emission, concepts []Concept, tariffs TariffSet) (Money, error) {
	total := ZeroMoney(em.Currency)
	for _, c := range concepts {
		amount, err := ConceptAmount(c, tariffs, em.PricingDate(), em.Currency)
		if err != nil {
			return Money{}, err
		}
		total = total.Add(amount)
	}
	return total, nil
}

// ConceptAmount resolves a concept to its monetary amount: the fixed sum,
// or the tariff-priced consumption (tax included when the tariff is taxed).
func ConceptAmount(c Concept, tariffs TariffSet, billingDate Date, currency string) (Money, error) {
	if err := c.Validate(); err != nil {
		return Money{}, err
	}
	if c.IsFixed() {
		return *c.Amount, nil
	}
	tariff, err := tariffs.For(c.Service, billingDate)
	if err != nil {
		return Money{}, err
	}
	resolver := TariffResolver{}
	amount, err := resolver.Resolve(*tariff, *c.Quantity, billingDate)
	if err != nil {
		return Money{}, err
	}
	return resolver.ApplyTax(amount, *tariff), nil
}
