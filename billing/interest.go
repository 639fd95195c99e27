/*
interest.go - Late-payment interest accrual

PURPOSE:
  Computes the interest owed on a unit's unpaid balance once the grace
  deadline has passed. Interest is recomputed idempotently from
  (outstanding balance, days late): the calculator REPLACES the
  distribution's interest figure, it never adds to a previous result, so
  calling twice for the same evaluation date yields the same total.

RULE:
  - Inside the grace window (evaluation <= due date + grace days) the
    interest is zero.
  - Beyond it, interest accrues at the emission's rate (percent per
    month) for each full elapsed month, on the principal still
    outstanding when that month's charge crystallizes. A partial payment
    made during the late period therefore reduces every monthly charge
    computed after the payment's date - the computation is piecewise
    across balance-changing events, not a single multiplication off the
    final balance.
  - Simple (non-compounding) interest is the default; the emission's
    Compound flag switches the base to principal plus interest accrued
    in earlier months.

SEE ALSO:
  - reconcile.go: produces the dated principal reductions consumed here
  - lifecycle.go: overdue status uses the same grace deadline
*/
package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE EVENTS - Dated principal reductions
// =============================================================================

// BalanceEvent records a confirmed payment's principal reduction against
// one distribution. The reconciler emits these as Applications; the host
// feeds them back in here so late interest is computed piecewise.
type BalanceEvent struct {
	Date   Date
	Amount Money // principal reduction, positive
}

// =============================================================================
// INTEREST ACCRUAL CALCULATOR
// =============================================================================

type InterestAccrualCalculator struct{}

// Accrue computes the total interest owed on a distribution as of the
// evaluation date. The result is a total, not a delta: assign it to
// UnitDistribution.Interest, do not add it.
//
// The month-m charge crystallizes at graceDeadline + m months and is
// computed on the principal outstanding at that moment, i.e. net of all
// reductions strictly before it.
func (InterestAccrualCalculator) Accrue(em Emission, dist UnitDistribution, reductions []BalanceEvent, evaluationDate Date) (Money, error) {
	zero := ZeroMoney(dist.Currency)
	if em.InterestRate == nil || em.InterestRate.IsZero() {
		return zero, nil
	}
	if em.InterestRate.IsNegative() {
		return Money{}, &ValidationError{
			Field:  "emission " + string(em.ID),
			Reason: "interest rate must not be negative",
		}
	}

	deadline := em.GraceDeadline()
	if evaluationDate.BeforeOrEqual(deadline) {
		return zero, nil
	}

	months := FullMonthsBetween(deadline, evaluationDate)
	if months == 0 {
		return zero, nil
	}

	rate := em.InterestRate.Div(decimal.NewFromInt(100))
	total := decimal.Zero
	for m := 1; m <= months; m++ {
		crystallizesAt := deadline.AddMonths(m)
		outstanding := dist.Principal.Value
		for _, r := range reductions {
			if r.Date.Before(crystallizesAt) {
				outstanding = outstanding.Sub(r.Amount.Value)
			}
		}
		if !outstanding.IsPositive() {
			continue
		}
		base := outstanding
		if em.Compound {
			base = base.Add(total)
		}
		total = total.Add(base.Mul(rate))
	}

	return MoneyFromDecimal(total, dist.Currency).RoundMinor(), nil
}
