/*
reconcile.go - Applying payments against outstanding obligations

PURPOSE:
  The PaymentReconciler consumes a confirmed payment and applies it to a
  unit's distributions in a fixed precedence order, deriving each
  distribution's payment status as it goes.

PRECEDENCE (automatic ordering):
  1. Oldest-due emission's principal
  2. Accrued interest on that emission
  3. Next emission's principal, and so on

  A payment carrying an explicit allocation list overrides the automatic
  ordering: the manual split decides which emission gets how much (still
  principal before interest within each emission).

CONSERVATION:
  unappliedRemainder + sum of amounts applied == payment amount, always.
  Whatever is left after all known obligations are satisfied is returned
  as a credit to be carried forward, never silently discarded.

FAILURE:
  Rejected or pending payments are an error, not a no-op, so callers
  cannot silently lose track of them.

CONCURRENCY NOTE:
  Reconciliation for a single unit's ledger must be serialized per unit
  by the hosting service (the distribution record is the unit of
  locking); between two payments landing concurrently the second must
  observe the first's updates.

SEE ALSO:
  - interest.go: consumes the Applications emitted here
  - lifecycle.go: observes derived statuses to move the emission
*/
package billing

import (
	"fmt"
	"sort"
)

// =============================================================================
// APPLICATION - Audit record of one payment against one distribution
// =============================================================================

// Application records how much of one payment settled one distribution's
// principal and interest buckets. Applications are append-only: the store
// keeps them so interest accrual can replay dated balance reductions.
type Application struct {
	PaymentID  PaymentID
	UnitID     UnitID
	EmissionID EmissionID
	Date       Date
	Principal  Money
	Interest   Money
}

// =============================================================================
// PAYMENT RECONCILER
// =============================================================================

type PaymentReconciler struct{}

// Apply applies a confirmed payment to the given distributions (all
// belonging to the paying unit) and returns the updated distributions,
// the audit applications, and any unapplied remainder.
//
// The input slice is not mutated; updated copies are returned.
func (pr PaymentReconciler) Apply(p Payment, dists []UnitDistribution) ([]UnitDistribution, []Application, Money, error) {
	if p.Status != PaymentConfirmed {
		return nil, nil, Money{}, &NonConfirmedPaymentError{PaymentID: p.ID, Status: p.Status}
	}
	if p.Amount.IsNegative() || p.Amount.IsZero() {
		return nil, nil, Money{}, &ValidationError{Field: "payment " + string(p.ID), Reason: "amount must be positive"}
	}
	for _, d := range dists {
		if d.UnitID != p.UnitID {
			return nil, nil, Money{}, &ValidationError{
				Field:  "payment " + string(p.ID),
				Reason: "distribution for unit " + string(d.UnitID) + " does not belong to paying unit " + string(p.UnitID),
			}
		}
		if d.Currency != p.Amount.Currency {
			return nil, nil, Money{}, fmt.Errorf("%w: payment %s is %s, obligation is %s",
				ErrCurrencyMismatch, p.ID, p.Amount.Currency, d.Currency)
		}
	}

	updated := make([]UnitDistribution, len(dists))
	copy(updated, dists)

	if len(p.Allocations) > 0 {
		return pr.applyManual(p, updated)
	}
	return pr.applyAutomatic(p, updated)
}

// applyAutomatic walks obligations oldest-due-first, settling principal
// then interest within each emission.
func (pr PaymentReconciler) applyAutomatic(p Payment, dists []UnitDistribution) ([]UnitDistribution, []Application, Money, error) {
	order := make([]int, len(dists))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		da, db := dists[order[a]], dists[order[b]]
		if !da.DueDate.Equal(db.DueDate) {
			return da.DueDate.Before(db.DueDate)
		}
		return da.EmissionID < db.EmissionID
	})

	remaining := p.Amount
	var apps []Application
	for _, i := range order {
		if remaining.IsZero() {
			break
		}
		app, left := settle(p, &dists[i], remaining)
		remaining = left
		if !app.Principal.IsZero() || !app.Interest.IsZero() {
			apps = append(apps, app)
		}
	}
	return dists, apps, remaining, nil
}

// applyManual honors an explicit allocation list. The allocations must
// sum to the payment amount; each names an emission present in dists.
func (pr PaymentReconciler) applyManual(p Payment, dists []UnitDistribution) ([]UnitDistribution, []Application, Money, error) {
	if err := p.ValidateAllocations(); err != nil {
		return nil, nil, Money{}, err
	}

	byEmission := make(map[EmissionID]int, len(dists))
	for i, d := range dists {
		byEmission[d.EmissionID] = i
	}

	remaining := p.Amount.Zero()
	var apps []Application
	for _, alloc := range p.Allocations {
		i, ok := byEmission[alloc.EmissionID]
		if !ok {
			return nil, nil, Money{}, &ValidationError{
				Field:  "payment " + string(p.ID),
				Reason: "allocation targets unknown emission " + string(alloc.EmissionID),
			}
		}
		app, left := settle(p, &dists[i], alloc.Amount)
		// What an allocation could not place in its target emission
		// becomes a carried-forward credit, same as automatic mode.
		remaining = remaining.Add(left)
		if !app.Principal.IsZero() || !app.Interest.IsZero() {
			apps = append(apps, app)
		}
	}
	return dists, apps, remaining, nil
}

// settle pays down one distribution, principal first, then interest, up
// to the available amount. Returns the application and what is left.
func settle(p Payment, d *UnitDistribution, available Money) (Application, Money) {
	app := Application{
		PaymentID:  p.ID,
		UnitID:     d.UnitID,
		EmissionID: d.EmissionID,
		Date:       p.Date,
		Principal:  available.Zero(),
		Interest:   available.Zero(),
	}

	toPrincipal := minMoney(available, d.OutstandingPrincipal())
	if toPrincipal.IsPositive() {
		d.PrincipalPaid = d.PrincipalPaid.Add(toPrincipal)
		app.Principal = toPrincipal
		available = available.Sub(toPrincipal)
	}

	toInterest := minMoney(available, d.OutstandingInterest())
	if toInterest.IsPositive() {
		d.InterestPaid = d.InterestPaid.Add(toInterest)
		app.Interest = toInterest
		available = available.Sub(toInterest)
	}

	return app, available
}

func minMoney(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}
