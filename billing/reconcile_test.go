package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// RECONCILER FIXTURES
// =============================================================================

// obligation builds a distribution for unit-a against the given emission
// with fixed principal and interest buckets.
func obligation(emID string, due billing.Date, principal, interest float64) billing.UnitDistribution {
	return billing.UnitDistribution{
		UnitID:        "unit-a",
		EmissionID:    billing.EmissionID(emID),
		DueDate:       due,
		Currency:      testCurrency,
		Principal:     money(principal),
		Interest:      money(interest),
		PrincipalPaid: money(0),
		InterestPaid:  money(0),
	}
}

func confirmedPayment(amount float64) billing.Payment {
	return billing.Payment{
		ID:        "pay-1",
		UnitID:    "unit-a",
		Amount:    money(amount),
		Date:      date(2024, time.March, 10),
		Method:    billing.MethodTransfer,
		Reference: "TRX-0001",
		Status:    billing.PaymentConfirmed,
	}
}

// byEmission finds the distribution for the given emission.
func byEmission(t *testing.T, dists []billing.UnitDistribution, em billing.EmissionID) billing.UnitDistribution {
	t.Helper()
	for _, d := range dists {
		if d.EmissionID == em {
			return d
		}
	}
	t.Fatalf("no distribution for emission %s", em)
	return billing.UnitDistribution{}
}

// appliedTotal sums principal and interest across all applications.
func appliedTotal(apps []billing.Application) billing.Money {
	total := money(0)
	for _, a := range apps {
		total = total.Add(a.Principal).Add(a.Interest)
	}
	return total
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestApply_RejectsNonConfirmedPayment(t *testing.T) {
	rec := billing.PaymentReconciler{}

	for _, status := range []billing.PaymentStatus{billing.PaymentPending, billing.PaymentRejected} {
		p := confirmedPayment(100)
		p.Status = status

		_, _, _, err := rec.Apply(p, []billing.UnitDistribution{
			obligation("em-1", date(2024, time.January, 31), 100, 0),
		})
		require.Error(t, err, "status %s must be rejected", status)
		assert.True(t, errors.Is(err, billing.ErrNonConfirmedPayment))

		var nce *billing.NonConfirmedPaymentError
		require.True(t, errors.As(err, &nce))
		assert.Equal(t, status, nce.Status)
	}
}

func TestApply_RejectsNonPositiveAmount(t *testing.T) {
	rec := billing.PaymentReconciler{}
	p := confirmedPayment(0)

	_, _, _, err := rec.Apply(p, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation))
}

func TestApply_RejectsForeignUnitObligation(t *testing.T) {
	rec := billing.PaymentReconciler{}
	d := obligation("em-1", date(2024, time.January, 31), 100, 0)
	d.UnitID = "unit-z"

	_, _, _, err := rec.Apply(confirmedPayment(100), []billing.UnitDistribution{d})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation))
}

func TestApply_RejectsCurrencyMismatch(t *testing.T) {
	rec := billing.PaymentReconciler{}
	d := obligation("em-1", date(2024, time.January, 31), 100, 0)
	d.Currency = "USD"

	_, _, _, err := rec.Apply(confirmedPayment(100), []billing.UnitDistribution{d})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrCurrencyMismatch))
}

// =============================================================================
// AUTOMATIC PRECEDENCE
// =============================================================================

func TestApply_OldestDueFirst_PrincipalBeforeInterest(t *testing.T) {
	// Two late emissions: January (500 principal + 10 interest) and
	// February (300 principal). A 600 payment settles January in full
	// first, then starts on February's principal.
	rec := billing.PaymentReconciler{}
	dists := []billing.UnitDistribution{
		obligation("em-feb", date(2024, time.February, 29), 300, 0),
		obligation("em-jan", date(2024, time.January, 31), 500, 10),
	}

	updated, apps, remainder, err := rec.Apply(confirmedPayment(600), dists)
	require.NoError(t, err)
	assert.True(t, remainder.IsZero())

	jan := byEmission(t, updated, "em-jan")
	assert.True(t, jan.PrincipalPaid.Value.Equal(dec("500")))
	assert.True(t, jan.InterestPaid.Value.Equal(dec("10")))
	assert.Equal(t, billing.DistributionPaid, jan.Status())

	feb := byEmission(t, updated, "em-feb")
	assert.True(t, feb.PrincipalPaid.Value.Equal(dec("90")))
	assert.True(t, feb.InterestPaid.IsZero())
	assert.Equal(t, billing.DistributionPartial, feb.Status())

	require.Len(t, apps, 2)
	assert.Equal(t, billing.EmissionID("em-jan"), apps[0].EmissionID)
	assert.Equal(t, billing.EmissionID("em-feb"), apps[1].EmissionID)
}

func TestApply_SameDueDate_OrderedByEmissionID(t *testing.T) {
	rec := billing.PaymentReconciler{}
	due := date(2024, time.January, 31)
	dists := []billing.UnitDistribution{
		obligation("em-b", due, 100, 0),
		obligation("em-a", due, 100, 0),
	}

	_, apps, _, err := rec.Apply(confirmedPayment(150), dists)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, billing.EmissionID("em-a"), apps[0].EmissionID)
	assert.True(t, apps[0].Principal.Value.Equal(dec("100")))
	assert.True(t, apps[1].Principal.Value.Equal(dec("50")))
}

func TestApply_ConservationWithOverpayment(t *testing.T) {
	// GIVEN: obligations worth 310 in total
	// WHEN: 1,000 arrives
	// THEN: remainder + applied == 1,000, remainder carried as credit

	rec := billing.PaymentReconciler{}
	dists := []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 300, 10),
	}

	updated, apps, remainder, err := rec.Apply(confirmedPayment(1000), dists)
	require.NoError(t, err)

	assert.True(t, remainder.Value.Equal(dec("690")), "remainder = %v", remainder.Value)
	assert.True(t, appliedTotal(apps).Add(remainder).Value.Equal(dec("1000")))
	assert.Equal(t, billing.DistributionPaid, byEmission(t, updated, "em-jan").Status())
}

func TestApply_InputSliceNotMutated(t *testing.T) {
	rec := billing.PaymentReconciler{}
	dists := []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 300, 0),
	}

	_, _, _, err := rec.Apply(confirmedPayment(300), dists)
	require.NoError(t, err)
	assert.True(t, dists[0].PrincipalPaid.IsZero(), "caller's slice must stay untouched")
}

// =============================================================================
// MANUAL ALLOCATION
// =============================================================================

func TestApply_ManualAllocationOverridesPrecedence(t *testing.T) {
	// The allocation sends the whole payment to the NEWER emission even
	// though an older one is outstanding.
	rec := billing.PaymentReconciler{}
	dists := []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 500, 0),
		obligation("em-feb", date(2024, time.February, 29), 300, 0),
	}

	p := confirmedPayment(300)
	p.Allocations = []billing.PaymentAllocation{
		{EmissionID: "em-feb", Amount: money(300)},
	}

	updated, apps, remainder, err := rec.Apply(p, dists)
	require.NoError(t, err)
	assert.True(t, remainder.IsZero())
	require.Len(t, apps, 1)
	assert.Equal(t, billing.EmissionID("em-feb"), apps[0].EmissionID)

	assert.True(t, byEmission(t, updated, "em-jan").PrincipalPaid.IsZero())
	assert.Equal(t, billing.DistributionPaid, byEmission(t, updated, "em-feb").Status())
}

func TestApply_ManualAllocationSumMismatch(t *testing.T) {
	rec := billing.PaymentReconciler{}
	p := confirmedPayment(300)
	p.Allocations = []billing.PaymentAllocation{
		{EmissionID: "em-jan", Amount: money(200)},
	}

	_, _, _, err := rec.Apply(p, []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 500, 0),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrAllocationMismatch))
}

func TestApply_ManualAllocationUnknownEmission(t *testing.T) {
	rec := billing.PaymentReconciler{}
	p := confirmedPayment(300)
	p.Allocations = []billing.PaymentAllocation{
		{EmissionID: "em-missing", Amount: money(300)},
	}

	_, _, _, err := rec.Apply(p, []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 500, 0),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation))
}

func TestApply_ManualAllocationExcessBecomesCredit(t *testing.T) {
	// The allocation sends 400 to an emission that only owes 300; the
	// unplaceable 100 comes back as remainder, not as an error.
	rec := billing.PaymentReconciler{}
	p := confirmedPayment(400)
	p.Allocations = []billing.PaymentAllocation{
		{EmissionID: "em-jan", Amount: money(400)},
	}

	updated, apps, remainder, err := rec.Apply(p, []billing.UnitDistribution{
		obligation("em-jan", date(2024, time.January, 31), 300, 0),
	})
	require.NoError(t, err)
	assert.True(t, remainder.Value.Equal(dec("100")))
	assert.True(t, appliedTotal(apps).Add(remainder).Value.Equal(dec("400")))
	assert.Equal(t, billing.DistributionPaid, byEmission(t, updated, "em-jan").Status())
}
