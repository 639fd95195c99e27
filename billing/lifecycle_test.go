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
// RECORDING NOTIFIER
// =============================================================================

type emissionEvent struct {
	id       billing.EmissionID
	from, to billing.EmissionStatus
}

type unitEvent struct {
	unit     billing.UnitID
	from, to billing.DistributionStatus
}

// recordingNotifier captures every transition for assertions.
type recordingNotifier struct {
	emissions []emissionEvent
	units     []unitEvent
}

func (r *recordingNotifier) EmissionStatusChanged(em billing.Emission, from, to billing.EmissionStatus) {
	r.emissions = append(r.emissions, emissionEvent{id: em.ID, from: from, to: to})
}

func (r *recordingNotifier) UnitStatusChanged(em billing.Emission, unitID billing.UnitID, from, to billing.DistributionStatus) {
	r.units = append(r.units, unitEvent{unit: unitID, from: from, to: to})
}

// =============================================================================
// EXPLICIT TRANSITIONS
// =============================================================================

func TestMarkReady_RunsProration(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)
	em := testEmission("em-1")
	em.Status = billing.EmissionDraft

	dists, err := lc.MarkReady(&em, []billing.Concept{fixedConcept("c-1", 90000, billing.DistributeEqual)}, roster3(), nil)
	require.NoError(t, err)
	assert.Equal(t, billing.EmissionReady, em.Status)
	require.Len(t, dists, 3)
}

func TestMarkReady_ProrationFailureLeavesDraft(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)
	em := testEmission("em-1")
	em.Status = billing.EmissionDraft

	// Custom rule missing a unit: proration must refuse and the emission
	// must not advance.
	bad := fixedConcept("c-1", 90000, billing.DistributeEqual)
	bad.Rule = billing.CustomizableRule{
		Kind: billing.DistributeCustom,
		Custom: map[billing.UnitID]billing.Money{
			"unit-a": money(90000),
		},
	}

	_, err := lc.MarkReady(&em, []billing.Concept{bad}, roster3(), nil)
	require.Error(t, err)
	assert.Equal(t, billing.EmissionDraft, em.Status)
}

func TestMarkReady_RequiresConceptsAndDraft(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)

	em := testEmission("em-1")
	em.Status = billing.EmissionDraft
	_, err := lc.MarkReady(&em, nil, roster3(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation))

	em.Status = billing.EmissionSent
	_, err = lc.MarkReady(&em, []billing.Concept{fixedConcept("c-1", 100, billing.DistributeEqual)}, roster3(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrInvalidTransition))
}

func TestSend_StampsIssueDateAndNotifies(t *testing.T) {
	rec := &recordingNotifier{}
	lc := billing.NewEmissionLifecycle(rec)

	em := testEmission("em-1")
	em.Status = billing.EmissionReady
	em.IssueDate = billing.Date{}

	sentAt := date(2024, time.March, 2)
	require.NoError(t, lc.Send(&em, sentAt))
	assert.Equal(t, billing.EmissionSent, em.Status)
	assert.True(t, em.IssueDate.Equal(sentAt))

	require.Len(t, rec.emissions, 1)
	assert.Equal(t, billing.EmissionReady, rec.emissions[0].from)
	assert.Equal(t, billing.EmissionSent, rec.emissions[0].to)
}

func TestSend_OnlyFromReady(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)
	em := testEmission("em-1")
	em.Status = billing.EmissionDraft

	err := lc.Send(&em, date(2024, time.March, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrInvalidTransition))
}

func TestCancel_FromNonTerminalOnly(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)

	for _, from := range []billing.EmissionStatus{
		billing.EmissionDraft, billing.EmissionSent, billing.EmissionOverdue,
	} {
		em := testEmission("em-1")
		em.Status = from
		require.NoError(t, lc.Cancel(&em), "cancel from %s", from)
		assert.Equal(t, billing.EmissionCancelled, em.Status)
	}

	for _, from := range []billing.EmissionStatus{
		billing.EmissionPaid, billing.EmissionCancelled,
	} {
		em := testEmission("em-1")
		em.Status = from
		err := lc.Cancel(&em)
		require.Error(t, err, "cancel from %s must fail", from)
		assert.True(t, errors.Is(err, billing.ErrInvalidTransition))
	}
}

// =============================================================================
// DERIVED STATUSES
// =============================================================================

// unitWith returns a sent-emission distribution with the given payment
// progress against a 100 principal.
func unitWith(unit string, paid float64) billing.UnitDistribution {
	return billing.UnitDistribution{
		UnitID:        billing.UnitID(unit),
		EmissionID:    "em-1",
		DueDate:       date(2024, time.March, 31),
		Currency:      testCurrency,
		Principal:     money(100),
		PrincipalPaid: money(paid),
	}
}

func TestDeriveStatus(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)
	beforeGrace := date(2024, time.April, 3)
	afterGrace := date(2024, time.April, 10)

	cases := []struct {
		name  string
		dists []billing.UnitDistribution
		asOf  billing.Date
		want  billing.EmissionStatus
	}{
		{
			name:  "all units paid -> paid",
			dists: []billing.UnitDistribution{unitWith("unit-a", 100), unitWith("unit-b", 100)},
			asOf:  beforeGrace,
			want:  billing.EmissionPaid,
		},
		{
			name:  "one partial unit forces partial, never back to sent",
			dists: []billing.UnitDistribution{unitWith("unit-a", 100), unitWith("unit-b", 40)},
			asOf:  beforeGrace,
			want:  billing.EmissionPartial,
		},
		{
			name:  "partial beats overdue past the deadline",
			dists: []billing.UnitDistribution{unitWith("unit-a", 40), unitWith("unit-b", 0)},
			asOf:  afterGrace,
			want:  billing.EmissionPartial,
		},
		{
			name:  "no payments past grace deadline -> overdue",
			dists: []billing.UnitDistribution{unitWith("unit-a", 0), unitWith("unit-b", 0)},
			asOf:  afterGrace,
			want:  billing.EmissionOverdue,
		},
		{
			name:  "no payments inside grace -> stays sent",
			dists: []billing.UnitDistribution{unitWith("unit-a", 0)},
			asOf:  beforeGrace,
			want:  billing.EmissionSent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			em := testEmission("em-1")
			em.Status = billing.EmissionSent
			got := lc.DeriveStatus(em, tc.dists, tc.asOf)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveStatus_PureOutsideDerivableFamily(t *testing.T) {
	lc := billing.NewEmissionLifecycle(nil)
	em := testEmission("em-1")
	em.Status = billing.EmissionDraft

	got := lc.DeriveStatus(em, []billing.UnitDistribution{unitWith("unit-a", 100)}, date(2024, time.May, 1))
	assert.Equal(t, billing.EmissionDraft, got, "draft is never derived over")
}

func TestRefresh_NotifiesOnlyOnChange(t *testing.T) {
	rec := &recordingNotifier{}
	lc := billing.NewEmissionLifecycle(rec)

	em := testEmission("em-1")
	em.Status = billing.EmissionSent
	dists := []billing.UnitDistribution{unitWith("unit-a", 100), unitWith("unit-b", 40)}

	changed := lc.Refresh(&em, dists, date(2024, time.April, 3))
	assert.True(t, changed)
	assert.Equal(t, billing.EmissionPartial, em.Status)
	require.Len(t, rec.emissions, 1)
	assert.Equal(t, billing.EmissionSent, rec.emissions[0].from)
	assert.Equal(t, billing.EmissionPartial, rec.emissions[0].to)

	// Same inputs again: no change, no second notification.
	changed = lc.Refresh(&em, dists, date(2024, time.April, 3))
	assert.False(t, changed)
	assert.Len(t, rec.emissions, 1)
}

func TestNotifyUnitTransitions(t *testing.T) {
	rec := &recordingNotifier{}
	lc := billing.NewEmissionLifecycle(rec)

	before := []billing.UnitDistribution{unitWith("unit-a", 0), unitWith("unit-b", 40)}
	after := []billing.UnitDistribution{unitWith("unit-a", 100), unitWith("unit-b", 40)}

	lc.NotifyUnitTransitions(testEmission("em-1"), before, after)
	require.Len(t, rec.units, 1)
	assert.Equal(t, billing.UnitID("unit-a"), rec.units[0].unit)
	assert.Equal(t, billing.DistributionPending, rec.units[0].from)
	assert.Equal(t, billing.DistributionPaid, rec.units[0].to)
}
