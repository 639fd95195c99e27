/*
lifecycle.go - The emission state machine

PURPOSE:
  Owns the overall status of an emission and drives permitted
  transitions, using the proration, interest, and reconciliation outputs.

STATES:
  draft -> ready -> sent -> {paid | partial | overdue} -> cancelled

  `paid` is terminal. `cancelled` is reachable from any non-terminal
  state and is explicit: it does NOT reverse previously confirmed
  payments - those must be refunded or reallocated as a separate
  recorded action.

EXPLICIT vs DERIVED:
  draft -> ready, ready -> sent, and * -> cancelled are explicit actions.
  Everything past `sent` is a deterministic function of the set of unit
  distribution statuses and the evaluation date - recomputed by
  DeriveStatus, never hand-set. The source system stored `overdue`
  alongside derivable statuses with nothing keeping it honest; here the
  stored value is only ever a cache of the derivation.

SEE ALSO:
  - proration.go: MarkReady requires a full successful distribution
  - reconcile.go: payment application changes the derived statuses
*/
package billing

// =============================================================================
// NOTIFIER - External collaborator for status transitions
// =============================================================================

// Notifier is invoked on status transitions. Delivery mechanics are out
// of scope: implementations may log, enqueue, or fan out.
type Notifier interface {
	// EmissionStatusChanged fires when the emission-level status moves.
	EmissionStatusChanged(em Emission, from, to EmissionStatus)

	// UnitStatusChanged fires when one unit's distribution status moves.
	UnitStatusChanged(em Emission, unitID UnitID, from, to DistributionStatus)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) EmissionStatusChanged(Emission, EmissionStatus, EmissionStatus)     {}
func (NopNotifier) UnitStatusChanged(Emission, UnitID, DistributionStatus, DistributionStatus) {}

// =============================================================================
// EMISSION LIFECYCLE
// =============================================================================

type EmissionLifecycle struct {
	Proration ProrationEngine
	Interest  InterestAccrualCalculator
	Notifier  Notifier
}

func NewEmissionLifecycle(n Notifier) *EmissionLifecycle {
	if n == nil {
		n = NopNotifier{}
	}
	return &EmissionLifecycle{Notifier: n}
}

// MarkReady moves draft -> ready. The transition requires the proration
// engine to produce a distribution for every active unit with no
// unresolved concepts; any proration failure leaves the emission in
// draft.
func (lc *EmissionLifecycle) MarkReady(em *Emission, concepts []Concept, roster []UnitParticipation, tariffs TariffSet) ([]UnitDistribution, error) {
	if em.Status != EmissionDraft {
		return nil, &TransitionError{EmissionID: em.ID, From: em.Status, To: EmissionReady}
	}
	if len(concepts) == 0 {
		return nil, &ValidationError{Field: "emission " + string(em.ID), Reason: "cannot mark ready with no concepts"}
	}
	dists, err := lc.Proration.Distribute(*em, concepts, roster, tariffs)
	if err != nil {
		return nil, err
	}
	em.Status = EmissionReady
	return dists, nil
}

// Send moves ready -> sent: the irreversible freeze of concept and
// tariff data. The issue date is stamped if not already set.
func (lc *EmissionLifecycle) Send(em *Emission, issueDate Date) error {
	if em.Status != EmissionReady {
		return &TransitionError{EmissionID: em.ID, From: em.Status, To: EmissionSent}
	}
	if em.IssueDate.IsZero() {
		em.IssueDate = issueDate
	}
	from := em.Status
	em.Status = EmissionSent
	lc.Notifier.EmissionStatusChanged(*em, from, EmissionSent)
	return nil
}

// Cancel moves any non-terminal state -> cancelled. Confirmed payments
// already applied are NOT reversed: refunds or reallocations are
// separate recorded actions.
func (lc *EmissionLifecycle) Cancel(em *Emission) error {
	if em.IsTerminal() {
		return &TransitionError{EmissionID: em.ID, From: em.Status, To: EmissionCancelled}
	}
	from := em.Status
	em.Status = EmissionCancelled
	lc.Notifier.EmissionStatusChanged(*em, from, EmissionCancelled)
	return nil
}

// DeriveStatus computes the post-send status from the unit distribution
// statuses and the evaluation date. Pure: it never mutates the emission.
//
// Precedence: paid beats partial beats overdue. An emission with any
// payment activity shows partial rather than sliding back to sent or
// hiding behind overdue; overdue is reserved for balances with no
// payments past the grace deadline.
func (lc *EmissionLifecycle) DeriveStatus(em Emission, dists []UnitDistribution, evaluationDate Date) EmissionStatus {
	switch em.Status {
	case EmissionSent, EmissionPartial, EmissionOverdue:
		// Derivable family, fall through.
	default:
		return em.Status
	}

	if len(dists) == 0 {
		return EmissionSent
	}

	allPaid := true
	anyPaid := false
	for _, d := range dists {
		switch d.Status() {
		case DistributionPaid:
			anyPaid = true
		case DistributionPartial:
			anyPaid = true
			allPaid = false
		default:
			allPaid = false
		}
	}

	switch {
	case allPaid:
		return EmissionPaid
	case anyPaid:
		return EmissionPartial
	case evaluationDate.After(em.GraceDeadline()):
		return EmissionOverdue
	default:
		return EmissionSent
	}
}

// Refresh recomputes the derived status and applies it, notifying on
// transition. No-op outside the derivable family.
func (lc *EmissionLifecycle) Refresh(em *Emission, dists []UnitDistribution, evaluationDate Date) bool {
	derived := lc.DeriveStatus(*em, dists, evaluationDate)
	if derived == em.Status {
		return false
	}
	from := em.Status
	em.Status = derived
	lc.Notifier.EmissionStatusChanged(*em, from, derived)
	return true
}

// NotifyUnitTransitions compares distributions before and after a
// mutation (payment application, interest accrual) and fires unit-level
// notifications for every status change.
func (lc *EmissionLifecycle) NotifyUnitTransitions(em Emission, before, after []UnitDistribution) {
	prev := make(map[UnitID]DistributionStatus, len(before))
	for _, d := range before {
		prev[d.UnitID] = d.Status()
	}
	for _, d := range after {
		if from, ok := prev[d.UnitID]; ok && from != d.Status() {
			lc.Notifier.UnitStatusChanged(em, d.UnitID, from, d.Status())
		}
	}
}
