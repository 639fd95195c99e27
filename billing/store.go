/*
store.go - Persistence collaborator interface

PURPOSE:
  Defines the boundary between the engine and whatever stores its
  records. The engine itself never fetches or persists: the hosting
  service loads snapshots, calls the engine, and writes results back -
  ideally inside one transaction per emission-mutating operation.

APPEND-ONLY PARTS:
  Payments and Applications are append-only: a payment is never edited,
  and a misapplied payment is corrected by a separate recorded action.
  The payment reference code is the idempotency key - a duplicate
  reference is rejected with ErrDuplicateReference, which is expected
  behavior for retries.

DERIVED PARTS:
  Distributions are a cache of a deterministic computation. Save
  replaces them wholesale; they are never patched in place.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - billing/store: in-memory for tests and dev
*/
package billing

import "context"

// =============================================================================
// STORE - Persistence for the section 3 entities
// =============================================================================

type Store interface {
	// Emissions
	SaveEmission(ctx context.Context, em Emission) error
	GetEmission(ctx context.Context, id EmissionID) (*Emission, error)
	// ListEmissions filters by community; an empty ID lists everything.
	ListEmissions(ctx context.Context, community CommunityID) ([]Emission, error)

	// Concepts. Replaced wholesale; callers must not write concepts for
	// an emission that is no longer mutable.
	SaveConcepts(ctx context.Context, emission EmissionID, concepts []Concept) error
	ListConcepts(ctx context.Context, emission EmissionID) ([]Concept, error)

	// Roster
	SaveParticipation(ctx context.Context, community CommunityID, unit UnitParticipation) error
	Roster(ctx context.Context, community CommunityID) ([]UnitParticipation, error)

	// Tariffs. Versioned: superseding creates a new row, existing rows
	// are immutable once referenced by a sent emission.
	SaveTariff(ctx context.Context, t TariffDefinition) error
	ListTariffs(ctx context.Context) ([]TariffDefinition, error)

	// Distributions: the derived per-unit results, replaced wholesale.
	SaveDistributions(ctx context.Context, emission EmissionID, dists []UnitDistribution) error
	ListDistributions(ctx context.Context, emission EmissionID) ([]UnitDistribution, error)
	DistributionsForUnit(ctx context.Context, unit UnitID) ([]UnitDistribution, error)

	// Payments: append-only. Fails with ErrDuplicateReference when the
	// reference code was already recorded.
	AppendPayment(ctx context.Context, p Payment) error
	PaymentsForUnit(ctx context.Context, unit UnitID) ([]Payment, error)

	// Applications: append-only audit of how payments settled buckets.
	AppendApplications(ctx context.Context, apps []Application) error
	ApplicationsFor(ctx context.Context, emission EmissionID, unit UnitID) ([]Application, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. Use it for every
// emission-mutating operation so no partial, half-applied state is ever
// persisted.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}
