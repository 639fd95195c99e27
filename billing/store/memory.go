// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vecindario/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	emissions     map[billing.EmissionID]billing.Emission
	concepts      map[billing.EmissionID][]billing.Concept
	roster        map[billing.CommunityID]map[billing.UnitID]billing.UnitParticipation
	tariffs       []billing.TariffDefinition
	distributions map[billing.EmissionID][]billing.UnitDistribution
	payments      []billing.Payment
	references    map[string]bool
	applications  []billing.Application
}

func NewMemory() *Memory {
	return &Memory{
		emissions:     make(map[billing.EmissionID]billing.Emission),
		concepts:      make(map[billing.EmissionID][]billing.Concept),
		roster:        make(map[billing.CommunityID]map[billing.UnitID]billing.UnitParticipation),
		distributions: make(map[billing.EmissionID][]billing.UnitDistribution),
		references:    make(map[string]bool),
	}
}

// Emissions

func (m *Memory) SaveEmission(_ context.Context, em billing.Emission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emissions[em.ID] = em
	return nil
}

func (m *Memory) GetEmission(_ context.Context, id billing.EmissionID) (*billing.Emission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	em, ok := m.emissions[id]
	if !ok {
		return nil, billing.ErrEmissionNotFound
	}
	return &em, nil
}

func (m *Memory) ListEmissions(_ context.Context, community billing.CommunityID) ([]billing.Emission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Emission
	for _, em := range m.emissions {
		if community == "" || em.CommunityID == community {
			out = append(out, em)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Concepts

func (m *Memory) SaveConcepts(_ context.Context, emission billing.EmissionID, concepts []billing.Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]billing.Concept, len(concepts))
	copy(cp, concepts)
	m.concepts[emission] = cp
	return nil
}

func (m *Memory) ListConcepts(_ context.Context, emission billing.EmissionID) ([]billing.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]billing.Concept, len(m.concepts[emission]))
	copy(cp, m.concepts[emission])
	return cp, nil
}

// Roster

func (m *Memory) SaveParticipation(_ context.Context, community billing.CommunityID, unit billing.UnitParticipation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roster[community] == nil {
		m.roster[community] = make(map[billing.UnitID]billing.UnitParticipation)
	}
	m.roster[community][unit.UnitID] = unit
	return nil
}

func (m *Memory) Roster(_ context.Context, community billing.CommunityID) ([]billing.UnitParticipation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.UnitParticipation
	for _, u := range m.roster[community] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

// Tariffs

func (m *Memory) SaveTariff(_ context.Context, t billing.TariffDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tariffs {
		if existing.ID == t.ID {
			m.tariffs[i] = t
			return nil
		}
	}
	m.tariffs = append(m.tariffs, t)
	return nil
}

func (m *Memory) ListTariffs(_ context.Context) ([]billing.TariffDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.TariffDefinition, len(m.tariffs))
	copy(out, m.tariffs)
	return out, nil
}

// Distributions

func (m *Memory) SaveDistributions(_ context.Context, emission billing.EmissionID, dists []billing.UnitDistribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]billing.UnitDistribution, len(dists))
	copy(cp, dists)
	m.distributions[emission] = cp
	return nil
}

func (m *Memory) ListDistributions(_ context.Context, emission billing.EmissionID) ([]billing.UnitDistribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]billing.UnitDistribution, len(m.distributions[emission]))
	copy(cp, m.distributions[emission])
	return cp, nil
}

func (m *Memory) DistributionsForUnit(_ context.Context, unit billing.UnitID) ([]billing.UnitDistribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.UnitDistribution
	for _, dists := range m.distributions {
		for _, d := range dists {
			if d.UnitID == unit {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].EmissionID < out[j].EmissionID
	})
	return out, nil
}

// Payments

func (m *Memory) AppendPayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Reference != "" && m.references[p.Reference] {
		return billing.ErrDuplicateReference
	}
	m.payments = append(m.payments, p)
	if p.Reference != "" {
		m.references[p.Reference] = true
	}
	return nil
}

func (m *Memory) PaymentsForUnit(_ context.Context, unit billing.UnitID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if p.UnitID == unit {
			out = append(out, p)
		}
	}
	return out, nil
}

// Applications

func (m *Memory) AppendApplications(_ context.Context, apps []billing.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applications = append(m.applications, apps...)
	return nil
}

func (m *Memory) ApplicationsFor(_ context.Context, emission billing.EmissionID, unit billing.UnitID) ([]billing.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Application
	for _, a := range m.applications {
		if a.EmissionID == emission && a.UnitID == unit {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with all-or-nothing semantics via snapshot and
// restore. Good enough for tests; SQLite does this with real
// transactions.
type TxMemory struct {
	*Memory
	txMu sync.Mutex
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	emissions     map[billing.EmissionID]billing.Emission
	concepts      map[billing.EmissionID][]billing.Concept
	roster        map[billing.CommunityID]map[billing.UnitID]billing.UnitParticipation
	tariffs       []billing.TariffDefinition
	distributions map[billing.EmissionID][]billing.UnitDistribution
	payments      []billing.Payment
	references    map[string]bool
	applications  []billing.Application
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := memorySnapshot{
		emissions:     make(map[billing.EmissionID]billing.Emission, len(tm.emissions)),
		concepts:      make(map[billing.EmissionID][]billing.Concept, len(tm.concepts)),
		roster:        make(map[billing.CommunityID]map[billing.UnitID]billing.UnitParticipation, len(tm.roster)),
		tariffs:       append([]billing.TariffDefinition{}, tm.tariffs...),
		distributions: make(map[billing.EmissionID][]billing.UnitDistribution, len(tm.distributions)),
		payments:      append([]billing.Payment{}, tm.payments...),
		references:    make(map[string]bool, len(tm.references)),
		applications:  append([]billing.Application{}, tm.applications...),
	}
	for k, v := range tm.emissions {
		s.emissions[k] = v
	}
	for k, v := range tm.concepts {
		s.concepts[k] = append([]billing.Concept{}, v...)
	}
	for k, v := range tm.roster {
		inner := make(map[billing.UnitID]billing.UnitParticipation, len(v))
		for uk, uv := range v {
			inner[uk] = uv
		}
		s.roster[k] = inner
	}
	for k, v := range tm.distributions {
		s.distributions[k] = append([]billing.UnitDistribution{}, v...)
	}
	for k, v := range tm.references {
		s.references[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.emissions = s.emissions
	tm.concepts = s.concepts
	tm.roster = s.roster
	tm.tariffs = s.tariffs
	tm.distributions = s.distributions
	tm.payments = s.payments
	tm.references = s.references
	tm.applications = s.applications
}
