/*
handlers.go - HTTP API handlers for the community billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Communities:
    GET    /api/communities/{id}/units       List roster
    POST   /api/communities/{id}/units       Upsert roster entry
    GET    /api/communities/{id}/emissions   List emissions

  Emissions:
    POST   /api/emissions                    Create draft with concepts
    GET    /api/emissions/{id}               Emission with total
    POST   /api/emissions/{id}/ready         Run proration, freeze draft
    POST   /api/emissions/{id}/send          Issue to the community
    POST   /api/emissions/{id}/cancel        Cancel (payments stay)
    GET    /api/emissions/{id}/distributions Per-unit shares (?as_of=)

  Payments:
    POST   /api/payments                     Record and reconcile
    GET    /api/units/{id}/ledger            Unit obligations + payments

  Tariffs:
    GET    /api/tariffs                      List versions
    POST   /api/tariffs                      Add a version

  Admin:
    POST   /api/admin/evaluate               Run an evaluation pass (?as_of=)
    POST   /api/admin/seed                   Apply a YAML seed document

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic inside one store transaction
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate reference, illegal transition)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: The same evaluation pass on a timer
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vecindario/billing-engine/billing"
	"github.com/vecindario/billing-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         billing.TxStore
	Lifecycle     *billing.EmissionLifecycle
	Reconciler    billing.PaymentReconciler
	Interest      billing.InterestAccrualCalculator
	TariffFactory *factory.TariffFactory

	// clock is swappable in tests; defaults to billing.Today.
	clock func() billing.Date
}

// NewHandler creates a new handler with the given store and notifier.
func NewHandler(store billing.TxStore, notifier billing.Notifier) *Handler {
	return &Handler{
		Store:         store,
		Lifecycle:     billing.NewEmissionLifecycle(notifier),
		TariffFactory: factory.NewTariffFactory(),
		clock:         billing.Today,
	}
}

// =============================================================================
// ROSTER HANDLERS
// =============================================================================

// ListUnits returns a community's roster.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	community := billing.CommunityID(chi.URLParam(r, "id"))

	roster, err := h.Store.Roster(r.Context(), community)
	if err != nil {
		writeDomainError(w, "Failed to load roster", err)
		return
	}

	dtos := make([]UnitDTO, len(roster))
	for i, u := range roster {
		dtos[i] = UnitDTO{ID: string(u.UnitID), Quota: u.Quota.String(), Active: u.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveUnit upserts one roster entry.
func (h *Handler) SaveUnit(w http.ResponseWriter, r *http.Request) {
	community := billing.CommunityID(chi.URLParam(r, "id"))

	var req SaveUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Unit ID is required", nil)
		return
	}
	quota, err := decimal.NewFromString(req.Quota)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quota (use a decimal string)", err)
		return
	}

	unit := billing.UnitParticipation{
		UnitID: billing.UnitID(req.ID),
		Quota:  quota,
		Active: req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveParticipation(r.Context(), community, unit); err != nil {
		writeDomainError(w, "Failed to save unit", err)
		return
	}

	writeJSON(w, http.StatusCreated, UnitDTO{ID: req.ID, Quota: quota.String(), Active: unit.Active})
}

// =============================================================================
// TARIFF HANDLERS
// =============================================================================

// ListTariffs returns every stored tariff version.
func (h *Handler) ListTariffs(w http.ResponseWriter, r *http.Request) {
	tariffs, err := h.Store.ListTariffs(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list tariffs", err)
		return
	}

	dtos := make([]TariffDTO, len(tariffs))
	for i, t := range tariffs {
		dtos[i] = h.TariffFactory.ToJSON(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTariff stores a new tariff version after wholesale validation.
func (h *Handler) CreateTariff(w http.ResponseWriter, r *http.Request) {
	var tj TariffDTO
	if err := json.NewDecoder(r.Body).Decode(&tj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	def, err := h.TariffFactory.FromJSON(tj)
	if err != nil {
		writeDomainError(w, "Invalid tariff definition", err)
		return
	}
	if err := h.Store.SaveTariff(r.Context(), *def); err != nil {
		writeDomainError(w, "Failed to save tariff", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.TariffFactory.ToJSON(*def))
}

// =============================================================================
// EMISSION HANDLERS
// =============================================================================

// ListEmissions returns a community's emissions.
func (h *Handler) ListEmissions(w http.ResponseWriter, r *http.Request) {
	community := billing.CommunityID(chi.URLParam(r, "id"))

	emissions, err := h.Store.ListEmissions(r.Context(), community)
	if err != nil {
		writeDomainError(w, "Failed to list emissions", err)
		return
	}

	dtos := make([]EmissionDTO, len(emissions))
	for i, em := range emissions {
		dtos[i] = emissionDTO(em)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEmission creates a draft emission with its line items.
func (h *Handler) CreateEmission(w http.ResponseWriter, r *http.Request) {
	var req CreateEmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	em, concepts, err := h.buildEmission(req)
	if err != nil {
		writeDomainError(w, "Invalid emission", err)
		return
	}

	err = h.Store.WithTx(r.Context(), func(s billing.Store) error {
		if err := s.SaveEmission(r.Context(), *em); err != nil {
			return err
		}
		return s.SaveConcepts(r.Context(), em.ID, concepts)
	})
	if err != nil {
		writeDomainError(w, "Failed to create emission", err)
		return
	}

	writeJSON(w, http.StatusCreated, emissionDTO(*em))
}

// GetEmission returns one emission header with its computed total.
func (h *Handler) GetEmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.EmissionID(chi.URLParam(r, "id"))

	em, err := h.Store.GetEmission(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get emission", err)
		return
	}

	dto := emissionDTO(*em)

	concepts, err := h.Store.ListConcepts(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to load concepts", err)
		return
	}
	if len(concepts) > 0 {
		tariffs, err := h.Store.ListTariffs(ctx)
		if err != nil {
			writeDomainError(w, "Failed to load tariffs", err)
			return
		}
		total, err := billing.EmissionTotal(*em, concepts, tariffs)
		if err == nil {
			dto.Total = total.Value.String()
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// MarkEmissionReady runs proration and moves draft -> ready.
func (h *Handler) MarkEmissionReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.EmissionID(chi.URLParam(r, "id"))

	var result []billing.UnitDistribution
	var em *billing.Emission
	err := h.Store.WithTx(ctx, func(s billing.Store) error {
		var err error
		em, err = s.GetEmission(ctx, id)
		if err != nil {
			return err
		}
		concepts, err := s.ListConcepts(ctx, id)
		if err != nil {
			return err
		}
		roster, err := s.Roster(ctx, em.CommunityID)
		if err != nil {
			return err
		}
		tariffs, err := s.ListTariffs(ctx)
		if err != nil {
			return err
		}

		result, err = h.Lifecycle.MarkReady(em, concepts, roster, tariffs)
		if err != nil {
			return err
		}
		if err := s.SaveDistributions(ctx, id, result); err != nil {
			return err
		}
		return s.SaveEmission(ctx, *em)
	})
	if err != nil {
		writeDomainError(w, "Failed to mark emission ready", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"emission":      emissionDTO(*em),
		"distributions": distributionDTOs(result),
	})
}

// SendEmission issues a ready emission to the community.
func (h *Handler) SendEmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.EmissionID(chi.URLParam(r, "id"))

	var req SendEmissionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	issueDate := h.clock()
	if req.IssueDate != "" {
		d, err := billing.ParseDate(req.IssueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issue_date (use YYYY-MM-DD)", err)
			return
		}
		issueDate = d
	}

	var em *billing.Emission
	err := h.Store.WithTx(ctx, func(s billing.Store) error {
		var err error
		em, err = s.GetEmission(ctx, id)
		if err != nil {
			return err
		}
		if err := h.Lifecycle.Send(em, issueDate); err != nil {
			return err
		}
		return s.SaveEmission(ctx, *em)
	})
	if err != nil {
		writeDomainError(w, "Failed to send emission", err)
		return
	}

	writeJSON(w, http.StatusOK, emissionDTO(*em))
}

// CancelEmission cancels a non-terminal emission. Applied payments stay.
func (h *Handler) CancelEmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.EmissionID(chi.URLParam(r, "id"))

	var em *billing.Emission
	err := h.Store.WithTx(ctx, func(s billing.Store) error {
		var err error
		em, err = s.GetEmission(ctx, id)
		if err != nil {
			return err
		}
		if err := h.Lifecycle.Cancel(em); err != nil {
			return err
		}
		return s.SaveEmission(ctx, *em)
	})
	if err != nil {
		writeDomainError(w, "Failed to cancel emission", err)
		return
	}

	writeJSON(w, http.StatusOK, emissionDTO(*em))
}

// GetDistributions returns an emission's per-unit shares. With ?as_of=
// the interest figures are recomputed for that date as a preview; the
// stored records are not touched.
func (h *Handler) GetDistributions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.EmissionID(chi.URLParam(r, "id"))

	em, err := h.Store.GetEmission(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get emission", err)
		return
	}
	dists, err := h.Store.ListDistributions(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to load distributions", err)
		return
	}

	if asOfParam := r.URL.Query().Get("as_of"); asOfParam != "" {
		asOf, err := billing.ParseDate(asOfParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD)", err)
			return
		}
		for i := range dists {
			interest, err := h.accrueFor(ctx, h.Store, *em, dists[i], asOf)
			if err != nil {
				writeDomainError(w, "Failed to compute interest", err)
				return
			}
			dists[i].Interest = interest
		}
	}

	writeJSON(w, http.StatusOK, distributionDTOs(dists))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SubmitPayment records a payment and applies it to the unit's open
// obligations, all inside one transaction.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payment, err := h.buildPayment(req)
	if err != nil {
		writeDomainError(w, "Invalid payment", err)
		return
	}

	var result PaymentResultDTO
	err = h.Store.WithTx(ctx, func(s billing.Store) error {
		if err := s.AppendPayment(ctx, *payment); err != nil {
			return err
		}

		dists, err := s.DistributionsForUnit(ctx, payment.UnitID)
		if err != nil {
			return err
		}
		updated, apps, remainder, err := h.Reconciler.Apply(*payment, dists)
		if err != nil {
			return err
		}
		if err := s.AppendApplications(ctx, apps); err != nil {
			return err
		}
		if err := h.saveUnitDistributions(ctx, s, updated); err != nil {
			return err
		}
		if err := h.refreshTouchedEmissions(ctx, s, apps, dists, updated); err != nil {
			return err
		}

		result = PaymentResultDTO{
			PaymentID:    string(payment.ID),
			Remainder:    remainder.Value.String(),
			Distribution: distributionDTOs(updated),
		}
		for _, a := range apps {
			result.Applied = append(result.Applied, applicationDTO(a))
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, "Failed to apply payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetUnitLedger returns a unit's obligations and payment history.
func (h *Handler) GetUnitLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit := billing.UnitID(chi.URLParam(r, "id"))

	dists, err := h.Store.DistributionsForUnit(ctx, unit)
	if err != nil {
		writeDomainError(w, "Failed to load obligations", err)
		return
	}
	payments, err := h.Store.PaymentsForUnit(ctx, unit)
	if err != nil {
		writeDomainError(w, "Failed to load payments", err)
		return
	}

	ledger := UnitLedgerDTO{
		UnitID:        string(unit),
		Distributions: distributionDTOs(dists),
	}
	owed := decimal.Zero
	for _, d := range dists {
		owed = owed.Add(d.TotalOwed().Value)
	}
	paid := decimal.Zero
	for _, p := range payments {
		ledger.Payments = append(ledger.Payments, paymentDTO(p))
		if p.Status == billing.PaymentConfirmed {
			paid = paid.Add(p.Amount.Value)
		}
	}
	ledger.TotalOwed = owed.String()
	ledger.TotalPaid = paid.String()

	writeJSON(w, http.StatusOK, ledger)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerEvaluation runs one evaluation pass over every open emission:
// interest accrual plus status refresh. The scheduler calls the same
// code on a timer; this endpoint exists for ops and tests.
func (h *Handler) TriggerEvaluation(w http.ResponseWriter, r *http.Request) {
	asOf := h.clock()
	if asOfParam := r.URL.Query().Get("as_of"); asOfParam != "" {
		d, err := billing.ParseDate(asOfParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD)", err)
			return
		}
		asOf = d
	}

	community := billing.CommunityID(r.URL.Query().Get("community"))
	result, err := h.Evaluate(r.Context(), community, asOf)
	if err != nil {
		writeDomainError(w, "Evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApplySeed loads a YAML seed document from the request body and writes
// it into the store in one transaction. The same format the -seed boot
// flag accepts; this endpoint exists for demo and test environments.
func (h *Handler) ApplySeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	seed, err := factory.ParseSeed(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid seed document", err)
		return
	}

	err = h.Store.WithTx(ctx, func(s billing.Store) error {
		return seed.Apply(ctx, s)
	})
	if err != nil {
		writeDomainError(w, "Failed to apply seed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"community": string(seed.Community),
		"units":     len(seed.Roster),
		"tariffs":   len(seed.Tariffs),
		"emissions": len(seed.Emissions),
	})
}

// Evaluate accrues interest and refreshes the derived status of every
// open emission, as of the given date.
func (h *Handler) Evaluate(ctx context.Context, community billing.CommunityID, asOf billing.Date) (*EvaluateResultDTO, error) {
	result := &EvaluateResultDTO{AsOf: asOf.String()}

	err := h.Store.WithTx(ctx, func(s billing.Store) error {
		emissions, err := s.ListEmissions(ctx, community)
		if err != nil {
			return err
		}

		for i := range emissions {
			em := &emissions[i]
			switch em.Status {
			case billing.EmissionSent, billing.EmissionPartial, billing.EmissionOverdue:
			default:
				continue
			}
			result.Evaluated++

			dists, err := s.ListDistributions(ctx, em.ID)
			if err != nil {
				return err
			}
			for j := range dists {
				interest, err := h.accrueFor(ctx, s, *em, dists[j], asOf)
				if err != nil {
					return err
				}
				dists[j].Interest = interest
			}
			if err := s.SaveDistributions(ctx, em.ID, dists); err != nil {
				return err
			}

			from := em.Status
			if h.Lifecycle.Refresh(em, dists, asOf) {
				result.Transitions = append(result.Transitions,
					fmt.Sprintf("%s: %s -> %s", em.ID, from, em.Status))
				if err := s.SaveEmission(ctx, *em); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (h *Handler) buildEmission(req CreateEmissionRequest) (*billing.Emission, []billing.Concept, error) {
	if req.ID == "" || req.CommunityID == "" || req.Currency == "" {
		return nil, nil, &billing.ValidationError{Field: "emission", Reason: "id, community_id and currency are required"}
	}
	dueDate, err := billing.ParseDate(req.DueDate)
	if err != nil {
		return nil, nil, &billing.ValidationError{Field: "due_date", Reason: "use YYYY-MM-DD"}
	}
	var issueDate billing.Date
	if req.IssueDate != "" {
		issueDate, err = billing.ParseDate(req.IssueDate)
		if err != nil {
			return nil, nil, &billing.ValidationError{Field: "issue_date", Reason: "use YYYY-MM-DD"}
		}
	}

	em := &billing.Emission{
		ID:          billing.EmissionID(req.ID),
		CommunityID: billing.CommunityID(req.CommunityID),
		Period:      req.Period,
		Type:        billing.EmissionType(req.Type),
		IssueDate:   issueDate,
		DueDate:     dueDate,
		GraceDays:   req.GraceDays,
		Compound:    req.Compound,
		Currency:    req.Currency,
		Status:      billing.EmissionDraft,
	}
	if em.Type == "" {
		em.Type = billing.EmissionOrdinary
	}
	if req.InterestRate != nil {
		rate, err := decimal.NewFromString(*req.InterestRate)
		if err != nil {
			return nil, nil, &billing.ValidationError{Field: "interest_rate", Reason: "use a decimal string"}
		}
		em.InterestRate = &rate
	}

	var concepts []billing.Concept
	for _, cd := range req.Concepts {
		c, err := buildConcept(cd, req.Currency)
		if err != nil {
			return nil, nil, err
		}
		concepts = append(concepts, *c)
	}
	return em, concepts, nil
}

func buildConcept(cd ConceptDTO, currency string) (*billing.Concept, error) {
	c := &billing.Concept{
		ID:   billing.ConceptID(cd.ID),
		Name: cd.Name,
		Rule: billing.CustomizableRule{Kind: billing.DistributionRule(cd.Rule)},
	}
	if c.Rule.Kind == "" {
		c.Rule.Kind = billing.DistributeProportional
	}
	if cd.Amount != nil {
		v, err := decimal.NewFromString(*cd.Amount)
		if err != nil {
			return nil, &billing.ValidationError{Field: "concept " + cd.ID, Reason: "invalid amount"}
		}
		m := billing.MoneyFromDecimal(v, currency)
		c.Amount = &m
	}
	if cd.Quantity != nil {
		v, err := decimal.NewFromString(*cd.Quantity)
		if err != nil {
			return nil, &billing.ValidationError{Field: "concept " + cd.ID, Reason: "invalid quantity"}
		}
		c.Quantity = &v
		c.Service = billing.ServiceType(cd.Service)
	}
	if len(cd.Custom) > 0 {
		c.Rule.Custom = make(map[billing.UnitID]billing.Money, len(cd.Custom))
		for unit, raw := range cd.Custom {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, &billing.ValidationError{Field: "concept " + cd.ID, Reason: "invalid custom amount for unit " + unit}
			}
			c.Rule.Custom[billing.UnitID(unit)] = billing.MoneyFromDecimal(v, currency)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *Handler) buildPayment(req SubmitPaymentRequest) (*billing.Payment, error) {
	if req.ID == "" || req.UnitID == "" || req.Reference == "" {
		return nil, &billing.ValidationError{Field: "payment", Reason: "id, unit_id and reference are required"}
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, &billing.ValidationError{Field: "amount", Reason: "use a decimal string"}
	}
	payDate, err := billing.ParseDate(req.Date)
	if err != nil {
		return nil, &billing.ValidationError{Field: "date", Reason: "use YYYY-MM-DD"}
	}

	p := &billing.Payment{
		ID:        billing.PaymentID(req.ID),
		UnitID:    billing.UnitID(req.UnitID),
		Amount:    billing.MoneyFromDecimal(amount, req.Currency),
		Date:      payDate,
		Method:    billing.PaymentMethod(req.Method),
		Reference: req.Reference,
		Status:    billing.PaymentStatus(req.Status),
	}
	if p.Status == "" {
		p.Status = billing.PaymentConfirmed
	}
	if p.Method == "" {
		p.Method = billing.MethodTransfer
	}
	for _, a := range req.Allocations {
		v, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return nil, &billing.ValidationError{Field: "allocations", Reason: "invalid amount for emission " + a.EmissionID}
		}
		p.Allocations = append(p.Allocations, billing.PaymentAllocation{
			EmissionID: billing.EmissionID(a.EmissionID),
			Amount:     billing.MoneyFromDecimal(v, req.Currency),
		})
	}
	return p, nil
}

// saveUnitDistributions merges updated per-unit rows back into each
// touched emission's full distribution set. SaveDistributions replaces
// wholesale, so the untouched units must ride along.
func (h *Handler) saveUnitDistributions(ctx context.Context, s billing.Store, updated []billing.UnitDistribution) error {
	byEmission := make(map[billing.EmissionID][]billing.UnitDistribution)
	for _, d := range updated {
		byEmission[d.EmissionID] = append(byEmission[d.EmissionID], d)
	}

	for emID, rows := range byEmission {
		all, err := s.ListDistributions(ctx, emID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for i := range all {
				if all[i].UnitID == row.UnitID {
					all[i] = row
				}
			}
		}
		if err := s.SaveDistributions(ctx, emID, all); err != nil {
			return err
		}
	}
	return nil
}

// refreshTouchedEmissions recomputes the derived status of every
// emission a payment touched, firing unit and emission notifications.
func (h *Handler) refreshTouchedEmissions(ctx context.Context, s billing.Store, apps []billing.Application, before, after []billing.UnitDistribution) error {
	seen := make(map[billing.EmissionID]bool)
	for _, a := range apps {
		if seen[a.EmissionID] {
			continue
		}
		seen[a.EmissionID] = true

		em, err := s.GetEmission(ctx, a.EmissionID)
		if err != nil {
			return err
		}

		h.Lifecycle.NotifyUnitTransitions(*em,
			filterByEmission(before, a.EmissionID),
			filterByEmission(after, a.EmissionID))

		dists, err := s.ListDistributions(ctx, a.EmissionID)
		if err != nil {
			return err
		}
		if h.Lifecycle.Refresh(em, dists, h.clock()) {
			if err := s.SaveEmission(ctx, *em); err != nil {
				return err
			}
		}
	}
	return nil
}

func filterByEmission(dists []billing.UnitDistribution, em billing.EmissionID) []billing.UnitDistribution {
	var out []billing.UnitDistribution
	for _, d := range dists {
		if d.EmissionID == em {
			out = append(out, d)
		}
	}
	return out
}

// accrueFor recomputes one distribution's interest, replaying the
// stored applications as dated balance reductions.
func (h *Handler) accrueFor(ctx context.Context, s billing.Store, em billing.Emission, dist billing.UnitDistribution, asOf billing.Date) (billing.Money, error) {
	apps, err := s.ApplicationsFor(ctx, em.ID, dist.UnitID)
	if err != nil {
		return billing.Money{}, err
	}
	var reductions []billing.BalanceEvent
	for _, a := range apps {
		if a.Principal.IsPositive() {
			reductions = append(reductions, billing.BalanceEvent{Date: a.Date, Amount: a.Principal})
		}
	}
	return h.Interest.Accrue(em, dist, reductions, asOf)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrDuplicateReference),
		errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
