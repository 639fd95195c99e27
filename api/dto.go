/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY ON THE WIRE:
  Monetary values travel as decimal strings ("1234.56"), never as
  floats: a JSON number round-tripped through a float64 can corrupt
  cents, which is exactly the class of bug this service exists to
  prevent.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tariff.go: TariffJSON type reused for tariff payloads
*/
package api

import (
	"github.com/vecindario/billing-engine/billing"
	"github.com/vecindario/billing-engine/factory"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UnitDTO represents one roster entry in API responses.
type UnitDTO struct {
	ID     string `json:"id"`
	Quota  string `json:"quota"`
	Active bool   `json:"active"`
}

// SaveUnitRequest upserts a roster entry.
type SaveUnitRequest struct {
	ID     string  `json:"id"`
	Quota  string  `json:"quota"`
	Active *bool   `json:"active,omitempty"` // omitted means active
}

// EmissionDTO represents an emission header.
type EmissionDTO struct {
	ID           string  `json:"id"`
	CommunityID  string  `json:"community_id"`
	Period       string  `json:"period"`
	Type         string  `json:"type"`
	IssueDate    string  `json:"issue_date,omitempty"`
	DueDate      string  `json:"due_date"`
	GraceDays    int     `json:"grace_days"`
	InterestRate *string `json:"interest_rate,omitempty"` // percent per month
	Compound     bool    `json:"compound,omitempty"`
	Currency     string  `json:"currency"`
	Status       string  `json:"status"`
	Total        string  `json:"total,omitempty"`
}

// CreateEmissionRequest creates a draft emission with its concepts.
type CreateEmissionRequest struct {
	ID           string       `json:"id"`
	CommunityID  string       `json:"community_id"`
	Period       string       `json:"period"`
	Type         string       `json:"type,omitempty"`
	IssueDate    string       `json:"issue_date,omitempty"` // omitted: stamped on send
	DueDate      string       `json:"due_date"`
	GraceDays    int          `json:"grace_days,omitempty"`
	InterestRate *string      `json:"interest_rate,omitempty"`
	Compound     bool         `json:"compound,omitempty"`
	Currency     string       `json:"currency"`
	Concepts     []ConceptDTO `json:"concepts"`
}

// ConceptDTO represents one line item. Exactly one of amount or
// quantity+service must be set, mirroring the domain rule.
type ConceptDTO struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Amount   *string           `json:"amount,omitempty"`
	Quantity *string           `json:"quantity,omitempty"`
	Service  string            `json:"service,omitempty"`
	Rule     string            `json:"rule"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// SendEmissionRequest optionally overrides the issue date stamped on send.
type SendEmissionRequest struct {
	IssueDate string `json:"issue_date,omitempty"`
}

// DistributionDTO represents one unit's share of an emission.
type DistributionDTO struct {
	UnitID        string            `json:"unit_id"`
	EmissionID    string            `json:"emission_id"`
	DueDate       string            `json:"due_date"`
	Currency      string            `json:"currency"`
	Shares        []ConceptShareDTO `json:"shares,omitempty"`
	Principal     string            `json:"principal"`
	Interest      string            `json:"interest"`
	PrincipalPaid string            `json:"principal_paid"`
	InterestPaid  string            `json:"interest_paid"`
	Outstanding   string            `json:"outstanding"`
	Status        string            `json:"status"`
}

// ConceptShareDTO is one concept's contribution to a unit's principal.
type ConceptShareDTO struct {
	ConceptID string `json:"concept_id"`
	Amount    string `json:"amount"`
}

// SubmitPaymentRequest records a payment against a unit.
type SubmitPaymentRequest struct {
	ID          string          `json:"id"`
	UnitID      string          `json:"unit_id"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	Date        string          `json:"date"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference"`
	Status      string          `json:"status,omitempty"` // defaults to confirmed
	Allocations []AllocationDTO `json:"allocations,omitempty"`
}

// AllocationDTO is one entry of a manual allocation list.
type AllocationDTO struct {
	EmissionID string `json:"emission_id"`
	Amount     string `json:"amount"`
}

// PaymentResultDTO reports how a payment was applied.
type PaymentResultDTO struct {
	PaymentID    string           `json:"payment_id"`
	Applied      []ApplicationDTO `json:"applied"`
	Remainder    string           `json:"remainder"`
	Distribution []DistributionDTO `json:"distributions"`
}

// ApplicationDTO is one settlement audit record.
type ApplicationDTO struct {
	PaymentID  string `json:"payment_id"`
	EmissionID string `json:"emission_id"`
	UnitID     string `json:"unit_id"`
	Date       string `json:"date"`
	Principal  string `json:"principal"`
	Interest   string `json:"interest"`
}

// PaymentDTO represents a recorded payment.
type PaymentDTO struct {
	ID        string          `json:"id"`
	UnitID    string          `json:"unit_id"`
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency"`
	Date      string          `json:"date"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Allocations []AllocationDTO `json:"allocations,omitempty"`
}

// UnitLedgerDTO is a unit's full position: obligations and payments.
type UnitLedgerDTO struct {
	UnitID        string            `json:"unit_id"`
	Distributions []DistributionDTO `json:"distributions"`
	Payments      []PaymentDTO      `json:"payments"`
	TotalOwed     string            `json:"total_owed"`
	TotalPaid     string            `json:"total_paid"`
}

// TariffDTO wraps the factory's JSON shape for API responses.
type TariffDTO = factory.TariffJSON

// EvaluateResultDTO summarizes one evaluation pass.
type EvaluateResultDTO struct {
	Evaluated   int      `json:"evaluated"`
	Transitions []string `json:"transitions"`
	AsOf        string   `json:"as_of"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func emissionDTO(em billing.Emission) EmissionDTO {
	dto := EmissionDTO{
		ID:          string(em.ID),
		CommunityID: string(em.CommunityID),
		Period:      em.Period,
		Type:        string(em.Type),
		DueDate:     em.DueDate.String(),
		GraceDays:   em.GraceDays,
		Compound:    em.Compound,
		Currency:    em.Currency,
		Status:      string(em.Status),
	}
	if !em.IssueDate.IsZero() {
		dto.IssueDate = em.IssueDate.String()
	}
	if em.InterestRate != nil {
		s := em.InterestRate.String()
		dto.InterestRate = &s
	}
	return dto
}

func distributionDTO(d billing.UnitDistribution) DistributionDTO {
	dto := DistributionDTO{
		UnitID:        string(d.UnitID),
		EmissionID:    string(d.EmissionID),
		DueDate:       d.DueDate.String(),
		Currency:      d.Currency,
		Principal:     d.Principal.Value.String(),
		Interest:      d.Interest.Value.String(),
		PrincipalPaid: d.PrincipalPaid.Value.String(),
		InterestPaid:  d.InterestPaid.Value.String(),
		Outstanding:   d.OutstandingPrincipal().Add(d.OutstandingInterest()).Value.String(),
		Status:        string(d.Status()),
	}
	for _, s := range d.Shares {
		dto.Shares = append(dto.Shares, ConceptShareDTO{
			ConceptID: string(s.ConceptID),
			Amount:    s.Amount.Value.String(),
		})
	}
	return dto
}

func distributionDTOs(dists []billing.UnitDistribution) []DistributionDTO {
	out := make([]DistributionDTO, len(dists))
	for i, d := range dists {
		out[i] = distributionDTO(d)
	}
	return out
}

func applicationDTO(a billing.Application) ApplicationDTO {
	return ApplicationDTO{
		PaymentID:  string(a.PaymentID),
		EmissionID: string(a.EmissionID),
		UnitID:     string(a.UnitID),
		Date:       a.Date.String(),
		Principal:  a.Principal.Value.String(),
		Interest:   a.Interest.Value.String(),
	}
}

func paymentDTO(p billing.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:        string(p.ID),
		UnitID:    string(p.UnitID),
		Amount:    p.Amount.Value.String(),
		Currency:  p.Amount.Currency,
		Date:      p.Date.String(),
		Method:    string(p.Method),
		Reference: p.Reference,
		Status:    string(p.Status),
	}
	for _, a := range p.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			EmissionID: string(a.EmissionID),
			Amount:     a.Amount.Value.String(),
		})
	}
	return dto
}
