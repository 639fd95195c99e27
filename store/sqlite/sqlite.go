/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  Payments and applications are append-only:
  - No UPDATE statements on the payments or applications tables
  - A misapplied payment is corrected by a separate recorded action
  - The payment reference carries a UNIQUE index: a retried submission
    of the same bank reference is rejected, not double-counted

DERIVED DATA:
  Distributions are the cached output of a deterministic computation.
  SaveDistributions replaces an emission's rows wholesale inside one
  transaction; rows are never patched in place.

KEY TABLES:
  emissions:      Billing cycle headers with lifecycle status
  concepts:       Line items per emission (replaced wholesale)
  participation:  Unit roster with ownership quotas per community
  tariffs:        Versioned pricing definitions (immutable once written)
  distributions:  Per-unit shares, principal/interest buckets
  payments:       Immutable payment records (reference is the idempotency key)
  applications:   Audit trail of payment-to-obligation settlements

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vecindario/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	q  queryable // s.db outside a transaction, *sql.Tx inside one
}

// queryable is the subset of *sql.DB and *sql.Tx the store needs, so
// every method runs identically inside and outside a transaction.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Emissions (billing cycle headers)
	CREATE TABLE IF NOT EXISTS emissions (
		id TEXT PRIMARY KEY,
		community_id TEXT NOT NULL,
		period TEXT NOT NULL,
		type TEXT NOT NULL,
		issue_date TEXT,
		due_date TEXT NOT NULL,
		grace_days INTEGER NOT NULL DEFAULT 0,
		interest_rate TEXT,
		compound BOOLEAN NOT NULL DEFAULT FALSE,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_emissions_community
		ON emissions(community_id, period);
	CREATE INDEX IF NOT EXISTS idx_emissions_status
		ON emissions(status);

	-- Concepts (line items, replaced wholesale per emission)
	CREATE TABLE IF NOT EXISTS concepts (
		emission_id TEXT NOT NULL,
		concept_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		amount TEXT,
		quantity TEXT,
		service TEXT,
		rule_kind TEXT NOT NULL,
		custom_json TEXT,
		PRIMARY KEY (emission_id, concept_id)
	);

	-- Participation roster
	CREATE TABLE IF NOT EXISTS participation (
		community_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		quota TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (community_id, unit_id)
	);

	-- Tariffs (versioned: superseding inserts a new row)
	CREATE TABLE IF NOT EXISTS tariffs (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		taxed BOOLEAN NOT NULL DEFAULT FALSE,
		tax_rate TEXT,
		unit_price TEXT,
		bands_json TEXT,
		seasons_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tariffs_service_validity
		ON tariffs(service, valid_from);

	-- Distributions (derived per-unit results, replaced wholesale)
	CREATE TABLE IF NOT EXISTS distributions (
		emission_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		due_date TEXT NOT NULL,
		currency TEXT NOT NULL,
		shares_json TEXT,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		principal_paid TEXT NOT NULL,
		interest_paid TEXT NOT NULL,
		PRIMARY KEY (emission_id, unit_id)
	);

	CREATE INDEX IF NOT EXISTS idx_distributions_unit
		ON distributions(unit_id, due_date);

	-- Payments (append-only; reference is the idempotency key)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		date TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT NOT NULL,
		status TEXT NOT NULL,
		allocations_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference
		ON payments(reference);
	CREATE INDEX IF NOT EXISTS idx_payments_unit
		ON payments(unit_id, date);

	-- Applications (append-only settlement audit)
	CREATE TABLE IF NOT EXISTS applications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		emission_id TEXT NOT NULL,
		date TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applications_emission_unit
		ON applications(emission_id, unit_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a transactional view of the store: committed
// when fn returns nil, rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// EMISSIONS
// =============================================================================

// SaveEmission inserts or updates the emission header.
func (s *Store) SaveEmission(ctx context.Context, em billing.Emission) error {
	query := `
		INSERT INTO emissions
		(id, community_id, period, type, issue_date, due_date, grace_days,
		 interest_rate, compound, currency, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_date = excluded.issue_date,
			due_date = excluded.due_date,
			grace_days = excluded.grace_days,
			interest_rate = excluded.interest_rate,
			compound = excluded.compound,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	var rate sql.NullString
	if em.InterestRate != nil {
		rate = sql.NullString{String: em.InterestRate.String(), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, query,
		em.ID,
		em.CommunityID,
		em.Period,
		em.Type,
		nullDate(em.IssueDate),
		em.DueDate.String(),
		em.GraceDays,
		rate,
		em.Compound,
		em.Currency,
		em.Status,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save emission: %w", err)
	}
	return nil
}

// GetEmission fetches one emission by ID.
func (s *Store) GetEmission(ctx context.Context, id billing.EmissionID) (*billing.Emission, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, community_id, period, type, issue_date, due_date, grace_days,
		       interest_rate, compound, currency, status
		FROM emissions WHERE id = ?
	`, id)

	em, err := scanEmission(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: emission %s", billing.ErrEmissionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get emission: %w", err)
	}
	return em, nil
}

// ListEmissions returns all emissions for a community, newest period
// first. An empty community ID lists across all communities.
func (s *Store) ListEmissions(ctx context.Context, community billing.CommunityID) ([]billing.Emission, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, community_id, period, type, issue_date, due_date, grace_days,
		       interest_rate, compound, currency, status
		FROM emissions WHERE community_id = ? OR ? = ''
		ORDER BY period DESC, id ASC
	`, community, community)
	if err != nil {
		return nil, fmt.Errorf("failed to list emissions: %w", err)
	}
	defer rows.Close()

	var out []billing.Emission
	for rows.Next() {
		em, err := scanEmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *em)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmission(r rowScanner) (*billing.Emission, error) {
	var (
		em        billing.Emission
		issueDate sql.NullString
		dueDate   string
		rate      sql.NullString
	)
	err := r.Scan(&em.ID, &em.CommunityID, &em.Period, &em.Type, &issueDate,
		&dueDate, &em.GraceDays, &rate, &em.Compound, &em.Currency, &em.Status)
	if err != nil {
		return nil, err
	}

	if issueDate.Valid {
		d, err := billing.ParseDate(issueDate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt issue_date for emission %s: %w", em.ID, err)
		}
		em.IssueDate = d
	}
	due, err := billing.ParseDate(dueDate)
	if err != nil {
		return nil, fmt.Errorf("corrupt due_date for emission %s: %w", em.ID, err)
	}
	em.DueDate = due

	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt interest_rate for emission %s: %w", em.ID, err)
		}
		em.InterestRate = &d
	}
	return &em, nil
}

// =============================================================================
// CONCEPTS
// =============================================================================

// SaveConcepts replaces the emission's line items wholesale.
func (s *Store) SaveConcepts(ctx context.Context, emission billing.EmissionID, concepts []billing.Concept) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM concepts WHERE emission_id = ?", emission); err != nil {
		return fmt.Errorf("failed to clear concepts: %w", err)
	}

	for i, c := range concepts {
		var amount, quantity, service, customJSON sql.NullString
		if c.Amount != nil {
			amount = sql.NullString{String: c.Amount.Value.String(), Valid: true}
		}
		if c.Quantity != nil {
			quantity = sql.NullString{String: c.Quantity.String(), Valid: true}
			service = sql.NullString{String: string(c.Service), Valid: true}
		}
		if len(c.Rule.Custom) > 0 {
			raw, err := json.Marshal(customMapToJSON(c.Rule.Custom))
			if err != nil {
				return fmt.Errorf("failed to encode custom rule: %w", err)
			}
			customJSON = sql.NullString{String: string(raw), Valid: true}
		}

		_, err := s.q.ExecContext(ctx, `
			INSERT INTO concepts
			(emission_id, concept_id, position, name, amount, quantity, service, rule_kind, custom_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, emission, c.ID, i, c.Name, amount, quantity, service, c.Rule.Kind, customJSON)
		if err != nil {
			return fmt.Errorf("failed to save concept %s: %w", c.ID, err)
		}
	}
	return nil
}

// ListConcepts returns an emission's line items in their stored order.
func (s *Store) ListConcepts(ctx context.Context, emission billing.EmissionID) ([]billing.Concept, error) {
	// The money columns store bare decimals; the currency lives on the
	// emission header.
	em, err := s.GetEmission(ctx, emission)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT concept_id, name, amount, quantity, service, rule_kind, custom_json
		FROM concepts WHERE emission_id = ?
		ORDER BY position ASC
	`, emission)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	var out []billing.Concept
	for rows.Next() {
		var (
			c                                  billing.Concept
			amount, quantity, service, custom sql.NullString
			kind                               string
		)
		if err := rows.Scan(&c.ID, &c.Name, &amount, &quantity, &service, &kind, &custom); err != nil {
			return nil, err
		}
		c.Rule.Kind = billing.DistributionRule(kind)

		if amount.Valid {
			v, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt amount for concept %s: %w", c.ID, err)
			}
			m := billing.MoneyFromDecimal(v, em.Currency)
			c.Amount = &m
		}
		if quantity.Valid {
			v, err := decimal.NewFromString(quantity.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt quantity for concept %s: %w", c.ID, err)
			}
			c.Quantity = &v
			c.Service = billing.ServiceType(service.String)
		}
		if custom.Valid {
			var raw map[string]string
			if err := json.Unmarshal([]byte(custom.String), &raw); err != nil {
				return nil, fmt.Errorf("corrupt custom rule for concept %s: %w", c.ID, err)
			}
			c.Rule.Custom, err = customMapFromJSON(raw, em.Currency)
			if err != nil {
				return nil, fmt.Errorf("corrupt custom rule for concept %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func customMapToJSON(m map[billing.UnitID]billing.Money) map[string]string {
	out := make(map[string]string, len(m))
	for unit, amount := range m {
		out[string(unit)] = amount.Value.String()
	}
	return out
}

func customMapFromJSON(raw map[string]string, currency string) (map[billing.UnitID]billing.Money, error) {
	out := make(map[billing.UnitID]billing.Money, len(raw))
	for unit, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[billing.UnitID(unit)] = billing.MoneyFromDecimal(d, currency)
	}
	return out, nil
}

// =============================================================================
// PARTICIPATION
// =============================================================================

// SaveParticipation upserts one unit's roster entry.
func (s *Store) SaveParticipation(ctx context.Context, community billing.CommunityID, unit billing.UnitParticipation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO participation (community_id, unit_id, quota, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(community_id, unit_id) DO UPDATE SET
			quota = excluded.quota,
			active = excluded.active
	`, community, unit.UnitID, unit.Quota.String(), unit.Active)
	if err != nil {
		return fmt.Errorf("failed to save participation: %w", err)
	}
	return nil
}

// Roster returns a community's units ordered by unit ID.
func (s *Store) Roster(ctx context.Context, community billing.CommunityID) ([]billing.UnitParticipation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT unit_id, quota, active FROM participation
		WHERE community_id = ?
		ORDER BY unit_id ASC
	`, community)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	defer rows.Close()

	var out []billing.UnitParticipation
	for rows.Next() {
		var (
			p     billing.UnitParticipation
			quota string
		)
		if err := rows.Scan(&p.UnitID, &quota, &p.Active); err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(quota)
		if err != nil {
			return nil, fmt.Errorf("corrupt quota for unit %s: %w", p.UnitID, err)
		}
		p.Quota = q
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// TARIFFS
// =============================================================================

// SaveTariff inserts a tariff version. Existing rows are immutable:
// superseding pricing means inserting a new row with a later valid_from.
func (s *Store) SaveTariff(ctx context.Context, t billing.TariffDefinition) error {
	var validTo, taxRate, unitPrice, bandsJSON, seasonsJSON sql.NullString
	if t.ValidTo != nil {
		validTo = sql.NullString{String: t.ValidTo.String(), Valid: true}
	}
	if !t.TaxRate.IsZero() {
		taxRate = sql.NullString{String: t.TaxRate.String(), Valid: true}
	}
	if t.UnitPrice != nil {
		unitPrice = sql.NullString{String: t.UnitPrice.String(), Valid: true}
	}
	if len(t.Bands) > 0 {
		raw, err := json.Marshal(t.Bands)
		if err != nil {
			return fmt.Errorf("failed to encode bands: %w", err)
		}
		bandsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if len(t.Seasons) > 0 {
		raw, err := json.Marshal(t.Seasons)
		if err != nil {
			return fmt.Errorf("failed to encode seasons: %w", err)
		}
		seasonsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tariffs
		(id, service, kind, currency, valid_from, valid_to, taxed, tax_rate, unit_price, bands_json, seasons_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Service, t.Kind, t.Currency, t.ValidFrom.String(), validTo,
		t.Taxed, taxRate, unitPrice, bandsJSON, seasonsJSON)
	if err != nil {
		return fmt.Errorf("failed to save tariff: %w", err)
	}
	return nil
}

// ListTariffs returns every tariff version ordered by service and validity.
func (s *Store) ListTariffs(ctx context.Context) ([]billing.TariffDefinition, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, service, kind, currency, valid_from, valid_to, taxed, tax_rate, unit_price, bands_json, seasons_json
		FROM tariffs
		ORDER BY service ASC, valid_from ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariffs: %w", err)
	}
	defer rows.Close()

	var out []billing.TariffDefinition
	for rows.Next() {
		var (
			t                                             billing.TariffDefinition
			validFrom                                     string
			validTo, taxRate, unitPrice, bands, seasons sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Service, &t.Kind, &t.Currency, &validFrom,
			&validTo, &t.Taxed, &taxRate, &unitPrice, &bands, &seasons); err != nil {
			return nil, err
		}

		from, err := billing.ParseDate(validFrom)
		if err != nil {
			return nil, fmt.Errorf("corrupt valid_from for tariff %s: %w", t.ID, err)
		}
		t.ValidFrom = from
		if validTo.Valid {
			to, err := billing.ParseDate(validTo.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt valid_to for tariff %s: %w", t.ID, err)
			}
			t.ValidTo = &to
		}
		if taxRate.Valid {
			d, err := decimal.NewFromString(taxRate.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt tax_rate for tariff %s: %w", t.ID, err)
			}
			t.TaxRate = d
		}
		if unitPrice.Valid {
			d, err := decimal.NewFromString(unitPrice.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt unit_price for tariff %s: %w", t.ID, err)
			}
			t.UnitPrice = &d
		}
		if bands.Valid {
			if err := json.Unmarshal([]byte(bands.String), &t.Bands); err != nil {
				return nil, fmt.Errorf("corrupt bands for tariff %s: %w", t.ID, err)
			}
		}
		if seasons.Valid {
			if err := json.Unmarshal([]byte(seasons.String), &t.Seasons); err != nil {
				return nil, fmt.Errorf("corrupt seasons for tariff %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

// SaveDistributions replaces an emission's per-unit results wholesale.
func (s *Store) SaveDistributions(ctx context.Context, emission billing.EmissionID, dists []billing.UnitDistribution) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM distributions WHERE emission_id = ?", emission); err != nil {
		return fmt.Errorf("failed to clear distributions: %w", err)
	}

	for _, d := range dists {
		var sharesJSON sql.NullString
		if len(d.Shares) > 0 {
			raw, err := json.Marshal(d.Shares)
			if err != nil {
				return fmt.Errorf("failed to encode shares: %w", err)
			}
			sharesJSON = sql.NullString{String: string(raw), Valid: true}
		}

		_, err := s.q.ExecContext(ctx, `
			INSERT INTO distributions
			(emission_id, unit_id, due_date, currency, shares_json, principal, interest, principal_paid, interest_paid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, emission, d.UnitID, d.DueDate.String(), d.Currency, sharesJSON,
			d.Principal.Value.String(), d.Interest.Value.String(),
			d.PrincipalPaid.Value.String(), d.InterestPaid.Value.String())
		if err != nil {
			return fmt.Errorf("failed to save distribution for unit %s: %w", d.UnitID, err)
		}
	}
	return nil
}

// ListDistributions returns an emission's per-unit rows ordered by unit.
func (s *Store) ListDistributions(ctx context.Context, emission billing.EmissionID) ([]billing.UnitDistribution, error) {
	return s.queryDistributions(ctx, `
		SELECT emission_id, unit_id, due_date, currency, shares_json, principal, interest, principal_paid, interest_paid
		FROM distributions WHERE emission_id = ?
		ORDER BY unit_id ASC
	`, emission)
}

// DistributionsForUnit returns all of a unit's obligations, oldest due
// first: the order the reconciler consumes them in.
func (s *Store) DistributionsForUnit(ctx context.Context, unit billing.UnitID) ([]billing.UnitDistribution, error) {
	return s.queryDistributions(ctx, `
		SELECT emission_id, unit_id, due_date, currency, shares_json, principal, interest, principal_paid, interest_paid
		FROM distributions WHERE unit_id = ?
		ORDER BY due_date ASC, emission_id ASC
	`, unit)
}

func (s *Store) queryDistributions(ctx context.Context, query string, args ...any) ([]billing.UnitDistribution, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	var out []billing.UnitDistribution
	for rows.Next() {
		var (
			d                                         billing.UnitDistribution
			dueDate                                   string
			shares                                    sql.NullString
			principal, interest, prinPaid, intPaid string
		)
		if err := rows.Scan(&d.EmissionID, &d.UnitID, &dueDate, &d.Currency, &shares,
			&principal, &interest, &prinPaid, &intPaid); err != nil {
			return nil, err
		}

		due, err := billing.ParseDate(dueDate)
		if err != nil {
			return nil, fmt.Errorf("corrupt due_date for unit %s: %w", d.UnitID, err)
		}
		d.DueDate = due

		if shares.Valid {
			if err := json.Unmarshal([]byte(shares.String), &d.Shares); err != nil {
				return nil, fmt.Errorf("corrupt shares for unit %s: %w", d.UnitID, err)
			}
		}
		if d.Principal, err = parseMoney(principal, d.Currency); err != nil {
			return nil, err
		}
		if d.Interest, err = parseMoney(interest, d.Currency); err != nil {
			return nil, err
		}
		if d.PrincipalPaid, err = parseMoney(prinPaid, d.Currency); err != nil {
			return nil, err
		}
		if d.InterestPaid, err = parseMoney(intPaid, d.Currency); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

// AppendPayment records a payment. A duplicate reference code is
// rejected with ErrDuplicateReference - the expected outcome of a retry.
func (s *Store) AppendPayment(ctx context.Context, p billing.Payment) error {
	var allocationsJSON sql.NullString
	if len(p.Allocations) > 0 {
		raw, err := json.Marshal(p.Allocations)
		if err != nil {
			return fmt.Errorf("failed to encode allocations: %w", err)
		}
		allocationsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, unit_id, amount, currency, date, method, reference, status, allocations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UnitID, p.Amount.Value.String(), p.Amount.Currency,
		p.Date.String(), p.Method, p.Reference, p.Status, allocationsJSON,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: reference %s", billing.ErrDuplicateReference, p.Reference)
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// PaymentsForUnit returns a unit's payments ordered by date.
func (s *Store) PaymentsForUnit(ctx context.Context, unit billing.UnitID) ([]billing.Payment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, unit_id, amount, currency, date, method, reference, status, allocations_json
		FROM payments WHERE unit_id = ?
		ORDER BY date ASC, id ASC
	`, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p                   billing.Payment
			amount, currency    string
			payDate             string
			allocations         sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UnitID, &amount, &currency, &payDate,
			&p.Method, &p.Reference, &p.Status, &allocations); err != nil {
			return nil, err
		}

		if p.Amount, err = parseMoney(amount, currency); err != nil {
			return nil, err
		}
		d, err := billing.ParseDate(payDate)
		if err != nil {
			return nil, fmt.Errorf("corrupt date for payment %s: %w", p.ID, err)
		}
		p.Date = d
		if allocations.Valid {
			if err := json.Unmarshal([]byte(allocations.String), &p.Allocations); err != nil {
				return nil, fmt.Errorf("corrupt allocations for payment %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// APPLICATIONS
// =============================================================================

// AppendApplications records settlement audit rows. Append-only.
func (s *Store) AppendApplications(ctx context.Context, apps []billing.Application) error {
	for _, a := range apps {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO applications
			(payment_id, unit_id, emission_id, date, principal, interest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.PaymentID, a.UnitID, a.EmissionID, a.Date.String(),
			a.Principal.Value.String(), a.Interest.Value.String(),
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to append application: %w", err)
		}
	}
	return nil
}

// ApplicationsFor returns the settlement history of one unit against one
// emission, in insertion order.
func (s *Store) ApplicationsFor(ctx context.Context, emission billing.EmissionID, unit billing.UnitID) ([]billing.Application, error) {
	em, err := s.GetEmission(ctx, emission)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT payment_id, unit_id, emission_id, date, principal, interest
		FROM applications
		WHERE emission_id = ? AND unit_id = ?
		ORDER BY seq ASC
	`, emission, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var out []billing.Application
	for rows.Next() {
		var (
			a                    billing.Application
			appDate              string
			principal, interest string
		)
		if err := rows.Scan(&a.PaymentID, &a.UnitID, &a.EmissionID, &appDate, &principal, &interest); err != nil {
			return nil, err
		}
		d, err := billing.ParseDate(appDate)
		if err != nil {
			return nil, fmt.Errorf("corrupt date for application of payment %s: %w", a.PaymentID, err)
		}
		a.Date = d
		if a.Principal, err = parseMoney(principal, em.Currency); err != nil {
			return nil, err
		}
		if a.Interest, err = parseMoney(interest, em.Currency); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullDate(d billing.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseMoney(value, currency string) (billing.Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return billing.Money{}, fmt.Errorf("corrupt money value %q: %w", value, err)
	}
	return billing.MoneyFromDecimal(d, currency), nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
