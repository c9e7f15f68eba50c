// Package quota implements the per-tenant monthly send quota: a mutable
// counters row per tenant/period plus an append-only ledger of grant and
// consumption events. The counters are a materialized projection of the
// ledger; consumption is idempotent per notification reference, enforced by
// a partial unique index rather than application logic so that concurrent
// workers cannot double-charge a tenant.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Source tells which bucket a consumption was charged against. Included
// (plan-bundled) quota is always consumed before purchased extras.
type Source string

const (
	SourceIncluded Source = "INCLUDED"
	SourceExtra    Source = "EXTRA"
)

// Ledger event and reference kinds.
const (
	EventGrant   = "GRANT"
	EventConsume = "CONSUME"

	RefNotification    = "NOTIFICATION"
	RefAddonActivation = "ADDON_ACTIVATION"
	RefManual          = "MANUAL"
)

// uniqueViolation is the Postgres SQLSTATE raised when the partial unique
// index on consume entries rejects a duplicate reference.
const uniqueViolation = "23505"

// ExceededError is the business-rule failure callers branch on: both quota
// buckets are empty. It is not a technical error; the worker maps it to a
// long retry so the tenant can purchase credit before the next attempt.
type ExceededError struct {
	Needed    int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("QUOTA_EXCEEDED: needed %d, remaining %d", e.Needed, e.Remaining)
}

// Consumption reports the outcome of a (possibly replayed) consume call.
type Consumption struct {
	LedgerID          uuid.UUID `json:"ledger_id"`
	Source            Source    `json:"source"`
	RemainingIncluded int       `json:"remaining_included"`
	RemainingExtra    int       `json:"remaining_extra"`
}

// Snapshot is the current period's counters for a tenant.
type Snapshot struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	PeriodKey         string    `json:"period_key"`
	IncludedUnits     int       `json:"included_units"`
	IncludedUsed      int       `json:"included_used"`
	ExtraPurchased    int       `json:"extra_purchased"`
	ExtraUsed         int       `json:"extra_used"`
	RemainingIncluded int       `json:"remaining_included"`
	RemainingExtra    int       `json:"remaining_extra"`
}

// querier is the database surface the ledger needs. *pgxpool.Pool satisfies
// it; tests substitute an in-memory fake.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the quota accounting store.
type Ledger struct {
	pool             querier
	logger           *zap.Logger
	includedPerMonth int
	now              func() time.Time
}

// New creates a Ledger. includedPerMonth seeds the plan-bundled allowance
// when a tenant's period row is lazily created on first access.
func New(pool *pgxpool.Pool, includedPerMonth int, logger *zap.Logger) *Ledger {
	return &Ledger{
		pool:             pool,
		logger:           logger,
		includedPerMonth: includedPerMonth,
		now:              time.Now,
	}
}

// PeriodKey returns the YYYYMM accounting window for t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("200601")
}

// Consume charges one quota unit to the tenant's current period, keyed by
// the notification id. Calling it any number of times for the same
// notification, concurrently or not, consumes exactly one unit: the first
// writer inserts the consume entry, every other caller replays the
// recorded outcome. Returns *ExceededError when both buckets are empty.
func (l *Ledger) Consume(ctx context.Context, tenantID, notificationID uuid.UUID) (*Consumption, error) {
	period := PeriodKey(l.now())
	ref := notificationID.String()

	if c, err := l.findConsumption(ctx, tenantID, period, ref); err != nil {
		return nil, err
	} else if c != nil {
		l.logger.Debug("quota consume replayed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("reference_id", ref),
			zap.String("source", string(c.Source)),
		)
		return c, nil
	}

	c, err := l.consumeOnce(ctx, tenantID, period, ref)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// A concurrent caller won the insert race. The unit has been
		// consumed exactly once; treat this call as a success and return
		// the entry the winner wrote.
		c, err = l.findConsumption(ctx, tenantID, period, ref)
		if err == nil && c == nil {
			return nil, fmt.Errorf("consume entry vanished after conflict for %s", ref)
		}
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("quota consumed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("period", period),
		zap.String("reference_id", ref),
		zap.String("source", string(c.Source)),
		zap.Int("remaining_included", c.RemainingIncluded),
		zap.Int("remaining_extra", c.RemainingExtra),
	)
	return c, nil
}

// consumeOnce runs the single-transaction consume: lock the period row,
// pick the source bucket, bump its counter and append the ledger entry.
func (l *Ledger) consumeOnce(ctx context.Context, tenantID uuid.UUID, period, ref string) (*Consumption, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := l.ensurePeriod(ctx, tx, tenantID, period); err != nil {
		return nil, err
	}

	var includedUnits, includedUsed, extraPurchased, extraUsed int
	err = tx.QueryRow(ctx, `
		SELECT included_units, included_used, extra_purchased, extra_used
		FROM quota_periods
		WHERE tenant_id = $1 AND period_key = $2
		FOR UPDATE
	`, tenantID, period).Scan(&includedUnits, &includedUsed, &extraPurchased, &extraUsed)
	if err != nil {
		return nil, fmt.Errorf("lock quota period: %w", err)
	}

	remainingIncluded := max(0, includedUnits-includedUsed)
	remainingExtra := max(0, extraPurchased-extraUsed)

	if remainingIncluded == 0 && remainingExtra == 0 {
		return nil, &ExceededError{Needed: 1, Remaining: 0}
	}

	source := SourceIncluded
	counter := "included_used"
	if remainingIncluded == 0 {
		source = SourceExtra
		counter = "extra_used"
		remainingExtra--
	} else {
		remainingIncluded--
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE quota_periods
		SET %s = %s + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND period_key = $2
	`, counter, counter), tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, err)
	}

	ledgerID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO quota_ledger (
			id, tenant_id, period_key, event_type, quantity,
			reference_type, reference_id, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ledgerID, tenantID, period, EventConsume, -1, RefNotification, ref, source)
	if err != nil {
		// Possibly the unique violation; Consume inspects the SQLSTATE.
		return nil, fmt.Errorf("insert consume entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}

	return &Consumption{
		LedgerID:          ledgerID,
		Source:            source,
		RemainingIncluded: remainingIncluded,
		RemainingExtra:    remainingExtra,
	}, nil
}

// findConsumption looks up an existing consume entry for the reference and,
// when found, pairs its recorded source with the current remainders.
func (l *Ledger) findConsumption(ctx context.Context, tenantID uuid.UUID, period, ref string) (*Consumption, error) {
	var (
		ledgerID uuid.UUID
		source   Source
	)
	err := l.pool.QueryRow(ctx, `
		SELECT id, source
		FROM quota_ledger
		WHERE tenant_id = $1 AND period_key = $2
		  AND event_type = $3 AND reference_type = $4 AND reference_id = $5
	`, tenantID, period, EventConsume, RefNotification, ref).Scan(&ledgerID, &source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find consume entry: %w", err)
	}

	snap, err := l.Current(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &Consumption{
		LedgerID:          ledgerID,
		Source:            source,
		RemainingIncluded: snap.RemainingIncluded,
		RemainingExtra:    snap.RemainingExtra,
	}, nil
}

// Grant adds quantity units to the tenant's current period: to the
// plan-included bucket for SourceIncluded, to purchased extras for
// SourceExtra. Grants are not idempotent by design; callers dedupe
// upstream (e.g. by payment transaction id in referenceID).
func (l *Ledger) Grant(ctx context.Context, tenantID uuid.UUID, quantity int, source Source, referenceType string, referenceID *string) (*Snapshot, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("grant quantity must be positive, got %d", quantity)
	}

	period := PeriodKey(l.now())

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin grant: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := l.ensurePeriod(ctx, tx, tenantID, period); err != nil {
		return nil, err
	}

	counter := "included_units"
	if source == SourceExtra {
		counter = "extra_purchased"
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE quota_periods
		SET %s = %s + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND period_key = $2
	`, counter, counter), tenantID, period, quantity)
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_ledger (
			id, tenant_id, period_key, event_type, quantity,
			reference_type, reference_id, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), tenantID, period, EventGrant, quantity, referenceType, referenceID, source)
	if err != nil {
		return nil, fmt.Errorf("insert grant entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}

	l.logger.Info("quota granted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("period", period),
		zap.Int("quantity", quantity),
		zap.String("source", string(source)),
		zap.String("reference_type", referenceType),
	)

	return l.Current(ctx, tenantID)
}

// Current returns the tenant's counters for the current period. A tenant
// that has not touched this period yet reports the plan allowance without
// creating the row.
func (l *Ledger) Current(ctx context.Context, tenantID uuid.UUID) (*Snapshot, error) {
	period := PeriodKey(l.now())

	snap := Snapshot{
		TenantID:      tenantID,
		PeriodKey:     period,
		IncludedUnits: l.includedPerMonth,
	}
	err := l.pool.QueryRow(ctx, `
		SELECT included_units, included_used, extra_purchased, extra_used
		FROM quota_periods
		WHERE tenant_id = $1 AND period_key = $2
	`, tenantID, period).Scan(&snap.IncludedUnits, &snap.IncludedUsed, &snap.ExtraPurchased, &snap.ExtraUsed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query quota period: %w", err)
	}

	snap.RemainingIncluded = max(0, snap.IncludedUnits-snap.IncludedUsed)
	snap.RemainingExtra = max(0, snap.ExtraPurchased-snap.ExtraUsed)
	return &snap, nil
}

// ensurePeriod lazily creates the tenant's period row, seeded with the
// plan-included allowance, and records the seeding as a GRANT entry so the
// counters stay a pure projection of the ledger.
func (l *Ledger) ensurePeriod(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, period string) error {
	var created uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO quota_periods (tenant_id, period_key, included_units)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period_key) DO NOTHING
		RETURNING tenant_id
	`, tenantID, period, l.includedPerMonth).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // already exists
	}
	if err != nil {
		return fmt.Errorf("create quota period: %w", err)
	}

	if l.includedPerMonth > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO quota_ledger (
				id, tenant_id, period_key, event_type, quantity,
				reference_type, reference_id, source
			) VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		`, uuid.New(), tenantID, period, EventGrant, l.includedPerMonth, RefManual, SourceIncluded)
		if err != nil {
			return fmt.Errorf("insert plan grant entry: %w", err)
		}
	}
	return nil
}
