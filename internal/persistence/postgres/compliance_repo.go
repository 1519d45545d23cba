package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oakline/tradegate/internal/persistence"
)

// restrictedRepo implements RestrictedRepo for PostgreSQL. The registry is
// admin-owned; the engine only ever reads through the unique symbol index.
type restrictedRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRestrictedRepo creates a PostgreSQL restricted-instrument repository.
func NewRestrictedRepo(db *sqlx.DB, timeout time.Duration) persistence.RestrictedRepo {
	return &restrictedRepo{
		db:      db,
		timeout: timeout,
	}
}

// IsRestricted performs a case-insensitive exact match against the unique
// symbol index. Symbols are stored uppercased, so normalizing here keeps the
// lookup an index probe rather than a scan.
func (r *restrictedRepo) IsRestricted(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM restricted_instruments WHERE symbol = $1)`

	err := r.db.QueryRowxContext(ctx, query, strings.ToUpper(strings.TrimSpace(symbol))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check restricted list: %w", err)
	}

	return exists, nil
}

// List returns the full registry ordered by symbol.
func (r *restrictedRepo) List(ctx context.Context) ([]persistence.RestrictedInstrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, name, exchange, instrument_type, created_at
		FROM restricted_instruments
		ORDER BY symbol`

	var instruments []persistence.RestrictedInstrument
	if err := r.db.SelectContext(ctx, &instruments, query); err != nil {
		return nil, fmt.Errorf("failed to list restricted instruments: %w", err)
	}

	return instruments, nil
}

// thresholdRepo implements ThresholdRepo for PostgreSQL against the named
// settings table shared with the administrative surfaces.
type thresholdRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewThresholdRepo creates a PostgreSQL compliance-threshold repository.
func NewThresholdRepo(db *sqlx.DB, timeout time.Duration) persistence.ThresholdRepo {
	return &thresholdRepo{
		db:      db,
		timeout: timeout,
	}
}

// MaxTradeAmount returns the configured maximum USD buy value. A missing
// setting means no limit is configured and is reported as zero, not an
// error; the value is read fresh on every evaluation.
func (r *thresholdRepo) MaxTradeAmount(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var amount float64
	query := `SELECT numeric_value FROM compliance_thresholds WHERE name = 'max_trade_amount'`

	err := r.db.QueryRowxContext(ctx, query).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read max trade amount: %w", err)
	}

	return amount, nil
}
