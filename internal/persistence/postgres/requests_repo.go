package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oakline/tradegate/internal/persistence"
)

// requestsRepo implements TradeRequestRepo for PostgreSQL.
type requestsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradeRequestRepo creates a PostgreSQL trade-request repository.
func NewTradeRequestRepo(db *sqlx.DB, timeout time.Duration) persistence.TradeRequestRepo {
	return &requestsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert writes a fully-decided request in a single statement. The decision
// is computed in memory first, so a failure here means the request was never
// submitted; no pending row can be left behind.
func (r *requestsRepo) Insert(ctx context.Context, req *persistence.TradeRequest) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trade_requests (
			id, employee_id, symbol, instrument_type, trading_type, shares,
			unit_price, currency, unit_price_usd, total_value, total_value_usd,
			exchange_rate, status, rejection_reason, escalated, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE, $15, $16)
		RETURNING seq`

	err := r.db.QueryRowxContext(ctx, query,
		req.ID, req.EmployeeID, req.Symbol, req.InstrumentType, req.TradingType,
		req.Shares, req.UnitPrice, req.Currency, req.UnitPriceUSD,
		req.TotalValue, req.TotalValueUSD, req.ExchangeRate,
		req.Status, req.RejectionReason, req.CreatedAt, req.ProcessedAt).
		Scan(&req.Seq)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate trade request %s: %w", req.ID, err)
		}
		return fmt.Errorf("failed to insert trade request: %w", err)
	}

	return nil
}

// Get returns a request by id.
func (r *requestsRepo) Get(ctx context.Context, id string) (*persistence.TradeRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var req persistence.TradeRequest
	query := `
		SELECT id, employee_id, symbol, instrument_type, trading_type, shares,
		       unit_price, currency, unit_price_usd, total_value, total_value_usd,
		       exchange_rate, status, rejection_reason, escalated,
		       escalation_reason, escalated_at, created_at, processed_at, seq
		FROM trade_requests
		WHERE id = $1`

	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trade request %s: %w", id, err)
	}

	return &req, nil
}

// MarkEscalated flips the escalation fields exactly once. The WHERE guard
// makes concurrent detector runs and employee appeals race-free: the first
// writer wins and every later attempt sees ErrAlreadyEscalated.
func (r *requestsRepo) MarkEscalated(ctx context.Context, id, reason string, escalatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trade_requests
		SET escalated = TRUE, escalation_reason = $2, escalated_at = $3
		WHERE id = $1 AND escalated = FALSE`

	res, err := r.db.ExecContext(ctx, query, id, reason, escalatedAt)
	if err != nil {
		return fmt.Errorf("failed to escalate trade request %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read escalation result for %s: %w", id, err)
	}
	if affected == 0 {
		// Either the row does not exist or it was escalated before.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return persistence.ErrAlreadyEscalated
	}

	return nil
}

// ListHistory returns every decision ordered by (employee_id, symbol,
// created_at, seq). seq is the insertion sequence and breaks timestamp ties
// deterministically, which the detector's group scan requires.
func (r *requestsRepo) ListHistory(ctx context.Context) ([]persistence.TradeRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, employee_id, symbol, instrument_type, trading_type, shares,
		       unit_price, currency, unit_price_usd, total_value, total_value_usd,
		       exchange_rate, status, rejection_reason, escalated,
		       escalation_reason, escalated_at, created_at, processed_at, seq
		FROM trade_requests
		ORDER BY employee_id, symbol, created_at, seq`

	var history []persistence.TradeRequest
	if err := r.db.SelectContext(ctx, &history, query); err != nil {
		return nil, fmt.Errorf("failed to list trade history: %w", err)
	}

	return history, nil
}
