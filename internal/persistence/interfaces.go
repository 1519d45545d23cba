package persistence

import (
	"context"
	"errors"
	"time"
)

// Instrument types recognized by the engine.
const (
	InstrumentEquity = "equity"
	InstrumentBond   = "bond"
)

// Trading directions.
const (
	TradeBuy  = "buy"
	TradeSell = "sell"
)

// Decision statuses. Status is immutable once a request is persisted; only
// the escalation fields may transition, exactly once, from unset to set.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("persistence: not found")

	// ErrAlreadyEscalated is returned by MarkEscalated when the guarded
	// update matched no rows because the request was escalated before.
	ErrAlreadyEscalated = errors.New("persistence: request already escalated")
)

// TradeRequest is the persisted outcome of a single compliance decision.
// It is written exactly once, with the decision fully computed in memory
// first; there is no pending state on disk.
type TradeRequest struct {
	ID               string     `json:"id" db:"id"`
	EmployeeID       string     `json:"employee_id" db:"employee_id"`
	Symbol           string     `json:"symbol" db:"symbol"`
	InstrumentType   string     `json:"instrument_type" db:"instrument_type"`
	TradingType      string     `json:"trading_type" db:"trading_type"`
	Shares           int64      `json:"shares" db:"shares"`
	UnitPrice        float64    `json:"unit_price" db:"unit_price"`
	Currency         string     `json:"currency" db:"currency"`
	UnitPriceUSD     float64    `json:"unit_price_usd" db:"unit_price_usd"`
	TotalValue       float64    `json:"total_value" db:"total_value"`
	TotalValueUSD    float64    `json:"total_value_usd" db:"total_value_usd"`
	ExchangeRate     float64    `json:"exchange_rate" db:"exchange_rate"`
	Status           string     `json:"status" db:"status"`
	RejectionReason  *string    `json:"rejection_reason,omitempty" db:"rejection_reason"`
	Escalated        bool       `json:"escalated" db:"escalated"`
	EscalationReason *string    `json:"escalation_reason,omitempty" db:"escalation_reason"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty" db:"escalated_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt      time.Time  `json:"processed_at" db:"processed_at"`

	// Seq is the insertion sequence, used as the deterministic tiebreaker
	// when created_at timestamps collide in detector ordering.
	Seq int64 `json:"-" db:"seq"`
}

// RestrictedInstrument is a symbol on the firm's prohibited-trading list.
// The registry is owned by an external administrative collaborator; the
// engine only reads it.
type RestrictedInstrument struct {
	Symbol         string    `json:"symbol" db:"symbol"`
	Name           string    `json:"name" db:"name"`
	Exchange       string    `json:"exchange" db:"exchange"`
	InstrumentType string    `json:"instrument_type" db:"instrument_type"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TradeRequestRepo persists compliance decisions.
type TradeRequestRepo interface {
	// Insert writes a fully-decided request in a single atomic statement.
	Insert(ctx context.Context, req *TradeRequest) error

	// Get returns the request by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*TradeRequest, error)

	// MarkEscalated sets the escalation fields exactly once. The update is
	// guarded by escalated = FALSE; a request escalated earlier yields
	// ErrAlreadyEscalated and is left untouched.
	MarkEscalated(ctx context.Context, id, reason string, escalatedAt time.Time) error

	// ListHistory returns the full decision history ordered by
	// (employee_id, symbol, created_at, seq). The detector depends on this
	// ordering being stable and total.
	ListHistory(ctx context.Context) ([]TradeRequest, error)
}

// RestrictedRepo reads the restricted-instrument registry.
type RestrictedRepo interface {
	// IsRestricted reports whether the symbol is on the restricted list.
	// Matching is case-insensitive and exact; an absent symbol is never
	// restricted.
	IsRestricted(ctx context.Context, symbol string) (bool, error)

	// List returns the full registry, for display surfaces.
	List(ctx context.Context) ([]RestrictedInstrument, error)
}

// ThresholdRepo reads compliance settings. Values are read at evaluation
// time; there is no snapshotting across a request's lifetime.
type ThresholdRepo interface {
	// MaxTradeAmount returns the maximum permitted USD value for a single
	// buy order. Zero means no limit is configured.
	MaxTradeAmount(ctx context.Context) (float64, error)
}

// AuditSink records engine actions fire-and-forget. Implementations must
// never block the decision path or surface errors to it.
type AuditSink interface {
	Record(ctx context.Context, actor, action, target string, details map[string]interface{})
}
