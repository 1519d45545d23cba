package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oakline/tradegate/internal/instrument"
	"github.com/oakline/tradegate/internal/metrics"
	"github.com/oakline/tradegate/internal/persistence"
)

// Submission is an employee's request to trade.
type Submission struct {
	EmployeeID  string `json:"employee_id"`
	Symbol      string `json:"symbol"`
	TradingType string `json:"trading_type"`
	Shares      int64  `json:"shares"`
}

// RestrictionChecker is the slice of the restriction matcher the engine
// consumes.
type RestrictionChecker interface {
	IsRestricted(ctx context.Context, symbol string) (bool, error)
}

// Engine evaluates submissions into persisted decisions and governs the
// escalation transitions. Decisions are computed fully in memory and
// persisted with a single write; a persistence failure means the request
// was never submitted.
type Engine struct {
	valuer     *Valuer
	matcher    RestrictionChecker
	requests   persistence.TradeRequestRepo
	thresholds persistence.ThresholdRepo
	audit      persistence.AuditSink
	metrics    *metrics.Registry

	now   func() time.Time
	newID func() string
}

// New creates an engine. All collaborators are injected; the engine holds
// no package-level state.
func New(
	valuer *Valuer,
	matcher RestrictionChecker,
	requests persistence.TradeRequestRepo,
	thresholds persistence.ThresholdRepo,
	audit persistence.AuditSink,
	reg *metrics.Registry,
) *Engine {
	return &Engine{
		valuer:     valuer,
		matcher:    matcher,
		requests:   requests,
		thresholds: thresholds,
		audit:      audit,
		metrics:    reg,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

// Submit evaluates a trade request and persists the decision exactly once.
// The restriction check takes absolute precedence over the threshold check:
// when both would reject, only the restriction reason is stored. Validation
// failures abort before any row is created.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*persistence.TradeRequest, error) {
	if err := validateSubmission(&sub); err != nil {
		return nil, err
	}

	inst := instrument.Classify(sub.Symbol)

	val, err := e.valuer.Value(ctx, inst, sub.Shares)
	if err != nil {
		return nil, err
	}

	restricted, err := e.matcher.IsRestricted(ctx, inst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("evaluate restriction for %s: %w", inst.Symbol, err)
	}

	maxAmount, err := e.thresholds.MaxTradeAmount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read max trade amount: %w", err)
	}

	status := persistence.StatusApproved
	var reason *string
	switch {
	case restricted:
		status = persistence.StatusRejected
		r := RestrictedReason(inst.Symbol)
		reason = &r
	default:
		if breach := CheckThreshold(val, sub.TradingType, maxAmount); breach != nil {
			status = persistence.StatusRejected
			r := breach.Reason()
			reason = &r
		}
	}

	now := e.now()
	req := &persistence.TradeRequest{
		ID:              e.newID(),
		EmployeeID:      sub.EmployeeID,
		Symbol:          inst.Symbol,
		InstrumentType:  inst.Type,
		TradingType:     sub.TradingType,
		Shares:          sub.Shares,
		UnitPrice:       val.UnitPrice,
		Currency:        val.Currency,
		UnitPriceUSD:    val.UnitPriceUSD,
		TotalValue:      val.TotalValue,
		TotalValueUSD:   val.TotalValueUSD,
		ExchangeRate:    val.ExchangeRate,
		Status:          status,
		RejectionReason: reason,
		CreatedAt:       now,
		ProcessedAt:     now,
	}

	if err := e.requests.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	e.metrics.Decisions.WithLabelValues(status).Inc()
	e.audit.Record(ctx, sub.EmployeeID, "trade_request."+status, req.ID, map[string]interface{}{
		"symbol":          req.Symbol,
		"trading_type":    req.TradingType,
		"shares":          req.Shares,
		"total_value_usd": req.TotalValueUSD,
		"rate_source":     val.RateSource,
	})

	log.Info().
		Str("request_id", req.ID).
		Str("employee", req.EmployeeID).
		Str("symbol", req.Symbol).
		Str("status", status).
		Float64("total_usd", req.TotalValueUSD).
		Msg("trade request decided")

	return req, nil
}

// EscalateByEmployee records an employee's appeal of a rejected decision.
// Permitted only by the request's owner, only on a rejected request, and
// only once; a non-empty justification is required.
func (e *Engine) EscalateByEmployee(ctx context.Context, requestID, employeeID, justification string) error {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return &ValidationError{Field: "justification", Message: "a justification is required to escalate"}
	}

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.EmployeeID != employeeID {
		return ErrEscalationNotAllowed
	}
	if req.Status != persistence.StatusRejected || req.Escalated {
		return ErrEscalationNotAllowed
	}

	if err := e.requests.MarkEscalated(ctx, requestID, justification, e.now()); err != nil {
		return err
	}

	e.metrics.Escalations.WithLabelValues("employee").Inc()
	e.audit.Record(ctx, employeeID, "trade_request.escalated", requestID, map[string]interface{}{
		"justification": justification,
	})

	return nil
}

// FlagBySystem records a retroactive violation finding on an approved
// request. The escalation timestamp is backdated to the trade's creation
// time: the violation existed then, the detector merely found it later.
// Requests already escalated on either path are left untouched.
func (e *Engine) FlagBySystem(ctx context.Context, req *persistence.TradeRequest, reason string) error {
	if req.Status != persistence.StatusApproved || req.Escalated {
		return ErrEscalationNotAllowed
	}

	if err := e.requests.MarkEscalated(ctx, req.ID, reason, req.CreatedAt); err != nil {
		return err
	}

	e.metrics.Escalations.WithLabelValues("system").Inc()
	e.audit.Record(ctx, "system", "trade_request.flagged", req.ID, map[string]interface{}{
		"reason": reason,
	})

	return nil
}

func validateSubmission(sub *Submission) error {
	sub.EmployeeID = strings.TrimSpace(sub.EmployeeID)
	sub.Symbol = strings.TrimSpace(sub.Symbol)
	sub.TradingType = strings.ToLower(strings.TrimSpace(sub.TradingType))

	if sub.EmployeeID == "" {
		return &ValidationError{Field: "employee_id", Message: "employee id is required"}
	}
	if sub.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if sub.TradingType != persistence.TradeBuy && sub.TradingType != persistence.TradeSell {
		return &ValidationError{Field: "trading_type", Message: "trading type must be buy or sell"}
	}
	if sub.Shares <= 0 {
		return &ValidationError{Field: "shares", Message: "number of shares must be positive"}
	}
	return nil
}
