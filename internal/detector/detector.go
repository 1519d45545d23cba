package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oakline/tradegate/internal/engine"
	"github.com/oakline/tradegate/internal/metrics"
	"github.com/oakline/tradegate/internal/persistence"
)

// HoldingPeriodDays is the minimum number of days required between
// opposite-direction trades in the same instrument.
const HoldingPeriodDays = 30

// Summary is the result of one batch run.
type Summary struct {
	Scanned int `json:"scanned"`
	Flagged int `json:"flagged"`
	Errors  int `json:"errors"`
}

// Flag is one detected holding-period violation.
type Flag struct {
	RequestID   string    `json:"request_id"`
	EmployeeID  string    `json:"employee_id"`
	Symbol      string    `json:"symbol"`
	DaysBetween int       `json:"days_between"`
	TradeDate   time.Time `json:"trade_date"`
	PriorDate   time.Time `json:"prior_date"`
	Reason      string    `json:"reason"`
}

// Escalator applies the system-initiated escalation transition.
type Escalator interface {
	FlagBySystem(ctx context.Context, req *persistence.TradeRequest, reason string) error
}

// Detector retroactively flags approved trades that closed or reopened a
// position in the same instrument within the holding period. It runs as a
// coarse batch over the full ordered history, never inline with live
// submissions; its only mutation is the guarded escalation transition, so
// re-running it is a no-op for everything already flagged.
type Detector struct {
	requests  persistence.TradeRequestRepo
	escalator Escalator
	metrics   *metrics.Registry
}

// New creates a detector.
func New(requests persistence.TradeRequestRepo, escalator Escalator, reg *metrics.Registry) *Detector {
	return &Detector{
		requests:  requests,
		escalator: escalator,
		metrics:   reg,
	}
}

// Run scans the full trade history and flags violations. With dryRun set,
// flags are computed and returned but no state is mutated. Row-level
// escalation failures are logged, counted, and skipped; the scan always
// finishes the whole history.
func (d *Detector) Run(ctx context.Context, dryRun bool) (Summary, []Flag, error) {
	history, err := d.requests.ListHistory(ctx)
	if err != nil {
		return Summary{}, nil, fmt.Errorf("load trade history: %w", err)
	}

	var (
		summary Summary
		flags   []Flag
	)

	for i := range history {
		summary.Scanned++
		current := &history[i]
		if current.Status != persistence.StatusApproved {
			continue
		}

		prior := nearestOppositeTrade(history, i)
		if prior == nil {
			continue
		}

		days := daysBetween(prior.CreatedAt, current.CreatedAt)
		if days > HoldingPeriodDays {
			continue
		}

		reason := violationReason(current, prior, days)
		flag := Flag{
			RequestID:   current.ID,
			EmployeeID:  current.EmployeeID,
			Symbol:      current.Symbol,
			DaysBetween: days,
			TradeDate:   current.CreatedAt,
			PriorDate:   prior.CreatedAt,
			Reason:      reason,
		}

		if !dryRun {
			err := d.escalator.FlagBySystem(ctx, current, reason)
			switch {
			case err == nil:
				d.metrics.DetectorFlagged.Inc()
			case errors.Is(err, engine.ErrEscalationNotAllowed),
				errors.Is(err, persistence.ErrAlreadyEscalated):
				// Already flagged on a prior run, or escalated on the
				// employee path. The finding stands; the stored state wins.
				log.Debug().Str("request_id", current.ID).Msg("violation already escalated")
			default:
				summary.Errors++
				log.Error().Err(err).Str("request_id", current.ID).Msg("failed to flag violation")
				continue
			}
		}

		summary.Flagged++
		flags = append(flags, flag)
	}

	d.metrics.DetectorRuns.Inc()
	d.metrics.DetectorScanned.Add(float64(summary.Scanned))
	d.metrics.DetectorErrors.Add(float64(summary.Errors))

	log.Info().
		Int("scanned", summary.Scanned).
		Int("flagged", summary.Flagged).
		Int("errors", summary.Errors).
		Bool("dry_run", dryRun).
		Msg("detector run complete")

	return summary, flags, nil
}

// nearestOppositeTrade scans backward from index i for the closest approved
// trade in the opposite direction. The history is ordered by (employee,
// symbol, created_at, seq), so groups are contiguous: the scan stops at the
// first row belonging to a different employee or symbol. Same-direction and
// rejected rows are skipped without stopping. Only the nearest opposite
// trade is considered; anything older is farther away in time by ordering.
func nearestOppositeTrade(history []persistence.TradeRequest, i int) *persistence.TradeRequest {
	current := &history[i]
	for j := i - 1; j >= 0; j-- {
		prior := &history[j]
		if prior.EmployeeID != current.EmployeeID || prior.Symbol != current.Symbol {
			return nil
		}
		if prior.Status != persistence.StatusApproved || prior.TradingType == current.TradingType {
			continue
		}
		return prior
	}
	return nil
}

// daysBetween is the calendar gap rounded up: any fraction of a day counts
// as a full day, so a sell 29.1 days after a buy is a 30-day violation.
func daysBetween(earlier, later time.Time) int {
	return int(math.Ceil(later.Sub(earlier).Hours() / 24))
}

func violationReason(current, prior *persistence.TradeRequest, days int) string {
	return fmt.Sprintf(
		"Short-term trading violation: %s of %d shares of %s on %s follows %s of %d shares on %s, %d days apart (minimum holding period is %d days)",
		current.TradingType, current.Shares, current.Symbol,
		current.CreatedAt.Format("2006-01-02"),
		prior.TradingType, prior.Shares,
		prior.CreatedAt.Format("2006-01-02"),
		days, HoldingPeriodDays)
}
