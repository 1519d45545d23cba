package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/oakline/tradegate/internal/persistence"
)

// LogSink writes audit records to the structured log. It is the default
// sink and the fallback wherever no database is configured.
type LogSink struct{}

// NewLogSink creates a log-backed audit sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Record logs the action. Never fails, never blocks.
func (s *LogSink) Record(_ context.Context, actor, action, target string, details map[string]interface{}) {
	log.Info().
		Str("actor", actor).
		Str("action", action).
		Str("target", target).
		Interface("details", details).
		Msg("audit")
}

// DBSink appends audit records to the audit_log table asynchronously. A
// failed write is logged and dropped; auditing never blocks or fails the
// decision path.
type DBSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDBSink creates a database-backed audit sink.
func NewDBSink(db *sqlx.DB, timeout time.Duration) *DBSink {
	return &DBSink{db: db, timeout: timeout}
}

// Record inserts the audit row in the background.
func (s *DBSink) Record(_ context.Context, actor, action, target string, details map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		detailsJSON, err := json.Marshal(details)
		if err != nil {
			log.Error().Err(err).Str("action", action).Msg("failed to marshal audit details")
			return
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO audit_log (actor, action, target, details) VALUES ($1, $2, $3, $4)`,
			actor, action, target, detailsJSON)
		if err != nil {
			log.Error().Err(err).Str("action", action).Str("target", target).Msg("failed to write audit record")
		}
	}()
}

var (
	_ persistence.AuditSink = (*LogSink)(nil)
	_ persistence.AuditSink = (*DBSink)(nil)
)
