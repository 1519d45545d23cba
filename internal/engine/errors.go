package engine

import (
	"errors"
	"fmt"
)

// ValidationError means the submission could not be evaluated: bad symbol,
// non-positive share count, instrument not found, or an unreachable
// dependency with no usable fallback. No TradeRequest row exists when one
// is returned. Compliance rejections are not validation errors; they are
// persisted decisions.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrEscalationNotAllowed is returned when an escalation transition is
// attempted from a state that does not permit it, or by the wrong actor.
var ErrEscalationNotAllowed = errors.New("engine: escalation not allowed in current state")
