package instrument

import (
	"context"
	"fmt"
	"strings"

	"github.com/oakline/tradegate/internal/persistence"
)

// Matcher checks symbols against the restricted-instrument registry. No
// fuzzy matching: a symbol not present is never restricted.
type Matcher struct {
	registry persistence.RestrictedRepo
}

// NewMatcher creates a matcher over the registry.
func NewMatcher(registry persistence.RestrictedRepo) *Matcher {
	return &Matcher{registry: registry}
}

// IsRestricted reports whether symbol is on the restricted list,
// case-insensitively. A restricted hit takes unconditional precedence over
// every value-based check.
func (m *Matcher) IsRestricted(ctx context.Context, symbol string) (bool, error) {
	restricted, err := m.registry.IsRestricted(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return false, fmt.Errorf("restricted list check: %w", err)
	}
	return restricted, nil
}
