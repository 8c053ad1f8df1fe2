package engine

import (
	"time"

	"github.com/breachrange/collectors/internal/platform"
)

// ExpirationPolicy decides whether an expectation has outlived its evaluation
// window before any matching is attempted. The window matches the fetch
// lookback so alerts and expectations cover congruent time ranges.
type ExpirationPolicy struct {
	Window time.Duration
}

// Expired reports whether the expectation is past its window at the given
// instant. Expired expectations short-circuit to a negative terminal result
// without consulting the matcher.
func (p ExpirationPolicy) Expired(exp *platform.Expectation, now time.Time) bool {
	return now.Sub(exp.CreatedAt) > p.Window
}
