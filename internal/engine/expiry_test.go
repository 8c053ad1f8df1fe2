package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/breachrange/collectors/internal/platform"
)

func TestExpirationPolicyBoundary(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	policy := ExpirationPolicy{Window: time.Hour}

	tests := []struct {
		name      string
		createdAt time.Time
		expired   bool
	}{
		{"well inside window", now.Add(-5 * time.Minute), false},
		{"exactly at window", now.Add(-time.Hour), false},
		{"one instant past window", now.Add(-time.Hour - time.Nanosecond), true},
		{"well past window", now.Add(-2 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &platform.Expectation{ID: "exp-1", CreatedAt: tt.createdAt}
			assert.Equal(t, tt.expired, policy.Expired(exp, now))
		})
	}
}
