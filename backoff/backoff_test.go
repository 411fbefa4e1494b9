package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"fixed", NewFixed(5 * time.Second), 4, 5 * time.Second},
		{"zero value", Strategy{}, 3, 0},
		{"linear", NewLinear(2*time.Second, 0), 3, 6 * time.Second},
		{"linear capped", NewLinear(2*time.Second, 5*time.Second), 3, 5 * time.Second},
		{"exponential first", NewExponential(time.Second, 0), 1, time.Second},
		{"exponential fourth", NewExponential(time.Second, 0), 4, 8 * time.Second},
		{"exponential capped", NewExponential(time.Second, 10*time.Second), 6, 10 * time.Second},
		{"attempt below one", NewLinear(time.Second, 0), 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.Delay(tt.attempt))
		})
	}
}

func TestExponentialIsMonotonicAndCapped(t *testing.T) {
	s := NewExponential(250*time.Millisecond, 30*time.Second)
	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, s.Max, "attempt %d", attempt)
		prev = d
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
	assert.Error(t, Strategy{Type: "random"}.Validate())
	assert.Error(t, NewFixed(-time.Second).Validate())
}
