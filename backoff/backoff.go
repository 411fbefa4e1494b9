// Package backoff computes the delay applied before a failed job becomes
// eligible for another attempt.
package backoff

import (
	"fmt"
	"math"
	"time"
)

type Type string

const (
	Fixed       Type = "fixed"
	Linear      Type = "linear"
	Exponential Type = "exponential"
)

// Strategy is a pure value. The zero value is a fixed zero delay.
type Strategy struct {
	Type Type
	Base time.Duration
	// Max caps the delay when greater than zero.
	Max time.Duration
}

func NewFixed(base time.Duration) Strategy {
	return Strategy{Type: Fixed, Base: base}
}

func NewLinear(base, max time.Duration) Strategy {
	return Strategy{Type: Linear, Base: base, Max: max}
}

func NewExponential(base, max time.Duration) Strategy {
	return Strategy{Type: Exponential, Base: base, Max: max}
}

// Default is exponential from one second, capped at one minute.
func Default() Strategy {
	return NewExponential(time.Second, time.Minute)
}

func (s Strategy) IsZero() bool {
	return s.Type == "" && s.Base == 0 && s.Max == 0
}

// Delay returns the wait before retrying after the given attempt
// (1-indexed). Attempts below 1 are treated as 1.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch s.Type {
	case Linear:
		d = s.mul(float64(attempt))
	case Exponential:
		d = s.mul(math.Pow(2, float64(attempt-1)))
	default:
		d = s.Base
	}

	if s.Max > 0 && d > s.Max {
		return s.Max
	}
	return d
}

func (s Strategy) mul(f float64) time.Duration {
	v := float64(s.Base) * f
	if v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

func (s Strategy) Validate() error {
	switch s.Type {
	case "", Fixed, Linear, Exponential:
	default:
		return fmt.Errorf("unknown backoff type %q", s.Type)
	}
	if s.Base < 0 || s.Max < 0 {
		return fmt.Errorf("backoff delays must not be negative")
	}
	return nil
}

func (s Strategy) String() string {
	if s.Max > 0 {
		return fmt.Sprintf("%s(%s, max %s)", s.Type, s.Base, s.Max)
	}
	return fmt.Sprintf("%s(%s)", s.Type, s.Base)
}
