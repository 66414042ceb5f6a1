// Package speed smooths noisy instantaneous speed readings into a stable
// estimate for ETA computation.
package speed

import "math"

const (
	// FallbackMps is used before any usable reading and after a full decay (~30 km/h).
	FallbackMps = 8.3
	// MinUsableMps is the lowest reading treated as real movement.
	MinUsableMps = 0.5
	FloorMps     = 0.2
	Alpha        = 0.4
	Decay        = 0.98
)

// Estimator is owned by a single tracking session and is not safe for
// concurrent use.
type Estimator struct {
	estimate float64
	started  bool
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Update folds one reading into the estimate. A nil, non-finite or too-slow
// reading decays the estimate instead; the result is never below FloorMps.
func (e *Estimator) Update(measured *float64) float64 {
	var m float64
	usable := false
	if measured != nil {
		m = *measured
		usable = !math.IsNaN(m) && !math.IsInf(m, 0) && m > MinUsableMps
	}
	if !e.started {
		e.started = true
		e.estimate = FallbackMps
		if usable {
			e.estimate = Alpha*m + (1-Alpha)*FallbackMps
		}
		return e.estimate
	}
	if usable {
		e.estimate = Alpha*m + (1-Alpha)*e.estimate
		return e.estimate
	}
	e.estimate *= Decay
	if e.estimate < FloorMps {
		e.estimate = FallbackMps
	}
	return e.estimate
}

// Current returns the estimate without consuming a reading.
func (e *Estimator) Current() float64 {
	if !e.started {
		return FallbackMps
	}
	return e.estimate
}

func (e *Estimator) Reset() {
	e.estimate = 0
	e.started = false
}
