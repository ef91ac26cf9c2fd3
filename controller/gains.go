package controller

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"
)

// GainCurve schedules a gain against speed using piecewise-linear
// interpolation between breakpoints. Outside the breakpoint range the nearest
// endpoint gain is returned rather than extrapolating.
type GainCurve struct {
	speeds []float64
	gains  []float64
	// fitted is nil for single-breakpoint curves, which are constant.
	fitted *interp.PiecewiseLinear
}

// NewGainCurve builds a curve from speed breakpoints and their gains. Speeds
// must be strictly increasing.
func NewGainCurve(speeds []float64, gains []float64) (GainCurve, error) {
	if len(speeds) == 0 {
		return GainCurve{}, errors.New("NewGainCurve() expected at least one breakpoint; got none")
	}
	if len(speeds) != len(gains) {
		return GainCurve{}, fmt.Errorf("NewGainCurve() expected equal numbers of speeds and gains; got %d speeds and %d gains", len(speeds), len(gains))
	}
	for i := 1; i < len(speeds); i++ {
		if speeds[i] <= speeds[i-1] {
			return GainCurve{}, fmt.Errorf("NewGainCurve() expected strictly increasing speeds; got %v at index %d after %v", speeds[i], i, speeds[i-1])
		}
	}

	c := GainCurve{
		speeds: append([]float64(nil), speeds...),
		gains:  append([]float64(nil), gains...),
	}
	if len(speeds) > 1 {
		c.fitted = &interp.PiecewiseLinear{}
		if err := c.fitted.Fit(c.speeds, c.gains); err != nil {
			return GainCurve{}, fmt.Errorf("could not fit gain curve: %w", err)
		}
	}

	return c, nil
}

// ConstantGain returns a curve yielding gain at every speed.
func ConstantGain(gain float64) GainCurve {
	return GainCurve{speeds: []float64{0}, gains: []float64{gain}}
}

// At returns the gain scheduled for speed.
func (c GainCurve) At(speed float64) float64 {
	if c.fitted == nil {
		if len(c.gains) == 0 {
			return 0
		}
		return c.gains[0]
	}
	return c.fitted.Predict(speed)
}

// Breakpoints returns copies of the curve's speeds and gains.
func (c GainCurve) Breakpoints() (speeds []float64, gains []float64) {
	return append([]float64(nil), c.speeds...), append([]float64(nil), c.gains...)
}

func (c GainCurve) isZero() bool {
	return len(c.gains) == 0
}

// OutputConverter maps a raw control value at the current speed to the value
// sent to the actuator. A nil converter is the identity.
type OutputConverter func(value float64, speed float64) float64

// ScaleBySpeed returns a converter multiplying the control value by the
// curve's gain at the current speed.
func ScaleBySpeed(curve GainCurve) OutputConverter {
	return func(value float64, speed float64) float64 {
		return value * curve.At(speed)
	}
}
