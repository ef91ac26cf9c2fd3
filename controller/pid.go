package controller

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	defaultKf       = 1.0
	defaultRateHz   = 100
	defaultSatLimit = 0.8

	// saturationErrorThreshold is the error magnitude at or below which an
	// out-of-bounds command does not count towards saturation.
	saturationErrorThreshold = 0.1
	// unwindRateFactor scales the integral unwind per cycle while overridden,
	// relative to one sample period.
	unwindRateFactor = 0.3
)

// Config is the static configuration of a PIDController.
type Config struct {
	KpCurve  GainCurve // Proportional gain scheduled against speed.
	KiCurve  GainCurve // Integral gain scheduled against speed.
	Kf       float64   // Feedforward gain.
	Kd       float64   // Derivative gain, applied to the measurement.
	PosLimit float64   // Output will never go above upper bound.
	NegLimit float64   // Output will never go below lower bound.
	RateHz   float64   // Nominal update rate, used to derive hysteresis and unwind rates.
	SatLimit float64   // Fraction of the hysteresis counter above which the output is saturated.
	// ProportionalOnMeasurement accumulates the proportional term from changes
	// in measurement instead of recomputing it from the error, which removes
	// the proportional kick on setpoint steps. Off by default.
	ProportionalOnMeasurement bool
	// Convert is applied to every candidate and final command before clamping.
	Convert OutputConverter
}

// NewConfig returns a Config with the default feedforward gain, derivative
// gain, rate and saturation limit.
func NewConfig(kp GainCurve, ki GainCurve, negLimit float64, posLimit float64) Config {
	return Config{
		KpCurve:  kp,
		KiCurve:  ki,
		Kf:       defaultKf,
		Kd:       0,
		PosLimit: posLimit,
		NegLimit: negLimit,
		RateHz:   defaultRateHz,
		SatLimit: defaultSatLimit,
	}
}

// Sample holds the inputs for a single control cycle.
type Sample struct {
	Setpoint    float64 // Target value of the controlled quantity.
	Measurement float64 // Observed value of the controlled quantity.
	Speed       float64 // Scheduling variable for the gain curves.
	Feedforward float64 // Open-loop contribution, scaled by Kf.
	Deadzone    float64 // Errors with magnitude within Deadzone are treated as zero.
	// Override reports that an external actor is bypassing the output. The
	// integral term is unwound towards zero while set.
	Override bool
	// FreezeIntegrator forbids any integral update this cycle.
	FreezeIntegrator bool
	// SkipSaturationCheck disables saturation detection for this cycle. The
	// hysteresis counter still decays and Saturated reports false.
	SkipSaturationCheck bool
}

// State is a snapshot of the controller's per-cycle terms.
type State struct {
	P               float64
	I               float64
	D               float64
	F               float64
	Error           float64 // Deadzone-adjusted error of the last cycle.
	SaturationCount float64 // Hysteresis counter within [0, 1].
	Saturated       bool
	Output          float64 // Last clamped command.
}

// PIDController is a speed-scheduled PIDF controller with anti-windup and
// saturation detection. It is not safe for concurrent use.
type PIDController struct {
	clock    Clock // Used to read the current time in a testable manner.
	kpCurve  GainCurve
	kiCurve  GainCurve
	kf       float64
	kd       float64
	posLimit float64
	negLimit float64
	convert  OutputConverter
	// period is the nominal time between updates, used as the time step
	// whenever there is no previous update to measure from.
	period                    float64
	satCountRate              float64
	unwindRate                float64
	satLimit                  float64
	proportionalOnMeasurement bool

	p         float64
	i         float64
	d         float64
	f         float64
	err       float64
	satCount  float64
	saturated bool
	output    float64
	// speed is cached from the latest Update for gain lookups.
	speed float64

	hasHistory      bool
	lastMeasurement float64   // Used to calculate the derivative term.
	lastTick        time.Time // Used to scale derivative and integral terms.
}

func NewPIDController(clock Clock, cfg Config) (*PIDController, error) {
	if clock == nil {
		return nil, errors.New("NewPIDController() expected non-nil clock")
	}
	if cfg.KpCurve.isZero() || cfg.KiCurve.isZero() {
		return nil, errors.New("NewPIDController() expected both proportional and integral gain curves")
	}
	if math.IsNaN(cfg.PosLimit) || math.IsNaN(cfg.NegLimit) || cfg.NegLimit >= cfg.PosLimit {
		return nil, fmt.Errorf("NewPIDController() expected negLimit < posLimit; got negLimit = %v, posLimit = %v", cfg.NegLimit, cfg.PosLimit)
	}
	if cfg.RateHz <= 0 {
		return nil, fmt.Errorf("NewPIDController() expected positive rate; got %v", cfg.RateHz)
	}
	if cfg.SatLimit < 0 || cfg.SatLimit > 1 {
		return nil, fmt.Errorf("NewPIDController() expected satLimit between 0 and 1; got %v", cfg.SatLimit)
	}

	return &PIDController{
		clock:                     clock,
		kpCurve:                   cfg.KpCurve,
		kiCurve:                   cfg.KiCurve,
		kf:                        cfg.Kf,
		kd:                        cfg.Kd,
		posLimit:                  cfg.PosLimit,
		negLimit:                  cfg.NegLimit,
		convert:                   cfg.Convert,
		period:                    1 / cfg.RateHz,
		satCountRate:              1 / cfg.RateHz,
		unwindRate:                unwindRateFactor / cfg.RateHz,
		satLimit:                  cfg.SatLimit,
		proportionalOnMeasurement: cfg.ProportionalOnMeasurement,
	}, nil
}

// Kp returns the proportional gain at the speed of the latest update.
func (c *PIDController) Kp() float64 { return c.kpCurve.At(c.speed) }

// Ki returns the integral gain at the speed of the latest update.
func (c *PIDController) Ki() float64 { return c.kiCurve.At(c.speed) }

func (c *PIDController) P() float64 { return c.p }
func (c *PIDController) I() float64 { return c.i }
func (c *PIDController) D() float64 { return c.d }
func (c *PIDController) F() float64 { return c.f }
func (c *PIDController) Saturated() bool { return c.saturated }
func (c *PIDController) Output() float64 { return c.output }
func (c *PIDController) Limits() (float64, float64) { return c.negLimit, c.posLimit }

// Schedule returns the proportional and integral gain curves.
func (c *PIDController) Schedule() (kp GainCurve, ki GainCurve) { return c.kpCurve, c.kiCurve }

func (c *PIDController) State() State {
	return State{
		P:               c.p,
		I:               c.i,
		D:               c.d,
		F:               c.f,
		Error:           c.err,
		SaturationCount: c.satCount,
		Saturated:       c.saturated,
		Output:          c.output,
	}
}

// Update runs one control cycle and returns the clamped command.
func (c *PIDController) Update(s Sample) float64 {
	c.speed = s.Speed
	now := c.clock.Now()

	// Without a previous update there is nothing to difference against, so
	// assume one nominal period has elapsed and the measurement is unchanged.
	elapsed := c.period
	var dInput float64
	if c.hasHistory {
		elapsed = secondsBetween(c.lastTick, now)
		dInput = s.Measurement - c.lastMeasurement
	}

	err := applyDeadzone(s.Setpoint-s.Measurement, s.Deadzone)
	kp := c.Kp()
	if c.proportionalOnMeasurement {
		c.p -= kp * dInput
	} else {
		c.p = err * kp
	}

	c.f = s.Feedforward * c.kf
	// Derivative on measurement avoids a kick when the setpoint steps.
	c.d = -c.kd * dInput / elapsed

	if s.Override {
		c.i = c.unwound()
	} else {
		i := c.i + err*c.Ki()*elapsed
		control := c.convertOutput(c.p + c.f + c.d + i)

		// Accept the new integral only if it does not push the command
		// further past the limit on the side the error is pulling towards.
		if !s.FreezeIntegrator &&
			((err >= 0 && (control <= c.posLimit || i < 0)) ||
				(err <= 0 && (control >= c.negLimit || i > 0))) {
			c.i = i
		}
	}

	control := c.convertOutput(c.p + c.f + c.i + c.d)

	if s.SkipSaturationCheck {
		c.stepSaturationCount(false)
		c.saturated = false
	} else {
		c.saturated = c.checkSaturation(control, s.Override, err)
	}

	c.output = clamp(control, c.negLimit, c.posLimit)
	c.err = err
	c.lastMeasurement = s.Measurement
	c.lastTick = now
	c.hasHistory = true

	return c.output
}

// Reset zeroes the per-cycle terms and forgets the measurement and time
// history, so the next Update behaves like the first after construction.
func (c *PIDController) Reset() {
	c.p = 0
	c.i = 0
	c.d = 0
	c.f = 0
	c.err = 0
	c.satCount = 0
	c.saturated = false
	c.output = 0

	c.hasHistory = false
	c.lastMeasurement = 0
	c.lastTick = time.Time{}
}

// unwound moves the integral term one unwind step towards zero without
// crossing it.
func (c *PIDController) unwound() float64 {
	if math.Abs(c.i) <= c.unwindRate {
		return 0
	}
	return c.i - c.unwindRate*sign(c.i)
}

func (c *PIDController) checkSaturation(control float64, override bool, err float64) bool {
	outOfBounds := control < c.negLimit || control > c.posLimit
	c.stepSaturationCount(outOfBounds && !override && math.Abs(err) > saturationErrorThreshold)
	return c.satCount > c.satLimit
}

// stepSaturationCount moves the hysteresis counter up or down by one step,
// keeping it within [0, 1].
func (c *PIDController) stepSaturationCount(increment bool) {
	if increment {
		c.satCount += c.satCountRate
	} else {
		c.satCount -= c.satCountRate
	}
	c.satCount = clamp(c.satCount, 0, 1)
}

func (c *PIDController) convertOutput(control float64) float64 {
	if c.convert == nil {
		return control
	}
	return c.convert(control, c.speed)
}

// applyDeadzone zeroes errors within the deadzone and shrinks larger errors
// towards zero by the deadzone width.
func applyDeadzone(err float64, deadzone float64) float64 {
	if err > deadzone {
		return err - deadzone
	} else if err < -deadzone {
		return err + deadzone
	}
	return 0
}

func clamp(v float64, lo float64, hi float64) float64 {
	if v > hi {
		return hi
	} else if v < lo {
		return lo
	}
	return v
}

func sign(v float64) float64 {
	if v > 0 {
		return 1
	} else if v < 0 {
		return -1
	}
	return 0
}
