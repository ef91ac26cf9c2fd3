package controller

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// simulatedClock provides us control over the exact time and duration to advance by.
type simulatedClock struct {
	t time.Time
}

func newSimulatedClock() *simulatedClock {
	return &simulatedClock{t: time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *simulatedClock) Now() time.Time { return c.t }

func (c *simulatedClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

const cycle = 10 * time.Millisecond

func newTestController(t *testing.T, clock Clock, cfg Config) *PIDController {
	c, err := NewPIDController(clock, cfg)
	require.Nilf(t, err, "expected NewPIDController(...) has no err; got %v", err)
	return c
}

// Simple simulation of a steering rack where the wheel angle lags the
// commanded angle with a first order response.
type steeringRack struct {
	angle float64 // Degrees.
	gain  float64 // Degrees of steady-state angle per unit command.
	tau   float64 // Time constant in seconds.
}

func newSteeringRack() *steeringRack {
	return &steeringRack{angle: 0, gain: 10, tau: 0.1}
}

func (r *steeringRack) advance(command float64, d time.Duration) {
	r.angle += (r.gain*command - r.angle) * d.Seconds() / r.tau
}

// Basic integration test over a simulated period of time.
func TestPIDController_SteeringRackSimulation(t *testing.T) {
	setpoint := 4.0
	clock := newSimulatedClock()
	rack := newSteeringRack()
	cfg := NewConfig(ConstantGain(0.05), ConstantGain(0.1), -1, 1)
	controller := newTestController(t, clock, cfg)

	loops := 2000
	times := make([]float64, loops)
	angles := make([]float64, loops)
	commands := make([]float64, loops)
	for i := 0; i < loops; i++ {
		command := controller.Update(Sample{Setpoint: setpoint, Measurement: rack.angle, Speed: 20})
		times[i] = float64(i) * cycle.Seconds()
		angles[i] = rack.angle
		commands[i] = command

		clock.advance(cycle)
		rack.advance(command, cycle)
	}

	assert.InDeltaf(t, setpoint, angles[loops-1], 0.05, "expected angle after control loops to reach near setpoint of %.3f; got %.3f", setpoint, angles[loops-1])
	assert.InDeltaf(t, 0.4, commands[loops-1], 0.01, "expected steady-state command near 0.4; got %.3f", commands[loops-1])
	assert.Falsef(t, controller.Saturated(), "expected unsaturated controller when setpoint is reachable")

	// Plot the results
	p := plot.New()
	err := plotutil.AddLinePoints(p,
		"Angle (deg)", toPlotterXYs(times, angles),
		"Command", toPlotterXYs(times, commands),
	)
	require.Nilf(t, err, "expected plotutil.AddLinePoints(...) has no err; got %v", err)

	err = p.Save(10*vg.Inch, 10*vg.Inch, filepath.Join(t.TempDir(), "steering.png"))
	assert.Nilf(t, err, "expected plot saved without err; got %v", err)
}

// With a setpoint beyond the actuator's authority, the integral must not wind
// up and the hysteresis counter must eventually flag saturation.
func TestPIDController_UnreachableSetpointSaturatesWithoutWindup(t *testing.T) {
	clock := newSimulatedClock()
	rack := newSteeringRack()
	cfg := NewConfig(ConstantGain(0.2), ConstantGain(0.1), -1, 1)
	controller := newTestController(t, clock, cfg)

	for i := 0; i < 300; i++ {
		command := controller.Update(Sample{Setpoint: 20, Measurement: rack.angle})
		clock.advance(cycle)
		rack.advance(command, cycle)
	}

	assert.Truef(t, controller.Saturated(), "expected saturated controller after sustained limit violation")
	assert.Equalf(t, 0.0, controller.I(), "expected integral to be held at zero while pushing past the limit; got %v", controller.I())
	assert.Equalf(t, 1.0, controller.Output(), "expected output clamped to positive limit; got %v", controller.Output())
}

func toPlotterXYs(x []float64, y []float64) plotter.XYs {
	points := make(plotter.XYs, len(x))
	for i := range points {
		points[i].X = x[i]
		points[i].Y = y[i]
	}
	return points
}

func TestPIDController_Update_FirstCallReturnsProportionalCommand(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(1.0), ConstantGain(0.5), -1, 1)
	controller := newTestController(t, clock, cfg)

	output := controller.Update(Sample{Setpoint: 1.0, Measurement: 0.0})
	assert.InDeltaf(t, 1.0, output, 1e-9, "expected first output near 1.0; got %v", output)
	assert.Equalf(t, 1.0, controller.P(), "expected p = 1.0; got %v", controller.P())
	assert.Equalf(t, 0.0, controller.F(), "expected f = 0; got %v", controller.F())
}

func TestPIDController_Update_OutputWithinLimits(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(3), ConstantGain(5), -0.5, 2)
	cfg.Kd = 0.2
	controller := newTestController(t, clock, cfg)

	for i := 0; i < 500; i++ {
		// Sweep setpoint, measurement and feedforward across a wide range.
		s := Sample{
			Setpoint:    10 * math.Sin(float64(i)/7),
			Measurement: 8 * math.Cos(float64(i)/3),
			Speed:       float64(i % 40),
			Feedforward: 4 * math.Sin(float64(i)/11),
			Override:    i%17 == 0,
		}
		output := controller.Update(s)
		assert.Truef(t, output >= -0.5 && output <= 2, "expected output within [-0.5, 2]; got %v at iteration %d", output, i)

		// Occasionally leave the clock untouched to exercise zero elapsed time.
		if i%13 != 0 {
			clock.advance(cycle)
		}
	}
}

func TestPIDController_Update_ZeroErrorConvergesToZero(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(2), ConstantGain(1), -1, 1)
	cfg.Kd = 0.1
	controller := newTestController(t, clock, cfg)

	var output float64
	for i := 0; i < 200; i++ {
		output = controller.Update(Sample{Setpoint: 0.3, Measurement: 0.3})
		clock.advance(cycle)
	}
	assert.Equalf(t, 0.0, output, "expected zero command with zero error and feedforward; got %v", output)
	assert.Equalf(t, 0.0, controller.I(), "expected integral unchanged at zero; got %v", controller.I())
}

func TestPIDController_Update_FeedforwardOnly(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(0), ConstantGain(0), -1, 1)
	cfg.Kf = 2
	controller := newTestController(t, clock, cfg)

	for i := 0; i < 10; i++ {
		output := controller.Update(Sample{Setpoint: 5, Measurement: -3, Feedforward: 0.3})
		assert.Equalf(t, 0.6, output, "expected command = feedforward * kf; got %v", output)
		clock.advance(cycle)
	}

	output := controller.Update(Sample{Feedforward: 0.9})
	assert.Equalf(t, 1.0, output, "expected feedforward command clamped to limit; got %v", output)
}

func TestPIDController_Update_DeadzoneZeroesSmallErrors(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(50), ConstantGain(0), -100, 100)
	controller := newTestController(t, clock, cfg)

	for _, measurement := range []float64{0.8, 0.9, 1.0, 1.1, 1.2} {
		controller.Update(Sample{Setpoint: 1.0, Measurement: measurement, Deadzone: 0.2})
		assert.Equalf(t, 0.0, controller.P(), "expected zero proportional term for error within deadzone; got %v (measurement %v)", controller.P(), measurement)
		clock.advance(cycle)
	}
}

func TestPIDController_Update_DeadzoneShrinksLargerErrors(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(2), ConstantGain(0), -100, 100)
	controller := newTestController(t, clock, cfg)

	controller.Update(Sample{Setpoint: 0.5, Measurement: 0, Deadzone: 0.2})
	assert.InDeltaf(t, 0.6, controller.P(), 1e-12, "expected positive error shrunk by deadzone; got %v", controller.P())

	clock.advance(cycle)
	controller.Update(Sample{Setpoint: -0.5, Measurement: 0, Deadzone: 0.2})
	assert.InDeltaf(t, -0.6, controller.P(), 1e-12, "expected negative error shrunk by deadzone; got %v", controller.P())
}

func TestPIDController_Update_SchedulesGainsBySpeed(t *testing.T) {
	kp, err := NewGainCurve([]float64{0, 10}, []float64{1.0, 2.0})
	require.Nilf(t, err, "expected NewGainCurve(...) has no err; got %v", err)

	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(kp, ConstantGain(0), -10, 10))

	controller.Update(Sample{Setpoint: 1, Speed: 5})
	assert.InDeltaf(t, 1.5, controller.P(), 1e-12, "expected p scheduled at speed 5; got %v", controller.P())
	assert.InDeltaf(t, 1.5, controller.Kp(), 1e-12, "expected kp at cached speed; got %v", controller.Kp())

	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 1, Speed: 50})
	assert.InDeltaf(t, 2.0, controller.P(), 1e-12, "expected p clamped above range; got %v", controller.P())
}

func TestPIDController_Update_DerivativeOnMeasurement(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(0), ConstantGain(0), -100, 100)
	cfg.Kd = 0.5
	controller := newTestController(t, clock, cfg)

	controller.Update(Sample{Setpoint: 0, Measurement: 1})
	assert.Equalf(t, 0.0, controller.D(), "expected zero derivative on first update; got %v", controller.D())

	// A setpoint step alone produces no derivative kick.
	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 50, Measurement: 1})
	assert.Equalf(t, 0.0, controller.D(), "expected no derivative kick on setpoint step; got %v", controller.D())

	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 50, Measurement: 1.1})
	assert.InDeltaf(t, -5.0, controller.D(), 1e-9, "expected d = -kd * dInput / dt; got %v", controller.D())
}

func TestPIDController_Update_ZeroElapsedTimeDoesNotDivideByZero(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(0), ConstantGain(1), -1, 1)
	cfg.Kd = 1
	controller := newTestController(t, clock, cfg)

	controller.Update(Sample{Setpoint: 0, Measurement: 0})
	output := controller.Update(Sample{Setpoint: 0, Measurement: 0.5})

	assert.Falsef(t, math.IsNaN(controller.D()) || math.IsInf(controller.D(), 0), "expected finite derivative on zero elapsed time; got %v", controller.D())
	assert.Equalf(t, -1.0, output, "expected large negative derivative clamped to limit; got %v", output)

	output = controller.Update(Sample{Setpoint: 0, Measurement: 0.5})
	assert.Equalf(t, 0.0, controller.D(), "expected zero derivative for unchanged measurement; got %v", controller.D())
	assert.Falsef(t, math.IsNaN(output), "expected finite output; got %v", output)
}

func TestPIDController_Update_FreezeIntegratorHoldsIntegral(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(0), ConstantGain(1), -10, 10))

	for i := 0; i < 10; i++ {
		controller.Update(Sample{Setpoint: 1, FreezeIntegrator: true})
		clock.advance(cycle)
	}
	assert.Equalf(t, 0.0, controller.I(), "expected frozen integral to stay at zero; got %v", controller.I())

	controller.Update(Sample{Setpoint: 1})
	assert.InDeltaf(t, 0.01, controller.I(), 1e-9, "expected integral to resume once unfrozen; got %v", controller.I())
}

func TestPIDController_Update_IntegralUnwindsFromSaturation(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(0), ConstantGain(10), -1, 1))

	// Wind the integral negative while within limits.
	for i := 0; i < 5; i++ {
		controller.Update(Sample{Setpoint: -1})
		clock.advance(cycle)
	}
	assert.InDeltaf(t, -0.5, controller.I(), 1e-9, "expected integral wound to -0.5; got %v", controller.I())

	// Feedforward pushes the command past the positive limit, but a positive
	// error on a negative integral still moves it back towards zero.
	controller.Update(Sample{Setpoint: 0.1, Feedforward: 3})
	assert.InDeltaf(t, -0.49, controller.I(), 1e-9, "expected integral accepted while unwinding; got %v", controller.I())

	// A negative error would push the integral further negative while the
	// command is within limits, so it is accepted.
	clock.advance(cycle)
	controller.Update(Sample{Setpoint: -0.1, Feedforward: 0})
	assert.InDeltaf(t, -0.5, controller.I(), 1e-9, "expected integral accepted within limits; got %v", controller.I())
}

func TestPIDController_Update_OverrideUnwindsIntegralWithoutOvershoot(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(0), ConstantGain(1), -1, 1))

	for i := 0; i < 5; i++ {
		controller.Update(Sample{Setpoint: 1.234})
		clock.advance(cycle)
	}
	initial := controller.I()
	require.Truef(t, initial > 0, "expected positive integral before override; got %v", initial)

	previous := math.Abs(initial)
	reachedZero := false
	for i := 0; i < 100; i++ {
		controller.Update(Sample{Setpoint: 1.234, Override: true})
		clock.advance(cycle)

		current := controller.I()
		assert.Truef(t, current >= 0, "expected integral never to cross zero; got %v at cycle %d", current, i)
		if reachedZero {
			assert.Equalf(t, 0.0, current, "expected integral to stay at zero once unwound; got %v", current)
			continue
		}
		assert.Truef(t, math.Abs(current) < previous, "expected |integral| to strictly decrease; got %v after %v", current, previous)
		previous = math.Abs(current)
		reachedZero = current == 0
	}
	assert.Truef(t, reachedZero, "expected integral to reach zero under sustained override")
}

func TestPIDController_Update_OverrideUnwindsNegativeIntegral(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(0), ConstantGain(1), -1, 1))

	for i := 0; i < 3; i++ {
		controller.Update(Sample{Setpoint: -1})
		clock.advance(cycle)
	}
	before := controller.I()
	controller.Update(Sample{Setpoint: -1, Override: true})
	assert.InDeltaf(t, before+0.003, controller.I(), 1e-12, "expected negative integral unwound by 0.3/rate; got %v", controller.I())
}

// Override takes precedence over FreezeIntegrator: the integral keeps
// unwinding while the driver is steering.
func TestPIDController_Update_OverrideUnwindsFrozenIntegral(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(0), ConstantGain(1), -1, 1))

	for i := 0; i < 5; i++ {
		controller.Update(Sample{Setpoint: 1})
		clock.advance(cycle)
	}
	before := controller.I()
	require.InDeltaf(t, 0.05, before, 1e-12, "expected integral wound to 0.05; got %v", before)

	controller.Update(Sample{Setpoint: 1, Override: true, FreezeIntegrator: true})
	assert.InDeltaf(t, before-0.003, controller.I(), 1e-12, "expected override to unwind a frozen integral by 0.3/rate; got %v", controller.I())
}

func TestPIDController_Update_SaturationRequiresSustainedViolation(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(10), ConstantGain(0), -1, 1))

	controller.Update(Sample{Setpoint: 1})
	assert.Falsef(t, controller.Saturated(), "expected a single out-of-bounds cycle not to saturate")
	assert.InDeltaf(t, 0.01, controller.State().SaturationCount, 1e-12, "expected counter incremented by 1/rate; got %v", controller.State().SaturationCount)

	for i := 1; i < 50; i++ {
		clock.advance(cycle)
		controller.Update(Sample{Setpoint: 1})
	}
	assert.Falsef(t, controller.Saturated(), "expected counter below threshold after 50 cycles")

	for i := 50; i < 100; i++ {
		clock.advance(cycle)
		controller.Update(Sample{Setpoint: 1})
	}
	assert.Truef(t, controller.Saturated(), "expected saturation after 100 out-of-bounds cycles")

	for i := 0; i < 200; i++ {
		clock.advance(cycle)
		controller.Update(Sample{Setpoint: 1})
	}
	assert.Equalf(t, 1.0, controller.State().SaturationCount, "expected counter clamped at 1; got %v", controller.State().SaturationCount)

	// Recovery decays the counter rather than clearing it at once.
	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 0})
	assert.Truef(t, controller.Saturated(), "expected saturation to persist for a single in-bounds cycle")
	for i := 0; i < 100; i++ {
		clock.advance(cycle)
		controller.Update(Sample{Setpoint: 0})
	}
	assert.Falsef(t, controller.Saturated(), "expected saturation cleared after sustained in-bounds cycles")
	assert.Equalf(t, 0.0, controller.State().SaturationCount, "expected counter clamped at 0; got %v", controller.State().SaturationCount)
}

func TestPIDController_Update_SmallErrorsAndOverrideDoNotCountTowardsSaturation(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(100), ConstantGain(0), -1, 1))

	for i := 0; i < 200; i++ {
		// Error of 0.05 is out of bounds after gain but below the error threshold.
		controller.Update(Sample{Setpoint: 0.05})
		clock.advance(cycle)
	}
	assert.Falsef(t, controller.Saturated(), "expected small errors not to saturate")

	for i := 0; i < 200; i++ {
		controller.Update(Sample{Setpoint: 1, Override: true})
		clock.advance(cycle)
	}
	assert.Falsef(t, controller.Saturated(), "expected overridden cycles not to saturate")
}

func TestPIDController_Update_SkipSaturationCheckDecaysCounter(t *testing.T) {
	clock := newSimulatedClock()
	controller := newTestController(t, clock, NewConfig(ConstantGain(10), ConstantGain(0), -1, 1))

	for i := 0; i < 100; i++ {
		controller.Update(Sample{Setpoint: 1})
		clock.advance(cycle)
	}
	require.Truef(t, controller.Saturated(), "expected saturation before skipping checks")
	before := controller.State().SaturationCount

	controller.Update(Sample{Setpoint: 1, SkipSaturationCheck: true})
	assert.Falsef(t, controller.Saturated(), "expected saturated forced false when check skipped")
	assert.InDeltaf(t, before-0.01, controller.State().SaturationCount, 1e-12, "expected counter to decay; got %v", controller.State().SaturationCount)
}

func TestPIDController_Update_ProportionalOnMeasurement(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(2), ConstantGain(0), -10, 10)
	cfg.ProportionalOnMeasurement = true
	controller := newTestController(t, clock, cfg)

	controller.Update(Sample{Setpoint: 1, Measurement: 0})
	assert.Equalf(t, 0.0, controller.P(), "expected no proportional term before measurement changes; got %v", controller.P())

	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 1, Measurement: 0.5})
	assert.InDeltaf(t, -1.0, controller.P(), 1e-12, "expected p -= kp * dInput; got %v", controller.P())

	clock.advance(cycle)
	controller.Update(Sample{Setpoint: 5, Measurement: 0.5})
	assert.InDeltaf(t, -1.0, controller.P(), 1e-12, "expected setpoint step not to change p; got %v", controller.P())
}

func TestPIDController_Update_AppliesOutputConverter(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(1), ConstantGain(0), -10, 10)
	cfg.Convert = func(value float64, speed float64) float64 { return value * speed }
	controller := newTestController(t, clock, cfg)

	output := controller.Update(Sample{Setpoint: 1, Speed: 0.5})
	assert.Equalf(t, 0.5, output, "expected converted output; got %v", output)

	output = controller.Update(Sample{Setpoint: 1, Speed: 100})
	assert.Equalf(t, 10.0, output, "expected converted output clamped; got %v", output)
}

func TestPIDController_Reset(t *testing.T) {
	clock := newSimulatedClock()
	cfg := NewConfig(ConstantGain(10), ConstantGain(1), -1, 1)
	cfg.Kd = 0.1
	controller := newTestController(t, clock, cfg)

	for i := 0; i < 100; i++ {
		controller.Update(Sample{Setpoint: 1, Measurement: float64(i) / 1000, Feedforward: 0.2})
		clock.advance(cycle)
	}
	require.Truef(t, controller.Saturated(), "expected saturation before reset")

	controller.Reset()
	assert.Equalf(t, State{}, controller.State(), "expected zeroed state after reset; got %+v", controller.State())

	once := *controller
	controller.Reset()
	assert.Equalf(t, once, *controller, "expected reset to be idempotent")

	// The first update after a reset has no derivative history.
	clock.advance(time.Hour)
	controller.Update(Sample{Setpoint: 0, Measurement: 0.05})
	assert.Equalf(t, 0.0, controller.D(), "expected zero derivative after reset; got %v", controller.D())
	assert.InDeltaf(t, -0.0005, controller.I(), 1e-12, "expected nominal period used after reset; got %v", controller.I())
}

func TestNewPIDController_RejectsMisconfiguration(t *testing.T) {
	clock := newSimulatedClock()
	valid := NewConfig(ConstantGain(1), ConstantGain(1), -1, 1)

	tests := []struct {
		name   string
		clock  Clock
		mutate func(cfg *Config)
	}{
		{"nil clock", nil, func(cfg *Config) {}},
		{"missing kp curve", clock, func(cfg *Config) { cfg.KpCurve = GainCurve{} }},
		{"missing ki curve", clock, func(cfg *Config) { cfg.KiCurve = GainCurve{} }},
		{"reversed limits", clock, func(cfg *Config) { cfg.NegLimit, cfg.PosLimit = 1, -1 }},
		{"equal limits", clock, func(cfg *Config) { cfg.NegLimit, cfg.PosLimit = 0, 0 }},
		{"zero rate", clock, func(cfg *Config) { cfg.RateHz = 0 }},
		{"sat limit above one", clock, func(cfg *Config) { cfg.SatLimit = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewPIDController(tt.clock, cfg)
			assert.NotNilf(t, err, "expected NewPIDController(...) returns err; got nil")
		})
	}
}
