package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kcz17/latcontrol/transport"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// noiseBound is the number of standard deviations the measurement noise is
// truncated to.
const noiseBound = 3

type Config struct {
	Gain          float64 // Steady-state plant output per unit command.
	TimeConstant  float64 // First-order time constant in seconds.
	NoiseStdDev   float64 // Standard deviation of the measurement noise.
	Amplitude     float64 // Setpoint amplitude of the square wave profile.
	SetpointCycle float64 // Square wave period in seconds. Non-positive holds the setpoint at Amplitude.
	Speed         float64 // Constant vehicle speed reported with every reading.
	RateHz        float64 // Plant integration rate, one step per command.
	Seed          uint64  // Seed for the noise source; zero seeds from the current time.
}

// Vehicle simulates a first-order steering plant. It acts as both the reading
// source and the command sink for the control loop, advancing one step for
// every command it receives.
type Vehicle struct {
	gain          float64
	timeConstant  float64
	amplitude     float64
	setpointCycle float64
	speed         float64
	step          float64

	noise *distuv.Normal
	src   rand.Source

	mux         *sync.RWMutex
	position    float64
	measurement float64
	elapsed     float64
}

func NewVehicle(cfg Config) (*Vehicle, error) {
	if cfg.TimeConstant <= 0 {
		return nil, fmt.Errorf("NewVehicle() expected positive time constant; got %v", cfg.TimeConstant)
	}
	if cfg.RateHz <= 0 {
		return nil, fmt.Errorf("NewVehicle() expected positive rate; got %v", cfg.RateHz)
	}
	if cfg.NoiseStdDev < 0 {
		return nil, errors.New("NewVehicle() expected non-negative noise standard deviation")
	}

	seed := cfg.Seed
	if seed == 0 {
		// Set the random seed to the current time for sufficient uniqueness.
		seed = uint64(time.Now().UTC().UnixNano())
	}
	src := rand.NewSource(seed)

	v := &Vehicle{
		gain:          cfg.Gain,
		timeConstant:  cfg.TimeConstant,
		amplitude:     cfg.Amplitude,
		setpointCycle: cfg.SetpointCycle,
		speed:         cfg.Speed,
		step:          1 / cfg.RateHz,
		src:           src,
		mux:           &sync.RWMutex{},
	}
	if cfg.NoiseStdDev > 0 {
		v.noise = &distuv.Normal{
			Mu:    0,
			Sigma: cfg.NoiseStdDev,
			Src:   src,
		}
	}
	v.measurement = v.sampleNoise()
	return v, nil
}

// Latest returns the current setpoint and noisy measurement. The simulated
// driver is always engaged.
func (v *Vehicle) Latest() (transport.Reading, bool) {
	v.mux.RLock()
	defer v.mux.RUnlock()
	return transport.Reading{
		Setpoint:    v.setpointAt(v.elapsed),
		Measurement: v.measurement,
		Speed:       v.speed,
		Engaged:     true,
	}, true
}

// Send applies the command for one integration step.
func (v *Vehicle) Send(_ context.Context, c transport.Command) error {
	v.mux.Lock()
	defer v.mux.Unlock()
	v.position += v.step / v.timeConstant * (v.gain*c.Value - v.position)
	v.elapsed += v.step
	v.measurement = v.position + v.sampleNoise()
	return nil
}

func (v *Vehicle) Close() error {
	return nil
}

// Position returns the noiseless plant output.
func (v *Vehicle) Position() float64 {
	v.mux.RLock()
	defer v.mux.RUnlock()
	return v.position
}

// Elapsed returns the simulated time in seconds.
func (v *Vehicle) Elapsed() float64 {
	v.mux.RLock()
	defer v.mux.RUnlock()
	return v.elapsed
}

func (v *Vehicle) setpointAt(t float64) float64 {
	if v.setpointCycle <= 0 {
		return v.amplitude
	}
	if math.Mod(t, v.setpointCycle) < v.setpointCycle/2 {
		return v.amplitude
	}
	return -v.amplitude
}

// sampleNoise samples a normal distribution truncated to noiseBound standard
// deviations using inverse transform sampling.
// Reference: https://www.r-bloggers.com/2020/08/generating-data-from-a-truncated-distribution/
func (v *Vehicle) sampleNoise() float64 {
	if v.noise == nil {
		return 0
	}
	bound := noiseBound * v.noise.Sigma
	u := distuv.Uniform{
		Min: v.noise.CDF(-bound),
		Max: v.noise.CDF(bound),
		Src: v.src,
	}.Rand()
	return v.noise.Quantile(u)
}
