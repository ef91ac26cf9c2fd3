package serving

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kcz17/latcontrol/controller"
	"github.com/kcz17/latcontrol/logging"
	"github.com/kcz17/latcontrol/monitoring/timing"
	"github.com/kcz17/latcontrol/transport"
)

type ControlLoopOptions struct {
	Logger    logging.Logger
	Clock     controller.Clock
	PID       *controller.PIDController
	Source    transport.Source
	Sink      transport.Sink
	Collector timing.Collector
	// Period is the time between control cycles, normally 1/RateHz.
	Period time.Duration
	// Deadzone is passed to the controller with every sample.
	Deadzone float64
	// LogEvery is the number of cycles between logging cycle timings and
	// controller state.
	LogEvery int
}

// Snapshot is the state of the control loop after its latest cycle.
type Snapshot struct {
	Engaged bool
	Command transport.Command
	State   controller.State
}

// Tuning is the fixed configuration of the controller run by the loop.
type Tuning struct {
	KpSpeeds []float64
	KpGains  []float64
	KiSpeeds []float64
	KiGains  []float64
	NegLimit float64
	PosLimit float64
}

// ControlLoop runs the controller at a fixed rate, reading the latest vehicle
// state from a Source and sending each command to a Sink. It is the only
// caller of the controller's Update.
type ControlLoop struct {
	logger    logging.Logger
	clock     controller.Clock
	pid       *controller.PIDController
	source    transport.Source
	sink      transport.Sink
	collector timing.Collector
	period    time.Duration
	deadzone  float64
	logEvery  int

	// snapshot is written by the loop goroutine and read by the API,
	// protected by snapshotMux.
	snapshot    Snapshot
	snapshotMux *sync.RWMutex

	// Only accessed from the loop goroutine, or while the loop is stopped.
	cycles      int
	lastCycle   time.Time
	sinkFailing bool

	// lifecycleMux guards starting, stopping and resetting the loop.
	lifecycleMux *sync.Mutex
	loopStarted  bool
	// As controlLoop runs in a goroutine, loopWaiter and loopStop allow the
	// spawned goroutine to be gracefully stopped.
	loopWaiter *sync.WaitGroup
	loopStop   chan bool
}

func NewControlLoop(options *ControlLoopOptions) (*ControlLoop, error) {
	if options.PID == nil || options.Source == nil || options.Sink == nil || options.Collector == nil {
		return nil, errors.New("NewControlLoop() expected non-nil PID, Source, Sink and Collector")
	}
	if options.Period <= 0 {
		return nil, fmt.Errorf("NewControlLoop() expected positive period; got %v", options.Period)
	}
	if options.LogEvery <= 0 {
		return nil, fmt.Errorf("NewControlLoop() expected positive LogEvery; got %d", options.LogEvery)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	clock := options.Clock
	if clock == nil {
		clock = controller.NewRealtimeClock()
	}

	return &ControlLoop{
		logger:       logger,
		clock:        clock,
		pid:          options.PID,
		source:       options.Source,
		sink:         options.Sink,
		collector:    options.Collector,
		period:       options.Period,
		deadzone:     options.Deadzone,
		logEvery:     options.LogEvery,
		snapshotMux:  &sync.RWMutex{},
		lifecycleMux: &sync.Mutex{},
	}, nil
}

func (c *ControlLoop) Start() error {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()

	if c.loopStarted {
		return errors.New("ControlLoop.Start() failed: control loop already started")
	}
	c.startLocked()
	return nil
}

func (c *ControlLoop) Stop() error {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()

	if !c.loopStarted {
		return errors.New("ControlLoop.Stop() failed: control loop not running")
	}
	c.stopLocked()
	c.resetLocked()
	return nil
}

// Reset stops the loop if running, clears the controller and collected
// timings, then starts a fresh loop.
func (c *ControlLoop) Reset() {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()

	// Stop the control loop before resetting the collector and controller
	// so stale output is not written between each reset.
	if c.loopStarted {
		c.stopLocked()
	}
	c.resetLocked()
	c.startLocked()
}

// Snapshot returns the state after the latest control cycle.
func (c *ControlLoop) Snapshot() Snapshot {
	c.snapshotMux.RLock()
	defer c.snapshotMux.RUnlock()
	return c.snapshot
}

// Timing aggregates the control cycle periods collected so far.
func (c *ControlLoop) Timing() *timing.Aggregation {
	return c.collector.Aggregate()
}

// Tuning reports the gain schedule and output limits. These never change
// after construction, so no locking is needed.
func (c *ControlLoop) Tuning() Tuning {
	kp, ki := c.pid.Schedule()
	var t Tuning
	t.KpSpeeds, t.KpGains = kp.Breakpoints()
	t.KiSpeeds, t.KiGains = ki.Breakpoints()
	t.NegLimit, t.PosLimit = c.pid.Limits()
	return t
}

func (c *ControlLoop) startLocked() {
	c.loopStop = make(chan bool, 1)
	c.loopWaiter = &sync.WaitGroup{}
	c.loopWaiter.Add(1)
	go c.controlLoop()
	c.loopStarted = true
}

func (c *ControlLoop) stopLocked() {
	close(c.loopStop)
	c.loopWaiter.Wait()
	c.loopStarted = false
}

func (c *ControlLoop) resetLocked() {
	c.collector.Reset()
	c.pid.Reset()
	c.cycles = 0
	c.lastCycle = time.Time{}

	c.snapshotMux.Lock()
	wasEngaged := c.snapshot.Engaged
	c.snapshot = Snapshot{}
	c.snapshotMux.Unlock()

	if wasEngaged {
		c.logger.LogEngagement(false)
	}
}

func (c *ControlLoop) controlLoop() {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	defer c.loopWaiter.Done()

	for {
		select {
		case <-ticker.C:
			c.cycle()
		case <-c.loopStop:
			return
		}
	}
}

// cycle runs a single control cycle.
func (c *ControlLoop) cycle() {
	now := c.clock.Now()
	if !c.lastCycle.IsZero() {
		c.collector.Add(now.Sub(c.lastCycle))
	}
	c.lastCycle = now

	reading, ok := c.source.Latest()
	if !ok || !reading.Engaged {
		c.disengage()
	} else {
		c.engage(reading)
	}

	c.cycles++
	if c.cycles%c.logEvery == 0 {
		aggregation := c.collector.Aggregate()
		c.logger.LogCycleTiming(aggregation.P50.Seconds(), aggregation.P75.Seconds(), aggregation.P95.Seconds())
		c.logger.LogControllerState(c.Snapshot().State)
	}
}

func (c *ControlLoop) engage(reading transport.Reading) {
	output := c.pid.Update(controller.Sample{
		Setpoint:         reading.Setpoint,
		Measurement:      reading.Measurement,
		Speed:            reading.Speed,
		Feedforward:      reading.Feedforward,
		Deadzone:         c.deadzone,
		Override:         reading.Override,
		FreezeIntegrator: reading.FreezeIntegrator,
	})
	command := transport.Command{Value: output, Saturated: c.pid.Saturated()}

	c.snapshotMux.Lock()
	wasEngaged := c.snapshot.Engaged
	c.snapshot = Snapshot{Engaged: true, Command: command, State: c.pid.State()}
	c.snapshotMux.Unlock()

	if !wasEngaged {
		c.logger.LogEngagement(true)
	}

	// A command not delivered within one period is superseded by the next.
	ctx, cancel := context.WithTimeout(context.Background(), c.period)
	defer cancel()
	if err := c.sink.Send(ctx, command); err != nil {
		if !c.sinkFailing {
			log.Printf("could not send command: %v\n", err)
			c.sinkFailing = true
		}
	} else if c.sinkFailing {
		log.Printf("command delivery recovered\n")
		c.sinkFailing = false
	}
	c.logger.LogCommand(output)
}

// disengage resets the controller once on the transition out of engagement,
// so that re-engaging starts from a clean state.
func (c *ControlLoop) disengage() {
	c.snapshotMux.Lock()
	wasEngaged := c.snapshot.Engaged
	c.snapshot = Snapshot{}
	c.snapshotMux.Unlock()

	if wasEngaged {
		c.pid.Reset()
		c.logger.LogEngagement(false)
	}
}
