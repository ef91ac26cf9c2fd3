package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reading is the latest vehicle state relevant to lateral control.
type Reading struct {
	Setpoint         float64 `json:"setpoint"`
	Measurement      float64 `json:"measurement"`
	Speed            float64 `json:"speed"`
	Feedforward      float64 `json:"feedforward"`
	Override         bool    `json:"override"`
	FreezeIntegrator bool    `json:"freezeIntegrator"`
	// Engaged reports whether lateral control is active. Commands are only
	// sent while engaged.
	Engaged bool `json:"engaged"`
}

// Command is the actuator command computed for a single control cycle.
type Command struct {
	Value     float64 `json:"value"`
	Saturated bool    `json:"saturated"`
}

// Source provides the most recent Reading. ok is false if no reading is
// available or the latest reading has gone stale.
type Source interface {
	Latest() (r Reading, ok bool)
}

// Sink delivers commands to an actuator.
type Sink interface {
	Send(ctx context.Context, c Command) error
	Close() error
}

// ReadingBuffer holds the latest Reading received asynchronously, such as
// from a bus receiver goroutine.
type ReadingBuffer struct {
	maxAge time.Duration
	now    func() time.Time

	mux      *sync.RWMutex
	reading  Reading
	received time.Time
	hasValue bool
}

// NewReadingBuffer creates a buffer whose reading expires maxAge after it was
// stored. A non-positive maxAge disables expiry.
func NewReadingBuffer(maxAge time.Duration) *ReadingBuffer {
	return &ReadingBuffer{
		maxAge: maxAge,
		now:    time.Now,
		mux:    &sync.RWMutex{},
	}
}

func (b *ReadingBuffer) Store(r Reading) {
	b.mux.Lock()
	b.reading = r
	b.received = b.now()
	b.hasValue = true
	b.mux.Unlock()
}

func (b *ReadingBuffer) Latest() (Reading, bool) {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if !b.hasValue {
		return Reading{}, false
	}
	if b.maxAge > 0 && b.now().Sub(b.received) > b.maxAge {
		return Reading{}, false
	}
	return b.reading, true
}

// multiSink sends each command to every sink in order.
type multiSink struct {
	sinks []Sink
}

func NewMultiSink(primary Sink, others ...Sink) Sink {
	if len(others) == 0 {
		return primary
	}
	return &multiSink{sinks: append([]Sink{primary}, others...)}
}

// Send attempts delivery to every sink even if an earlier sink fails, and
// returns the first error encountered.
func (m *multiSink) Send(ctx context.Context, c Command) error {
	var firstErr error
	for i, s := range m.sinks {
		if err := s.Send(ctx, c); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink %d could not send command: %w", i, err)
		}
	}
	return firstErr
}

func (m *multiSink) Close() error {
	var firstErr error
	for i, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink %d could not close: %w", i, err)
		}
	}
	return firstErr
}
