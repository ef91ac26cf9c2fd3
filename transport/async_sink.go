package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const defaultAsyncCloseTimeout = time.Second

// asyncSink queues commands for delivery on a separate goroutine, so that a
// slow secondary sink such as a network queue never stalls the control loop.
type asyncSink struct {
	sink     Sink
	commands chan Command
	dropped  uint64 // Accessed atomically.

	quit         chan struct{}
	closeOnce    *sync.Once
	drainWG      *sync.WaitGroup
	closeTimeout time.Duration
}

// NewAsyncSink wraps sink with a queue of buffer commands. Send never blocks
// and returns an error when the command is dropped because the queue is full.
func NewAsyncSink(sink Sink, buffer int) (Sink, error) {
	if buffer <= 0 {
		return nil, fmt.Errorf("NewAsyncSink() expected positive buffer; got %d", buffer)
	}

	s := &asyncSink{
		sink:         sink,
		commands:     make(chan Command, buffer),
		quit:         make(chan struct{}),
		closeOnce:    &sync.Once{},
		drainWG:      &sync.WaitGroup{},
		closeTimeout: defaultAsyncCloseTimeout,
	}
	s.drainWG.Add(1)
	go s.drain()
	return s, nil
}

func (s *asyncSink) Send(_ context.Context, c Command) error {
	select {
	case <-s.quit:
		return errors.New("async sink closed")
	default:
	}
	select {
	case s.commands <- c:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		return errors.New("async sink queue full; command dropped")
	}
}

// Close delivers queued commands for up to closeTimeout, then closes the
// wrapped sink.
func (s *asyncSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)

		done := make(chan struct{})
		go func() {
			s.drainWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.closeTimeout):
			log.Printf("async sink gave up delivering queued commands after %v\n", s.closeTimeout)
		}

		err = s.sink.Close()
	})
	return err
}

func (s *asyncSink) drain() {
	defer s.drainWG.Done()
	for {
		select {
		case c := <-s.commands:
			s.deliver(c)
		case <-s.quit:
			for {
				select {
				case c := <-s.commands:
					s.deliver(c)
				default:
					return
				}
			}
		}
	}
}

func (s *asyncSink) deliver(c Command) {
	if dropped := atomic.SwapUint64(&s.dropped, 0); dropped > 0 {
		log.Printf("async sink dropped %d commands while delivery was behind\n", dropped)
	}
	if err := s.sink.Send(context.Background(), c); err != nil {
		log.Printf("async sink could not deliver command: %v\n", err)
	}
}
