package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/adjust/rmq/v3"
	"github.com/kcz17/latcontrol/transport"
)

// message is the JSON payload published for every command.
type message struct {
	Value     float64   `json:"value"`
	Saturated bool      `json:"saturated"`
	Time      time.Time `json:"time"`
}

// RMQSink publishes commands to a Redis-backed rmq queue, letting consumers
// such as recorders or secondary actuators process them asynchronously.
type RMQSink struct {
	connection rmq.Connection
	queue      rmq.Queue
	errChan    chan error
}

func NewRMQSink(addr string, db int, name string) (*RMQSink, error) {
	errChan := make(chan error, 10)
	connection, err := rmq.OpenConnection("latcontrol", "tcp", addr, db, errChan)
	if err != nil {
		return nil, fmt.Errorf("could not open rmq connection: %w", err)
	}

	queue, err := connection.OpenQueue(name)
	if err != nil {
		return nil, fmt.Errorf("could not open rmq queue %s: %w", name, err)
	}

	// Background errors such as failed heartbeats are only reported.
	go func() {
		for err := range errChan {
			log.Printf("rmq background error: %v\n", err)
		}
	}()

	return &RMQSink{
		connection: connection,
		queue:      queue,
		errChan:    errChan,
	}, nil
}

// Send publishes c unless ctx is already done. rmq offers no way to cancel
// a publish in flight, so wrap the sink with transport.NewAsyncSink when
// sending from the control loop.
func (s *RMQSink) Send(ctx context.Context, c transport.Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("command not published: %w", err)
	}
	payload, err := encodeCommand(c, time.Now())
	if err != nil {
		return err
	}
	if err := s.queue.PublishBytes(payload); err != nil {
		return fmt.Errorf("could not publish command: %w", err)
	}
	return nil
}

func (s *RMQSink) Close() error {
	<-s.connection.StopAllConsuming()
	return nil
}

func encodeCommand(c transport.Command, now time.Time) ([]byte, error) {
	b, err := json.Marshal(message{Value: c.Value, Saturated: c.Saturated, Time: now})
	if err != nil {
		return nil, fmt.Errorf("could not marshal command: %w", err)
	}
	return b, nil
}
