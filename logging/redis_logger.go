package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/kcz17/latcontrol/controller"
)

// redisEventBuffer is the number of events queued for publishing before new
// events are dropped.
const redisEventBuffer = 1024

// redisLogger publishes each event as JSON on a Redis channel, allowing live
// dashboards to subscribe to the control loop. Events are published
// asynchronously so that a slow or unreachable Redis never delays the caller.
type redisLogger struct {
	client  *redis.Client
	channel string

	events  chan event
	dropped uint64 // Accessed atomically.
	quit    chan struct{}
	closed  *sync.Once
	drainWG *sync.WaitGroup
}

// event is the message published for every logged event. Fields irrelevant
// to the event kind are omitted.
type event struct {
	Kind      string            `json:"kind"`
	Time      time.Time         `json:"time"`
	State     *controller.State `json:"state,omitempty"`
	Command   *float64          `json:"command,omitempty"`
	CycleP50  *float64          `json:"cycle_p50,omitempty"`
	CycleP75  *float64          `json:"cycle_p75,omitempty"`
	CycleP95  *float64          `json:"cycle_p95,omitempty"`
	IsEngaged *bool             `json:"engaged,omitempty"`
}

func NewRedisLogger(addr string, password string, db int, channel string) *redisLogger {
	l := &redisLogger{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		channel: channel,
		events:  make(chan event, redisEventBuffer),
		quit:    make(chan struct{}),
		closed:  &sync.Once{},
		drainWG: &sync.WaitGroup{},
	}

	l.drainWG.Add(1)
	go l.drain()
	return l
}

func (l *redisLogger) LogControllerState(state controller.State) {
	l.enqueue(event{Kind: "state", State: &state})
}

func (l *redisLogger) LogCommand(command float64) {
	l.enqueue(event{Kind: "command", Command: &command})
}

func (l *redisLogger) LogCycleTiming(p50 float64, p75 float64, p95 float64) {
	l.enqueue(event{Kind: "cycle_timing", CycleP50: &p50, CycleP75: &p75, CycleP95: &p95})
}

func (l *redisLogger) LogEngagement(engaged bool) {
	l.enqueue(event{Kind: "engagement", IsEngaged: &engaged})
}

// Close discards queued events. Closing the client first aborts any publish
// blocked on the network.
func (l *redisLogger) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.quit)
		err = l.client.Close()
		l.drainWG.Wait()
	})
	return err
}

// enqueue never blocks. Events are dropped while the buffer is full or after
// Close.
func (l *redisLogger) enqueue(e event) {
	e.Time = time.Now()
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.events <- e:
	default:
		atomic.AddUint64(&l.dropped, 1)
	}
}

func (l *redisLogger) drain() {
	defer l.drainWG.Done()
	for {
		select {
		case <-l.quit:
			return
		case e := <-l.events:
			l.publish(e)
		}
	}
}

func (l *redisLogger) publish(e event) {
	if dropped := atomic.SwapUint64(&l.dropped, 0); dropped > 0 {
		log.Printf("redis logging dropped %d events while publishing was behind\n", dropped)
	}

	payload, err := encodeEvent(e, e.Time)
	if err != nil {
		log.Printf("redis logging encode error: %v\n", err)
		return
	}
	if err := l.client.Publish(l.channel, payload).Err(); err != nil {
		log.Printf("redis logging publish error: %v\n", err)
	}
}

func encodeEvent(e event, now time.Time) ([]byte, error) {
	e.Time = now
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s event: %w", e.Kind, err)
	}
	return b, nil
}
