package canbus

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/kcz17/latcontrol/transport"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// Source decodes state frames from a SocketCAN interface in a background
// goroutine and exposes the latest reading.
type Source struct {
	conn    net.Conn
	recv    *socketcan.Receiver
	stateID uint32
	buffer  *transport.ReadingBuffer
	wg      *sync.WaitGroup
}

// DialSource opens iface and starts receiving. Readings older than maxAge are
// reported as unavailable.
func DialSource(ctx context.Context, iface string, stateID uint32, maxAge time.Duration) (*Source, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}

	s := &Source{
		conn:    conn,
		recv:    socketcan.NewReceiver(conn),
		stateID: stateID,
		buffer:  transport.NewReadingBuffer(maxAge),
		wg:      &sync.WaitGroup{},
	}
	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

func (s *Source) Latest() (transport.Reading, bool) {
	return s.buffer.Latest()
}

// Close closes the socket, which ends the receive loop.
func (s *Source) Close() error {
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *Source) receiveLoop() {
	defer s.wg.Done()
	for s.recv.Receive() {
		s.handleFrame(s.recv.Frame())
	}
	if err := s.recv.Err(); err != nil {
		log.Printf("can source stopped receiving: %v\n", err)
	}
}

func (s *Source) handleFrame(f can.Frame) {
	if f.ID != s.stateID || f.IsRemote {
		return
	}
	r, err := DecodeState(f)
	if err != nil {
		log.Printf("dropping malformed state frame: %v\n", err)
		return
	}
	s.buffer.Store(r)
}
