package canbus

import (
	"context"
	"fmt"
	"net"

	"github.com/kcz17/latcontrol/transport"
	"go.einride.tech/can/pkg/socketcan"
)

// Sink transmits one command frame per command.
type Sink struct {
	conn      net.Conn
	tx        *socketcan.Transmitter
	commandID uint32
}

func DialSink(ctx context.Context, iface string, commandID uint32) (*Sink, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	return &Sink{
		conn:      conn,
		tx:        socketcan.NewTransmitter(conn),
		commandID: commandID,
	}, nil
}

func (s *Sink) Send(ctx context.Context, c transport.Command) error {
	if err := s.tx.TransmitFrame(ctx, EncodeCommand(s.commandID, c)); err != nil {
		return fmt.Errorf("could not transmit command frame: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
