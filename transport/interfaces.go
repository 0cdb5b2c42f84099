// Package transport defines the I/O boundaries of a bridge: the serial byte
// stream to the radio and the Ethernet-style tunnel interface.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

// Port is a byte-oriented duplex stream to the radio.
type Port interface {
	io.ReadWriteCloser
}

// ByteHandler receives raw bytes from the radio as they arrive. The slice is
// only valid for the duration of the call.
type ByteHandler func(p []byte)

// Tunnel is a virtual Ethernet interface. Read blocks until the next frame
// is available; each Read and Write carries exactly one Ethernet frame.
type Tunnel interface {
	// Name returns the interface name, e.g. "xbee0".
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// IsUp reports whether the interface is administratively up.
	IsUp() bool
	// HardwareAddr returns the interface's own Ethernet address.
	HardwareAddr() net.HardwareAddr
	// IPv4 returns the interface's configured IPv4 address, or nil.
	IPv4() net.IP
	Close() error
}

// StateHandler is called when a transport's connection state changes.
type StateHandler func(event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultPumpBufferSize is the read size used by Pump.
const DefaultPumpBufferSize = 1024

// Pump is the pull adapter for inbound bytes: it reads from r and passes
// every chunk to fn until ctx is done or the read fails. It returns nil on
// cancellation or io.EOF.
func Pump(ctx context.Context, r io.Reader, fn ByteHandler) error {
	buf := make([]byte, DefaultPumpBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
