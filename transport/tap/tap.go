// Package tap provides the virtual Ethernet interface the bridge exposes to
// the host.
package tap

import (
	"errors"
	"log/slog"
	"net"

	"github.com/paralin/xbee-netdev/core/codec"
	"github.com/paralin/xbee-netdev/transport"
)

// NamePrefix prefixes interface names derived from a serial port.
const NamePrefix = "xbee"

var (
	// ErrUnsupported is returned by Open on platforms without TAP support.
	ErrUnsupported = errors.New("tap: not supported on this platform")
	// ErrNameTooLong is returned for interface names over the kernel limit.
	ErrNameTooLong = errors.New("tap: interface name too long")
	// ErrClosed is returned by operations on a closed interface.
	ErrClosed = errors.New("tap: interface closed")
)

// maxNameLen is IFNAMSIZ minus the terminating NUL.
const maxNameLen = 15

// Config configures a TAP interface.
type Config struct {
	// Name is the interface name. Empty lets the kernel choose.
	Name string
	// HardwareAddr is assigned to the interface when set.
	HardwareAddr net.HardwareAddr
	// MTU defaults to codec.DataMTU.
	MTU int
	// Up brings the interface up after creation.
	Up bool
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if len(c.Name) > maxNameLen {
		return ErrNameTooLong
	}
	if c.MTU <= 0 {
		c.MTU = codec.DataMTU
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// InterfaceName returns the interface name for a serial port short name,
// e.g. "xbeeUSB0" for "USB0".
func InterfaceName(port string) string {
	name := NamePrefix + port
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

var _ transport.Tunnel = (*Device)(nil)
