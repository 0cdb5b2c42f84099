//go:build !linux

package tap

import "net"

// Device is unavailable on this platform.
type Device struct{}

// Open always fails with ErrUnsupported.
func Open(cfg Config) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Name() string                   { return "" }
func (d *Device) Read(p []byte) (int, error)     { return 0, ErrUnsupported }
func (d *Device) Write(p []byte) (int, error)    { return 0, ErrUnsupported }
func (d *Device) IsUp() bool                     { return false }
func (d *Device) HardwareAddr() net.HardwareAddr { return nil }
func (d *Device) IPv4() net.IP                   { return nil }
func (d *Device) Close() error                   { return nil }
