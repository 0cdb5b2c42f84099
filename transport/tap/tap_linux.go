//go:build linux

package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Device is a Linux TAP interface opened without packet information, so
// every Read and Write carries a bare Ethernet frame.
type Device struct {
	name string
	hw   net.HardwareAddr
	log  *slog.Logger

	file *os.File
	// ctl is an AF_INET datagram socket used for interface ioctls.
	ctl int

	closeOnce sync.Once
	closeErr  error
}

// Open creates the TAP interface described by cfg.
func Open(cfg Config) (*Device, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: opening %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: %w", err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: set nonblock: %w", err)
	}

	ctl, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: control socket: %w", err)
	}

	d := &Device{
		name: ifr.Name(),
		log:  cfg.Logger.WithGroup("tap"),
		file: os.NewFile(uintptr(fd), cloneDevice),
		ctl:  ctl,
	}

	// Address and MTU failures leave a usable interface.
	if len(cfg.HardwareAddr) == 6 {
		if err := d.setHardwareAddr(cfg.HardwareAddr); err != nil {
			d.log.Warn("unable to set hardware address", "interface", d.name, "error", err)
		} else {
			d.hw = append(net.HardwareAddr(nil), cfg.HardwareAddr...)
		}
	}
	if err := d.setMTU(cfg.MTU); err != nil {
		d.log.Warn("unable to set mtu", "interface", d.name, "mtu", cfg.MTU, "error", err)
	}
	if cfg.Up {
		if err := d.setUp(); err != nil {
			d.log.Warn("unable to bring interface up", "interface", d.name, "error", err)
		}
	}

	d.log.Info("interface created", "interface", d.name, "hwaddr", d.HardwareAddr().String(), "mtu", cfg.MTU)
	return d, nil
}

// Name returns the kernel's name for the interface.
func (d *Device) Name() string {
	return d.name
}

// Read reads one Ethernet frame.
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.file.Read(p)
	if errors.Is(err, os.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

// Write writes one Ethernet frame.
func (d *Device) Write(p []byte) (int, error) {
	n, err := d.file.Write(p)
	if errors.Is(err, os.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

// IsUp reports whether IFF_UP is set on the interface.
func (d *Device) IsUp() bool {
	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return false
	}
	if err := unix.IoctlIfreq(d.ctl, unix.SIOCGIFFLAGS, ifr); err != nil {
		return false
	}
	return ifr.Uint16()&unix.IFF_UP != 0
}

// HardwareAddr returns the interface's Ethernet address.
func (d *Device) HardwareAddr() net.HardwareAddr {
	if d.hw != nil {
		return d.hw
	}
	iface, err := net.InterfaceByName(d.name)
	if err != nil {
		return nil
	}
	return iface.HardwareAddr
}

// IPv4 returns the interface's primary IPv4 address, or nil if none is
// configured.
func (d *Device) IPv4() net.IP {
	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return nil
	}
	if err := unix.IoctlIfreq(d.ctl, unix.SIOCGIFADDR, ifr); err != nil {
		return nil
	}
	addr, err := ifr.Inet4Addr()
	if err != nil {
		return nil
	}
	return net.IP(addr)
}

// Close removes the interface.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.file.Close()
		unix.Close(d.ctl)
		d.log.Info("interface closed", "interface", d.name)
	})
	return d.closeErr
}

func (d *Device) setMTU(mtu int) error {
	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	return unix.IoctlIfreq(d.ctl, unix.SIOCSIFMTU, ifr)
}

func (d *Device) setUp() error {
	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(d.ctl, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP)
	return unix.IoctlIfreq(d.ctl, unix.SIOCSIFFLAGS, ifr)
}

// ifreqHwaddr is struct ifreq with the ifr_hwaddr sockaddr member.
type ifreqHwaddr struct {
	Name   [unix.IFNAMSIZ]byte
	Family uint16
	Data   [14]byte
	_      [8]byte
}

func (d *Device) setHardwareAddr(hw net.HardwareAddr) error {
	var req ifreqHwaddr
	copy(req.Name[:], d.name)
	req.Family = unix.ARPHRD_ETHER
	copy(req.Data[:], hw)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.ctl), uintptr(unix.SIOCSIFHWADDR), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return errno
	}
	return nil
}
