// Package serial provides the serial link to the radio.
//
// The transport opens the port with go.bug.st/serial and runs a read loop
// that pushes every chunk of received bytes to a transport.ByteHandler.
// Framing is left to the radio device layer, which sees the same byte
// stream in command mode and in API mode.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paralin/xbee-netdev/transport"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is used when no baud rate is given.
	DefaultBaudRate = 115200
	// DefaultDataBits is the character size of the radio's UART.
	DefaultDataBits = 8

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

var (
	// ErrNotConnected is returned by Write before Start or after Stop.
	ErrNotConnected = errors.New("serial: not connected")
	// ErrPortRequired is returned when Config.Port is empty.
	ErrPortRequired = errors.New("serial: port is required")
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// DataBits is the character size, 5 to 8. Defaults to 8.
	DataBits int
	// Parity defaults to serial.NoParity.
	Parity serial.Parity
	// StopBits defaults to serial.OneStopBit.
	StopBits serial.StopBits
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the port options after defaults are applied.
func (c Config) Validate() error {
	if c.Port == "" {
		return ErrPortRequired
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("serial: invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: invalid data bits %d", c.DataBits)
	}
	switch c.Parity {
	case serial.NoParity, serial.OddParity, serial.EvenParity, serial.MarkParity, serial.SpaceParity:
	default:
		return fmt.Errorf("serial: invalid parity %d", c.Parity)
	}
	switch c.StopBits {
	case serial.OneStopBit, serial.OnePointFiveStopBits, serial.TwoStopBits:
	default:
		return fmt.Errorf("serial: invalid stop bits %d", c.StopBits)
	}
	return nil
}

func (c Config) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
}

// openFunc opens a port. It is replaced in tests.
type openFunc func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

func openPort(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// Transport is a serial connection to the radio.
type Transport struct {
	cfg  Config
	log  *slog.Logger
	open openFunc

	mu           sync.RWMutex
	port         io.ReadWriteCloser
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	byteHandler  transport.ByteHandler
	stateHandler transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = DefaultDataBits
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("serial"),
		open: openPort,
	}
}

// Name returns the base name of the port without a leading "tty", e.g.
// "USB0" for "/dev/ttyUSB0".
func (t *Transport) Name() string {
	return PortName(t.cfg.Port)
}

// PortName strips the directory and a leading "tty" from a port path.
func PortName(path string) string {
	return strings.TrimPrefix(filepath.Base(path), "tty")
}

// Start opens the serial port and begins reading.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	port, err := t.open(t.cfg.Port, t.cfg.mode())
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.cancel = cancel
	t.done = done
	handler := t.stateHandler
	t.mu.Unlock()

	go t.readLoop(readCtx, port, done)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and waits for the read loop to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	port := t.port
	done := t.done
	wasConnected := t.connected
	handler := t.stateHandler
	t.cancel = nil
	t.port = nil
	t.done = nil
	t.connected = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if wasConnected && handler != nil {
		handler(transport.EventDisconnected)
	}

	return err
}

// Close is Stop.
func (t *Transport) Close() error {
	return t.Stop()
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetByteHandler sets the callback for received bytes.
func (t *Transport) SetByteHandler(fn transport.ByteHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byteHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Write writes raw bytes to the port.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return 0, ErrNotConnected
	}

	n, err := port.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing to serial port: %w", err)
	}
	return n, nil
}

// readLoop reads from the port until it is closed or ctx is canceled.
func (t *Transport) readLoop(ctx context.Context, port io.Reader, done chan struct{}) {
	defer close(done)

	err := transport.Pump(ctx, port, func(p []byte) {
		t.mu.RLock()
		handler := t.byteHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(p)
		}
	})
	if ctx.Err() != nil {
		return
	}
	t.handleDisconnect(err)
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
		if handler != nil {
			handler(transport.EventError)
		}
	} else {
		t.log.Warn("serial port closed by peer")
	}

	if handler != nil {
		handler(transport.EventDisconnected)
	}
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
