// Package xbee drives a serial-attached radio running API firmware.
//
// A Device sits between the serial transport and the bridge. It handles:
//   - Command mode emulation: the guard-time delimited "+++" escape, textual
//     AT requests and responses, and exiting back to framed operation
//   - API framing: every transmit is encoded and written under a single
//     transmit lock; received bytes are decoded under a separate receive lock
//   - Device query: reading the radio's address, network address and
//     firmware details with per-command timeouts and retries
//   - Envelope dispatch: explicit-addressing receives are routed to handlers
//     registered by (profile, cluster, endpoint)
//   - Node discovery: ND requests and node identification indications
//
// Inbound bytes are pushed with HandleBytes, either from a transport read
// loop or from transport.Pump.
package xbee

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/clock"
	"github.com/paralin/xbee-netdev/core/codec"
)

const (
	// DefaultGuardTime is the silence required before and after the escape
	// sequence (ATGT default).
	DefaultGuardTime = time.Second
	// DefaultEscapeChar is the command sequence character (ATCC default).
	DefaultEscapeChar = '+'
	// DefaultIdleTimeout is how long the radio stays in command mode without
	// activity (ATCT default of 100 deciseconds).
	DefaultIdleTimeout = 100 * 100 * time.Millisecond
	// DefaultCommandTimeout bounds each device query command.
	DefaultCommandTimeout = time.Second
	// DefaultQueryRetries is the number of resends per query command.
	DefaultQueryRetries = 3
	// DefaultMaxResponseSize bounds a single command mode response line.
	DefaultMaxResponseSize = 255
)

var (
	// ErrAgain is returned by ReadResponse while the response line is incomplete.
	ErrAgain = errors.New("xbee: response not ready")
	// ErrResponseTooLarge is returned when a command mode response exceeds
	// MaxResponseSize.
	ErrResponseTooLarge = errors.New("xbee: command response too large")
	// ErrNotWaiting is returned by ReadResponse when no request is outstanding.
	ErrNotWaiting = errors.New("xbee: not waiting for a command response")
	// ErrNotCommandMode is returned by command mode operations outside
	// command mode.
	ErrNotCommandMode = errors.New("xbee: not in command mode")
	// ErrBusy is returned while an operation that cannot overlap is running.
	ErrBusy = errors.New("xbee: busy")
	// ErrQueryTimeout is reported by QueryStatus when a query command
	// exhausted its retries.
	ErrQueryTimeout = errors.New("xbee: device query timed out")
	// ErrNoQuery is reported by QueryStatus before StartQuery is called.
	ErrNoQuery = errors.New("xbee: no device query started")
)

// Config configures a Device.
type Config struct {
	// GuardTime is the escape sequence guard time. Default: 1s.
	GuardTime time.Duration
	// EscapeChar is the command sequence character. Default: '+'.
	EscapeChar byte
	// IdleTimeout is the command mode inactivity timeout. Default: 10s.
	IdleTimeout time.Duration
	// CommandTimeout bounds each device query command. Default: 1s.
	CommandTimeout time.Duration
	// QueryRetries is the number of resends per query command. Default: 3.
	QueryRetries int
	// MaxResponseSize bounds command mode response lines. Default: 255.
	MaxResponseSize int
	// MaxFrameSize bounds API frames in both directions.
	// Default: codec.DefaultMaxFrameSize.
	MaxFrameSize int
	// Clock drives guard times and timeouts. Default: clock.System.
	Clock clock.Clock
	// Logger for device events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Device is a radio attached through a byte stream. All methods are safe for
// concurrent use.
type Device struct {
	cfg     Config
	log     *slog.Logger
	clock   clock.Clock
	encoder codec.Encoder

	// txMu serializes every write to the port.
	txMu sync.Mutex
	port io.Writer

	// rxMu guards the frame decoder.
	rxMu    sync.Mutex
	decoder *codec.Decoder

	// mu guards the remaining state. Lock order: rxMu, then mu, then txMu.
	mu          sync.Mutex
	at          atState
	query       queryState
	info        Info
	nextFrameID byte
	endpoints   map[EndpointKey]EnvelopeHandler
	onNode      NodeHandler

	counters Counters
}

// New creates a Device writing to port.
func New(port io.Writer, cfg Config) *Device {
	if cfg.GuardTime <= 0 {
		cfg.GuardTime = DefaultGuardTime
	}
	if cfg.EscapeChar == 0 {
		cfg.EscapeChar = DefaultEscapeChar
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.QueryRetries <= 0 {
		cfg.QueryRetries = DefaultQueryRetries
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Device{
		cfg:         cfg,
		log:         logger.WithGroup("xbee"),
		clock:       cfg.Clock,
		encoder:     codec.Encoder{MaxFrameSize: cfg.MaxFrameSize},
		port:        port,
		decoder:     codec.NewDecoder(cfg.MaxFrameSize),
		info:        Info{NetworkAddr: core.NetworkAddressUnknown},
		nextFrameID: 1,
		endpoints:   make(map[EndpointKey]EnvelopeHandler),
	}
}

// Counters returns the device's counters.
func (d *Device) Counters() *Counters {
	return &d.counters
}

// write sends raw bytes under the transmit lock.
func (d *Device) write(p []byte) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if _, err := d.port.Write(p); err != nil {
		d.counters.TxErrors.Add(1)
		return fmt.Errorf("writing to radio: %w", err)
	}
	return nil
}

// SendFrame encodes and transmits one API frame. Oversized frames return
// codec.ErrFrameTooLarge without touching the port.
func (d *Device) SendFrame(frameType byte, payload []byte) error {
	frame, err := d.encoder.Encode(frameType, payload)
	if err != nil {
		d.counters.TxDropped.Add(1)
		return err
	}
	if err := d.write(frame); err != nil {
		return err
	}
	d.counters.FramesTx.Add(1)
	return nil
}

// allocFrameID returns the next non-zero frame ID. Caller holds mu.
func (d *Device) allocFrameID() byte {
	id := d.nextFrameID
	d.nextFrameID++
	if d.nextFrameID == 0 {
		d.nextFrameID = 1
	}
	return id
}

// SendATCommand transmits a local AT command frame and returns its frame ID.
func (d *Device) SendATCommand(name string, param []byte) (byte, error) {
	d.mu.Lock()
	id := d.allocFrameID()
	d.mu.Unlock()

	cmd := codec.NewATCommand(id, name, param)
	return id, d.SendFrame(codec.FrameATCommand, cmd.Payload())
}

// HandleBytes consumes bytes received from the radio. While a command mode
// exchange is active the bytes are collected as response text; otherwise
// they are decoded as API frames and dispatched. Frames are dispatched after
// the receive lock is released, in arrival order.
func (d *Device) HandleBytes(p []byte) {
	d.rxMu.Lock()
	d.mu.Lock()
	textMode := d.at.capturing()
	if textMode {
		d.at.buf = append(d.at.buf, p...)
	}
	d.mu.Unlock()
	if textMode {
		d.rxMu.Unlock()
		return
	}

	frames, invalid := d.decoder.Write(p)
	d.rxMu.Unlock()

	if invalid > 0 {
		d.counters.FramesInvalid.Add(uint64(invalid))
		d.log.Debug("discarded invalid frames", "count", invalid)
	}
	for _, f := range frames {
		d.counters.FramesRx.Add(1)
		d.dispatch(f)
	}
}

func (d *Device) dispatch(f *codec.Frame) {
	switch f.Type {
	case codec.FrameATResponse:
		resp, err := codec.ParseATResponse(f.Payload)
		if err != nil {
			d.log.Debug("bad at response", "error", err)
			return
		}
		d.handleATResponse(resp)

	case codec.FrameModemStatus:
		st, err := codec.ParseModemStatus(f.Payload)
		if err != nil {
			d.log.Debug("bad modem status", "error", err)
			return
		}
		d.log.Info("modem status", "status", st.String())

	case codec.FrameTxStatus:
		st, err := codec.ParseTxStatus(f.Payload)
		if err != nil {
			d.log.Debug("bad tx status", "error", err)
			return
		}
		if !st.Delivered() {
			d.counters.TxNotDelivered.Add(1)
			d.log.Debug("transmit not delivered",
				"frame_id", st.FrameID, "status", st.DeliveryStatus, "retries", st.Retries)
		}

	case codec.FrameExplicitRx:
		rx, err := codec.ParseExplicitRx(f.Payload)
		if err != nil {
			d.log.Debug("bad explicit rx", "error", err)
			return
		}
		d.handleExplicitRx(rx)

	case codec.FrameNodeIdentification:
		rec, err := codec.ParseNodeIdentification(f.Payload)
		if err != nil {
			d.log.Debug("bad node identification", "error", err)
			return
		}
		d.handleNode(rec)

	default:
		d.counters.Unhandled.Add(1)
		d.log.Debug("unhandled frame", "type", fmt.Sprintf("0x%02x", f.Type), "len", len(f.Payload))
	}
}

func (d *Device) handleATResponse(resp *codec.ATResponse) {
	if resp.Name() == "ND" {
		if resp.Status != codec.ATStatusOK || len(resp.Data) == 0 {
			return
		}
		rec, err := codec.ParseNodeRecord(resp.Data)
		if err != nil {
			d.log.Debug("bad discovery response", "error", err)
			return
		}
		d.handleNode(rec)
		return
	}

	next, ok := d.queryResponse(resp)
	if !ok {
		d.log.Debug("unsolicited at response", "command", resp.Name(), "status", resp.Status.String())
		return
	}
	if next != "" {
		d.sendQueryCommand(next)
	}
}
